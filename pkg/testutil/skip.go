// Package testutil holds helpers shared by integration tests.
package testutil

import "testing"

// SkipIfShort skips tests that need external services when -short is set.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}
