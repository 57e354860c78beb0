// Package tracing provides OpenTelemetry distributed tracing support for the library.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation represents a traced operation type.
type SpanOperation string

// Span operation constants for different operation types
const (
	// SpanOperationTxnBegin represents starting a transaction
	SpanOperationTxnBegin SpanOperation = "txn.begin"
	// SpanOperationTxnCommit represents committing a transaction
	SpanOperationTxnCommit SpanOperation = "txn.commit"
	// SpanOperationTxnRollback represents rolling back a transaction
	SpanOperationTxnRollback SpanOperation = "txn.rollback"
	// SpanOperationTxnSuspend represents suspending a transaction
	SpanOperationTxnSuspend SpanOperation = "txn.suspend"
	// SpanOperationTxnResume represents resuming a suspended transaction
	SpanOperationTxnResume SpanOperation = "txn.resume"

	// SpanOperationCacheNotify represents notifying a workspace cache of changes
	SpanOperationCacheNotify SpanOperation = "cache.notify"
	// SpanOperationCachePublish represents publishing changes to peer caches
	SpanOperationCachePublish SpanOperation = "cache.publish"
	// SpanOperationCacheApply represents applying remotely published changes
	SpanOperationCacheApply SpanOperation = "cache.apply"
)

// StartTransactionSpan creates a new span for a transaction lifecycle operation.
// It includes transaction-specific attributes like operation type, transaction ID, and mode.
func StartTransactionSpan(ctx context.Context, operation SpanOperation, opts ...TransactionSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("txn")

	spanOpts := &transactionSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("txn.operation", string(operation)),
		},
	}

	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("TXN %s", operation)
	if spanOpts.id != "" {
		spanName = fmt.Sprintf("TXN %s %s", operation, spanOpts.id)
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))

	// Add all attributes to span
	span.SetAttributes(spanOpts.attributes...)

	return ctx, span
}

// TransactionSpanOption configures a transaction span.
type TransactionSpanOption func(*transactionSpanOptions)

type transactionSpanOptions struct {
	id         string
	attributes []attribute.KeyValue
}

// WithTransactionID sets the transaction identifier for the span.
func WithTransactionID(id string) TransactionSpanOption {
	return func(opts *transactionSpanOptions) {
		opts.id = id
		opts.attributes = append(opts.attributes, attribute.String("txn.id", id))
	}
}

// WithTransactionMode sets the handle mode (e.g., "owned", "ambient").
func WithTransactionMode(mode string) TransactionSpanOption {
	return func(opts *transactionSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("txn.mode", mode))
	}
}

// WithTransactionProvider sets the transaction provider (e.g., "local", "postgres").
func WithTransactionProvider(provider string) TransactionSpanOption {
	return func(opts *transactionSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("txn.provider", provider))
	}
}

// WithCompletionCount sets the number of completion functions dispatched.
func WithCompletionCount(count int) TransactionSpanOption {
	return func(opts *transactionSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("txn.completions", count))
	}
}

// StartCacheSpan creates a new span for a workspace cache operation.
// It includes cache-specific attributes like operation type and workspace name.
func StartCacheSpan(ctx context.Context, operation SpanOperation, opts ...CacheSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("cache")

	spanOpts := &cacheSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("cache.operation", string(operation)),
		},
	}

	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("CACHE %s", operation)
	if spanOpts.workspace != "" {
		spanName = fmt.Sprintf("CACHE %s %s", operation, spanOpts.workspace)
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))

	// Add all attributes to span
	span.SetAttributes(spanOpts.attributes...)

	return ctx, span
}

// CacheSpanOption configures a cache span.
type CacheSpanOption func(*cacheSpanOptions)

type cacheSpanOptions struct {
	workspace  string
	attributes []attribute.KeyValue
}

// WithCacheSystem sets the cache system (e.g., "memory", "redis").
func WithCacheSystem(system string) CacheSpanOption {
	return func(opts *cacheSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("cache.system", system))
	}
}

// WithCacheWorkspace sets the workspace name.
func WithCacheWorkspace(workspace string) CacheSpanOption {
	return func(opts *cacheSpanOptions) {
		opts.workspace = workspace
		opts.attributes = append(opts.attributes, attribute.String("cache.workspace", workspace))
	}
}

// WithCacheChanges sets the number of changes carried by the notification.
func WithCacheChanges(count int) CacheSpanOption {
	return func(opts *cacheSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("cache.changes", count))
	}
}

// RecordError records an error in the current span and sets the span status to error.
// This is a convenience function for consistent error recording.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
// This is a convenience function for marking successful operations.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
