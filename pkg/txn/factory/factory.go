// Package factory builds transaction managers from configuration.
package factory

import (
	"fmt"
	"strings"

	"github.com/cairnrepo/cairn/pkg/changes"
	"github.com/cairnrepo/cairn/pkg/config"
	"github.com/cairnrepo/cairn/pkg/observability/logger"
	"github.com/cairnrepo/cairn/pkg/txn"
	"github.com/cairnrepo/cairn/pkg/txn/dbtx"
	"github.com/cairnrepo/cairn/pkg/txn/local"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
)

// NewManager selects and initializes a transaction manager from config.
func NewManager(cfg config.TransactionsConfig, log logger.Logger) (txn.Manager, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case config.TransactionProviderLocal:
		return local.NewLocalManager(local.Config{
			Timeout: cfg.Timeout,
		}, log)
	case config.TransactionProviderPostgres:
		return dbtx.NewSQLManager(dbtx.Config{
			Driver:          "postgres",
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		}, log)
	case config.TransactionProviderMySQL:
		return dbtx.NewSQLManager(dbtx.Config{
			Driver:          "mysql",
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported transactions.provider %q (supported: local, postgres, mysql)", cfg.Provider)
	}
}

// NewCoordinator builds the transaction coordinator for the configured
// provider, wrapping the manager selected by NewManager.
func NewCoordinator(cfg config.TransactionsConfig, monitors changes.MonitorFactory, log logger.Logger) (*txn.Coordinator, error) {
	mgr, err := NewManager(cfg, log)
	if err != nil {
		return nil, err
	}
	return txn.NewCoordinator(txn.Config{Trace: cfg.Trace}, mgr, monitors, log)
}
