package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Transaction provider constants
const (
	// TransactionProviderLocal coordinates transactions in process memory
	TransactionProviderLocal = "local"
	// TransactionProviderPostgres coordinates transactions over PostgreSQL
	TransactionProviderPostgres = "postgres"
	// TransactionProviderMySQL coordinates transactions over MySQL
	TransactionProviderMySQL = "mysql"
)

// Config is the root configuration structure for the storage engine
type Config struct {
	Service       ServiceConfig
	Transactions  TransactionsConfig `mapstructure:"transactions"`
	Cache         CacheConfig
	Observability ObservabilityConfig
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// TransactionsConfig configures the transaction coordination layer
type TransactionsConfig struct {
	Provider        string        `mapstructure:"provider"` // local, postgres, mysql
	Trace           bool          `mapstructure:"trace"`
	Timeout         time.Duration `mapstructure:"timeout"`
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// CacheConfig configures workspace cache behavior
type CacheConfig struct {
	Propagation CachePropagationConfig `mapstructure:"propagation"`
}

// CachePropagationConfig configures Redis-backed change set propagation
// between peer processes.
type CachePropagationConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	Channel          string        `mapstructure:"channel"`
	MaxConns         int           `mapstructure:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// ObservabilityConfig configures logging, metrics, and tracing
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"` // json, text
	ServiceName       string  `mapstructure:"service_name"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
}

// DefaultConfig returns the configuration used when no file, environment
// variable, or flag overrides a setting.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "cairn",
			Environment: "development",
		},
		Transactions: TransactionsConfig{
			Provider:        TransactionProviderLocal,
			Trace:           false,
			Timeout:         0,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Propagation: CachePropagationConfig{
				Enabled:          false,
				Channel:          "cairn:changes",
				MaxConns:         10,
				OperationTimeout: 5 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			ServiceName:       "cairn",
			TracingEnabled:    false,
			TracingSampleRate: 1.0,
		},
	}
}

// Redacted returns the effective configuration as a printable string with
// credentials in connection URLs masked. Safe for startup logging.
func (c *Config) Redacted() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("service.name: %s\n", c.Service.Name))
	sb.WriteString(fmt.Sprintf("service.environment: %s\n", c.Service.Environment))
	sb.WriteString(fmt.Sprintf("transactions.provider: %s\n", c.Transactions.Provider))
	sb.WriteString(fmt.Sprintf("transactions.trace: %v\n", c.Transactions.Trace))
	sb.WriteString(fmt.Sprintf("transactions.timeout: %s\n", c.Transactions.Timeout))
	sb.WriteString(fmt.Sprintf("transactions.url: %s\n", redactURL(c.Transactions.URL)))
	sb.WriteString(fmt.Sprintf("transactions.max_open_conns: %d\n", c.Transactions.MaxOpenConns))
	sb.WriteString(fmt.Sprintf("transactions.max_idle_conns: %d\n", c.Transactions.MaxIdleConns))
	sb.WriteString(fmt.Sprintf("transactions.conn_max_lifetime: %s\n", c.Transactions.ConnMaxLifetime))
	sb.WriteString(fmt.Sprintf("transactions.conn_max_idle_time: %s\n", c.Transactions.ConnMaxIdleTime))
	sb.WriteString(fmt.Sprintf("cache.propagation.enabled: %v\n", c.Cache.Propagation.Enabled))
	sb.WriteString(fmt.Sprintf("cache.propagation.url: %s\n", redactURL(c.Cache.Propagation.URL)))
	sb.WriteString(fmt.Sprintf("cache.propagation.channel: %s\n", c.Cache.Propagation.Channel))
	sb.WriteString(fmt.Sprintf("cache.propagation.max_conns: %d\n", c.Cache.Propagation.MaxConns))
	sb.WriteString(fmt.Sprintf("cache.propagation.operation_timeout: %s\n", c.Cache.Propagation.OperationTimeout))
	sb.WriteString(fmt.Sprintf("observability.log_level: %s\n", c.Observability.LogLevel))
	sb.WriteString(fmt.Sprintf("observability.log_format: %s\n", c.Observability.LogFormat))
	sb.WriteString(fmt.Sprintf("observability.service_name: %s\n", c.Observability.ServiceName))
	sb.WriteString(fmt.Sprintf("observability.tracing_enabled: %v\n", c.Observability.TracingEnabled))
	sb.WriteString(fmt.Sprintf("observability.tracing_sample_rate: %g\n", c.Observability.TracingSampleRate))
	sb.WriteString(fmt.Sprintf("observability.tracing_endpoint: %s\n", c.Observability.TracingEndpoint))
	return sb.String()
}

// redactURL masks the password component of a connection URL. Values that
// do not parse as URLs are masked entirely rather than risk leaking them.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return parsed.Redacted()
}
