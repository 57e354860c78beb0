package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "CAIRN")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags attaches a parsed flag set whose changed flags override
// environment variables and file settings.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	return l
}

// ConfigFile returns the path to the config file that was loaded, or empty string if none.
func (l *ViperLoader) ConfigFile() string {
	if l == nil {
		return ""
	}
	return l.configFile
}

// RegisterFlags registers command line overrides for the settings most
// often changed per invocation. Pass the parsed set to WithFlags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("txn-provider", "", "transaction provider (local, postgres, mysql)")
	flags.String("txn-url", "", "database URL for SQL transaction providers")
	flags.Bool("txn-trace", false, "wrap transaction handles with tracing")
	flags.Duration("txn-timeout", 0, "rollback-only deadline for locally coordinated transactions")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")
}

// Load loads configuration with precedence: flags > ENV > secrets file > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	// Start with defaults
	defaults := DefaultConfig()
	l.setDefaults(v, defaults)

	// Read config file if provided
	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	// Merge the secrets file, when one is discovered, over the main file.
	// Connection URLs carry credentials and belong there rather than in the
	// checked-in config.
	secretsFile, err := l.discoverSecretsFile()
	if err != nil {
		return nil, err
	}
	if secretsFile != "" {
		secretsViper := viper.New()
		secretsViper.SetConfigFile(secretsFile)
		if err := secretsViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read secrets file %s: %w", secretsFile, err)
		}
		if err := v.MergeConfigMap(secretsViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("failed to merge secrets: %w", err)
		}
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	// Changed command line flags override everything else.
	l.applyFlags(v)

	// Unmarshal into a new config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Transactions
	v.BindEnv("transactions.provider", l.prefixedEnv("TXN_PROVIDER"))
	v.BindEnv("transactions.trace", l.prefixedEnv("TXN_TRACE"))
	v.BindEnv("transactions.timeout", l.prefixedEnv("TXN_TIMEOUT"))
	v.BindEnv("transactions.url", l.prefixedEnv("TXN_URL"), l.prefixedEnv("DATABASE_URL"))
	v.BindEnv("transactions.max_open_conns", l.prefixedEnv("TXN_MAX_OPEN_CONNS"))
	v.BindEnv("transactions.max_idle_conns", l.prefixedEnv("TXN_MAX_IDLE_CONNS"))
	v.BindEnv("transactions.conn_max_lifetime", l.prefixedEnv("TXN_CONN_MAX_LIFETIME"))
	v.BindEnv("transactions.conn_max_idle_time", l.prefixedEnv("TXN_CONN_MAX_IDLE_TIME"))

	// Cache propagation
	v.BindEnv("cache.propagation.enabled", l.prefixedEnv("CACHE_PROPAGATION_ENABLED"))
	v.BindEnv("cache.propagation.url", l.prefixedEnv("CACHE_PROPAGATION_URL"), l.prefixedEnv("REDIS_URL"))
	v.BindEnv("cache.propagation.channel", l.prefixedEnv("CACHE_PROPAGATION_CHANNEL"))
	v.BindEnv("cache.propagation.max_conns", l.prefixedEnv("CACHE_PROPAGATION_MAX_CONNS"))
	v.BindEnv("cache.propagation.operation_timeout", l.prefixedEnv("CACHE_PROPAGATION_OPERATION_TIMEOUT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("OBSERVABILITY_LOG_LEVEL"), l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("OBSERVABILITY_LOG_FORMAT"), l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.service_name", l.prefixedEnv("OBSERVABILITY_SERVICE_NAME"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("OBSERVABILITY_TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("OBSERVABILITY_TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("OBSERVABILITY_TRACING_ENDPOINT"))
}

// applyFlags copies changed flag values into viper. Flags registered by
// RegisterFlags may be absent when the caller built its own flag set.
func (l *ViperLoader) applyFlags(v *viper.Viper) {
	if l.flags == nil {
		return
	}

	setString := func(name, key string) {
		if flag := l.flags.Lookup(name); flag != nil && flag.Changed {
			v.Set(key, flag.Value.String())
		}
	}
	setString("txn-provider", "transactions.provider")
	setString("txn-url", "transactions.url")
	setString("log-level", "observability.log_level")
	setString("log-format", "observability.log_format")

	if flag := l.flags.Lookup("txn-trace"); flag != nil && flag.Changed {
		if value, err := l.flags.GetBool("txn-trace"); err == nil {
			v.Set("transactions.trace", value)
		}
	}
	if flag := l.flags.Lookup("txn-timeout"); flag != nil && flag.Changed {
		if value, err := l.flags.GetDuration("txn-timeout"); err == nil {
			v.Set("transactions.timeout", value)
		}
	}
}

// discoverSecretsFile finds the secrets file using these rules:
// 1. Check <ENV_PREFIX>_SECRETS_FILE (default CAIRN_SECRETS_FILE)
// 2. If configFile is set, look for secrets.{ext} in same directory
// 3. Look for secrets.yaml in current directory
func (l *ViperLoader) discoverSecretsFile() (string, error) {
	// Check environment variable first
	secretsEnv := l.prefixedEnv("SECRETS_FILE")
	if rawSecretsFile, ok := os.LookupEnv(secretsEnv); ok {
		secretsFile := strings.TrimSpace(rawSecretsFile)
		if secretsFile == "" {
			return "", fmt.Errorf("%s is set but empty", secretsEnv)
		}
		info, err := os.Stat(secretsFile)
		if err != nil {
			return "", fmt.Errorf("%s points to an inaccessible file %s: %w", secretsEnv, secretsFile, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s must point to a file, got directory %s", secretsEnv, secretsFile)
		}
		return secretsFile, nil
	}

	// Try to derive from config file
	if l.configFile != "" {
		dir := filepath.Dir(l.configFile)
		ext := filepath.Ext(l.configFile)
		secretsFile := filepath.Join(dir, "secrets"+ext)
		if info, err := os.Stat(secretsFile); err == nil && !info.IsDir() {
			return secretsFile, nil
		}
	}

	// Try secrets.yaml in current directory
	for _, ext := range []string{".yaml", ".yml", ".json", ".toml"} {
		secretsFile := "secrets" + ext
		if info, err := os.Stat(secretsFile); err == nil && !info.IsDir() {
			return secretsFile, nil
		}
	}

	return "", nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "CAIRN"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	// Service defaults
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	// Transactions defaults
	v.SetDefault("transactions.provider", cfg.Transactions.Provider)
	v.SetDefault("transactions.trace", cfg.Transactions.Trace)
	v.SetDefault("transactions.timeout", cfg.Transactions.Timeout)
	v.SetDefault("transactions.max_open_conns", cfg.Transactions.MaxOpenConns)
	v.SetDefault("transactions.max_idle_conns", cfg.Transactions.MaxIdleConns)
	v.SetDefault("transactions.conn_max_lifetime", cfg.Transactions.ConnMaxLifetime)
	v.SetDefault("transactions.conn_max_idle_time", cfg.Transactions.ConnMaxIdleTime)

	// Cache propagation defaults
	v.SetDefault("cache.propagation.enabled", cfg.Cache.Propagation.Enabled)
	v.SetDefault("cache.propagation.channel", cfg.Cache.Propagation.Channel)
	v.SetDefault("cache.propagation.max_conns", cfg.Cache.Propagation.MaxConns)
	v.SetDefault("cache.propagation.operation_timeout", cfg.Cache.Propagation.OperationTimeout)

	// Observability defaults
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.service_name", cfg.Observability.ServiceName)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
}

// Validate validates the configuration and returns detailed errors
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	// Normalize the provider so that factories and validation agree on
	// its spelling.
	cfg.Transactions.Provider = strings.ToLower(strings.TrimSpace(cfg.Transactions.Provider))

	validProviders := []string{TransactionProviderLocal, TransactionProviderPostgres, TransactionProviderMySQL}
	if !contains(validProviders, cfg.Transactions.Provider) {
		errs = append(errs, fmt.Errorf("invalid transactions.provider: %s (must be one of: %v)", cfg.Transactions.Provider, validProviders))
	}

	switch cfg.Transactions.Provider {
	case TransactionProviderPostgres, TransactionProviderMySQL:
		if cfg.Transactions.URL == "" {
			errs = append(errs, fmt.Errorf("transactions.url is required when transactions.provider is %s", cfg.Transactions.Provider))
		}
	}

	if cfg.Transactions.Timeout < 0 {
		errs = append(errs, errors.New("transactions.timeout cannot be negative"))
	}
	if cfg.Transactions.MaxOpenConns < 0 {
		errs = append(errs, errors.New("transactions.max_open_conns cannot be negative"))
	}
	if cfg.Transactions.MaxIdleConns < 0 {
		errs = append(errs, errors.New("transactions.max_idle_conns cannot be negative"))
	}

	if cfg.Cache.Propagation.Enabled && cfg.Cache.Propagation.URL == "" {
		errs = append(errs, errors.New("cache.propagation.url is required when cache propagation is enabled"))
	}
	if cfg.Cache.Propagation.OperationTimeout < 0 {
		errs = append(errs, errors.New("cache.propagation.operation_timeout cannot be negative"))
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, cfg.Observability.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLogLevels))
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, cfg.Observability.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validLogFormats))
	}

	if cfg.Observability.TracingEnabled && cfg.Observability.TracingEndpoint == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if cfg.Observability.TracingSampleRate < 0 || cfg.Observability.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("invalid observability.tracing_sample_rate: %g (must be between 0 and 1)", cfg.Observability.TracingSampleRate))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
