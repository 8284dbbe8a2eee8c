package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "TILLSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabaseDSN       = "tillsync.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultSessionIssuer     = "tillsync-license"
	defaultPageSize          = 500
	defaultMaxBatch          = 1000
	defaultDrainInterval     = time.Second
	defaultDrainBatch        = 100
	defaultPurgeInterval     = time.Hour
	defaultRetention         = 7 * 24 * time.Hour
	defaultHeartbeatInterval = 25 * time.Second
	defaultAMQPExchange      = "tillsync.changes"
	maxPageSize              = 5000
)

const (
	// DriverSQLite selects the embedded SQLite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL canonical store.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the sync API server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabaseDriver    string
	DatabaseDSN       string
	LogLevel          string
	LogEncoding       string
	SigningSecret     string
	SessionIssuer     string
	SyncTables        []string
	PageSize          int
	MaxBatch          int
	DrainInterval     time.Duration
	DrainBatch        int
	PurgeInterval     time.Duration
	Retention         time.Duration
	HeartbeatInterval time.Duration
	AMQPURL           string
	AMQPExchange      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	bindEnvironment(configViper)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("sync.tables", []string{})
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.max_batch", defaultMaxBatch)
	configViper.SetDefault("broker.drain_interval", defaultDrainInterval)
	configViper.SetDefault("broker.drain_batch", defaultDrainBatch)
	configViper.SetDefault("broker.purge_interval", defaultPurgeInterval)
	configViper.SetDefault("broker.retention", defaultRetention)
	configViper.SetDefault("broker.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("amqp.url", "")
	configViper.SetDefault("amqp.exchange", defaultAMQPExchange)
}

func bindEnvironment(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    normalizeList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogEncoding:       configViper.GetString("log.encoding"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		SyncTables:        normalizeList(configViper.GetStringSlice("sync.tables")),
		PageSize:          configViper.GetInt("sync.page_size"),
		MaxBatch:          configViper.GetInt("sync.max_batch"),
		DrainInterval:     configViper.GetDuration("broker.drain_interval"),
		DrainBatch:        configViper.GetInt("broker.drain_batch"),
		PurgeInterval:     configViper.GetDuration("broker.purge_interval"),
		Retention:         configViper.GetDuration("broker.retention"),
		HeartbeatInterval: configViper.GetDuration("broker.heartbeat_interval"),
		AMQPURL:           strings.TrimSpace(configViper.GetString("amqp.url")),
		AMQPExchange:      strings.TrimSpace(configViper.GetString("amqp.exchange")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverPostgres {
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.PageSize <= 0 || c.PageSize > maxPageSize {
		return fmt.Errorf("sync.page_size must be between 1 and %d", maxPageSize)
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("sync.max_batch must be positive")
	}
	if c.DrainInterval <= 0 || c.PurgeInterval <= 0 || c.HeartbeatInterval <= 0 {
		return fmt.Errorf("broker intervals must be positive")
	}
	if c.DrainBatch <= 0 {
		return fmt.Errorf("broker.drain_batch must be positive")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("broker.retention must be positive")
	}
	if c.AMQPURL != "" && c.AMQPExchange == "" {
		return fmt.Errorf("amqp.exchange is required when amqp.url is set")
	}
	return nil
}

func normalizeList(values []string) []string {
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				normalized = append(normalized, trimmed)
			}
		}
	}
	return normalized
}
