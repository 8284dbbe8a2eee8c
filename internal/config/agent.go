package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultAgentDatabasePath = "tillsync-agent.db"
	defaultSyncInterval      = 30 * time.Second
	defaultConflictPolicy    = "auto:server"
	defaultMaxRetries        = 5
	defaultBackoffBase       = 2 * time.Second
	defaultBackoffMax        = 5 * time.Minute
	defaultRequestTimeout    = 15 * time.Second
	defaultAgentPageSize     = 500
	defaultAgentBatchSize    = 100
)

var validConflictPolicies = map[string]struct{}{
	"auto:server": {},
	"auto:client": {},
	"manual":      {},
}

// AgentConfig captures runtime configuration for a terminal sync agent.
// The license.* keys are supplied by the licensing subsystem at activation time.
type AgentConfig struct {
	DeviceID       string
	ClientID       string
	BranchID       string
	SyncInterval   time.Duration
	EnableSync     bool
	ServerURL      string
	Token          string
	DatabasePath   string
	ConflictPolicy string
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AuditWindow    time.Duration
	PullInterval   time.Duration
	PageSize       int
	BatchSize      int
	TenantWide     bool
	RequestTimeout time.Duration
	Tables         []string
	Live           bool
	MetricsAddress string
	LogLevel       string
	LogEncoding    string
}

// ApplyAgentDefaults configures agent defaults and env bindings on the provided viper instance.
func ApplyAgentDefaults(configViper *viper.Viper) {
	bindEnvironment(configViper)

	configViper.SetDefault("license.sync_interval", defaultSyncInterval)
	configViper.SetDefault("license.enable_sync", true)
	configViper.SetDefault("agent.database_path", defaultAgentDatabasePath)
	configViper.SetDefault("agent.conflict_policy", defaultConflictPolicy)
	configViper.SetDefault("agent.max_retries", defaultMaxRetries)
	configViper.SetDefault("agent.backoff_base", defaultBackoffBase)
	configViper.SetDefault("agent.backoff_max", defaultBackoffMax)
	configViper.SetDefault("agent.audit_window", time.Duration(0))
	configViper.SetDefault("agent.pull_interval", time.Duration(0))
	configViper.SetDefault("agent.page_size", defaultAgentPageSize)
	configViper.SetDefault("agent.batch_size", defaultAgentBatchSize)
	configViper.SetDefault("agent.tenant_wide", false)
	configViper.SetDefault("agent.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("agent.tables", []string{})
	configViper.SetDefault("agent.live", true)
	configViper.SetDefault("agent.metrics_address", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", "console")
}

// LoadAgent parses agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		DeviceID:       strings.TrimSpace(configViper.GetString("license.device_id")),
		ClientID:       strings.TrimSpace(configViper.GetString("license.client_id")),
		BranchID:       strings.TrimSpace(configViper.GetString("license.branch_id")),
		SyncInterval:   configViper.GetDuration("license.sync_interval"),
		EnableSync:     configViper.GetBool("license.enable_sync"),
		ServerURL:      strings.TrimRight(strings.TrimSpace(configViper.GetString("agent.server_url")), "/"),
		Token:          strings.TrimSpace(configViper.GetString("agent.token")),
		DatabasePath:   configViper.GetString("agent.database_path"),
		ConflictPolicy: strings.ToLower(strings.TrimSpace(configViper.GetString("agent.conflict_policy"))),
		MaxRetries:     configViper.GetInt("agent.max_retries"),
		BackoffBase:    configViper.GetDuration("agent.backoff_base"),
		BackoffMax:     configViper.GetDuration("agent.backoff_max"),
		AuditWindow:    configViper.GetDuration("agent.audit_window"),
		PullInterval:   configViper.GetDuration("agent.pull_interval"),
		PageSize:       configViper.GetInt("agent.page_size"),
		BatchSize:      configViper.GetInt("agent.batch_size"),
		TenantWide:     configViper.GetBool("agent.tenant_wide"),
		RequestTimeout: configViper.GetDuration("agent.request_timeout"),
		Tables:         normalizeList(configViper.GetStringSlice("agent.tables")),
		Live:           configViper.GetBool("agent.live"),
		MetricsAddress: strings.TrimSpace(configViper.GetString("agent.metrics_address")),
		LogLevel:       configViper.GetString("log.level"),
		LogEncoding:    configViper.GetString("log.encoding"),
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = cfg.SyncInterval
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c AgentConfig) validate() error {
	if c.DeviceID == "" || c.ClientID == "" || c.BranchID == "" {
		return fmt.Errorf("license.device_id, license.client_id and license.branch_id are required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("agent.database_path is required")
	}
	if c.EnableSync {
		if c.ServerURL == "" {
			return fmt.Errorf("agent.server_url is required when sync is enabled")
		}
		if c.Token == "" {
			return fmt.Errorf("agent.token is required when sync is enabled")
		}
	}
	if _, ok := validConflictPolicies[c.ConflictPolicy]; !ok {
		return fmt.Errorf("agent.conflict_policy %q is not supported", c.ConflictPolicy)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("license.sync_interval must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("agent.max_retries must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("agent.backoff_base must be positive and not exceed agent.backoff_max")
	}
	if c.AuditWindow < 0 {
		return fmt.Errorf("agent.audit_window must not be negative")
	}
	if c.PageSize <= 0 || c.PageSize > maxPageSize {
		return fmt.Errorf("agent.page_size must be between 1 and %d", maxPageSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("agent.batch_size must be positive")
	}
	return nil
}
