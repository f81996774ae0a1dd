package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	CRM        CRMConfig        `yaml:"crm" mapstructure:"crm"`
	Dedupe     DedupeConfig     `yaml:"dedupe" mapstructure:"dedupe"`
	Quota      QuotaConfig      `yaml:"quota" mapstructure:"quota"`
	Merge      MergeConfig      `yaml:"merge" mapstructure:"merge"`
	Runner     RunnerConfig     `yaml:"runner" mapstructure:"runner"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CRMConfig selects and configures the external system of record.
type CRMConfig struct {
	Provider        string           `yaml:"provider" mapstructure:"provider"`
	CallTimeoutSecs int              `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	PageSize        int              `yaml:"page_size" mapstructure:"page_size"`
	RateLimit       float64          `yaml:"rate_limit" mapstructure:"rate_limit"`
	HubSpot         HubSpotConfig    `yaml:"hubspot" mapstructure:"hubspot"`
	Salesforce      SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
}

// HubSpotConfig holds HubSpot private app credentials. TenantTokens maps a
// tenant id to its own token; tenants without an entry use Token.
type HubSpotConfig struct {
	Token        string            `yaml:"token" mapstructure:"token"`
	BaseURL      string            `yaml:"base_url" mapstructure:"base_url"`
	TenantTokens map[string]string `yaml:"tenant_tokens" mapstructure:"tenant_tokens"`
	Properties   []string          `yaml:"properties" mapstructure:"properties"`
}

// SalesforceConfig holds Salesforce access-token auth settings.
type SalesforceConfig struct {
	Domain       string            `yaml:"domain" mapstructure:"domain"`
	AccessToken  string            `yaml:"access_token" mapstructure:"access_token"`
	TenantTokens map[string]string `yaml:"tenant_tokens" mapstructure:"tenant_tokens"`
}

// DedupeConfig configures duplicate detection.
type DedupeConfig struct {
	Rules         []string `yaml:"rules" mapstructure:"rules"`
	MinNameLength int      `yaml:"min_name_length" mapstructure:"min_name_length"`
}

// QuotaConfig holds the free tier limits.
type QuotaConfig struct {
	FreeContactLimit    int `yaml:"free_contact_limit" mapstructure:"free_contact_limit"`
	FreeMergeGroupLimit int `yaml:"free_merge_group_limit" mapstructure:"free_merge_group_limit"`
}

// MergeConfig configures the merge resolver.
type MergeConfig struct {
	DeleteConcurrency int `yaml:"delete_concurrency" mapstructure:"delete_concurrency"`
	DLQMaxRetries     int `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
	DLQBatchSize      int `yaml:"dlq_batch_size" mapstructure:"dlq_batch_size"`
}

// RunnerConfig configures the job runner.
type RunnerConfig struct {
	Engine         string         `yaml:"engine" mapstructure:"engine"`
	StaleAfterMins int            `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	Temporal       TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
}

// TemporalConfig holds Temporal connection settings.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// ExportConfig configures where finished run exports are written.
type ExportConfig struct {
	Driver string   `yaml:"driver" mapstructure:"driver"`
	Dir    string   `yaml:"dir" mapstructure:"dir"`
	S3     S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config holds the export bucket settings.
type S3Config struct {
	Bucket   string `yaml:"bucket" mapstructure:"bucket"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// LockConfig selects the per-group merge lock.
type LockConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"`
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	TTLSecs  int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// ResilienceConfig configures retries and the CRM circuit breaker.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures run health alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQThreshold         int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DEDUPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("crm.provider", "hubspot")
	v.SetDefault("crm.call_timeout_secs", 30)
	v.SetDefault("crm.page_size", 100)
	v.SetDefault("crm.rate_limit", 10)
	v.SetDefault("crm.hubspot.base_url", "https://api.hubapi.com")
	v.SetDefault("dedupe.rules", []string{"email", "name_company"})
	v.SetDefault("dedupe.min_name_length", 2)
	v.SetDefault("quota.free_contact_limit", 1000)
	v.SetDefault("quota.free_merge_group_limit", 20)
	v.SetDefault("merge.delete_concurrency", 4)
	v.SetDefault("merge.dlq_max_retries", 5)
	v.SetDefault("merge.dlq_batch_size", 100)
	v.SetDefault("runner.engine", "local")
	v.SetDefault("runner.stale_after_mins", 30)
	v.SetDefault("runner.temporal.host_port", "localhost:7233")
	v.SetDefault("runner.temporal.namespace", "default")
	v.SetDefault("runner.temporal.task_queue", "dedupe-runs")
	v.SetDefault("export.driver", "file")
	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.s3.prefix", "dedupe-exports")
	v.SetDefault("export.s3.region", "us-east-1")
	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.ttl_secs", 120)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 10000)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.dlq_threshold", 100)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by a command mode: "serve",
// "worker", "run" or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "worker", "run":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateCRM()...)
		errs = append(errs, c.validateRunner()...)
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if mode == "worker" && c.Runner.Engine != "temporal" {
			errs = append(errs, "worker requires runner.engine=temporal")
		}
	case "migrate":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Quota.FreeContactLimit < 0 || c.Quota.FreeMergeGroupLimit < 0 {
		errs = append(errs, "quota limits must be >= 0")
	}
	if c.Merge.DeleteConcurrency < 1 || c.Merge.DeleteConcurrency > 32 {
		errs = append(errs, "merge.delete_concurrency must be between 1 and 32")
	}
	switch c.Export.Driver {
	case "file":
	case "s3":
		if c.Export.S3.Bucket == "" {
			errs = append(errs, "export.s3.bucket is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("export.driver %q must be file or s3", c.Export.Driver))
	}
	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.RedisURL == "" {
			errs = append(errs, "lock.redis_url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver %q must be local or redis", c.Lock.Driver))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required"}
		}
	case "sqlite":
	default:
		return []string{fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver)}
	}
	return nil
}

func (c *Config) validateCRM() []string {
	var errs []string
	switch c.CRM.Provider {
	case "hubspot":
		if c.CRM.HubSpot.Token == "" && len(c.CRM.HubSpot.TenantTokens) == 0 {
			errs = append(errs, "crm.hubspot.token is required")
		}
	case "salesforce":
		if c.CRM.Salesforce.Domain == "" {
			errs = append(errs, "crm.salesforce.domain is required")
		}
		if c.CRM.Salesforce.AccessToken == "" && len(c.CRM.Salesforce.TenantTokens) == 0 {
			errs = append(errs, "crm.salesforce.access_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("crm.provider %q must be hubspot or salesforce", c.CRM.Provider))
	}
	if c.CRM.CallTimeoutSecs <= 0 {
		errs = append(errs, "crm.call_timeout_secs must be > 0")
	}
	return errs
}

func (c *Config) validateRunner() []string {
	switch c.Runner.Engine {
	case "local":
	case "temporal":
		if c.Runner.Temporal.HostPort == "" || c.Runner.Temporal.TaskQueue == "" {
			return []string{"runner.temporal.host_port and task_queue are required"}
		}
	default:
		return []string{fmt.Sprintf("runner.engine %q must be local or temporal", c.Runner.Engine)}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
