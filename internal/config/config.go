// Package config loads and validates policy watcher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. POLICYWATCH_DB_DSN.
const EnvPrefix = "POLICYWATCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Fetchers  []FetcherConfig `mapstructure:"fetchers"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Diff      DiffConfig      `mapstructure:"diff"`
	Email     EmailConfig     `mapstructure:"email"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to Postgres. An empty DSN selects in-memory stores,
// optionally seeded from SeedFile.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	SeedFile        string        `mapstructure:"seed_file"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// ArchiveConfig selects where raw snapshots are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// FetchConfig governs fetch execution and retries.
type FetchConfig struct {
	Timeout       time.Duration  `mapstructure:"timeout"`
	UserAgent     string         `mapstructure:"user_agent"`
	RespectRobots bool           `mapstructure:"respect_robots"`
	Workers       int            `mapstructure:"workers"`
	HostRPS       float64        `mapstructure:"host_rps"`
	HostBurst     int            `mapstructure:"host_burst"`
	Retry         RetryConfig    `mapstructure:"retry"`
	Headless      HeadlessConfig `mapstructure:"headless"`
}

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Factor       float64       `mapstructure:"factor"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// HeadlessConfig configures the chromedp engine.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
}

// Fetcher engines.
const (
	EngineColly    = "colly"
	EngineHeadless = "headless"
)

// FetcherConfig declares one registry entry.
type FetcherConfig struct {
	Name       string `mapstructure:"name"`
	SourceType string `mapstructure:"source_type"`
	Engine     string `mapstructure:"engine"`
	Selector   string `mapstructure:"selector"`
}

// NormalizeConfig adds boilerplate rules to the defaults.
type NormalizeConfig struct {
	ExtraRules []string `mapstructure:"extra_rules"`
}

// DiffConfig controls diff sizing.
type DiffConfig struct {
	LargeInputBytes int `mapstructure:"large_input_bytes"`
	MaxDiffBytes    int `mapstructure:"max_diff_bytes"`
	ReducedContext  int `mapstructure:"reduced_context"`
}

// Email providers.
const (
	ProviderLog    = "log"
	ProviderResend = "resend"
	ProviderPubSub = "pubsub"
)

// EmailConfig configures delivery.
type EmailConfig struct {
	Provider       string        `mapstructure:"provider"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	From           string        `mapstructure:"from"`
	DailyLimit     int           `mapstructure:"daily_limit"`
	MonthlyLimit   int           `mapstructure:"monthly_limit"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	SendsPerSecond float64       `mapstructure:"sends_per_second"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// AlertsConfig controls alert rendering and operator notifications.
type AlertsConfig struct {
	OperatorEmail   string `mapstructure:"operator_email"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
	PreviewMaxChars int    `mapstructure:"preview_max_chars"`
	PreviewMaxLines int    `mapstructure:"preview_max_lines"`
}

// BreakerConfig sets the consecutive failure threshold and how often a
// continuing streak is reported again. RenotifyEvery zero means Threshold.
type BreakerConfig struct {
	Threshold     int `mapstructure:"threshold"`
	RenotifyEvery int `mapstructure:"renotify_every"`
}

// SchedulerConfig holds cron expressions and the batch budget.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Daily        string        `mapstructure:"daily"`
	Weekly       string        `mapstructure:"weekly"`
	Custom       string        `mapstructure:"custom"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// PubSubConfig names the email relay topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.seed_file", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.user_agent", "policy-watch/1.0 (+https://github.com/JakeFAU/policy-watch)")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.workers", 4)
	v.SetDefault("fetch.host_rps", 1.0)
	v.SetDefault("fetch.host_burst", 1)
	v.SetDefault("fetch.retry.max_attempts", 3)
	v.SetDefault("fetch.retry.initial_delay", "1s")
	v.SetDefault("fetch.retry.factor", 2.0)
	v.SetDefault("fetch.retry.max_delay", "30s")
	v.SetDefault("fetch.headless.enabled", false)
	v.SetDefault("fetch.headless.max_parallel", 1)
	v.SetDefault("fetch.headless.nav_timeout", "45s")
	v.SetDefault("diff.large_input_bytes", 500_000)
	v.SetDefault("diff.max_diff_bytes", 100_000)
	v.SetDefault("diff.reduced_context", 1)
	v.SetDefault("email.provider", ProviderLog)
	v.SetDefault("email.from", "Policy Watch <alerts@policy-watch.local>")
	v.SetDefault("email.daily_limit", 100)
	v.SetDefault("email.monthly_limit", 3000)
	v.SetDefault("email.max_retries", 3)
	v.SetDefault("email.initial_backoff", "1s")
	v.SetDefault("email.sends_per_second", 2.0)
	v.SetDefault("email.timeout", "15s")
	v.SetDefault("alerts.preview_max_chars", 1500)
	v.SetDefault("alerts.preview_max_lines", 40)
	v.SetDefault("breaker.threshold", 3)
	v.SetDefault("breaker.renotify_every", 0)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.daily", "0 6 * * *")
	v.SetDefault("scheduler.weekly", "0 7 * * 1")
	v.SetDefault("scheduler.custom", "30 * * * *")
	v.SetDefault("scheduler.batch_timeout", "2h")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if strings.TrimSpace(c.Archive.BaseDir) == "" {
			return fmt.Errorf("archive.base_dir is required for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.Workers <= 0 {
		return fmt.Errorf("fetch.workers must be > 0")
	}
	if c.Fetch.HostRPS < 0 {
		return fmt.Errorf("fetch.host_rps must be >= 0")
	}
	if c.Fetch.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.retry.max_attempts must be > 0")
	}
	if c.Fetch.Headless.Enabled && c.Fetch.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetch.headless.max_parallel must be > 0 when headless is enabled")
	}
	seen := make(map[string]bool, len(c.Fetchers))
	for i, f := range c.Fetchers {
		if f.Name == "" {
			return fmt.Errorf("fetchers[%d].name is required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("fetchers[%d]: duplicate name %q", i, f.Name)
		}
		seen[f.Name] = true
		switch f.Engine {
		case EngineColly:
		case EngineHeadless:
			if !c.Fetch.Headless.Enabled {
				return fmt.Errorf("fetchers[%d]: headless engine requires fetch.headless.enabled", i)
			}
		default:
			return fmt.Errorf("fetchers[%d]: engine %q is not one of colly, headless", i, f.Engine)
		}
	}
	switch c.Email.Provider {
	case ProviderLog:
	case ProviderResend:
		if c.Email.APIKey == "" {
			return fmt.Errorf("email.api_key is required for the resend provider")
		}
	case ProviderPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required for the pubsub provider")
		}
	default:
		return fmt.Errorf("email.provider %q is not one of log, resend, pubsub", c.Email.Provider)
	}
	if c.Email.From == "" {
		return fmt.Errorf("email.from must be set")
	}
	if c.Email.MaxRetries <= 0 {
		return fmt.Errorf("email.max_retries must be > 0")
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be > 0")
	}
	if c.Breaker.RenotifyEvery < 0 {
		return fmt.Errorf("breaker.renotify_every must be >= 0")
	}
	if c.Scheduler.BatchTimeout < 0 {
		return fmt.Errorf("scheduler.batch_timeout must be >= 0")
	}
	return nil
}

