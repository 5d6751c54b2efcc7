package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/metagame-cli/internal/stats"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig             `yaml:"store" mapstructure:"store"`
	Sources    map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`
	Fetch      FetchConfig             `yaml:"fetch" mapstructure:"fetch"`
	Rules      RulesConfig             `yaml:"rules" mapstructure:"rules"`
	Stats      StatsConfig             `yaml:"stats" mapstructure:"stats"`
	Server     ServerConfig            `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig        `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig               `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects and configures the cache backend.
type StoreConfig struct {
	// Driver is one of sqlite, postgres or file.
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// Dir is the root of the file store.
	Dir      string `yaml:"dir" mapstructure:"dir"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SourceConfig configures one tournament source. Zero numeric fields fall
// back to the fetch section.
type SourceConfig struct {
	// Type picks the adapter: eventapi or htmlsite. Defaults to the source name.
	Type             string  `yaml:"type" mapstructure:"type"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	Enabled          bool    `yaml:"enabled" mapstructure:"enabled"`
	Concurrency      int     `yaml:"concurrency" mapstructure:"concurrency"`
	RequestsPerSec   float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
}

// AdapterType returns the adapter kind for a source named name.
func (s SourceConfig) AdapterType(name string) string {
	if s.Type != "" {
		return strings.ToLower(s.Type)
	}
	return strings.ToLower(name)
}

// FetchConfig holds the per-source defaults.
type FetchConfig struct {
	UserAgent           string  `yaml:"user_agent" mapstructure:"user_agent"`
	Concurrency         int     `yaml:"concurrency" mapstructure:"concurrency"`
	RequestsPerSec      float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	TimeoutSecs         int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs    int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs        int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BreakerThreshold    int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSeconds int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Resolve fills zero fields of s from the fetch defaults.
func (f FetchConfig) Resolve(s SourceConfig) SourceConfig {
	if s.Concurrency <= 0 {
		s.Concurrency = f.Concurrency
	}
	if s.RequestsPerSec <= 0 {
		s.RequestsPerSec = f.RequestsPerSec
	}
	if s.TimeoutSecs <= 0 {
		s.TimeoutSecs = f.TimeoutSecs
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = f.MaxAttempts
	}
	if s.BreakerThreshold <= 0 {
		s.BreakerThreshold = f.BreakerThreshold
	}
	return s
}

// RulesConfig locates archetype rule files.
type RulesConfig struct {
	Dir        string `yaml:"dir" mapstructure:"dir"`
	CardColors string `yaml:"card_colors" mapstructure:"card_colors"`
}

// StatsConfig configures report aggregation.
type StatsConfig struct {
	IncludeUnknown bool                  `yaml:"include_unknown" mapstructure:"include_unknown"`
	DrawPolicy     string                `yaml:"draw_policy" mapstructure:"draw_policy"`
	Z              float64               `yaml:"z" mapstructure:"z"`
	Tiers          []stats.TierThreshold `yaml:"tiers" mapstructure:"tiers"`
	DefaultTier    string                `yaml:"default_tier" mapstructure:"default_tier"`
}

// Options converts the section into aggregation options.
func (s StatsConfig) Options() stats.Options {
	return stats.Options{
		IncludeUnknown: s.IncludeUnknown,
		DrawPolicy:     stats.DrawPolicy(s.DrawPolicy),
		Z:              s.Z,
		Tiers:          s.Tiers,
		DefaultTier:    s.DefaultTier,
	}
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port              int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins    []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeoutSec int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	// EnableRuns allows POST /api/v1/runs to trigger ingestion.
	EnableRuns bool `yaml:"enable_runs" mapstructure:"enable_runs"`
}

// MonitoringConfig configures the cache health checker run by serve.
type MonitoringConfig struct {
	Enabled             bool   `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	// FailureThreshold alerts when this many fetch failures land in the window.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	// QuarantineThreshold alerts when this many rejections land in the window.
	QuarantineThreshold int `yaml:"quarantine_threshold" mapstructure:"quarantine_threshold"`
	// StaleOpenDays flags tournaments still open this long after their date. 0 disables.
	StaleOpenDays int `yaml:"stale_open_days" mapstructure:"stale_open_days"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EnabledSources returns the names of enabled sources, sorted.
func (c *Config) EnabledSources() []string {
	var names []string
	for name, s := range c.Sources {
		if s.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks the settings a command mode needs: "run", "classify",
// "report" or "serve". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for driver "+c.Store.Driver)
		}
	case "file":
		if c.Store.Dir == "" {
			errs = append(errs, "store.dir is required for driver file")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of sqlite, postgres, file", c.Store.Driver))
	}
	if err := c.Stats.Options().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	switch mode {
	case "run":
		errs = append(errs, c.validateSources()...)
	case "classify":
		if c.Rules.Dir == "" {
			errs = append(errs, "rules.dir is required")
		}
	case "report":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.EnableRuns {
			errs = append(errs, c.validateSources()...)
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateSources() []string {
	names := c.EnabledSources()
	if len(names) == 0 {
		return []string{"at least one source must be enabled"}
	}
	var errs []string
	for _, name := range names {
		s := c.Sources[name]
		if s.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("sources.%s.base_url is required", name))
		}
		switch s.AdapterType(name) {
		case "eventapi", "htmlsite":
		default:
			errs = append(errs, fmt.Sprintf("sources.%s.type %q is not one of eventapi, htmlsite", name, s.AdapterType(name)))
		}
	}
	return errs
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("METAGAME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "metagame.db")
	v.SetDefault("store.dir", "cache")
	v.SetDefault("fetch.user_agent", "metagame-cli/1.0")
	v.SetDefault("fetch.concurrency", 4)
	v.SetDefault("fetch.requests_per_sec", 2.0)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.initial_backoff_ms", 500)
	v.SetDefault("fetch.max_backoff_ms", 30000)
	v.SetDefault("fetch.breaker_threshold", 5)
	v.SetDefault("fetch.breaker_reset_secs", 30)
	v.SetDefault("rules.dir", "rules")
	v.SetDefault("stats.draw_policy", string(stats.DrawExclude))
	v.SetDefault("stats.z", stats.DefaultZ)
	v.SetDefault("stats.default_tier", "unranked")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_threshold", 10)
	v.SetDefault("monitoring.quarantine_threshold", 25)
	v.SetDefault("monitoring.stale_open_days", 7)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
