package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ManosCoffee/makerates/internal/logging"
	"github.com/ManosCoffee/makerates/internal/model"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Sources  []SourceConfig `mapstructure:"sources"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// PipelineConfig tunes the reconciliation run driver.
type PipelineConfig struct {
	CommonBase      string  `mapstructure:"common_base"`
	ThresholdPct    float64 `mapstructure:"threshold_pct"`
	LookbackDays    int     `mapstructure:"lookback_days"`
	KeepSelfRates   bool    `mapstructure:"keep_self_rates"`
	AdvisoryLockKey int64   `mapstructure:"advisory_lock_key"`
}

// SourceConfig describes one upstream rate provider.
type SourceConfig struct {
	ID           string           `mapstructure:"id"`
	Tier         model.SourceTier `mapstructure:"tier"`
	Priority     int              `mapstructure:"priority"`
	BaseCurrency string           `mapstructure:"base_currency"`
	Enabled      bool             `mapstructure:"enabled"`
}

// QuotaConfig governs per-source request budgeting.
type QuotaConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	CycleDays int            `mapstructure:"cycle_days"`
	Limits    map[string]int `mapstructure:"limits"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MAKERATES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Sources) == 0 {
		cfg.Sources = defaultSources()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "makerates")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("pipeline.common_base", "USD")
	v.SetDefault("pipeline.threshold_pct", 0.5)
	v.SetDefault("pipeline.lookback_days", 3)
	v.SetDefault("pipeline.keep_self_rates", false)
	v.SetDefault("pipeline.advisory_lock_key", int64(0x6d6b7274))

	v.SetDefault("quota.enabled", false)
	v.SetDefault("quota.cycle_days", 30)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func defaultSources() []SourceConfig {
	return []SourceConfig{
		{ID: "frankfurter", Tier: model.TierPrimary, Priority: 1, BaseCurrency: "USD", Enabled: true},
		{ID: "exchangerate", Tier: model.TierSecondary, Priority: 2, BaseCurrency: "USD", Enabled: true},
		{ID: "currencylayer", Tier: model.TierSecondary, Priority: 3, BaseCurrency: "USD", Enabled: true},
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Pipeline.CommonBase == "" {
		return fmt.Errorf("pipeline.common_base is required")
	}
	if c.Pipeline.ThresholdPct <= 0 {
		return fmt.Errorf("pipeline.threshold_pct must be greater than zero")
	}
	if c.Pipeline.LookbackDays < 0 {
		return fmt.Errorf("pipeline.lookback_days cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Quota.Enabled && c.Quota.CycleDays <= 0 {
		return fmt.Errorf("quota.cycle_days must be greater than zero when quota tracking is enabled")
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[].id is required")
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}
		if src.BaseCurrency == "" {
			return fmt.Errorf("source %s: base_currency is required", src.ID)
		}
		if src.Priority <= 0 {
			return fmt.Errorf("source %s: priority must be greater than zero", src.ID)
		}
	}
	return nil
}

// EnabledSources returns enabled sources ordered by ascending priority.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// SourceByID looks up a configured source.
func (c *Config) SourceByID(id string) (SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return SourceConfig{}, false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
