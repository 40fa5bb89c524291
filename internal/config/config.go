package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/newthinker/replay/internal/core"
)

type Config struct {
	Server  ServerConfig          `mapstructure:"server"`
	Storage StorageConfig         `mapstructure:"storage"`
	Engine  EngineConfig          `mapstructure:"engine"`
	Sandbox SandboxConfig         `mapstructure:"sandbox"`
	Tiers   map[string]TierConfig `mapstructure:"tiers"`
	Fees    FeesConfig            `mapstructure:"fees"`
	Archive ArchiveConfig         `mapstructure:"archive"`
	Metrics MetricsConfig         `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	APIKey       string `mapstructure:"api_key"`
	TaskTTLHours int    `mapstructure:"task_ttl_hours"`
	MaxTasks     int    `mapstructure:"max_tasks"`
}

type StorageConfig struct {
	DSN          string        `mapstructure:"dsn"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// EngineConfig tunes the replay loop. The hybrid volatility threshold is
// deliberately configuration, not a constant: its calibration was never
// empirically settled.
type EngineConfig struct {
	Workers                   int     `mapstructure:"workers"`
	HybridVolatilityThreshold float64 `mapstructure:"hybrid_volatility_threshold"`
	HybridSegmentBars         int     `mapstructure:"hybrid_segment_bars"`
	ProgressBuffer            int     `mapstructure:"progress_buffer"`
	SlippageBps               int     `mapstructure:"slippage_bps"`
}

type SandboxConfig struct {
	MaxRules           int           `mapstructure:"max_rules"`
	BreakerMinSamples  uint32        `mapstructure:"breaker_min_samples"`
	BreakerErrorRate   float64       `mapstructure:"breaker_error_rate"`
	BreakerWindow      time.Duration `mapstructure:"breaker_window"`
	ExtraDeniedTokens  []string      `mapstructure:"extra_denied_tokens"`
}

// TierConfig maps one subscription tier to its precision ceiling and limits.
type TierConfig struct {
	Precision            string        `mapstructure:"precision"`
	MaxConcurrentRuns    int           `mapstructure:"max_concurrent_runs"`
	TickBudget           int64         `mapstructure:"tick_budget"`
	Timeout              time.Duration `mapstructure:"timeout"`
	SubmissionsPerMinute float64       `mapstructure:"submissions_per_minute"`
}

// FeeRule is one row of the deterministic fee table.
type FeeRule struct {
	Exchange    string  `mapstructure:"exchange"`
	ProductType string  `mapstructure:"product_type"`
	FeeTier     string  `mapstructure:"fee_tier"`
	TakerRate   float64 `mapstructure:"taker_rate"`
}

type FeesConfig struct {
	DefaultTakerRate float64   `mapstructure:"default_taker_rate"`
	Rules            []FeeRule `mapstructure:"rules"`
}

type ArchiveConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Type    string   `mapstructure:"type"` // "localfs" or "s3"
	Path    string   `mapstructure:"path"` // For localfs
	S3      S3Config `mapstructure:"s3"`   // For S3
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from file
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Support environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Expand environment variables in string values
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envKey := strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}")
			v.Set(key, os.Getenv(envKey))
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a config with sensible defaults
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			TaskTTLHours: 24,
			MaxTasks:     1000,
		},
		Storage: StorageConfig{
			QueryTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			Workers:                   4,
			HybridVolatilityThreshold: 0.02,
			HybridSegmentBars:         96,
			ProgressBuffer:            64,
			SlippageBps:               2,
		},
		Sandbox: SandboxConfig{
			MaxRules:          64,
			BreakerMinSamples: 20,
			BreakerErrorRate:  0.25,
			BreakerWindow:     10 * time.Second,
		},
		Tiers: map[string]TierConfig{
			"basic": {
				Precision:            "KLINE",
				MaxConcurrentRuns:    1,
				TickBudget:           0,
				Timeout:              2 * time.Minute,
				SubmissionsPerMinute: 6,
			},
			"pro": {
				Precision:            "HYBRID",
				MaxConcurrentRuns:    3,
				TickBudget:           500_000,
				Timeout:              5 * time.Minute,
				SubmissionsPerMinute: 20,
			},
			"elite": {
				Precision:            "TICK_REAL",
				MaxConcurrentRuns:    8,
				TickBudget:           5_000_000,
				Timeout:              15 * time.Minute,
				SubmissionsPerMinute: 60,
			},
		},
		Fees: FeesConfig{
			DefaultTakerRate: 0.001,
			Rules: []FeeRule{
				{Exchange: "BINANCE", ProductType: "spot", FeeTier: "standard", TakerRate: 0.001},
				{Exchange: "BINANCE", ProductType: "swap", FeeTier: "standard", TakerRate: 0.0005},
				{Exchange: "OKX", ProductType: "swap", FeeTier: "standard", TakerRate: 0.0005},
			},
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Type:    "localfs",
			Path:    "./archive",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Engine.Workers < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("engine workers must be positive, got %d", c.Engine.Workers))
	}
	if c.Engine.HybridVolatilityThreshold <= 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("hybrid_volatility_threshold must be positive, got %f", c.Engine.HybridVolatilityThreshold))
	}
	if c.Sandbox.BreakerErrorRate <= 0 || c.Sandbox.BreakerErrorRate > 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("breaker_error_rate must be in (0,1], got %f", c.Sandbox.BreakerErrorRate))
	}
	if len(c.Tiers) == 0 {
		return core.WrapError(core.ErrConfigMissing,
			fmt.Errorf("at least one tier must be configured"))
	}
	for name, tier := range c.Tiers {
		if !core.DataPrecision(tier.Precision).IsKnown() {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("tier %q precision %q unknown", name, tier.Precision))
		}
		if tier.MaxConcurrentRuns < 1 {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("tier %q max_concurrent_runs must be positive", name))
		}
		if tier.Timeout <= 0 {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("tier %q timeout must be positive", name))
		}
	}
	if c.Fees.DefaultTakerRate < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("default_taker_rate cannot be negative"))
	}
	for _, rule := range c.Fees.Rules {
		if rule.TakerRate < 0 {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("fee rule %s/%s/%s has negative rate", rule.Exchange, rule.ProductType, rule.FeeTier))
		}
	}
	if c.Archive.Enabled {
		switch c.Archive.Type {
		case "localfs":
			if c.Archive.Path == "" {
				return core.WrapError(core.ErrConfigMissing,
					fmt.Errorf("archive path required for localfs"))
			}
		case "s3":
			if c.Archive.S3.Bucket == "" {
				return core.WrapError(core.ErrConfigMissing,
					fmt.Errorf("s3 bucket required for s3 archive"))
			}
		default:
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("unknown archive type %q", c.Archive.Type))
		}
	}
	return nil
}
