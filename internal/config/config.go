package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the flow orchestration service.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		TLS  struct {
			Enable    bool     `mapstructure:"enable"`
			CertFile  string   `mapstructure:"cert_file"`
			KeyFile   string   `mapstructure:"key_file"`
			Hostnames []string `mapstructure:"hostnames"`
		} `mapstructure:"tls"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Executor struct {
		URL              string                   `mapstructure:"url"`
		DefaultTimeout   time.Duration            `mapstructure:"default_timeout"`
		PhaseTimeouts    map[string]time.Duration `mapstructure:"phase_timeouts"`
		TransientRetries int                      `mapstructure:"transient_retries"`
		ClaimTTL         time.Duration            `mapstructure:"claim_ttl"`
	} `mapstructure:"executor"`
	Recovery struct {
		StuckThreshold     time.Duration `mapstructure:"stuck_threshold"`
		InitStuckThreshold time.Duration `mapstructure:"init_stuck_threshold"`
		ProgressWeight     float64       `mapstructure:"progress_weight"`
		TerminalWeight     float64       `mapstructure:"terminal_weight"`
		ReadyWeight        float64       `mapstructure:"ready_weight"`
		CompleteCutoff     float64       `mapstructure:"complete_cutoff"`
		MaxRepairsPerSweep int           `mapstructure:"max_repairs_per_sweep"`
	} `mapstructure:"recovery"`
}

// LoadConfig loads the configuration from config.yaml and the environment.
// A missing config file is not an error; defaults and environment variables
// still apply.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// MaxPhaseTimeout returns the longest configured executor timeout across
// the default and the per-phase overrides.
func (c *Config) MaxPhaseTimeout() time.Duration {
	d := c.Executor.DefaultTimeout
	for _, t := range c.Executor.PhaseTimeouts {
		if t > d {
			d = t
		}
	}
	return d
}

func setDefaults() {
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("executor.default_timeout", "2m")
	viper.SetDefault("executor.transient_retries", 1)
	viper.SetDefault("executor.claim_ttl", "5m")
	viper.SetDefault("recovery.stuck_threshold", "24h")
	viper.SetDefault("recovery.init_stuck_threshold", "30m")
	// Auto-complete heuristics carried over from the original deployment;
	// tune with care.
	viper.SetDefault("recovery.progress_weight", 0.3)
	viper.SetDefault("recovery.terminal_weight", 0.4)
	viper.SetDefault("recovery.ready_weight", 0.3)
	viper.SetDefault("recovery.complete_cutoff", 0.7)
	viper.SetDefault("recovery.max_repairs_per_sweep", 10)
}
