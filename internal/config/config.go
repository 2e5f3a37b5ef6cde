package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultOllamaURL      = "http://localhost:11434"
	DefaultModel          = "gpt-oss:20b"
	DefaultNetwork        = "staging"
	DefaultMaxIterations  = 8
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 120 * time.Second
	DefaultSummaryTimeout = 60 * time.Second
	DefaultReadyTimeout   = 120 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultHTTPHost       = "0.0.0.0"
	DefaultHTTPPort       = 5000
	DefaultLogEntries     = 100
)

// RuntimeConfig captures the settings shared by the gateway, the executor and
// the CLI.
type RuntimeConfig struct {
	OllamaURL     string `mapstructure:"ollama_url"`
	Model         string `mapstructure:"model"`
	Network       string `mapstructure:"network"`
	RealmFolder   string `mapstructure:"realm_folder"`
	DatabasePath  string `mapstructure:"database_path"`
	PersonasDir   string `mapstructure:"personas_dir"`
	MaxIterations int    `mapstructure:"max_iterations"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	SummaryTimeout time.Duration `mapstructure:"summary_timeout"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`

	HTTPHost   string `mapstructure:"http_host"`
	HTTPPort   int    `mapstructure:"http_port"`
	EnableCORS bool   `mapstructure:"enable_cors"`

	MaxLogEntries int `mapstructure:"max_log_entries"`

	RunPodAPIKey string `mapstructure:"runpod_api_key"`

	Verbose bool `mapstructure:"verbose"`
}

// Load builds the runtime configuration from defaults, an optional
// ~/.geister.yaml file, and environment variable overrides, in that order.
func Load() (RuntimeConfig, error) {
	v := viper.New()

	v.SetDefault("ollama_url", DefaultOllamaURL)
	v.SetDefault("model", DefaultModel)
	v.SetDefault("network", DefaultNetwork)
	v.SetDefault("realm_folder", ".")
	v.SetDefault("database_path", "geister.db")
	v.SetDefault("personas_dir", "prompts/personas")
	v.SetDefault("max_iterations", DefaultMaxIterations)
	v.SetDefault("connect_timeout", DefaultConnectTimeout)
	v.SetDefault("read_timeout", DefaultReadTimeout)
	v.SetDefault("summary_timeout", DefaultSummaryTimeout)
	v.SetDefault("ready_timeout", DefaultReadyTimeout)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("http_host", DefaultHTTPHost)
	v.SetDefault("http_port", DefaultHTTPPort)
	v.SetDefault("enable_cors", true)
	v.SetDefault("max_log_entries", DefaultLogEntries)
	v.SetDefault("verbose", false)

	v.SetConfigName(".geister")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return RuntimeConfig{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("GEISTER")
	v.AutomaticEnv()

	// Legacy environment names used by the deployment scripts.
	bindLegacyEnv(v, "ollama_url", "OLLAMA_URL")
	bindLegacyEnv(v, "model", "LLM_MODEL")
	bindLegacyEnv(v, "network", "NETWORK")
	bindLegacyEnv(v, "runpod_api_key", "RUNPOD_API_KEY")

	var cfg RuntimeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	normalize(&cfg)
	return cfg, nil
}

func bindLegacyEnv(v *viper.Viper, key, env string) {
	// BindEnv only errors when no key is supplied.
	_ = v.BindEnv(key, env)
}

func normalize(cfg *RuntimeConfig) {
	cfg.OllamaURL = strings.TrimRight(strings.TrimSpace(cfg.OllamaURL), "/")
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.Network = strings.TrimSpace(cfg.Network)
	cfg.RealmFolder = strings.TrimSpace(cfg.RealmFolder)
	cfg.DatabasePath = strings.TrimSpace(cfg.DatabasePath)
	cfg.RunPodAPIKey = strings.TrimSpace(cfg.RunPodAPIKey)

	if cfg.OllamaURL == "" {
		cfg.OllamaURL = DefaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.RealmFolder == "" {
		cfg.RealmFolder = "."
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = DefaultSummaryTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		cfg.HTTPPort = DefaultHTTPPort
	}
	if cfg.MaxLogEntries <= 0 {
		cfg.MaxLogEntries = DefaultLogEntries
	}
}
