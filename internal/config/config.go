package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Storage StorageConfig `mapstructure:"storage"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Health  HealthConfig  `mapstructure:"health"`
	Usage   UsageConfig   `mapstructure:"usage"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
}

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

type JWTConfig struct {
	Secret        string        `mapstructure:"secret"`
	Issuer        string        `mapstructure:"issuer"`
	SessionExpire time.Duration `mapstructure:"session_expire"`
}

type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// PoolConfig holds account pool configuration
type PoolConfig struct {
	Strategy      string        `mapstructure:"strategy"` // "lru", "round_robin", "least_usage", "most_usage", "oldest_first"
	MaxErrorCount int           `mapstructure:"max_error_count"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
}

// HealthConfig holds health checker configuration
type HealthConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	CheckModel    string        `mapstructure:"check_model"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// UsageConfig holds usage syncer configuration
type UsageConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	// Models written to a provider's allow-list when it transitions to FREE
	FreeTierModels []string `mapstructure:"free_tier_models"`
}

// ProxyConfig holds request-path configuration
type ProxyConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
}

var cfg *Config

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults - Server
	viper.SetDefault("server.port", 9091)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 600)

	// Set defaults - JWT
	viper.SetDefault("jwt.issuer", "kiropool")
	viper.SetDefault("jwt.session_expire", "24h")

	// Set defaults - Storage
	viper.SetDefault("storage.db_path", "./kiropool.db")

	// Set defaults - Pool
	viper.SetDefault("pool.strategy", "lru")
	viper.SetDefault("pool.max_error_count", 3)
	viper.SetDefault("pool.max_retries", 3)
	viper.SetDefault("pool.base_delay", "1s")

	// Set defaults - Health
	viper.SetDefault("health.enabled", true)
	viper.SetDefault("health.check_interval", "10m")
	viper.SetDefault("health.check_model", "claude-sonnet-4-20250514")
	viper.SetDefault("health.timeout", "30s")

	// Set defaults - Usage
	viper.SetDefault("usage.enabled", true)
	viper.SetDefault("usage.sync_interval", "10m")
	viper.SetDefault("usage.free_tier_models", []string{
		"claude-haiku-4-5",
		"claude-sonnet-4-20250514",
		"claude-3-7-sonnet-20250219",
	})

	// Set defaults - Proxy
	viper.SetDefault("proxy.system_prompt", "")

	// Environment variable support
	viper.SetEnvPrefix("KIROPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file if exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults and env vars
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	parseDurations(cfg)

	return cfg, nil
}

// parseDurations parses duration strings from viper
func parseDurations(cfg *Config) {
	if d, err := time.ParseDuration(viper.GetString("jwt.session_expire")); err == nil {
		cfg.JWT.SessionExpire = d
	}
	if d, err := time.ParseDuration(viper.GetString("pool.base_delay")); err == nil {
		cfg.Pool.BaseDelay = d
	}
	if d, err := time.ParseDuration(viper.GetString("health.check_interval")); err == nil {
		cfg.Health.CheckInterval = d
	}
	if d, err := time.ParseDuration(viper.GetString("health.timeout")); err == nil {
		cfg.Health.Timeout = d
	}
	if d, err := time.ParseDuration(viper.GetString("usage.sync_interval")); err == nil {
		cfg.Usage.SyncInterval = d
	}
}

func Get() *Config {
	if cfg == nil {
		cfg, _ = Load()
	}
	return cfg
}
