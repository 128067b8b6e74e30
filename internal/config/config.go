package config

import (
	"strings"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Port int    `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxOpen     int    `mapstructure:"max_open"`
	MaxIdle     int    `mapstructure:"max_idle"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
	EnableTLS   bool   `mapstructure:"enable_tls"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	EnableTLS bool   `mapstructure:"enable_tls"`
}

type RabbitMQConfig struct {
	URL          string `mapstructure:"url"`
	EnableTLS    bool   `mapstructure:"enable_tls"`
	ExchangeName struct {
		WorkflowEvents string `mapstructure:"workflow_events"`
	} `mapstructure:"exchange_name"`
	RoutingKey struct {
		AcceleratorCompleted string `mapstructure:"accelerator_completed"`
		GenerationAudit      string `mapstructure:"generation_audit"`
	} `mapstructure:"routing_key"`
}

// GenerationConfig points the engine at the external generation task service.
type GenerationConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// AutosaveConfig tunes the background persistence discipline. Values are
// seconds; zero falls back to the engine defaults (debounce 3s, throttle 15s).
type AutosaveConfig struct {
	DebounceSec int `mapstructure:"debounce_sec"`
	ThrottleSec int `mapstructure:"throttle_sec"`
}

type RootConfig struct {
	ServiceBearerTokenPrefix string `mapstructure:"service_bearer_token_prefix"`
	ServiceTokenHashPHC      string `mapstructure:"service_token_hash_phc"`
	SecretPepper             string `mapstructure:"secret_pepper"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OtlpEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Generation GenerationConfig `mapstructure:"generation"`
	Autosave   AutosaveConfig   `mapstructure:"autosave"`
	Root       RootConfig       `mapstructure:"root"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// Load reads config.yaml (working directory or /etc/courseloom) and merges
// COURSELOOM_* environment variables on top.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/courseloom")

	v.SetEnvPrefix("COURSELOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.name", "courseloom-api")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("database.max_open", 20)
	v.SetDefault("database.max_idle", 5)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("rabbitmq.exchange_name.workflow_events", "courseloom.workflow")
	v.SetDefault("rabbitmq.routing_key.accelerator_completed", "accelerator.completed")
	v.SetDefault("rabbitmq.routing_key.generation_audit", "generation.audit")
	v.SetDefault("generation.timeout_sec", 300)
	v.SetDefault("root.service_bearer_token_prefix", "cl_svc_")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env vars alone can carry a deployment.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
