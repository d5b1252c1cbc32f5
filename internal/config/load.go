package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load, e.g. SLIDEGEN_QUEUE_MAX_RUNNING.
const EnvPrefix = "SLIDEGEN"

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadWorker loads the settings used by the worker process.
func LoadWorker() (*WorkerConfig, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setDefaults registers every key so AutomaticEnv can populate it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "slidegen:queue")

	v.SetDefault("queue.max_running", 2)
	v.SetDefault("queue.max_waiting", 5)
	v.SetDefault("queue.waiting_policy", WaitingPolicyPreserve)
	v.SetDefault("queue.sweep_interval_minutes", 10)

	v.SetDefault("dispatch.mode", DispatchModeLocal)
	v.SetDefault("dispatch.brokers", []string{})
	v.SetDefault("dispatch.job_topic", "slidegen.jobs")
	v.SetDefault("dispatch.result_topic", "slidegen.results")
	v.SetDefault("dispatch.control_topic", "slidegen.control")
	v.SetDefault("dispatch.group_id", "slidegen-workers")
	v.SetDefault("dispatch.result_group_id", "slidegen-server")
	v.SetDefault("dispatch.worker_count", 2)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("pipeline.base_url", "http://localhost:9000")
	v.SetDefault("pipeline.timeout_seconds", 900)
}

func validate(cfg any) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
