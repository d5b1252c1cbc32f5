package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Dispatch DispatchConfig `mapstructure:"dispatch" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	Pipeline PipelineConfig `mapstructure:"pipeline" validate:"required"`
}

// WorkerConfig is the subset of settings the standalone worker process needs.
type WorkerConfig struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Dispatch DispatchConfig `mapstructure:"dispatch" validate:"required"`
	Pipeline PipelineConfig `mapstructure:"pipeline" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// RedisConfig locates the shared store holding the queue state.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"required,hostname_port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix" validate:"required"`
}

// Waiting policies applied to waiting tasks at startup.
const (
	WaitingPolicyPreserve = "preserve"
	WaitingPolicyFail     = "fail"
)

// QueueConfig holds admission limits.
type QueueConfig struct {
	MaxRunning    int    `mapstructure:"max_running" validate:"required,gt=0"`
	MaxWaiting    int    `mapstructure:"max_waiting" validate:"gte=0"`
	WaitingPolicy string `mapstructure:"waiting_policy" validate:"required,oneof=preserve fail"`
	// SweepIntervalMinutes schedules the empty dedup slot sweep; zero runs it only at startup.
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes" validate:"gte=0"`
}

// Dispatch modes
const (
	DispatchModeLocal = "local"
	DispatchModeKafka = "kafka"
)

// DispatchConfig selects how admitted tasks reach a worker.
type DispatchConfig struct {
	Mode          string   `mapstructure:"mode" validate:"required,oneof=local kafka"`
	Brokers       []string `mapstructure:"brokers" validate:"required_if=Mode kafka,dive,hostname_port"`
	JobTopic      string   `mapstructure:"job_topic" validate:"required"`
	ResultTopic   string   `mapstructure:"result_topic" validate:"required"`
	ControlTopic  string   `mapstructure:"control_topic" validate:"required"`
	GroupID       string   `mapstructure:"group_id" validate:"required"`
	ResultGroupID string   `mapstructure:"result_group_id" validate:"required"`
	WorkerCount   int      `mapstructure:"worker_count" validate:"required,gt=0"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
	// TokenLifetimeMinutes applies to tokens minted by the token command.
	TokenLifetimeMinutes int `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// PipelineConfig locates the generation pipeline service.
type PipelineConfig struct {
	BaseURL        string `mapstructure:"base_url" validate:"required,url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"required,gt=0"`
}
