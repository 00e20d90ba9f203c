package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Environments recognised by app.environment
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Backend values for app.backend
const (
	BackendInfra  = "infra"
	BackendMemory = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Security SecurityConfig `yaml:"security"`
	Claim    ClaimConfig    `yaml:"claim"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Results  ResultsConfig  `yaml:"results"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Arm      ArmConfig      `yaml:"arm"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and topology configuration
type RabbitMQConfig struct {
	Host               string           `yaml:"host"`
	Port               int              `yaml:"port"`
	User               string           `yaml:"user"`
	Password           string           `yaml:"password"`
	VHost              string           `yaml:"vhost"`
	Exchange           ExchangeConfig   `yaml:"exchange"`
	DeadLetterExchange string           `yaml:"dead_letter_exchange"`
	ControlExchange    string           `yaml:"control_exchange"`
	MaxPriority        int              `yaml:"max_priority"`
	Connection         ConnectionConfig `yaml:"connection"`
	Publish            PublishConfig    `yaml:"publish"`
	Consumer           ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the claim lookup store connection
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	// Backend selects infra (Postgres, RabbitMQ, Redis) or in-process memory stores
	Backend string `yaml:"backend"`
}

// SecurityConfig holds credential settings. Secrets are read from the
// environment by LoadSecrets, never from the YAML file.
type SecurityConfig struct {
	JWTSecret          string  `yaml:"-"`
	RegistrationSecret string  `yaml:"-"`
	DispatchSecret     string  `yaml:"-"`
	AdminAPIKeyHash    string  `yaml:"-"`
	PullRatePerSecond  float64 `yaml:"pull_rate_per_second"`
	PullBurst          int     `yaml:"pull_burst"`
}

// ClaimConfig holds Job Claim Service settings
type ClaimConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	IdempotencyTTL    time.Duration `yaml:"idempotency_ttl"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	MaxMissedCycles   int           `yaml:"max_missed_cycles"`
	MaxPullLimit      int           `yaml:"max_pull_limit"`
}

// MonitorConfig holds worker health monitor settings
type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	OfflineAfter time.Duration `yaml:"offline_after"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
}

// DispatchConfig holds Job Dispatch Service settings
type DispatchConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	CallbackMaxSkew time.Duration `yaml:"callback_max_skew"`
	UserAgent       string        `yaml:"user_agent"`
	// PublicURL is the Brain base URL written into pushed job callbacks
	PublicURL string `yaml:"public_url"`
}

// ResultsConfig holds Job Result Processor settings
type ResultsConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Retention       time.Duration `yaml:"retention"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ArmConfig holds the reference worker's settings
type ArmConfig struct {
	BrainURL           string              `yaml:"brain_url"`
	WorkerID           string              `yaml:"worker_id"`
	Name               string              `yaml:"name"`
	Region             string              `yaml:"region"`
	Platforms          []string            `yaml:"platforms"`
	Capabilities       map[string][]string `yaml:"capabilities"`
	Specialties        []string            `yaml:"specialties"`
	EndpointURL        string              `yaml:"endpoint_url"`
	DeploymentPlatform string              `yaml:"deployment_platform"`
	Concurrency        int                 `yaml:"concurrency"`
	PullInterval       time.Duration       `yaml:"pull_interval"`
	PullLimit          int                 `yaml:"pull_limit"`
	HealthInterval     time.Duration       `yaml:"health_interval"`
	JobTimeout         time.Duration       `yaml:"job_timeout"`
	RequestTimeout     time.Duration       `yaml:"request_timeout"`
	ShutdownTimeout    time.Duration       `yaml:"shutdown_timeout"`
	// Token reuses an existing credential instead of registering; read from ARM_WORKER_TOKEN
	Token string `yaml:"-"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.App.Environment, EnvDevelopment)
	setDefault(&c.App.Backend, BackendInfra)
	setDefault(&c.RabbitMQ.Exchange.Type, "direct")
	setDefault(&c.RabbitMQ.DeadLetterExchange, c.RabbitMQ.Exchange.Name+".dlx")
	setDefault(&c.RabbitMQ.ControlExchange, c.RabbitMQ.Exchange.Name+".control")
	setDefault(&c.Redis.KeyPrefix, "postdispatch:")
	setDefault(&c.Dispatch.UserAgent, "postdispatch-brain/1.0")
	setDefault(&c.Tracing.ServiceName, c.App.Name)

	setDefault(&c.Claim.TTL, 5*time.Minute)
	setDefault(&c.Claim.IdempotencyTTL, time.Hour)
	setDefault(&c.Claim.ReconcileInterval, time.Minute)
	setDefault(&c.Claim.MaxMissedCycles, 3)
	setDefault(&c.Claim.MaxPullLimit, 5)
	setDefault(&c.Monitor.Interval, 30*time.Second)
	setDefault(&c.Monitor.OfflineAfter, 5*time.Minute)
	setDefault(&c.Monitor.LeaseTTL, time.Minute)
	setDefault(&c.Dispatch.Timeout, 30*time.Second)
	setDefault(&c.Dispatch.CallbackMaxSkew, 5*time.Minute)
	setDefault(&c.Results.CleanupInterval, time.Hour)
	setDefault(&c.Results.Retention, 30*24*time.Hour)
	setDefault(&c.Security.PullRatePerSecond, 1.0)
	setDefault(&c.Security.PullBurst, 5)

	setDefault(&c.Arm.Concurrency, 3)
	setDefault(&c.Arm.PullInterval, 10*time.Second)
	setDefault(&c.Arm.PullLimit, 5)
	setDefault(&c.Arm.HealthInterval, time.Minute)
	setDefault(&c.Arm.JobTimeout, 2*time.Minute)
	setDefault(&c.Arm.RequestTimeout, 30*time.Second)
	setDefault(&c.Arm.ShutdownTimeout, 30*time.Second)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// IsProduction reports whether app.environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// ValidateBrainConfig checks the settings the Brain needs
func (c *Config) ValidateBrainConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.App.Backend != BackendInfra && c.App.Backend != BackendMemory {
		return fmt.Errorf("invalid app backend: %q (must be %q or %q)", c.App.Backend, BackendInfra, BackendMemory)
	}

	if c.App.Backend == BackendInfra {
		if err := c.validateInfra(); err != nil {
			return err
		}
	}

	if c.Claim.TTL <= 0 {
		return fmt.Errorf("claim ttl must be greater than 0")
	}

	if c.Claim.MaxMissedCycles <= 0 {
		return fmt.Errorf("claim max_missed_cycles must be greater than 0")
	}

	if c.Monitor.Interval <= 0 || c.Monitor.OfflineAfter <= 0 {
		return fmt.Errorf("monitor interval and offline_after must be greater than 0")
	}

	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateInfra() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	return nil
}

// ValidateArmConfig checks the settings the reference worker needs
func (c *Config) ValidateArmConfig() error {
	if c.Arm.BrainURL == "" {
		return fmt.Errorf("arm brain_url is required")
	}

	if c.Arm.Region == "" {
		return fmt.Errorf("arm region is required")
	}

	if len(c.Arm.Platforms) == 0 {
		return fmt.Errorf("arm platforms must not be empty")
	}

	if c.Arm.EndpointURL == "" {
		return fmt.Errorf("arm endpoint_url is required")
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Arm.Concurrency <= 0 {
		return fmt.Errorf("arm concurrency must be greater than 0")
	}

	if c.Arm.PullInterval <= 0 {
		return fmt.Errorf("arm pull_interval must be greater than 0")
	}

	if c.Arm.JobTimeout <= 0 {
		return fmt.Errorf("arm job_timeout must be greater than 0")
	}

	return nil
}
