package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Jenkins  JenkinsConfig  `yaml:"jenkins"`
	API      APIConfig      `yaml:"api"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Queue    PollConfig     `yaml:"queue"`
	Stream   StreamConfig   `yaml:"stream"`
	Events   EventsConfig   `yaml:"events"`
}

// ServerConfig represents the server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"` // Empty slice means allow all origins
	MaxBodySize    int64    `yaml:"max_body_size"`   // Maximum request body size in bytes (default: 1MB)
}

// DatabaseConfig represents the database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 or postgres
	Path   string `yaml:"path"`   // sqlite3 file path
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// JenkinsConfig represents the Jenkins configuration
type JenkinsConfig struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username"` // defaults to token if not provided
	Token      string `yaml:"token"`
	Timeout    int    `yaml:"timeout"`     // Request timeout in seconds (default: 30)
	DefaultJob string `yaml:"default_job"` // Job used by webhooks and requests that name none
}

// APIConfig represents the API configuration
type APIConfig struct {
	Keys []string `yaml:"keys"`
}

// WebhookConfig represents inbound webhook configuration
type WebhookConfig struct {
	GitHubSecret string `yaml:"github_secret"`
}

// PollConfig is a polling budget: fixed interval, attempt cap and wall-clock cap
type PollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StreamConfig configures the log streamer
type StreamConfig struct {
	PollConfig       `yaml:",inline"`
	PersistOnTimeout *bool `yaml:"persist_on_timeout"`
}

// EventsConfig configures lifecycle event delivery
type EventsConfig struct {
	Buffer int         `yaml:"buffer"` // per-subscriber channel size
	Kafka  KafkaConfig `yaml:"kafka"`
}

// KafkaConfig enables forwarding of lifecycle events to a Kafka topic
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether Kafka forwarding is configured
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// Load loads the configuration from the given file path
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // Trusted file path input
	if err != nil {
		return nil, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	applyEnvVars(config)
	setDefaults(config)

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvVars applies environment variables to the configuration
func applyEnvVars(config *Config) {
	// Server configuration
	if port := os.Getenv("BUILDRELAY_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("BUILDRELAY_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Database configuration
	if driver := os.Getenv("BUILDRELAY_DATABASE_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}
	if path := os.Getenv("BUILDRELAY_DATABASE_PATH"); path != "" {
		config.Database.Path = path
	}
	if dsn := os.Getenv("BUILDRELAY_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	// Jenkins configuration
	if url := os.Getenv("BUILDRELAY_JENKINS_URL"); url != "" {
		config.Jenkins.URL = url
	}
	if username := os.Getenv("BUILDRELAY_JENKINS_USERNAME"); username != "" {
		config.Jenkins.Username = username
	}
	if token := os.Getenv("BUILDRELAY_JENKINS_TOKEN"); token != "" {
		config.Jenkins.Token = token
	}
	if timeout := os.Getenv("BUILDRELAY_JENKINS_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil && t > 0 {
			config.Jenkins.Timeout = t
		}
	}
	if job := os.Getenv("BUILDRELAY_JENKINS_DEFAULT_JOB"); job != "" {
		config.Jenkins.DefaultJob = job
	}

	// Webhook configuration
	if secret := os.Getenv("BUILDRELAY_WEBHOOK_GITHUB_SECRET"); secret != "" {
		config.Webhook.GitHubSecret = secret
	}

	// Event forwarding
	if brokers := os.Getenv("BUILDRELAY_KAFKA_BROKERS"); brokers != "" {
		config.Events.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if topic := os.Getenv("BUILDRELAY_KAFKA_TOPIC"); topic != "" {
		config.Events.Kafka.Topic = topic
	}
}

// setDefaults sets default values for the configuration
func setDefaults(config *Config) {
	// Server defaults
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.MaxBodySize == 0 {
		config.Server.MaxBodySize = 1 << 20 // 1MB default
	}

	// Database defaults
	if config.Database.Driver == "" {
		config.Database.Driver = "sqlite3"
	}
	if config.Database.Path == "" {
		config.Database.Path = "./buildrelay.db"
	}

	// Jenkins defaults
	if config.Jenkins.Timeout == 0 {
		config.Jenkins.Timeout = 30
	}
	if config.Jenkins.Username == "" {
		// Jenkins API token authentication accepts the token as username
		config.Jenkins.Username = config.Jenkins.Token
	}

	// Queue resolver: every 2s for up to 5 minutes
	if config.Queue.Interval == 0 {
		config.Queue.Interval = 2 * time.Second
	}
	if config.Queue.Timeout == 0 {
		config.Queue.Timeout = 5 * time.Minute
	}
	if config.Queue.MaxAttempts == 0 {
		config.Queue.MaxAttempts = int(config.Queue.Timeout / config.Queue.Interval)
	}

	// Log streamer: every 1s for up to 5 minutes
	if config.Stream.Interval == 0 {
		config.Stream.Interval = time.Second
	}
	if config.Stream.Timeout == 0 {
		config.Stream.Timeout = 5 * time.Minute
	}
	if config.Stream.MaxAttempts == 0 {
		config.Stream.MaxAttempts = int(config.Stream.Timeout / config.Stream.Interval)
	}
	if config.Stream.PersistOnTimeout == nil {
		persist := true
		config.Stream.PersistOnTimeout = &persist
	}

	// Event defaults
	if config.Events.Buffer == 0 {
		config.Events.Buffer = 256
	}
	if config.Events.Kafka.Topic == "" {
		config.Events.Kafka.Topic = "buildrelay.lifecycle"
	}
}

// GetLogLevel returns the log level from the environment
func GetLogLevel() string {
	levelStr := os.Getenv("BUILDRELAY_LOG_LEVEL")
	if levelStr == "" {
		return "info"
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if _, ok := validLevels[levelStr]; ok {
		return levelStr
	}

	return "info"
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be between 1 and 65535)", cfg.Server.Port)
	}

	if cfg.Server.MaxBodySize < 0 {
		return fmt.Errorf("invalid server.max_body_size: %d (must be non-negative)", cfg.Server.MaxBodySize)
	}
	if cfg.Server.MaxBodySize > 100<<20 { // 100MB max
		return fmt.Errorf("invalid server.max_body_size: %d (must be less than 100MB)", cfg.Server.MaxBodySize)
	}

	switch cfg.Database.Driver {
	case "sqlite3":
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid database.driver: %q (must be sqlite3 or postgres)", cfg.Database.Driver)
	}

	if cfg.Jenkins.URL == "" {
		return fmt.Errorf("jenkins.url is required")
	}
	if _, err := url.Parse(cfg.Jenkins.URL); err != nil {
		return fmt.Errorf("invalid jenkins.url: %v", err)
	}
	if cfg.Jenkins.Token == "" {
		return fmt.Errorf("jenkins.token is required")
	}

	if len(cfg.API.Keys) == 0 {
		return fmt.Errorf("at least one api.key is required")
	}
	for i, key := range cfg.API.Keys {
		if key == "" {
			return fmt.Errorf("api.keys[%d] cannot be empty", i)
		}
	}

	for name, p := range map[string]PollConfig{"queue": cfg.Queue, "stream": cfg.Stream.PollConfig} {
		if p.Interval < 0 || p.Timeout < 0 || p.MaxAttempts < 0 {
			return fmt.Errorf("invalid %s polling budget: values must be non-negative", name)
		}
		if p.Timeout < p.Interval {
			return fmt.Errorf("invalid %s.timeout: %s is shorter than interval %s", name, p.Timeout, p.Interval)
		}
	}

	if cfg.Events.Buffer < 0 {
		return fmt.Errorf("invalid events.buffer: %d (must be non-negative)", cfg.Events.Buffer)
	}

	return nil
}
