package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
jenkins:
  url: https://test-jenkins.example.com
  token: test-token

api:
  keys:
    - test-api-key
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configContent := `
server:
  port: 8080
  host: "0.0.0.0"

database:
  path: ./test.db

jenkins:
  url: https://test-jenkins.example.com
  token: test-token
  timeout: 30
  default_job: demo

api:
  keys:
    - test-api-key-1
    - test-api-key-2

queue:
  interval: 500ms
  timeout: 1m

stream:
  interval: 250ms
  max_attempts: 40
  timeout: 2m
  persist_on_timeout: false

events:
  buffer: 32
  kafka:
    brokers: ["localhost:19092"]
    topic: ci.events
`

	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Expected database path ./test.db, got %s", cfg.Database.Path)
	}
	if cfg.Jenkins.DefaultJob != "demo" {
		t.Errorf("Expected default job demo, got %s", cfg.Jenkins.DefaultJob)
	}
	if len(cfg.API.Keys) != 2 || cfg.API.Keys[0] != "test-api-key-1" {
		t.Errorf("Unexpected API keys %v", cfg.API.Keys)
	}

	if cfg.Queue.Interval != 500*time.Millisecond {
		t.Errorf("Expected queue interval 500ms, got %s", cfg.Queue.Interval)
	}
	if cfg.Queue.MaxAttempts != 120 {
		t.Errorf("Expected queue attempts derived from timeout (120), got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Stream.MaxAttempts != 40 {
		t.Errorf("Expected stream attempts 40, got %d", cfg.Stream.MaxAttempts)
	}
	if *cfg.Stream.PersistOnTimeout {
		t.Error("Expected persist_on_timeout to be false")
	}

	if !cfg.Events.Kafka.Enabled() || cfg.Events.Kafka.Topic != "ci.events" {
		t.Errorf("Unexpected kafka config %+v", cfg.Events.Kafka)
	}
	if cfg.Events.Buffer != 32 {
		t.Errorf("Expected events buffer 32, got %d", cfg.Events.Buffer)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Expected default driver sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.Database.Path != "./buildrelay.db" {
		t.Errorf("Expected default database path ./buildrelay.db, got %s", cfg.Database.Path)
	}
	if cfg.Jenkins.Timeout != 30 {
		t.Errorf("Expected default Jenkins timeout 30, got %d", cfg.Jenkins.Timeout)
	}
	if cfg.Jenkins.Username != cfg.Jenkins.Token {
		t.Errorf("Expected Jenkins username to default to token, got %s", cfg.Jenkins.Username)
	}

	if cfg.Queue.Interval != 2*time.Second || cfg.Queue.Timeout != 5*time.Minute || cfg.Queue.MaxAttempts != 150 {
		t.Errorf("Unexpected queue defaults %+v", cfg.Queue)
	}
	if cfg.Stream.Interval != time.Second || cfg.Stream.Timeout != 5*time.Minute || cfg.Stream.MaxAttempts != 300 {
		t.Errorf("Unexpected stream defaults %+v", cfg.Stream.PollConfig)
	}
	if cfg.Stream.PersistOnTimeout == nil || !*cfg.Stream.PersistOnTimeout {
		t.Error("Expected persist_on_timeout to default to true")
	}
	if cfg.Events.Kafka.Enabled() {
		t.Error("Expected kafka forwarding to be disabled by default")
	}
}

func TestConfigEnvVars(t *testing.T) {
	t.Setenv("BUILDRELAY_SERVER_PORT", "9090")
	t.Setenv("BUILDRELAY_JENKINS_URL", "https://env-jenkins.example.com")
	t.Setenv("BUILDRELAY_JENKINS_DEFAULT_JOB", "env-job")
	t.Setenv("BUILDRELAY_WEBHOOK_GITHUB_SECRET", "s3cret")
	t.Setenv("BUILDRELAY_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090 from env var, got %d", cfg.Server.Port)
	}
	if cfg.Jenkins.URL != "https://env-jenkins.example.com" {
		t.Errorf("Expected Jenkins URL from env var, got %s", cfg.Jenkins.URL)
	}
	if cfg.Jenkins.DefaultJob != "env-job" {
		t.Errorf("Expected default job from env var, got %s", cfg.Jenkins.DefaultJob)
	}
	if cfg.Webhook.GitHubSecret != "s3cret" {
		t.Errorf("Expected webhook secret from env var, got %s", cfg.Webhook.GitHubSecret)
	}
	if len(cfg.Events.Kafka.Brokers) != 2 {
		t.Errorf("Expected 2 kafka brokers, got %v", cfg.Events.Kafka.Brokers)
	}
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("BUILDRELAY_LOG_LEVEL", "")
	if level := GetLogLevel(); level != "info" {
		t.Errorf("Expected default log level info, got %s", level)
	}

	for _, validLevel := range []string{"debug", "info", "warn", "error"} {
		t.Setenv("BUILDRELAY_LOG_LEVEL", validLevel)
		if lvl := GetLogLevel(); lvl != validLevel {
			t.Errorf("Expected log level %s, got %s", validLevel, lvl)
		}
	}

	t.Setenv("BUILDRELAY_LOG_LEVEL", "invalid")
	if level := GetLogLevel(); level != "info" {
		t.Errorf("Expected log level info for invalid value, got %s", level)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		expectError   bool
		errorContains string
	}{
		{
			name:          "Valid config",
			configContent: minimalConfig,
			expectError:   false,
		},
		{
			name: "Missing Jenkins URL",
			configContent: `
jenkins:
  token: test-token
api:
  keys:
    - test-api-key
`,
			expectError:   true,
			errorContains: "jenkins.url is required",
		},
		{
			name: "Missing Jenkins Token",
			configContent: `
jenkins:
  url: https://test-jenkins.example.com
api:
  keys:
    - test-api-key
`,
			expectError:   true,
			errorContains: "jenkins.token is required",
		},
		{
			name: "Invalid Jenkins URL",
			configContent: `
jenkins:
  url: "://invalid-url"
  token: test-token
api:
  keys:
    - test-api-key
`,
			expectError:   true,
			errorContains: "invalid jenkins.url",
		},
		{
			name: "Missing API Keys",
			configContent: `
jenkins:
  url: https://test-jenkins.example.com
  token: test-token
api:
  keys: []
`,
			expectError:   true,
			errorContains: "at least one api.key is required",
		},
		{
			name: "Invalid Port",
			configContent: `
server:
  port: 70000
` + minimalConfig,
			expectError:   true,
			errorContains: "invalid server.port",
		},
		{
			name: "Unknown Database Driver",
			configContent: `
database:
  driver: mysql
` + minimalConfig,
			expectError:   true,
			errorContains: "invalid database.driver",
		},
		{
			name: "Postgres Without DSN",
			configContent: `
database:
  driver: postgres
` + minimalConfig,
			expectError:   true,
			errorContains: "database.dsn is required",
		},
		{
			name: "Stream Timeout Shorter Than Interval",
			configContent: `
stream:
  interval: 10s
  timeout: 1s
` + minimalConfig,
			expectError:   true,
			errorContains: "invalid stream.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.configContent))
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("Expected error to contain %q, got %q", tt.errorContains, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if cfg == nil {
				t.Error("Config should not be nil")
			}
		})
	}
}
