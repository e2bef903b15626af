package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18800,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Mode: "standalone",
		},
		Queue: QueueConfig{
			Backend:   "memory",
			KeyPrefix: "relaydesk:",
			LedgerTTL: Duration(72 * time.Hour),
		},
		Workers: WorkersConfig{
			Defaults: WorkerPoolConfig{
				Concurrency:     4,
				MaxAttempts:     5,
				ClaimIdle:       Duration(30 * time.Second),
				ClaimInterval:   Duration(10 * time.Second),
				ReadBlock:       Duration(2 * time.Second),
				DispatchTimeout: Duration(30 * time.Second),
				ShutdownTimeout: Duration(15 * time.Second),
			},
		},
		Dispatch: DispatchConfig{
			Timeout: Duration(15 * time.Second),
			Workflow: WorkflowDispatch{
				Transport:  "amqp",
				Exchange:   "relaydesk.workflow",
				RoutingKey: "trigger.message",
			},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "relaydesk",
		},
		Housekeeping: HousekeepingConfig{
			Cron:         "*/10 * * * *",
			StreamMaxLen: 100000,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Seed.Validate(); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets
	envStr("RELAYDESK_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("RELAYDESK_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("RELAYDESK_REDIS_URL", &c.Queue.RedisURL)
	envStr("RELAYDESK_AMQP_URL", &c.Dispatch.Workflow.AMQPURL)
	envStr("RELAYDESK_DISPATCH_TOKEN", &c.Dispatch.Token)

	// Gateway host/port
	envStr("RELAYDESK_HOST", &c.Gateway.Host)
	if v := os.Getenv("RELAYDESK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Backends
	envStr("RELAYDESK_MODE", &c.Database.Mode)
	envStr("RELAYDESK_QUEUE_BACKEND", &c.Queue.Backend)
	if c.Queue.RedisURL != "" && os.Getenv("RELAYDESK_QUEUE_BACKEND") == "" && c.Queue.Backend == "memory" {
		c.Queue.Backend = "redis"
	}

	// Downstream
	envStr("RELAYDESK_AI_URL", &c.Dispatch.AIURL)
	envStr("RELAYDESK_WORKFLOW_URL", &c.Dispatch.Workflow.URL)
	envStr("RELAYDESK_WORKFLOW_TRANSPORT", &c.Dispatch.Workflow.Transport)

	// Telemetry
	envStr("RELAYDESK_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("RELAYDESK_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("RELAYDESK_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("RELAYDESK_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("RELAYDESK_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Housekeeping
	envStr("RELAYDESK_HOUSEKEEPING_CRON", &c.Housekeeping.Cron)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secret fields are tagged json:"-"
// and never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config. The watcher uses it to skip
// reloads when the file was touched but not changed.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// Redacted returns the non-secret settings worth logging at startup.
func (c *Config) Redacted() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"mode":           c.Database.Mode,
		"queue":          c.Queue.Backend,
		"listen":         fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port),
		"auth":           c.Gateway.Token != "",
		"workflow":       c.Dispatch.Workflow.Transport,
		"telemetry":      c.Telemetry.Enabled,
		"stream_max_len": c.Housekeeping.StreamMaxLen,
	}
}
