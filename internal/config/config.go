package config

import (
	"fmt"
	"sync"
	"time"
)

// Config is the root configuration for relaydesk.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Database     DatabaseConfig     `json:"database,omitempty"`
	Queue        QueueConfig        `json:"queue"`
	Workers      WorkersConfig      `json:"workers"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Seed         SeedConfig         `json:"seed,omitempty"`
	mu           sync.RWMutex
}

// GatewayConfig configures the HTTP API listener.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"-"`                          // from env RELAYDESK_GATEWAY_TOKEN only
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty"`   // request body cap (default 1 MiB)
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty"`   // per-tenant inbound requests per minute (0 = unlimited)
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"` // graceful HTTP shutdown (default 10s)
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from config.json (secret), only from env RELAYDESK_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN  string `json:"-"`                        // from env RELAYDESK_POSTGRES_DSN only
	Mode         string `json:"mode,omitempty"`           // "standalone" (default) or "managed"
	MaxOpenConns int    `json:"max_open_conns,omitempty"` // 0 = driver default
}

// QueueConfig selects the queue backend.
type QueueConfig struct {
	Backend   string   `json:"backend,omitempty"`    // "memory" (default) or "redis"
	RedisURL  string   `json:"-"`                    // from env RELAYDESK_REDIS_URL only
	PoolSize  int      `json:"pool_size,omitempty"`  // redis connection pool size
	KeyPrefix string   `json:"key_prefix,omitempty"` // prefix for stream and ledger keys (default "relaydesk:")
	LedgerTTL Duration `json:"ledger_ttl,omitempty"` // processed-message ledger retention (default 72h)
}

// WorkersConfig configures the worker pools. Groups missing from Groups use Defaults.
type WorkersConfig struct {
	Defaults WorkerPoolConfig            `json:"defaults"`
	Groups   map[string]WorkerPoolConfig `json:"groups,omitempty"` // keyed by stream/group name
}

// WorkerPoolConfig tunes one consumer group.
type WorkerPoolConfig struct {
	Concurrency     int      `json:"concurrency,omitempty"`      // worker loops (default 4)
	MaxAttempts     int      `json:"max_attempts,omitempty"`     // deliveries before dead-lettering (default 5)
	ClaimIdle       Duration `json:"claim_idle,omitempty"`       // pending age before reclaim (default 30s)
	ClaimInterval   Duration `json:"claim_interval,omitempty"`   // reclaim sweep period (default 10s)
	ReadBlock       Duration `json:"read_block,omitempty"`       // blocking read wait (default 2s)
	DispatchTimeout Duration `json:"dispatch_timeout,omitempty"` // per-entry downstream timeout (default 30s)
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"` // in-flight grace period on stop (default 15s)
	RatePerSecond   float64  `json:"rate_per_second,omitempty"`  // 0 = unlimited
	Burst           int      `json:"burst,omitempty"`
}

// DispatchConfig points each destination at its downstream collaborator.
type DispatchConfig struct {
	AIURL        string            `json:"ai_url,omitempty"`       // AI engine ingestion endpoint
	OutboundURLs map[string]string `json:"outbound_urls,omitempty"` // channel → delivery adapter endpoint
	Workflow     WorkflowDispatch  `json:"workflow"`
	Timeout      Duration          `json:"timeout,omitempty"`      // HTTP client timeout (default 15s)
	Token        string            `json:"-"`                      // from env RELAYDESK_DISPATCH_TOKEN only
}

// WorkflowDispatch configures delivery of workflow trigger events.
type WorkflowDispatch struct {
	Transport  string `json:"transport,omitempty"`   // "amqp" (default) or "http"
	URL        string `json:"url,omitempty"`         // http transport endpoint
	AMQPURL    string `json:"-"`                     // from env RELAYDESK_AMQP_URL only
	Exchange   string `json:"exchange,omitempty"`    // default "relaydesk.workflow"
	RoutingKey string `json:"routing_key,omitempty"` // default "trigger.message"
}

// TelemetryConfig configures OpenTelemetry export for traces.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "relaydesk"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// HousekeepingConfig schedules stream maintenance.
type HousekeepingConfig struct {
	Cron         string `json:"cron,omitempty"`           // cron expression (default "*/10 * * * *")
	StreamMaxLen int64  `json:"stream_max_len,omitempty"` // approximate cap per stream (default 100000, 0 disables trimming)
}

// IsManagedMode returns true if relaydesk runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// Pool returns the effective settings for a consumer group.
func (c *Config) Pool(group string) WorkerPoolConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := c.Workers.Defaults
	o, ok := c.Workers.Groups[group]
	if !ok {
		return p
	}
	if o.Concurrency > 0 {
		p.Concurrency = o.Concurrency
	}
	if o.MaxAttempts > 0 {
		p.MaxAttempts = o.MaxAttempts
	}
	if o.ClaimIdle > 0 {
		p.ClaimIdle = o.ClaimIdle
	}
	if o.ClaimInterval > 0 {
		p.ClaimInterval = o.ClaimInterval
	}
	if o.ReadBlock > 0 {
		p.ReadBlock = o.ReadBlock
	}
	if o.DispatchTimeout > 0 {
		p.DispatchTimeout = o.DispatchTimeout
	}
	if o.ShutdownTimeout > 0 {
		p.ShutdownTimeout = o.ShutdownTimeout
	}
	if o.RatePerSecond > 0 {
		p.RatePerSecond = o.RatePerSecond
		p.Burst = o.Burst
	}
	return p
}

// SeedSnapshot returns a copy of the seed section under the read lock.
func (c *Config) SeedSnapshot() SeedConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Seed
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Queue = src.Queue
	c.Workers = src.Workers
	c.Dispatch = src.Dispatch
	c.Telemetry = src.Telemetry
	c.Housekeeping = src.Housekeeping
	c.Seed = src.Seed
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` || s == "''" {
		return nil
	}
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') {
		v, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	// Bare numbers are seconds.
	var secs float64
	if _, err := fmt.Sscan(s, &secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}
