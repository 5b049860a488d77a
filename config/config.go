// Package config loads the process configuration. Values resolve in three
// layers: built-in defaults, then a YAML file, then environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/collab"
	"github.com/agentmesh/agentmesh/messaging"
	"github.com/agentmesh/agentmesh/queue"
	"github.com/agentmesh/agentmesh/workload"
)

// Config is the complete process configuration.
type Config struct {
	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Store selects and configures the persistence backend.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Queue configures the task queue and claim manager.
	Queue queue.ManagerConfig `yaml:"queue" env:"QUEUE"`

	// Workload configures reputation dynamics.
	Workload workload.TrackerConfig `yaml:"workload" env:"WORKLOAD"`

	// Messaging configures agent-to-agent messaging defaults.
	Messaging messaging.MessengerConfig `yaml:"messaging" env:"MESSAGING"`

	// Collab configures the collaboration orchestrator.
	Collab collab.OrchestratorConfig `yaml:"collab" env:"COLLAB"`

	// Sweep configures the background sweep intervals.
	Sweep SweepConfig `yaml:"sweep" env:"SWEEP"`

	// Log configures logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures tracing and metrics export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// HTTPPort is the API listen port.
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// ReadTimeout is the request read timeout.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// WriteTimeout is the response write timeout.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// StoreConfig selects the persistence backend shared by all subsystems.
type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend" env:"BACKEND"`
	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig configures the redis connection.
type RedisConfig struct {
	// Addr is the host:port address.
	Addr string `yaml:"addr" env:"ADDR"`
	// Password is the auth password, empty for none.
	Password string `yaml:"password" env:"PASSWORD"`
	// DB is the database number.
	DB int `yaml:"db" env:"DB"`
	// PoolSize is the connection pool size.
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// KeyPrefix namespaces all keys.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// SweepConfig configures the background sweep jobs.
type SweepConfig struct {
	// LeaseInterval is how often expired task leases are swept.
	LeaseInterval time.Duration `yaml:"lease_interval" env:"LEASE_INTERVAL"`
	// BlackboardInterval is how often expired blackboard entries are swept.
	BlackboardInterval time.Duration `yaml:"blackboard_interval" env:"BLACKBOARD_INTERVAL"`
	// DecayInterval is how often reputation decay runs.
	DecayInterval time.Duration `yaml:"decay_interval" env:"DECAY_INTERVAL"`
	// MessageTimeoutInterval is how often overdue acks are swept.
	MessageTimeoutInterval time.Duration `yaml:"message_timeout_interval" env:"MESSAGE_TIMEOUT_INTERVAL"`
	// CleanupInterval is how often retention cleanups run.
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// TaskRetention is how long terminal tasks are kept.
	TaskRetention time.Duration `yaml:"task_retention" env:"TASK_RETENTION"`
	// MessageRetention is how long terminal messages are kept.
	MessageRetention time.Duration `yaml:"message_retention" env:"MESSAGE_RETENTION"`
	// AnalyticsInterval is how often the dashboard gauges are re-derived
	// from store state.
	AnalyticsInterval time.Duration `yaml:"analytics_interval" env:"ANALYTICS_INTERVAL"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are the log sinks.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	// Enabled turns OTLP export on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLPEndpoint is the collector endpoint.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// ServiceName names this process in traces.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// SampleRate is the trace sampling ratio in [0,1].
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "agentmesh:",
			},
		},
		Queue:     queue.DefaultManagerConfig(),
		Workload:  workload.DefaultTrackerConfig(),
		Messaging: messaging.DefaultMessengerConfig(),
		Collab:    collab.DefaultOrchestratorConfig(),
		Sweep: SweepConfig{
			LeaseInterval:          10 * time.Second,
			BlackboardInterval:     time.Minute,
			DecayInterval:          time.Hour,
			MessageTimeoutInterval: 5 * time.Second,
			CleanupInterval:        time.Hour,
			TaskRetention:          24 * time.Hour,
			MessageRetention:       24 * time.Hour,
			AnalyticsInterval:      15 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "agentmesh",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for values no subsystem can run with.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be in (0,65535], got %d", c.Server.HTTPPort)
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required for the redis backend")
	}
	if c.Workload.DecayRate <= 0 || c.Workload.DecayRate > 1 {
		return fmt.Errorf("workload.decay_rate must be in (0,1], got %g", c.Workload.DecayRate)
	}
	if c.Collab.ConfidenceThreshold <= 0 || c.Collab.ConfidenceThreshold > 1 {
		return fmt.Errorf("collab.confidence_threshold must be in (0,1], got %g", c.Collab.ConfidenceThreshold)
	}
	if c.Messaging.DefaultAckTimeout <= 0 {
		return fmt.Errorf("messaging.default_ack_timeout must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be in [0,1], got %g", c.Telemetry.SampleRate)
	}
	return nil
}
