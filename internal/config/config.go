package config

import (
	"fmt"
	"time"
)

// Config is the full benthamd configuration tree. Sections map 1:1 to YAML
// top-level keys and to ENV prefixes (SECTION_FIELD_NAME).
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Checkpoint    CheckpointConfig    `koanf:"checkpoint"`
	Sessions      SessionsConfig      `koanf:"sessions"`
	Credentials   CredentialsConfig   `koanf:"credentials"`
	NATS          NATSConfig          `koanf:"nats"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig configures the ops HTTP server (health, metrics, study status).
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// OrchestratorConfig tunes the worker pool and retry policy.
type OrchestratorConfig struct {
	Workers                 int           `koanf:"workers"`
	MaxConcurrentPerWorker  int           `koanf:"max_concurrent_per_worker"`
	BaseRetryDelay          time.Duration `koanf:"base_retry_delay"`
	MaxRetryDelay           time.Duration `koanf:"max_retry_delay"`
	// MaxRetries is the retry budget for studies that do not set their
	// own max_retries.
	MaxRetries              int           `koanf:"max_retries"`
	JobTimeout              time.Duration `koanf:"job_timeout"`
	NoCredentialsBackoff    time.Duration `koanf:"no_credentials_backoff"`
}

// CheckpointConfig tunes checkpoint persistence.
type CheckpointConfig struct {
	Dir                string        `koanf:"dir"`
	SaveEveryResults   int           `koanf:"save_every_results"`
	SaveInterval       time.Duration `koanf:"save_interval"`
	PreserveCheckpoint bool          `koanf:"preserve_checkpoint"`
}

// SessionsConfig tunes the session pool defaults per platform.
type SessionsConfig struct {
	MinIdle           int           `koanf:"min_idle"`
	MaxSessions       int           `koanf:"max_sessions"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	MaxLifetime       time.Duration `koanf:"max_lifetime"`
	KeepAliveInterval time.Duration `koanf:"keep_alive_interval"`
	CheckoutTimeout   time.Duration `koanf:"checkout_timeout"`
}

// CredentialsConfig tunes credential pool defaults per surface.
type CredentialsConfig struct {
	MinActive     int           `koanf:"min_active"`
	ErrorCooldown time.Duration `koanf:"error_cooldown"`
	MaxErrors     int           `koanf:"max_errors"`
	ErrorWindow   time.Duration `koanf:"error_window"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	Strategy      string        `koanf:"strategy"`
}

// NATSConfig configures the optional event publisher.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// ObservabilityConfig configures tracing and metrics export. Traces ship
// over OTLP/HTTP when an endpoint is set; metrics always export through the
// Prometheus registry behind /metrics.
type ObservabilityConfig struct {
	ServiceName string `koanf:"service_name"`

	// OTLPEndpoint is the collector host:port for trace export. Empty
	// disables export; spans are still created for in-process use.
	OTLPEndpoint string `koanf:"otlp_endpoint"`

	// TraceSampleRatio is the parent-based head sampling ratio in [0,1].
	TraceSampleRatio float64 `koanf:"trace_sample_ratio"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Orchestrator.Workers == 0 {
		cfg.Orchestrator.Workers = 4
	}
	if cfg.Orchestrator.MaxConcurrentPerWorker == 0 {
		cfg.Orchestrator.MaxConcurrentPerWorker = 1
	}
	if cfg.Orchestrator.BaseRetryDelay == 0 {
		cfg.Orchestrator.BaseRetryDelay = 5 * time.Second
	}
	if cfg.Orchestrator.MaxRetryDelay == 0 {
		cfg.Orchestrator.MaxRetryDelay = 5 * time.Minute
	}
	if cfg.Orchestrator.MaxRetries == 0 {
		cfg.Orchestrator.MaxRetries = 3
	}
	if cfg.Orchestrator.JobTimeout == 0 {
		cfg.Orchestrator.JobTimeout = 2 * time.Minute
	}
	if cfg.Orchestrator.NoCredentialsBackoff == 0 {
		cfg.Orchestrator.NoCredentialsBackoff = 5 * time.Second
	}

	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = "/var/lib/bentham/checkpoints"
	}
	if cfg.Checkpoint.SaveEveryResults == 0 {
		cfg.Checkpoint.SaveEveryResults = 10
	}
	if cfg.Checkpoint.SaveInterval == 0 {
		cfg.Checkpoint.SaveInterval = 30 * time.Second
	}

	if cfg.Sessions.MinIdle == 0 {
		cfg.Sessions.MinIdle = 2
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = 10
	}
	if cfg.Sessions.IdleTimeout == 0 {
		cfg.Sessions.IdleTimeout = 30 * time.Minute
	}
	if cfg.Sessions.MaxLifetime == 0 {
		cfg.Sessions.MaxLifetime = 4 * time.Hour
	}
	if cfg.Sessions.KeepAliveInterval == 0 {
		cfg.Sessions.KeepAliveInterval = 30 * time.Second
	}
	if cfg.Sessions.CheckoutTimeout == 0 {
		cfg.Sessions.CheckoutTimeout = 30 * time.Second
	}

	if cfg.Credentials.MinActive == 0 {
		cfg.Credentials.MinActive = 1
	}
	if cfg.Credentials.ErrorCooldown == 0 {
		cfg.Credentials.ErrorCooldown = 60 * time.Second
	}
	if cfg.Credentials.MaxErrors == 0 {
		cfg.Credentials.MaxErrors = 5
	}
	if cfg.Credentials.ErrorWindow == 0 {
		cfg.Credentials.ErrorWindow = 5 * time.Minute
	}
	if cfg.Credentials.SweepInterval == 0 {
		cfg.Credentials.SweepInterval = 10 * time.Second
	}
	if cfg.Credentials.Strategy == "" {
		cfg.Credentials.Strategy = "round_robin"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "benthamd"
	}
	if cfg.Observability.TraceSampleRatio == 0 {
		cfg.Observability.TraceSampleRatio = 1.0
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level invalid: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format invalid: %q", c.Logging.Format)
	}
	if c.Orchestrator.Workers < 1 {
		return fmt.Errorf("orchestrator.workers must be >= 1, got %d", c.Orchestrator.Workers)
	}
	if c.Orchestrator.MaxConcurrentPerWorker < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_per_worker must be >= 1, got %d", c.Orchestrator.MaxConcurrentPerWorker)
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries cannot be negative: %d", c.Orchestrator.MaxRetries)
	}
	if c.Orchestrator.BaseRetryDelay <= 0 || c.Orchestrator.MaxRetryDelay <= 0 {
		return fmt.Errorf("orchestrator retry delays must be positive")
	}
	if c.Orchestrator.BaseRetryDelay > c.Orchestrator.MaxRetryDelay {
		return fmt.Errorf("orchestrator.base_retry_delay exceeds max_retry_delay")
	}
	if c.Checkpoint.SaveEveryResults < 1 {
		return fmt.Errorf("checkpoint.save_every_results must be >= 1, got %d", c.Checkpoint.SaveEveryResults)
	}
	if c.Sessions.MinIdle > c.Sessions.MaxSessions {
		return fmt.Errorf("sessions.min_idle %d exceeds sessions.max_sessions %d", c.Sessions.MinIdle, c.Sessions.MaxSessions)
	}
	switch c.Credentials.Strategy {
	case "round_robin", "random", "least_used", "least_errors", "weighted":
	default:
		return fmt.Errorf("credentials.strategy invalid: %q", c.Credentials.Strategy)
	}
	if r := c.Observability.TraceSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("observability.trace_sample_ratio %v outside [0,1]", r)
	}
	return nil
}
