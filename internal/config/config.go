package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// QueueConfig controls the Redis-backed job queue.
type QueueConfig struct {
	RedisURL          string        `yaml:"redis_url"`
	KeyPrefix         string        `yaml:"key_prefix"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	DefaultPriority   int           `yaml:"default_priority"`
	DefaultAttempts   int           `yaml:"default_max_attempts"`
	PriorityWeight    time.Duration `yaml:"priority_weight"` // score headstart per priority level
	SweepInterval     time.Duration `yaml:"sweep_interval"`  // how often orphaned jobs are recovered
	TerminalRetention int           `yaml:"terminal_retention"`
	DedupeWindow      time.Duration `yaml:"dedupe_window"`
}

// WorkerConfig controls the job worker loop.
type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	TestRetries  int           `yaml:"test_retries"` // intra-call retries for flaky test infra
}

type SandboxConfig struct {
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
	Backend          string        `yaml:"backend"`        // "auto" (default), "containerd", or "docker"
	SecurityLevel    string        `yaml:"security_level"` // high, medium, low
	EnvWhitelist     []string      `yaml:"env_whitelist"`  // host env keys the restricted path may expose
	JanitorInterval  time.Duration `yaml:"janitor_interval"`
	JanitorMaxAge    time.Duration `yaml:"janitor_max_age"` // stale containers older than this are removed
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Addr    string `yaml:"addr"` // standalone metrics listener for the worker
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Queue: QueueConfig{
			RedisURL:          "redis://localhost:6379/0",
			KeyPrefix:         "devforge",
			VisibilityTimeout: 2 * time.Minute,
			DefaultPriority:   5,
			DefaultAttempts:   3,
			PriorityWeight:    time.Second,
			SweepInterval:     2 * time.Minute,
			TerminalRetention: 10000,
			DedupeWindow:      24 * time.Hour,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			PollInterval: 500 * time.Millisecond,
			DrainTimeout: 30 * time.Second,
			TestRetries:  2,
		},
		Sandbox: SandboxConfig{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "devforge",
			DefaultTimeout:   10 * time.Second,
			MaxTimeout:       60 * time.Second,
			MaxConcurrent:    100,
			Backend:          "auto",
			SecurityLevel:    "high",
			EnvWhitelist:     []string{"LANG", "TZ"},
			JanitorInterval:  5 * time.Minute,
			JanitorMaxAge:    1 * time.Hour,
			DefaultLimits: DefaultLimits{
				CPUShares: 512,
				MemoryMB:  256,
				PidsLimit: 50,
				DiskMB:    100,
			},
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Addr:    ":9091",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Queue.RedisURL == "" {
		return fmt.Errorf("queue.redis_url is required")
	}
	if c.Queue.VisibilityTimeout < time.Second {
		return fmt.Errorf("queue.visibility_timeout must be >= 1s, got %s", c.Queue.VisibilityTimeout)
	}
	if c.Queue.DefaultPriority < 1 || c.Queue.DefaultPriority > 10 {
		return fmt.Errorf("queue.default_priority must be 1-10, got %d", c.Queue.DefaultPriority)
	}
	if c.Queue.DefaultAttempts < 1 {
		return fmt.Errorf("queue.default_max_attempts must be >= 1")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 16")
	}
	switch c.Sandbox.SecurityLevel {
	case "high", "medium", "low":
	default:
		return fmt.Errorf("sandbox.security_level must be high, medium, or low, got %q", c.Sandbox.SecurityLevel)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable: connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
