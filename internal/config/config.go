package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration shared by the dispatcher and the worker agent.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Storage   StorageConfig   `yaml:"storage"`
	NATS      NATSConfig      `yaml:"nats"`
	Logging   LoggingConfig   `yaml:"logging"`
	Agent     AgentConfig     `yaml:"agent"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Debug mounts the pprof handlers under /debug/pprof.
	Debug bool `yaml:"debug"`
}

type SchedulerConfig struct {
	// Enabled is a pointer so an omitted key keeps the default of true.
	Enabled      *bool         `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   *int          `yaml:"max_retries"`
	PoolSize     int           `yaml:"pool_size"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

func (s SchedulerConfig) Retries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

type LivenessConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

type DispatchConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	// RateLimit is attempts per second across all workers; 0 disables limiting.
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
	EndpointPath string  `yaml:"endpoint_path"`
}

type StorageConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// NATSConfig enables the message bus boundary when URL is set.
type NATSConfig struct {
	URL              string `yaml:"url"`
	RegisterSubject  string `yaml:"register_subject"`
	HeartbeatSubject string `yaml:"heartbeat_subject"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// AgentConfig configures cmd/worker.
type AgentConfig struct {
	ID                string        `yaml:"id"`
	ListenAddr        string        `yaml:"listen_addr"`
	AdvertiseAddr     string        `yaml:"advertise_addr"`
	DispatcherURL     string        `yaml:"dispatcher_url"`
	Capabilities      []string      `yaml:"capabilities"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
}

const (
	DefaultMaxRetries = 3
	StorageMemory     = "memory"
	StorageSQLite     = "sqlite"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path and fills unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	setString(&c.Server.Addr, ":8080")
	setDuration(&c.Server.ReadTimeout, 10*time.Second)
	setDuration(&c.Server.WriteTimeout, 30*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	setDuration(&c.Scheduler.PollInterval, 10*time.Second)
	setInt(&c.Scheduler.PoolSize, 1)
	setDuration(&c.Scheduler.ShutdownWait, 5*time.Second)

	setDuration(&c.Liveness.HeartbeatTimeout, 30*time.Second)
	setDuration(&c.Liveness.SweepInterval, 30*time.Second)

	setDuration(&c.Dispatch.AttemptTimeout, 5*time.Second)
	setInt(&c.Dispatch.MaxAttempts, 3)
	setDuration(&c.Dispatch.BackoffInitial, 500*time.Millisecond)
	setDuration(&c.Dispatch.BackoffMax, 5*time.Second)
	setString(&c.Dispatch.EndpointPath, "/execute-job")
	if c.Dispatch.RateLimit > 0 && c.Dispatch.RateBurst == 0 {
		c.Dispatch.RateBurst = 1
	}

	setString(&c.Storage.Type, StorageMemory)
	if c.Storage.Type == StorageSQLite {
		setString(&c.Storage.Path, "jobdispatch.db")
	}

	setString(&c.NATS.RegisterSubject, "dispatch.workers.register")
	setString(&c.NATS.HeartbeatSubject, "dispatch.workers.heartbeat")

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")

	setString(&c.Agent.ListenAddr, ":9000")
	setString(&c.Agent.DispatcherURL, "http://localhost:8080")
	setDuration(&c.Agent.HeartbeatInterval, 10*time.Second)
	setInt(&c.Agent.Concurrency, 4)
	setDuration(&c.Agent.JobTimeout, time.Minute)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positive("server.read_timeout", c.Server.ReadTimeout)
	positive("server.write_timeout", c.Server.WriteTimeout)
	positive("server.shutdown_timeout", c.Server.ShutdownTimeout)
	positive("scheduler.poll_interval", c.Scheduler.PollInterval)
	positive("scheduler.shutdown_wait", c.Scheduler.ShutdownWait)
	positive("liveness.heartbeat_timeout", c.Liveness.HeartbeatTimeout)
	positive("liveness.sweep_interval", c.Liveness.SweepInterval)
	positive("dispatch.attempt_timeout", c.Dispatch.AttemptTimeout)
	positive("dispatch.backoff_initial", c.Dispatch.BackoffInitial)
	positive("dispatch.backoff_max", c.Dispatch.BackoffMax)
	positive("agent.heartbeat_interval", c.Agent.HeartbeatInterval)
	positive("agent.job_timeout", c.Agent.JobTimeout)

	if c.Scheduler.Retries() < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_retries must be >= 0, got %d", c.Scheduler.Retries()))
	}
	if c.Scheduler.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("scheduler.pool_size must be >= 1, got %d", c.Scheduler.PoolSize))
	}
	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("dispatch.max_attempts must be >= 1, got %d", c.Dispatch.MaxAttempts))
	}
	if c.Dispatch.BackoffMax < c.Dispatch.BackoffInitial {
		errs = append(errs, errors.New("dispatch.backoff_max must not be below dispatch.backoff_initial"))
	}
	if c.Dispatch.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("dispatch.rate_limit must be >= 0, got %g", c.Dispatch.RateLimit))
	}
	if c.Agent.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("agent.concurrency must be >= 1, got %d", c.Agent.Concurrency))
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func setString(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setDuration(p *time.Duration, def time.Duration) {
	if *p == 0 {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}
