package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pipelit.dev/pipelit/runtime/dispatch"
)

type (
	// serveConfig is the serve command's configuration file. Empty backend
	// settings fall back to in-memory stores, so a bare config runs a
	// single-process worker with no external services.
	serveConfig struct {
		// WorkflowsDir holds the workflow YAML files this worker serves.
		WorkflowsDir string `yaml:"workflows_dir"`
		// SecretsFile resolves credential references, same format as
		// run --secrets.
		SecretsFile string `yaml:"secrets_file"`
		// PostgresDSN selects durable execution, checkpoint, node log,
		// schedule and cost stores. Empty keeps everything in memory.
		PostgresDSN string `yaml:"postgres_dsn"`

		Queue   queueConfig   `yaml:"queue"`
		Mongo   mongoConfig   `yaml:"mongo"`
		Streams streamsConfig `yaml:"streams"`

		// Workers is the job pool size.
		Workers int `yaml:"workers"`
		// WaveConcurrency caps concurrently running nodes per wave.
		// Zero keeps the executor default.
		WaveConcurrency int `yaml:"wave_concurrency"`
		// ChatTimeout bounds how long a chat dispatch waits for the final
		// output before detaching.
		ChatTimeout time.Duration `yaml:"chat_timeout"`
		// ZombieAfter is how long a running execution may go without a
		// heartbeat before the sweeper fails it. SweepInterval is how often
		// the sweeper scans.
		ZombieAfter   time.Duration `yaml:"zombie_after"`
		SweepInterval time.Duration `yaml:"sweep_interval"`

		RateLimit rateLimitConfig `yaml:"rate_limit"`
	}

	// queueConfig selects the job queue backend.
	queueConfig struct {
		// RedisAddr enables the Redis-backed queue so jobs survive worker
		// restarts. Empty selects the in-memory queue.
		RedisAddr string `yaml:"redis_addr"`
	}

	// mongoConfig selects MongoDB-backed durable stores: interrupt
	// checkpoints and agent conversation memory. With an empty URI,
	// checkpoints fall back to the queue's Redis (TTL-bounded) or process
	// memory, and memory bindings are ignored.
	mongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// streamsConfig selects status event sinks. Both may be set; events fan
	// out to every configured sink.
	streamsConfig struct {
		// RedisAddr enables the Pulse stream sink on that Redis instance.
		// The same instance backs the shared rate limiter state.
		RedisAddr string `yaml:"redis_addr"`
		// NATSURL enables the NATS sink.
		NATSURL string `yaml:"nats_url"`
		// NATSSubjectPrefix overrides the sink's subject prefix.
		NATSSubjectPrefix string `yaml:"nats_subject_prefix"`
	}

	// rateLimitConfig tunes the adaptive token rate limiter applied to model
	// calls. A zero InitialTPM disables the limiter.
	rateLimitConfig struct {
		InitialTPM float64 `yaml:"initial_tpm"`
		MaxTPM     float64 `yaml:"max_tpm"`
	}
)

func defaultServeConfig() *serveConfig {
	return &serveConfig{
		WorkflowsDir:  "workflows",
		Mongo:         mongoConfig{Database: "pipelit"},
		ChatTimeout:   dispatch.DefaultChatTimeout,
		ZombieAfter:   dispatch.DefaultZombieAfter,
		SweepInterval: dispatch.DefaultSweepInterval,
	}
}

// loadServeConfig reads and validates a config file. The raw bytes pass
// through environment expansion first so DSNs and addresses can reference
// $VARS instead of embedding secrets.
func loadServeConfig(path string) (*serveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))
	cfg := defaultServeConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *serveConfig) validate() error {
	if c.WorkflowsDir == "" {
		return fmt.Errorf("workflows_dir is required")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.WaveConcurrency < 0 {
		return fmt.Errorf("wave_concurrency must not be negative")
	}
	if c.ChatTimeout <= 0 {
		return fmt.Errorf("chat_timeout must be positive")
	}
	if c.ZombieAfter <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("zombie_after and sweep_interval must be positive")
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database is required when mongo.uri is set")
	}
	if c.Streams.NATSSubjectPrefix != "" && c.Streams.NATSURL == "" {
		return fmt.Errorf("streams.nats_subject_prefix requires streams.nats_url")
	}
	if c.RateLimit.InitialTPM < 0 || c.RateLimit.MaxTPM < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.RateLimit.MaxTPM > 0 && c.RateLimit.MaxTPM < c.RateLimit.InitialTPM {
		return fmt.Errorf("rate_limit.max_tpm must not be below rate_limit.initial_tpm")
	}
	return nil
}
