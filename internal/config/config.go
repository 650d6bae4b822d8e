// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the execution engine configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	flowerrors "github.com/tombee/flowengine/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Queue backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// StoreNone disables the durable execution log sink.
const StoreNone = "none"

// Config is the execution engine configuration.
type Config struct {
	Log           LogConfig        `yaml:"log"`
	Queue         QueueBackend     `yaml:"queue"`
	WorkflowQueue QueueConfig      `yaml:"workflow_queue"`
	NodeQueue     QueueConfig      `yaml:"node_queue"`
	Retry         JobOptions       `yaml:"retry"` // node jobs without a per-execution retry config
	Monitoring    MonitoringConfig `yaml:"monitoring"`
	ExecutionLogs StoreConfig      `yaml:"execution_logs"`
	Records       StoreConfig      `yaml:"records"`
	HTTP          HTTPConfig       `yaml:"http"`
	Engine        EngineConfig     `yaml:"engine"`
	Tracing       TracingConfig    `yaml:"tracing"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`
}

// QueueBackend selects where queue jobs are persisted.
type QueueBackend struct {
	// Backend is memory, sqlite or redis.
	// Environment: FLOWENGINE_QUEUE_BACKEND
	// Default: memory
	Backend string `yaml:"backend"`

	// Prefix namespaces queue names and Redis keys.
	// Default: flowengine
	Prefix string `yaml:"prefix"`

	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`

	// PollInterval is how often a sqlite or redis queue reloads the store
	// to pick up jobs submitted by other processes.
	// Default: 1s
	PollInterval time.Duration `yaml:"poll_interval"`

	// LockDuration is how long an active job stays claimed by a process
	// that stopped renewing it, e.g. after a crash.
	// Default: 30s
	LockDuration time.Duration `yaml:"lock_duration"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Environment: FLOWENGINE_SQLITE_PATH
	Path string `yaml:"path"`
	WAL  bool   `yaml:"wal"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	// Environment: FLOWENGINE_REDIS_ADDR
	Addr string `yaml:"addr"`
	// Environment: FLOWENGINE_REDIS_PASSWORD
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig configures one of the two job queues.
type QueueConfig struct {
	// Concurrency bounds the workers consuming the queue.
	Concurrency int `yaml:"concurrency"`

	// RemoveOnComplete keeps the last N completed jobs. Negative keeps all.
	RemoveOnComplete int `yaml:"remove_on_complete"`

	// RemoveOnFail keeps the last N failed jobs. Negative keeps all.
	RemoveOnFail int `yaml:"remove_on_fail"`

	DefaultJobOptions JobOptions `yaml:"default_job_options"`
}

// JobOptions are per-job retry defaults.
type JobOptions struct {
	Attempts int           `yaml:"attempts"`
	Backoff  BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is a retry delay policy.
type BackoffConfig struct {
	// Type is fixed or exponential.
	Type  string        `yaml:"type"`
	Delay time.Duration `yaml:"delay"`
}

// MonitoringConfig configures the monitoring HTTP server.
type MonitoringConfig struct {
	// Environment: FLOWENGINE_MONITORING_ENABLED
	Enabled bool `yaml:"enabled"`
	// Environment: FLOWENGINE_MONITORING_PORT
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// StoreConfig picks a store implementation by name.
type StoreConfig struct {
	Store string `yaml:"store"`
}

// HTTPConfig configures the outbound HTTP gateway used by http_request nodes.
type HTTPConfig struct {
	// RateLimit is requests per second. 0 means unlimited.
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
	Timeout   time.Duration `yaml:"timeout"`

	// Retries is how often idempotent requests are retried on transient
	// failures. 0 disables transport retries.
	Retries         int           `yaml:"retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
	UserAgent       string        `yaml:"user_agent"`
}

// EngineConfig tunes node classification and evaluation limits.
type EngineConfig struct {
	// ExtraActionTypes are node types enqueued as actions in addition to
	// the built-in ones.
	ExtraActionTypes []string `yaml:"extra_action_types"`

	// JQTimeout bounds data_transform source queries.
	JQTimeout time.Duration `yaml:"jq_timeout"`

	// JQMaxInputSize caps the serialized input of a jq query, in bytes.
	JQMaxInputSize int64 `yaml:"jq_max_input_size"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled     bool `yaml:"enabled"`
	PrettyPrint bool `yaml:"pretty_print"`

	// SampleRatio is the fraction of executions traced (default: 1).
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueBackend{
			Backend: BackendMemory,
			Prefix:  "flowengine",
			SQLite:       SQLiteConfig{Path: "flowengine.db", WAL: true},
			Redis:        RedisConfig{Addr: "localhost:6379"},
			PollInterval: time.Second,
			LockDuration: 30 * time.Second,
		},
		WorkflowQueue: QueueConfig{
			Concurrency:      5,
			RemoveOnComplete: 100,
			RemoveOnFail:     50,
			DefaultJobOptions: JobOptions{
				Attempts: 3,
				Backoff:  BackoffConfig{Type: "exponential", Delay: 2 * time.Second},
			},
		},
		NodeQueue: QueueConfig{
			Concurrency:      10,
			RemoveOnComplete: 100,
			RemoveOnFail:     50,
			DefaultJobOptions: JobOptions{
				Attempts: 3,
				Backoff:  BackoffConfig{Type: "exponential", Delay: time.Second},
			},
		},
		Retry: JobOptions{
			Attempts: 3,
			Backoff:  BackoffConfig{Type: "exponential", Delay: time.Second},
		},
		Monitoring:    MonitoringConfig{Port: 9464},
		ExecutionLogs: StoreConfig{Store: StoreNone},
		Records:       StoreConfig{Store: BackendMemory},
		HTTP: HTTPConfig{
			Burst:           1,
			Timeout:         30 * time.Second,
			RetryBackoff:    100 * time.Millisecond,
			MaxRetryBackoff: 5 * time.Second,
			UserAgent:       "flowengine",
		},
		Engine: EngineConfig{
			JQTimeout:      5 * time.Second,
			JQMaxInputSize: 10 << 20,
		},
	}
}

// Load reads the configuration file at configPath (optional), fills
// defaults, applies environment overrides and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &flowerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &flowerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values left by a minimal config file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = defaults.Queue.Backend
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = defaults.Queue.Prefix
	}
	if c.Queue.SQLite.Path == "" {
		c.Queue.SQLite.Path = defaults.Queue.SQLite.Path
	}
	if c.Queue.Redis.Addr == "" {
		c.Queue.Redis.Addr = defaults.Queue.Redis.Addr
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = defaults.Queue.PollInterval
	}
	if c.Queue.LockDuration == 0 {
		c.Queue.LockDuration = defaults.Queue.LockDuration
	}

	applyJobDefaults(&c.Retry, defaults.Retry)
	applyQueueDefaults(&c.WorkflowQueue, defaults.WorkflowQueue)
	applyQueueDefaults(&c.NodeQueue, defaults.NodeQueue)

	if c.Monitoring.Port == 0 {
		c.Monitoring.Port = defaults.Monitoring.Port
	}
	if c.ExecutionLogs.Store == "" {
		c.ExecutionLogs.Store = defaults.ExecutionLogs.Store
	}
	if c.Records.Store == "" {
		c.Records.Store = defaults.Records.Store
	}

	if c.HTTP.Burst == 0 {
		c.HTTP.Burst = defaults.HTTP.Burst
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = defaults.HTTP.Timeout
	}
	if c.HTTP.RetryBackoff == 0 {
		c.HTTP.RetryBackoff = defaults.HTTP.RetryBackoff
	}
	if c.HTTP.MaxRetryBackoff == 0 {
		c.HTTP.MaxRetryBackoff = defaults.HTTP.MaxRetryBackoff
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = defaults.HTTP.UserAgent
	}

	if c.Engine.JQTimeout == 0 {
		c.Engine.JQTimeout = defaults.Engine.JQTimeout
	}
	if c.Engine.JQMaxInputSize == 0 {
		c.Engine.JQMaxInputSize = defaults.Engine.JQMaxInputSize
	}
}

func applyQueueDefaults(q *QueueConfig, def QueueConfig) {
	if q.Concurrency == 0 {
		q.Concurrency = def.Concurrency
	}
	// Retention limits are seeded by Default before the file is read, and
	// zero is a valid limit.
	applyJobDefaults(&q.DefaultJobOptions, def.DefaultJobOptions)
}

func applyJobDefaults(o *JobOptions, def JobOptions) {
	if o.Attempts == 0 {
		o.Attempts = def.Attempts
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = def.Backoff.Type
	}
	if o.Backoff.Delay == 0 {
		o.Backoff.Delay = def.Backoff.Delay
	}
}

// loadFromEnv applies environment overrides. Unparseable values are ignored.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	if val := os.Getenv("FLOWENGINE_QUEUE_BACKEND"); val != "" {
		c.Queue.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("FLOWENGINE_SQLITE_PATH"); val != "" {
		c.Queue.SQLite.Path = val
	}
	if val := os.Getenv("FLOWENGINE_REDIS_ADDR"); val != "" {
		c.Queue.Redis.Addr = val
	}
	if val := os.Getenv("FLOWENGINE_REDIS_PASSWORD"); val != "" {
		c.Queue.Redis.Password = val
	}

	if val := os.Getenv("FLOWENGINE_WORKFLOW_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.WorkflowQueue.Concurrency = n
		}
	}
	if val := os.Getenv("FLOWENGINE_NODE_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.NodeQueue.Concurrency = n
		}
	}

	if val := os.Getenv("FLOWENGINE_MONITORING_ENABLED"); val != "" {
		c.Monitoring.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("FLOWENGINE_MONITORING_PORT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Monitoring.Port = n
		}
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	backends := map[string]bool{BackendMemory: true, BackendSQLite: true, BackendRedis: true}
	if !backends[c.Queue.Backend] {
		errs = append(errs, fmt.Sprintf("queue.backend must be one of [memory, sqlite, redis], got %q", c.Queue.Backend))
	}

	if c.Queue.PollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("queue.poll_interval must be positive, got %v", c.Queue.PollInterval))
	}
	if c.Queue.LockDuration < c.Queue.PollInterval {
		errs = append(errs, fmt.Sprintf("queue.lock_duration (%v) must be at least queue.poll_interval (%v)", c.Queue.LockDuration, c.Queue.PollInterval))
	}

	errs = append(errs, c.WorkflowQueue.validate("workflow_queue")...)
	errs = append(errs, c.NodeQueue.validate("node_queue")...)
	errs = append(errs, c.Retry.validate("retry")...)

	if c.Monitoring.Enabled && (c.Monitoring.Port < 1 || c.Monitoring.Port > 65535) {
		errs = append(errs, fmt.Sprintf("monitoring.port must be between 1 and 65535, got %d", c.Monitoring.Port))
	}

	logStores := map[string]bool{StoreNone: true, BackendMemory: true, BackendSQLite: true, BackendRedis: true}
	if !logStores[c.ExecutionLogs.Store] {
		errs = append(errs, fmt.Sprintf("execution_logs.store must be one of [none, memory, sqlite, redis], got %q", c.ExecutionLogs.Store))
	}
	recordStores := map[string]bool{BackendMemory: true, BackendSQLite: true}
	if !recordStores[c.Records.Store] {
		errs = append(errs, fmt.Sprintf("records.store must be one of [memory, sqlite], got %q", c.Records.Store))
	}

	if c.HTTP.RateLimit < 0 {
		errs = append(errs, fmt.Sprintf("http.rate_limit must not be negative, got %v", c.HTTP.RateLimit))
	}
	if c.HTTP.Burst < 1 {
		errs = append(errs, fmt.Sprintf("http.burst must be at least 1, got %d", c.HTTP.Burst))
	}
	if c.HTTP.Retries < 0 {
		errs = append(errs, fmt.Sprintf("http.retries must not be negative, got %d", c.HTTP.Retries))
	}
	if c.HTTP.MaxRetryBackoff < c.HTTP.RetryBackoff {
		errs = append(errs, fmt.Sprintf("http.max_retry_backoff (%v) must be at least http.retry_backoff (%v)", c.HTTP.MaxRetryBackoff, c.HTTP.RetryBackoff))
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio))
	}

	for _, typ := range c.Engine.ExtraActionTypes {
		if strings.TrimSpace(typ) == "" {
			errs = append(errs, "engine.extra_action_types must not contain empty entries")
			break
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (q QueueConfig) validate(key string) []string {
	var errs []string
	if q.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("%s.concurrency must be at least 1, got %d", key, q.Concurrency))
	}
	return append(errs, q.DefaultJobOptions.validate(key+".default_job_options")...)
}

func (o JobOptions) validate(key string) []string {
	var errs []string
	if o.Attempts < 1 {
		errs = append(errs, fmt.Sprintf("%s.attempts must be at least 1, got %d", key, o.Attempts))
	}
	if o.Backoff.Type != "fixed" && o.Backoff.Type != "exponential" {
		errs = append(errs, fmt.Sprintf("%s.backoff.type must be one of [fixed, exponential], got %q", key, o.Backoff.Type))
	}
	if o.Backoff.Delay < 0 {
		errs = append(errs, fmt.Sprintf("%s.backoff.delay must not be negative, got %v", key, o.Backoff.Delay))
	}
	return errs
}

// SQLiteInUse reports whether any store is configured to use SQLite.
func (c *Config) SQLiteInUse() bool {
	return c.Queue.Backend == BackendSQLite ||
		c.ExecutionLogs.Store == BackendSQLite ||
		c.Records.Store == BackendSQLite
}

// RedisInUse reports whether any store is configured to use Redis.
func (c *Config) RedisInUse() bool {
	return c.Queue.Backend == BackendRedis || c.ExecutionLogs.Store == BackendRedis
}
