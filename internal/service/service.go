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

// Package service wires configuration into a running execution engine:
// storage backends, gateways, processors, metrics, tracing and the
// monitoring server.
package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/flowengine/internal/backend/redis"
	"github.com/tombee/flowengine/internal/backend/sqlite"
	"github.com/tombee/flowengine/internal/config"
	"github.com/tombee/flowengine/internal/engine"
	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/expression"
	"github.com/tombee/flowengine/internal/gateway"
	"github.com/tombee/flowengine/internal/jq"
	"github.com/tombee/flowengine/internal/log"
	"github.com/tombee/flowengine/internal/metrics"
	"github.com/tombee/flowengine/internal/monitor"
	"github.com/tombee/flowengine/internal/processor"
	"github.com/tombee/flowengine/internal/processor/action"
	"github.com/tombee/flowengine/internal/processor/condition"
	"github.com/tombee/flowengine/internal/processor/trigger"
	"github.com/tombee/flowengine/internal/processor/utility"
	"github.com/tombee/flowengine/internal/queue"
	"github.com/tombee/flowengine/internal/repository"
	"github.com/tombee/flowengine/internal/tracing"
	"github.com/tombee/flowengine/pkg/errors"
)

// ServiceName identifies the process in traces.
const ServiceName = "flowengine"

// Option configures a Service.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	gateways    gateway.Gateways
	traceWriter io.Writer
	version     string
}

// WithLogger sets the process logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithGateways overrides the gateways used by action processors. Nil
// fields keep their defaults.
func WithGateways(gw gateway.Gateways) Option {
	return func(o *options) { o.gateways = gw }
}

// WithTraceWriter sends exported spans to w when tracing is enabled.
func WithTraceWriter(w io.Writer) Option {
	return func(o *options) { o.traceWriter = w }
}

// WithVersion sets the service version reported in traces.
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// Service is the execution engine together with the infrastructure it
// was built on.
type Service struct {
	*engine.Engine

	cfg     *config.Config
	store   queue.Store
	metrics *metrics.Metrics
	tracing *tracing.Provider
	monitor *monitor.Server
	logger  *slog.Logger

	closers []func() error

	closeOnce sync.Once
	closeErr  error
}

// New builds a Service from cfg. Backends are opened and pinged here; an
// unreachable queue backend fails with engine.ErrQueueUnavailable.
// Workers do not run until Start.
func New(ctx context.Context, cfg *config.Config, repo repository.Repository, opts ...Option) (svc *Service, err error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Discard()
	}

	s := &Service{cfg: cfg, logger: log.WithComponent(o.logger, "service")}
	defer func() {
		if err != nil {
			_ = s.closeBackends()
		}
	}()

	var sb *sqlite.Backend
	if cfg.SQLiteInUse() {
		sb, err = sqlite.New(sqlite.Config{Path: cfg.Queue.SQLite.Path, WAL: cfg.Queue.SQLite.WAL})
		if err != nil {
			return nil, &engine.Error{Kind: engine.ErrQueueUnavailable, Message: "opening sqlite backend", Cause: err}
		}
		s.closers = append(s.closers, sb.Close)
	}

	var rb *redis.Backend
	if cfg.RedisInUse() {
		rb, err = redis.New(ctx, redis.Config{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Prefix:   cfg.Queue.Prefix + ":",
		})
		if err != nil {
			return nil, &engine.Error{Kind: engine.ErrQueueUnavailable, Message: "connecting to redis", Cause: err}
		}
		s.closers = append(s.closers, rb.Close)
	}

	switch cfg.Queue.Backend {
	case config.BackendSQLite:
		s.store = sb
	case config.BackendRedis:
		s.store = rb
	default:
		s.store = queue.NewMemoryStore()
	}

	var sink execution.LogSink
	switch cfg.ExecutionLogs.Store {
	case config.BackendMemory:
		sink = execution.NewMemoryLogSink()
	case config.BackendSQLite:
		sink = sb
	case config.BackendRedis:
		sink = rb
	}

	var records gateway.RecordStore = gateway.NewMemoryRecordStore()
	if cfg.Records.Store == config.BackendSQLite {
		records = sb
	}

	s.metrics = metrics.New()
	s.tracing, err = tracing.NewProvider(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    ServiceName,
		ServiceVersion: o.version,
		Writer:         o.traceWriter,
		PrettyPrint:    cfg.Tracing.PrettyPrint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating tracer provider")
	}

	registry := processor.NewRegistry()
	eval := expression.New()
	trigger.Register(registry)
	action.Register(registry, s.gateways(o, records))
	condition.Register(registry, eval)
	utility.Register(registry, eval, jq.NewExecutor(cfg.Engine.JQTimeout, cfg.Engine.JQMaxInputSize))

	// Durable stores may be shared with other processes, e.g. `run --detach`
	// submitting to a running `serve`.
	var pollInterval time.Duration
	if cfg.Queue.Backend != config.BackendMemory {
		pollInterval = cfg.Queue.PollInterval
	}

	s.Engine, err = engine.New(ctx, engine.Options{
		WorkflowQueue:    queueOptions(cfg.WorkflowQueue),
		NodeQueue:        queueOptions(cfg.NodeQueue),
		Store:            s.store,
		PollInterval:     pollInterval,
		LockDuration:     cfg.Queue.LockDuration,
		Repository:       repo,
		Registry:         registry,
		LogSink:          sink,
		Metrics:          s.metrics,
		Tracer:           s.tracing.Tracer(),
		NodeRetry:        jobOptions(cfg.Retry),
		ExtraActionTypes: cfg.Engine.ExtraActionTypes,
		Logger:           o.logger,
	})
	if err != nil {
		_ = s.tracing.Shutdown(context.Background())
		return nil, err
	}

	if cfg.Monitoring.Enabled {
		s.monitor = monitor.New(monitor.Config{
			Host:            cfg.Monitoring.Host,
			Port:            cfg.Monitoring.Port,
			ShutdownTimeout: monitor.DefaultConfig().ShutdownTimeout,
		}, monitor.Options{
			Metrics: s.metrics.Handler(),
			Health:  s.store.Ping,
			Stats: func(ctx context.Context) (any, error) {
				return s.GetQueueStats(ctx), nil
			},
			Logger: o.logger,
		})
	}

	s.logger.Info("service initialized",
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.String("execution_logs", cfg.ExecutionLogs.Store),
		slog.String("records", cfg.Records.Store),
		slog.Int("processors", registry.Len()),
	)
	return s, nil
}

func (s *Service) gateways(o options, records gateway.RecordStore) gateway.Gateways {
	gw := gateway.Gateways{
		HTTP: gateway.NewHTTPClient(gateway.HTTPConfig{
			Timeout:   s.cfg.HTTP.Timeout,
			RateLimit: s.cfg.HTTP.RateLimit,
			Burst:     s.cfg.HTTP.Burst,
			Retry: gateway.RetryPolicy{
				Attempts:   s.cfg.HTTP.Retries,
				Backoff:    s.cfg.HTTP.RetryBackoff,
				MaxBackoff: s.cfg.HTTP.MaxRetryBackoff,
			},
			UserAgent: s.cfg.HTTP.UserAgent + "/" + o.version,
			Logger:    log.WithComponent(o.logger, "http"),
		}),
		Email:    gateway.NewSimulatedEmailSender(o.logger),
		Payments: gateway.NewSimulatedPaymentGateway(o.logger),
		Messages: gateway.NewSimulatedMessenger(o.logger),
		Records:  records,
	}
	if o.gateways.HTTP != nil {
		gw.HTTP = o.gateways.HTTP
	}
	if o.gateways.Email != nil {
		gw.Email = o.gateways.Email
	}
	if o.gateways.Payments != nil {
		gw.Payments = o.gateways.Payments
	}
	if o.gateways.Messages != nil {
		gw.Messages = o.gateways.Messages
	}
	if o.gateways.Records != nil {
		gw.Records = o.gateways.Records
	}
	return gw
}

// Start launches the workers and, when enabled, the monitoring server.
func (s *Service) Start(ctx context.Context) error {
	s.Engine.Start(ctx)
	if s.monitor != nil {
		if err := s.monitor.Start(); err != nil {
			return errors.Wrap(err, "starting monitoring server")
		}
		s.logger.Info("monitoring server listening", slog.String("addr", s.monitor.Addr()))
	}
	return nil
}

// Metrics returns the service's metrics.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// MonitorAddr returns the monitoring server address, or "" when
// monitoring is disabled or not started.
func (s *Service) MonitorAddr() string {
	if s.monitor == nil {
		return ""
	}
	return s.monitor.Addr()
}

// Close stops the monitoring server and the engine, flushes spans and
// closes the backends. Safe to call more than once.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.monitor != nil {
			errs = append(errs, s.monitor.Shutdown(ctx))
		}
		errs = append(errs, s.Engine.Stop())
		errs = append(errs, s.tracing.Shutdown(ctx))
		errs = append(errs, s.closeBackends())
		s.closeErr = errors.Join(errs...)
		s.logger.Info("service closed")
	})
	return s.closeErr
}

func (s *Service) closeBackends() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func queueOptions(q config.QueueConfig) engine.QueueOptions {
	return engine.QueueOptions{
		Concurrency:       q.Concurrency,
		RemoveOnComplete:  q.RemoveOnComplete,
		RemoveOnFail:      q.RemoveOnFail,
		DefaultJobOptions: jobOptions(q.DefaultJobOptions),
	}
}

func jobOptions(o config.JobOptions) queue.Options {
	opts := queue.Options{Attempts: o.Attempts}
	if o.Backoff.Type != "" {
		opts.Backoff = &queue.Backoff{
			Type:  queue.BackoffType(o.Backoff.Type),
			Delay: o.Backoff.Delay,
		}
	}
	return opts
}

// Wait blocks until executionID finishes or timeout elapses. A zero
// timeout waits until ctx is done.
func (s *Service) Wait(ctx context.Context, executionID string, timeout time.Duration) (*execution.Output, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := s.WaitExecution(ctx, executionID)
	if err != nil && ctx.Err() != nil {
		return nil, &errors.TimeoutError{Operation: "waiting for execution " + executionID, Duration: timeout, Cause: err}
	}
	return out, err
}
