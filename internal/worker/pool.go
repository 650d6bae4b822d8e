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

// Package worker runs a bounded number of concurrent consumers against a
// job queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/flowengine/internal/log"
	"github.com/tombee/flowengine/internal/queue"
	"github.com/tombee/flowengine/pkg/errors"
)

// Source is the part of a queue a pool consumes from.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, id string, value any) error
	Fail(ctx context.Context, id string, cause error, value any) error
	Release(ctx context.Context, id string) error
}

// Handler processes one job. A nil error completes the job with the
// returned value; a non-nil error fails the attempt, and the value (if
// any) is kept as the job's return value.
type Handler func(ctx context.Context, job *queue.Job) (any, error)

// PanicError is returned for a handler that panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Config configures a Pool.
type Config struct {
	Source      Source
	Concurrency int
	Handler     Handler
	Logger      *slog.Logger
}

// Pool is a fixed set of consumers sharing one Source.
type Pool struct {
	source      Source
	concurrency int
	handler     Handler
	logger      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running atomic.Int64
}

// New creates a pool. Concurrency below 1 is treated as 1.
func New(cfg Config) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	return &Pool{
		source:      cfg.Source,
		concurrency: cfg.Concurrency,
		handler:     cfg.Handler,
		logger:      cfg.Logger.With(slog.String(log.QueueKey, cfg.Source.Name())),
	}
}

// Start launches the consumers. It returns immediately; calling Start on a
// running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.group != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.consume(gctx)
			return nil
		})
	}
	p.cancel = cancel
	p.group = g

	p.logger.Debug("worker pool started", slog.Int("concurrency", p.concurrency))
}

// Stop cancels the consumers and waits for in-flight handlers to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel, g := p.cancel, p.group
	p.cancel, p.group = nil, nil
	p.mu.Unlock()

	if g == nil {
		return
	}
	cancel()
	_ = g.Wait()
	p.logger.Debug("worker pool stopped")
}

// Concurrency returns the number of consumers.
func (p *Pool) Concurrency() int { return p.concurrency }

// Running returns the number of handlers currently executing.
func (p *Pool) Running() int { return int(p.running.Load()) }

func (p *Pool) consume(ctx context.Context) {
	for {
		job, err := p.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			p.logger.Warn("fetch failed", log.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		p.handle(ctx, job)
	}
}

func (p *Pool) handle(ctx context.Context, job *queue.Job) {
	p.running.Add(1)
	defer p.running.Add(-1)

	logger := p.logger.With(slog.String(log.JobIDKey, job.ID))
	start := time.Now()
	value, err := p.invoke(ctx, job)

	// Acknowledge even when the pool is stopping so the job does not stay active.
	ackCtx := context.WithoutCancel(ctx)
	if err != nil && ctx.Err() != nil {
		// Interrupted by Stop: hand the job back without spending an attempt.
		p.ack(logger, "failed to release job", p.source.Release(ackCtx, job.ID))
		logger.Debug("job released on shutdown")
		return
	}
	if err != nil {
		var perr *PanicError
		if errors.As(err, &perr) {
			logger.Error("handler panicked", log.Error(err), slog.String("stack", perr.Stack))
		}
		p.ack(logger, "failed to record job failure", p.source.Fail(ackCtx, job.ID, err, value))
		return
	}

	if p.ack(logger, "failed to complete job", p.source.Complete(ackCtx, job.ID, value)) {
		logger.Debug("job completed", log.Duration(time.Since(start).Milliseconds()))
	}
}

// ack logs an acknowledgement error and reports whether the ack succeeded.
// A job removed meanwhile is not worth a log line; one taken over by
// another queue instance is only a warning.
func (p *Pool) ack(logger *slog.Logger, msg string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, queue.ErrJobNotFound):
	case errors.Is(err, queue.ErrConflict):
		logger.Warn(msg, log.Error(err))
	default:
		logger.Error(msg, log.Error(err))
	}
	return false
}

func (p *Pool) invoke(ctx context.Context, job *queue.Job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return p.handler(ctx, job)
}
