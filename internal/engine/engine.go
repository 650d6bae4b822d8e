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

// Package engine runs workflows on two job queues. A workflow job loads the
// definition and fans its trigger and action nodes out as node jobs; node
// jobs are dispatched to registered processors by node type.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/flowengine/internal/events"
	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/log"
	"github.com/tombee/flowengine/internal/metrics"
	"github.com/tombee/flowengine/internal/processor"
	"github.com/tombee/flowengine/internal/processor/action"
	"github.com/tombee/flowengine/internal/processor/condition"
	"github.com/tombee/flowengine/internal/processor/trigger"
	"github.com/tombee/flowengine/internal/processor/utility"
	"github.com/tombee/flowengine/internal/queue"
	"github.com/tombee/flowengine/internal/repository"
	"github.com/tombee/flowengine/internal/worker"
	"github.com/tombee/flowengine/pkg/errors"
)

// Queue and job names.
const (
	WorkflowQueueName = "workflow-execution"
	NodeQueueName     = "node-execution"

	workflowJobName = "execute-workflow"
	nodeJobName     = "execute-node"
)

// QueueOptions configures one queue and its worker pool.
type QueueOptions struct {
	Concurrency       int
	RemoveOnComplete  int
	RemoveOnFail      int
	DefaultJobOptions queue.Options
}

// Options configures an Engine. Repository is required.
type Options struct {
	WorkflowQueue QueueOptions
	NodeQueue     QueueOptions

	// Store persists both queues. Defaults to an in-memory store.
	Store queue.Store

	// PollInterval, when positive, shares Store with engines in other
	// processes; LockDuration bounds their claims on active jobs. See
	// queue.Config.
	PollInterval time.Duration
	LockDuration time.Duration

	Repository repository.Repository

	// Registry defaults to an empty registry.
	Registry *processor.Registry

	// Events is owned by the engine and closed by Stop. Defaults to a new bus.
	Events *events.Bus

	// LogSink keeps execution logs after the in-memory context is torn
	// down. Optional.
	LogSink execution.LogSink

	Metrics *metrics.Metrics
	Tracer  trace.Tracer

	// NodeRetry applies to node jobs whose execution has no RetryConfig.
	NodeRetry queue.Options

	// ExtraActionTypes are dispatched as action nodes alongside the
	// built-in action, condition and utility types.
	ExtraActionTypes []string

	Logger *slog.Logger
}

// QueueStats reports job counts for both queues.
type QueueStats struct {
	Workflow queue.Counts `json:"workflow"`
	Node     queue.Counts `json:"node"`
}

// Engine owns the workflow and node queues and their workers.
type Engine struct {
	workflowQueue *queue.Queue
	nodeQueue     *queue.Queue
	workflowPool  *worker.Pool
	nodePool      *worker.Pool

	registry  *processor.Registry
	repo      repository.Repository
	bus       *events.Bus
	contexts  *execution.Store
	sink      execution.LogSink
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	nodeRetry queue.Options
	logger    *slog.Logger

	typesMu      sync.RWMutex
	triggerTypes map[string]bool
	actionTypes  map[string]bool

	stopOnce sync.Once
}

// New creates the queues and worker pools. The queue store is pinged
// first; an unreachable store fails with ErrQueueUnavailable before any
// job can be accepted. Workers are not started until Start.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Repository == nil {
		return nil, errors.New("engine: repository is required")
	}
	if opts.Registry == nil {
		opts.Registry = processor.NewRegistry()
	}
	if opts.Events == nil {
		opts.Events = events.New(0)
	}
	if opts.Store == nil {
		opts.Store = queue.NewMemoryStore()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	logger := log.WithComponent(opts.Logger, "engine")

	e := &Engine{
		registry:     opts.Registry,
		repo:         opts.Repository,
		bus:          opts.Events,
		contexts:     execution.NewStore(),
		sink:         opts.LogSink,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		nodeRetry:    opts.NodeRetry,
		logger:       logger,
		triggerTypes: make(map[string]bool),
		actionTypes:  make(map[string]bool),
	}
	for _, t := range trigger.Types {
		e.triggerTypes[t] = true
	}
	for _, group := range [][]string{action.Types, condition.Types, utility.Types, opts.ExtraActionTypes} {
		for _, t := range group {
			if t = strings.TrimSpace(t); t != "" {
				e.actionTypes[t] = true
			}
		}
	}

	wq, err := e.newQueue(ctx, WorkflowQueueName, opts.WorkflowQueue, opts)
	if err != nil {
		return nil, err
	}
	nq, err := e.newQueue(ctx, NodeQueueName, opts.NodeQueue, opts)
	if err != nil {
		_ = wq.Close()
		return nil, err
	}
	e.workflowQueue, e.nodeQueue = wq, nq

	if e.metrics != nil {
		if err := e.metrics.WatchQueues(wq, nq); err != nil {
			_ = wq.Close()
			_ = nq.Close()
			return nil, errors.Wrap(err, "registering queue metrics")
		}
	}

	e.workflowPool = worker.New(worker.Config{
		Source:      wq,
		Concurrency: opts.WorkflowQueue.Concurrency,
		Handler:     e.handleWorkflow,
		Logger:      logger,
	})
	e.nodePool = worker.New(worker.Config{
		Source:      nq,
		Concurrency: opts.NodeQueue.Concurrency,
		Handler:     e.handleNode,
		Logger:      logger,
	})
	return e, nil
}

func (e *Engine) newQueue(ctx context.Context, name string, qopts QueueOptions, opts Options) (*queue.Queue, error) {
	q, err := queue.New(ctx, queue.Config{
		Name:              name,
		RemoveOnComplete:  qopts.RemoveOnComplete,
		RemoveOnFail:      qopts.RemoveOnFail,
		DefaultJobOptions: qopts.DefaultJobOptions,
		Store:             opts.Store,
		PollInterval:      opts.PollInterval,
		LockDuration:      opts.LockDuration,
		Events:            e.bus,
		Logger:            e.logger,
	})
	if err != nil {
		return nil, &Error{Kind: ErrQueueUnavailable, Message: "queue " + name + " unavailable", Cause: err}
	}
	return q, nil
}

// Start launches the workflow and node workers.
func (e *Engine) Start(ctx context.Context) {
	e.nodePool.Start(ctx)
	e.workflowPool.Start(ctx)
	e.logger.Info("engine started",
		slog.Int("workflow_concurrency", e.workflowPool.Concurrency()),
		slog.Int("node_concurrency", e.nodePool.Concurrency()),
	)
}

// Stop shuts down workers, then queues, then the event bus. In-flight
// jobs are interrupted and released back to waiting without spending an
// attempt, so they are redelivered on the next start. The queue store is
// not closed.
func (e *Engine) Stop() error {
	var errs []error
	e.stopOnce.Do(func() {
		e.workflowPool.Stop()
		e.nodePool.Stop()
		if err := e.workflowQueue.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := e.nodeQueue.Close(); err != nil {
			errs = append(errs, err)
		}
		e.bus.Close()
		e.logger.Info("engine stopped")
	})
	return errors.Join(errs...)
}

// ExecuteWorkflow enqueues a workflow job and returns its id, which is the
// execution id.
func (e *Engine) ExecuteWorkflow(ctx context.Context, in execution.Input, retry *execution.RetryConfig, priority int) (string, error) {
	if strings.TrimSpace(in.WorkflowID) == "" {
		return "", &errors.ValidationError{Field: "workflowId", Message: "workflow id is required"}
	}

	data := execution.WorkflowJobData{Input: in, RetryConfig: retry, Priority: priority}
	opts := retryOptions(retry)
	opts.Priority = priority

	job, err := e.workflowQueue.Add(ctx, workflowJobName, data, opts)
	if err != nil {
		return "", err
	}
	e.logger.Debug("workflow enqueued",
		slog.String(log.ExecutionIDKey, job.ID),
		slog.String(log.WorkflowIDKey, in.WorkflowID),
	)
	return job.ID, nil
}

// GetExecutionStatus maps the workflow job's queue state to an execution
// status. It reports false when the job no longer exists.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID string) (execution.Status, bool) {
	job, ok := e.workflowQueue.GetJob(ctx, executionID)
	if !ok {
		return "", false
	}
	return statusOf(job.State), true
}

func statusOf(s queue.State) execution.Status {
	switch s {
	case queue.StateActive:
		return execution.StatusRunning
	case queue.StateCompleted:
		return execution.StatusCompleted
	case queue.StateFailed:
		return execution.StatusFailed
	default:
		return execution.StatusPending
	}
}

// CancelExecution removes a workflow job that no worker has picked up.
// It does not interrupt a running execution.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) (bool, error) {
	removed, err := e.workflowQueue.Remove(ctx, executionID)
	if err != nil {
		return false, err
	}
	if removed {
		e.logger.Info("execution cancelled", slog.String(log.ExecutionIDKey, executionID))
	}
	return removed, nil
}

// GetExecutionLogs returns the live execution's log. Once the execution
// has finished the configured log sink is consulted; without one the
// result is empty.
func (e *Engine) GetExecutionLogs(ctx context.Context, executionID string) ([]execution.LogEntry, error) {
	if ectx, ok := e.contexts.Get(executionID); ok {
		return ectx.Logs(), nil
	}
	if e.sink == nil {
		return []execution.LogEntry{}, nil
	}
	return e.sink.List(ctx, executionID)
}

// GetQueueStats returns job counts for both queues.
func (e *Engine) GetQueueStats(ctx context.Context) QueueStats {
	return QueueStats{
		Workflow: e.workflowQueue.Counts(ctx),
		Node:     e.nodeQueue.Counts(ctx),
	}
}

// ClearQueues deletes every job from both queues. Not for production use.
func (e *Engine) ClearQueues(ctx context.Context) error {
	err := errors.Join(
		e.workflowQueue.RemoveAll(ctx),
		e.nodeQueue.RemoveAll(ctx),
	)
	e.logger.Warn("queues cleared")
	return err
}

// RegisterNodeProcessor registers p, replacing any processor for the same
// node type.
func (e *Engine) RegisterNodeProcessor(p processor.Processor) {
	e.registry.Register(p)
}

// RegisterTrigger registers p and classifies its node type as a trigger.
func (e *Engine) RegisterTrigger(p processor.Processor) {
	e.registry.Register(p)
	e.typesMu.Lock()
	e.triggerTypes[p.NodeType()] = true
	delete(e.actionTypes, p.NodeType())
	e.typesMu.Unlock()
}

// RegisterActionType classifies node types as actions so workflow jobs
// dispatch them.
func (e *Engine) RegisterActionType(types ...string) {
	e.typesMu.Lock()
	for _, t := range types {
		if !e.triggerTypes[t] {
			e.actionTypes[t] = true
		}
	}
	e.typesMu.Unlock()
}

// IsTrigger reports whether nodeType is dispatched as a trigger.
func (e *Engine) IsTrigger(nodeType string) bool {
	e.typesMu.RLock()
	defer e.typesMu.RUnlock()
	return e.triggerTypes[nodeType]
}

// IsAction reports whether nodeType is dispatched as an action.
func (e *Engine) IsAction(nodeType string) bool {
	e.typesMu.RLock()
	defer e.typesMu.RUnlock()
	return e.actionTypes[nodeType]
}

// Registry returns the processor registry.
func (e *Engine) Registry() *processor.Registry { return e.registry }

// Subscribe returns a channel of engine and queue events of the given
// types, or all events when none are given.
func (e *Engine) Subscribe(types ...string) <-chan events.Event {
	return e.bus.Subscribe(types...)
}

// Unsubscribe releases a channel returned by Subscribe.
func (e *Engine) Unsubscribe(ch <-chan events.Event) {
	e.bus.Unsubscribe(ch)
}

// WaitExecution blocks until the execution finishes and returns its
// output.
func (e *Engine) WaitExecution(ctx context.Context, executionID string) (*execution.Output, error) {
	job, err := e.workflowQueue.Wait(ctx, executionID)
	if err != nil {
		return nil, err
	}

	out := &execution.Output{ExecutionID: executionID, Status: statusOf(job.State)}
	if len(job.ReturnValue) > 0 && string(job.ReturnValue) != "null" {
		if err := json.Unmarshal(job.ReturnValue, out); err != nil {
			return nil, errors.Wrapf(err, "decoding output of execution %s", executionID)
		}
	}
	if job.State == queue.StateFailed {
		out.Status = execution.StatusFailed
		if out.Error == "" {
			out.Error = job.FailedReason
		}
	}
	return out, nil
}

// ExecuteNode enqueues a single node job outside any workflow and waits
// for its result.
func (e *Engine) ExecuteNode(ctx context.Context, job processor.Job, opts queue.Options) (*execution.NodeResult, error) {
	if job.ExecutionID == "" {
		job.ExecutionID = job.Context.ExecutionID
	}
	qjob, err := e.nodeQueue.Add(ctx, nodeJobName, job, opts)
	if err != nil {
		return nil, err
	}
	return e.waitNode(ctx, qjob.ID)
}

func (e *Engine) waitNode(ctx context.Context, jobID string) (*execution.NodeResult, error) {
	done, err := e.nodeQueue.Wait(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var result execution.NodeResult
	if len(done.ReturnValue) > 0 && string(done.ReturnValue) != "null" {
		if err := json.Unmarshal(done.ReturnValue, &result); err != nil {
			return nil, errors.Wrapf(err, "decoding result of node job %s", jobID)
		}
		return &result, nil
	}
	return execution.Failed(done.FailedReason), nil
}

func retryOptions(rc *execution.RetryConfig) queue.Options {
	var opts queue.Options
	if rc == nil {
		return opts
	}
	opts.Attempts = rc.Attempts
	if rc.Backoff != nil {
		opts.Backoff = &queue.Backoff{
			Type:  queue.BackoffType(rc.Backoff.Type),
			Delay: time.Duration(rc.Backoff.Delay) * time.Millisecond,
		}
	}
	return opts
}

func (e *Engine) publish(ev events.Event) {
	e.bus.Publish(ev)
}

// appendLog records an execution log entry and mirrors it to the process
// logger. Without a live context the entry goes straight to the sink.
func (e *Engine) appendLog(ctx context.Context, logger *slog.Logger, executionID string, entry execution.LogEntry) {
	if ectx, ok := e.contexts.Get(executionID); ok {
		ectx.AppendLog(entry)
	} else if e.sink != nil && executionID != "" {
		if err := e.sink.Append(context.WithoutCancel(ctx), executionID, entry); err != nil {
			logger.Warn("failed to persist execution log", log.Error(err))
		}
	}

	attrs := []slog.Attr{slog.String(log.EventKey, "execution_log")}
	if entry.NodeID != "" {
		attrs = append(attrs, slog.String(log.NodeIDKey, entry.NodeID))
	}
	log.Log(ctx, logger, string(entry.Level), entry.Message, attrs...)
}
