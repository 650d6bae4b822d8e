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

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tombee/flowengine/internal/events"
	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/log"
	"github.com/tombee/flowengine/internal/processor"
	"github.com/tombee/flowengine/internal/queue"
	"github.com/tombee/flowengine/internal/repository"
	"github.com/tombee/flowengine/internal/tracing"
	"github.com/tombee/flowengine/pkg/errors"
)

// handleWorkflow runs one workflow job. The returned Output is stored as
// the job's return value whether or not the run failed.
func (e *Engine) handleWorkflow(ctx context.Context, job *queue.Job) (any, error) {
	var data execution.WorkflowJobData
	if err := job.Decode(&data); err != nil {
		return nil, &errors.ValidationError{Field: "data", Message: err.Error()}
	}

	executionID := job.ID
	ectx := execution.NewContext(executionID, data.Input)
	e.contexts.Put(ectx)
	defer e.teardown(ectx)

	ctx = tracing.ExtractTriggerHeaders(ctx, data.TriggerData["headers"])
	ctx, span := tracing.StartWorkflow(ctx, e.tracer, executionID, data.WorkflowID, job.AttemptsMade+1)
	defer span.End()

	logger := log.WithExecution(e.logger, executionID, data.WorkflowID)
	e.publish(events.NewWorkflowEvent(events.TypeWorkflowStarted, executionID, data.WorkflowID, nil, ""))
	e.appendLog(ctx, logger, executionID, execution.NewLogEntry(execution.LevelInfo,
		fmt.Sprintf("Workflow execution started: %s", data.WorkflowID), "", nil))

	err := e.runWorkflow(ctx, ectx, data, logger)
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown. The worker releases the job for
		// redelivery, so this attempt records no failure.
		span.RecordError(err)
		logger.Info("workflow execution interrupted")
		return nil, ctx.Err()
	}
	completed := time.Now().UTC()
	out := &execution.Output{
		ExecutionID: executionID,
		Result:      ectx.NodeResults(),
		StartedAt:   ectx.StartTime,
		CompletedAt: &completed,
		Duration:    completed.Sub(ectx.StartTime).Milliseconds(),
	}

	if err != nil {
		out.Status = execution.StatusFailed
		out.Error = err.Error()
		span.RecordError(err)
		e.publish(events.NewWorkflowEvent(events.TypeWorkflowFailed, executionID, data.WorkflowID, nil, out.Error))
		e.appendLog(ctx, logger, executionID, execution.NewLogEntry(execution.LevelError,
			fmt.Sprintf("Workflow execution failed: %s", out.Error), "", nil))
		e.metrics.WorkflowFinished(string(execution.StatusFailed))
		return out, err
	}

	out.Status = execution.StatusCompleted
	span.SetAttributes(attribute.Int("workflow.nodes", len(out.Result)))
	e.publish(events.NewWorkflowEvent(events.TypeWorkflowCompleted, executionID, data.WorkflowID, out.Result, ""))
	e.appendLog(ctx, logger, executionID, execution.NewLogEntry(execution.LevelInfo,
		fmt.Sprintf("Workflow execution completed in %dms", out.Duration), "", nil))
	e.metrics.WorkflowFinished(string(execution.StatusCompleted))
	return out, nil
}

// runWorkflow loads the definition and dispatches its trigger nodes, then
// its action nodes, as node jobs. It returns once every node job is
// terminal. Failed nodes do not fail the run.
func (e *Engine) runWorkflow(ctx context.Context, ectx *execution.Context, data execution.WorkflowJobData, logger *slog.Logger) error {
	def, err := e.repo.Get(ctx, data.WorkflowID)
	var nf *errors.NotFoundError
	switch {
	case errors.As(err, &nf) || (err == nil && def == nil):
		return &Error{
			Kind:        ErrWorkflowNotFound,
			ExecutionID: ectx.ExecutionID,
			Message:     fmt.Sprintf("Workflow %s not found", data.WorkflowID),
		}
	case err != nil:
		return errors.Wrapf(err, "loading workflow %s", data.WorkflowID)
	}

	var triggers, actions []repository.Node
	for _, n := range def.Nodes {
		switch {
		case e.IsTrigger(n.Type):
			triggers = append(triggers, n)
		case e.IsAction(n.Type):
			actions = append(actions, n)
		}
	}
	if len(triggers) == 0 {
		return &Error{
			Kind:        ErrNoTriggerNodes,
			ExecutionID: ectx.ExecutionID,
			Message:     fmt.Sprintf("No trigger nodes found in workflow %s", data.WorkflowID),
		}
	}

	opts := e.nodeRetry
	if data.RetryConfig != nil {
		opts = retryOptions(data.RetryConfig)
	}
	opts.Priority = data.Priority

	pending := make(map[string]repository.Node, len(triggers)+len(actions))
	order := make([]string, 0, len(triggers)+len(actions))
	for _, n := range append(triggers, actions...) {
		jobID, err := e.enqueueNode(ctx, ectx, n, opts)
		if err != nil {
			return err
		}
		pending[jobID] = n
		order = append(order, jobID)
	}
	logger.Debug("node jobs enqueued",
		slog.Int("triggers", len(triggers)),
		slog.Int("actions", len(actions)),
	)

	for i, jobID := range order {
		n := pending[jobID]
		result, err := e.waitNode(ctx, jobID)
		if err != nil && ctx.Err() != nil {
			e.abandonNodes(ctx, order[i:])
			return ctx.Err()
		}
		if recorded, ok := ectx.NodeResults()[n.ID]; ok {
			result = &recorded
		} else {
			if err != nil {
				result = execution.Failed(fmt.Sprintf("node job %s did not finish: %v", jobID, err))
			}
			ectx.SetNodeResult(n.ID, *result)
		}
		if !result.Success {
			e.appendLog(ctx, logger, ectx.ExecutionID, execution.NewLogEntry(execution.LevelWarn,
				fmt.Sprintf("Node %s failed: %s", n.ID, result.Error), n.ID, nil))
		}
	}
	return nil
}

func (e *Engine) enqueueNode(ctx context.Context, ectx *execution.Context, n repository.Node, opts queue.Options) (string, error) {
	raw, err := n.RawConfig()
	if err != nil {
		return "", &Error{Kind: ErrInvalidNodeConfig, ExecutionID: ectx.ExecutionID, NodeID: n.ID, Cause: err}
	}
	payload := processor.Job{
		ExecutionID: ectx.ExecutionID,
		WorkflowID:  ectx.WorkflowID,
		NodeID:      n.ID,
		NodeType:    n.Type,
		Config:      raw,
		Inputs:      ectx.Inputs(),
		Context:     ectx.Snapshot(),
	}
	job, err := e.nodeQueue.Add(ctx, nodeJobName, payload, opts)
	if err != nil {
		return "", &Error{
			Kind:        ErrQueueUnavailable,
			ExecutionID: ectx.ExecutionID,
			NodeID:      n.ID,
			Message:     "enqueueing node job",
			Cause:       err,
		}
	}
	return job.ID, nil
}

// abandonNodes removes node jobs of an interrupted run that no worker has
// started. The redelivered workflow job enqueues them afresh.
func (e *Engine) abandonNodes(ctx context.Context, ids []string) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		if _, err := e.nodeQueue.Remove(ctx, id); err != nil {
			e.logger.Warn("failed to remove abandoned node job", slog.String(log.JobIDKey, id), log.Error(err))
		}
	}
}

// teardown persists the execution log and drops the in-memory context.
func (e *Engine) teardown(ectx *execution.Context) {
	defer e.contexts.Delete(ectx.ExecutionID)
	if e.sink == nil {
		return
	}
	logs := ectx.Logs()
	if len(logs) == 0 {
		return
	}
	if err := e.sink.Append(context.Background(), ectx.ExecutionID, logs...); err != nil {
		e.logger.Warn("failed to persist execution logs",
			slog.String(log.ExecutionIDKey, ectx.ExecutionID),
			log.Error(err),
		)
	}
}

// handleNode runs one node job. Processor failures never fail the job:
// the job completes carrying a failed NodeResult. Only an interrupted
// handler returns an error so the queue can redeliver the job.
func (e *Engine) handleNode(ctx context.Context, qjob *queue.Job) (any, error) {
	var job processor.Job
	if err := qjob.Decode(&job); err != nil {
		return execution.Failed(err.Error()), &errors.ValidationError{Field: "data", Message: err.Error()}
	}

	start := time.Now()
	ctx, span := tracing.StartNode(ctx, e.tracer, job.ExecutionID, job.NodeID, job.NodeType)
	defer span.End()

	logger := log.WithNode(e.logger, job.ExecutionID, job.NodeID, job.NodeType)
	job.Logger = logger
	e.publish(events.NewNodeEvent(events.TypeNodeStarted, job.ExecutionID, job.NodeID, job.NodeType, nil, ""))

	result, err := e.process(ctx, &job)
	if err != nil && ctx.Err() != nil {
		span.RecordError(err)
		return result, ctx.Err()
	}

	e.record(ctx, logger, &job, result, err)
	e.metrics.NodeFinished(job.NodeType, result.Success, time.Since(start))
	if !result.Success {
		span.Fail(result.Error)
	}
	return result, nil
}

// process resolves and runs the processor for job. The result is never
// nil; err carries the failure kind when the processor did not succeed
// normally.
func (e *Engine) process(ctx context.Context, job *processor.Job) (result *execution.NodeResult, err error) {
	p, ok := e.registry.Resolve(job.NodeType)
	if !ok {
		msg := fmt.Sprintf("Unknown node type: %s", job.NodeType)
		return execution.Failed(msg), &Error{Kind: ErrUnknownNodeType, ExecutionID: job.ExecutionID, NodeID: job.NodeID, Message: msg}
	}
	if !processor.Validate(p, job.Config) {
		msg := fmt.Sprintf("Invalid configuration for node type: %s", job.NodeType)
		return execution.Failed(msg), &Error{Kind: ErrInvalidNodeConfig, ExecutionID: job.ExecutionID, NodeID: job.NodeID, Message: msg}
	}

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("processor panicked: %v", r)
			result = execution.Failed(msg)
			err = &Error{Kind: ErrProcessorRuntime, ExecutionID: job.ExecutionID, NodeID: job.NodeID, Message: msg}
		}
	}()

	result, err = p.Process(ctx, job)
	if err != nil {
		return execution.Failed(err.Error()), &Error{Kind: ErrProcessorRuntime, ExecutionID: job.ExecutionID, NodeID: job.NodeID, Cause: err}
	}
	if result == nil {
		return execution.Succeeded(nil), nil
	}
	return result, nil
}

// record stores the node result in the live execution context, appends
// its logs and publishes the outcome.
func (e *Engine) record(ctx context.Context, logger *slog.Logger, job *processor.Job, result *execution.NodeResult, err error) {
	if ectx, ok := e.contexts.Get(job.ExecutionID); ok {
		ectx.SetNodeResult(job.NodeID, *result)
	}
	for _, entry := range result.Logs {
		if entry.NodeID == "" {
			entry.NodeID = job.NodeID
		}
		e.appendLog(ctx, logger, job.ExecutionID, entry)
	}

	if result.Success {
		e.publish(events.NewNodeEvent(events.TypeNodeCompleted, job.ExecutionID, job.NodeID, job.NodeType, result.Data, ""))
		e.appendLog(ctx, logger, job.ExecutionID, execution.NewLogEntry(execution.LevelInfo,
			fmt.Sprintf("Node %s (%s) completed", job.NodeID, job.NodeType), job.NodeID, nil))
		return
	}

	e.publish(events.NewNodeEvent(events.TypeNodeFailed, job.ExecutionID, job.NodeID, job.NodeType, result.Data, result.Error))
	var data any
	if err != nil {
		data = map[string]any{"errorType": errors.TypeOf(err)}
	}
	e.appendLog(ctx, logger, job.ExecutionID, execution.NewLogEntry(execution.LevelError,
		fmt.Sprintf("Node %s (%s) failed: %s", job.NodeID, job.NodeType, result.Error), job.NodeID, data))
}
