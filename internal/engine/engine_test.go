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
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/flowengine/internal/events"
	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/metrics"
	"github.com/tombee/flowengine/internal/processor"
	"github.com/tombee/flowengine/internal/processor/action"
	"github.com/tombee/flowengine/internal/processor/trigger"
	"github.com/tombee/flowengine/internal/queue"
	"github.com/tombee/flowengine/internal/repository"
	"github.com/tombee/flowengine/pkg/errors"
)

func testOptions(repo repository.Repository) Options {
	return Options{
		WorkflowQueue: QueueOptions{
			Concurrency:       2,
			RemoveOnComplete:  -1,
			RemoveOnFail:      -1,
			DefaultJobOptions: queue.Options{Attempts: 3},
		},
		NodeQueue: QueueOptions{
			Concurrency:       4,
			RemoveOnComplete:  -1,
			RemoveOnFail:      -1,
			DefaultJobOptions: queue.Options{Attempts: 3},
		},
		Repository: repo,
	}
}

// newTestEngine creates an engine with trigger processors registered. The
// caller starts it.
func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	trigger.Register(e.Registry())
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func waitOutput(t *testing.T, e *Engine, id string) *execution.Output {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := e.WaitExecution(ctx, id)
	if err != nil {
		t.Fatalf("WaitExecution: %v", err)
	}
	return out
}

func sampleWorkflow() *repository.Definition {
	return &repository.Definition{
		ID:   "wf-1",
		Name: "Sample",
		Nodes: []repository.Node{
			{ID: "start", Type: trigger.TypeManual},
			{ID: "fetch", Type: action.TypeHTTPRequest, Data: repository.NodeData{
				Config: map[string]any{"url": "https://example.com", "method": "GET"},
			}},
		},
		Edges: []repository.Edge{{Source: "start", Target: "fetch"}},
	}
}

func TestEngine_ExecuteWorkflow(t *testing.T) {
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository(sampleWorkflow())))

	var calls atomic.Int32
	e.RegisterNodeProcessor(processor.Func{
		Type: action.TypeHTTPRequest,
		ProcessFunc: func(_ context.Context, job *processor.Job) (*execution.NodeResult, error) {
			calls.Add(1)
			return execution.Succeeded(map[string]any{"status": 200}), nil
		},
	})

	ctx := context.Background()
	id, err := e.ExecuteWorkflow(ctx, execution.Input{
		WorkflowID:  "wf-1",
		TriggerData: map[string]any{"source": "test"},
	}, nil, 0)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}

	status, ok := e.GetExecutionStatus(ctx, id)
	if !ok || status != execution.StatusPending {
		t.Fatalf("expected pending before start, got %q (found=%v)", status, ok)
	}

	e.Start(ctx)
	out := waitOutput(t, e, id)

	if out.Status != execution.StatusCompleted {
		t.Fatalf("expected completed, got %q (error %q)", out.Status, out.Error)
	}
	if out.ExecutionID != id {
		t.Errorf("expected execution id %s, got %s", id, out.ExecutionID)
	}
	for _, nodeID := range []string{"start", "fetch"} {
		if _, ok := out.Result[nodeID]; !ok {
			t.Errorf("expected result for node %s, got %v", nodeID, out.Result)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected http_request processed once, got %d", calls.Load())
	}
	trig, _ := out.Result["start"].Data.(map[string]any)
	if trig["source"] != "test" {
		t.Errorf("expected manual trigger to echo trigger data, got %v", out.Result["start"].Data)
	}

	status, ok = e.GetExecutionStatus(ctx, id)
	if !ok || status != execution.StatusCompleted {
		t.Errorf("expected completed status, got %q", status)
	}

	stats := e.GetQueueStats(ctx)
	if stats.Node.Completed != 2 {
		t.Errorf("expected 2 completed node jobs, got %+v", stats.Node)
	}
	if stats.Workflow.Completed != 1 {
		t.Errorf("expected 1 completed workflow job, got %+v", stats.Workflow)
	}
}

func TestEngine_UniqueExecutionIDs(t *testing.T) {
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository(sampleWorkflow())))
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "wf-1"}, nil, 0)
		if err != nil {
			t.Fatalf("ExecuteWorkflow: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate execution id %s", id)
		}
		seen[id] = true
	}

	if _, err := e.ExecuteWorkflow(ctx, execution.Input{}, nil, 0); err == nil {
		t.Error("expected error for missing workflow id")
	}
}

func TestEngine_WorkflowNotFound(t *testing.T) {
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository()))
	ctx := context.Background()
	e.Start(ctx)

	id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "missing"}, nil, 0)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	out := waitOutput(t, e, id)

	if out.Status != execution.StatusFailed {
		t.Fatalf("expected failed, got %q", out.Status)
	}
	if !strings.Contains(out.Error, "not found") {
		t.Errorf("expected 'not found' in error, got %q", out.Error)
	}

	job, ok := e.workflowQueue.GetJob(ctx, id)
	if !ok {
		t.Fatal("expected workflow job to be retained")
	}
	if job.AttemptsMade != 1 {
		t.Errorf("missing workflow should not be retried, attempts made %d", job.AttemptsMade)
	}
}

func TestEngine_NoTriggerNodes(t *testing.T) {
	def := &repository.Definition{
		ID:    "no-trigger",
		Nodes: []repository.Node{{ID: "a", Type: action.TypeHTTPRequest}},
	}
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository(def)))
	ctx := context.Background()
	e.Start(ctx)

	id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "no-trigger"}, nil, 0)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	out := waitOutput(t, e, id)

	if out.Status != execution.StatusFailed {
		t.Fatalf("expected failed, got %q", out.Status)
	}
	if !strings.Contains(out.Error, "No trigger nodes") {
		t.Errorf("expected 'No trigger nodes' in error, got %q", out.Error)
	}
	if e.GetQueueStats(ctx).Node.Completed != 0 {
		t.Error("no node jobs should be enqueued")
	}
}

func TestEngine_DispatchByType(t *testing.T) {
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository()))
	ctx := context.Background()

	var xCalls, yCalls atomic.Int32
	e.RegisterNodeProcessor(processor.Func{Type: "X", ProcessFunc: func(context.Context, *processor.Job) (*execution.NodeResult, error) {
		xCalls.Add(1)
		return execution.Succeeded("x"), nil
	}})
	e.RegisterNodeProcessor(processor.Func{Type: "Y", ProcessFunc: func(context.Context, *processor.Job) (*execution.NodeResult, error) {
		yCalls.Add(1)
		return execution.Succeeded("y"), nil
	}})
	e.Start(ctx)

	result, err := e.ExecuteNode(ctx, processor.Job{ExecutionID: "exec-1", NodeID: "n", NodeType: "X"}, queue.Options{})
	if err != nil {
		t.Fatalf("ExecuteNode: %v", err)
	}
	if !result.Success || result.Data != "x" {
		t.Errorf("unexpected result %+v", result)
	}
	if xCalls.Load() != 1 || yCalls.Load() != 0 {
		t.Errorf("expected only X invoked, got x=%d y=%d", xCalls.Load(), yCalls.Load())
	}
}

func TestEngine_InvalidConfig(t *testing.T) {
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository()))
	ctx := context.Background()

	var invoked atomic.Bool
	e.RegisterNodeProcessor(processor.Func{
		Type:         "strict",
		ValidateFunc: func(json.RawMessage) bool { return false },
		ProcessFunc: func(context.Context, *processor.Job) (*execution.NodeResult, error) {
			invoked.Store(true)
			return execution.Succeeded(nil), nil
		},
	})
	e.RegisterNodeProcessor(&action.HTTPRequest{})
	e.Start(ctx)

	result, err := e.ExecuteNode(ctx, processor.Job{NodeID: "n", NodeType: "strict"}, queue.Options{})
	if err != nil {
		t.Fatalf("ExecuteNode: %v", err)
	}
	if result.Success || invoked.Load() {
		t.Errorf("process must not run for invalid config: result %+v invoked %v", result, invoked.Load())
	}

	result, err = e.ExecuteNode(ctx, processor.Job{
		NodeID:   "http",
		NodeType: action.TypeHTTPRequest,
		Config:   json.RawMessage(`{"url":"","method":"GET"}`),
	}, queue.Options{})
	if err != nil {
		t.Fatalf("ExecuteNode: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error != "Invalid configuration for node type: http_request" {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestEngine_ProcessorFailures(t *testing.T) {
	def := &repository.Definition{
		ID: "failing",
		Nodes: []repository.Node{
			{ID: "start", Type: trigger.TypeManual},
			{ID: "boom", Type: "boom"},
			{ID: "panic", Type: "panic"},
			{ID: "ghost", Type: "ghost"},
		},
	}
	opts := testOptions(repository.NewMemoryRepository(def))
	opts.ExtraActionTypes = []string{"boom", "ghost"}
	e := newTestEngine(t, opts)
	e.RegisterActionType("panic")

	e.RegisterNodeProcessor(processor.Func{Type: "boom", ProcessFunc: func(context.Context, *processor.Job) (*execution.NodeResult, error) {
		return nil, fmt.Errorf("upstream exploded")
	}})
	e.RegisterNodeProcessor(processor.Func{Type: "panic", ProcessFunc: func(context.Context, *processor.Job) (*execution.NodeResult, error) {
		panic("bad processor")
	}})

	ctx := context.Background()
	e.Start(ctx)
	id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "failing"}, nil, 0)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	out := waitOutput(t, e, id)

	if out.Status != execution.StatusCompleted {
		t.Fatalf("node failures must not fail the workflow, got %q: %s", out.Status, out.Error)
	}
	cases := map[string]string{
		"boom":  "upstream exploded",
		"panic": "processor panicked: bad processor",
		"ghost": "Unknown node type: ghost",
	}
	for nodeID, want := range cases {
		r, ok := out.Result[nodeID]
		if !ok {
			t.Errorf("missing result for %s", nodeID)
			continue
		}
		if r.Success || !strings.Contains(r.Error, want) {
			t.Errorf("node %s: expected failure containing %q, got %+v", nodeID, want, r)
		}
	}
	if !out.Result["start"].Success {
		t.Error("trigger should succeed")
	}
}

func TestEngine_UnclassifiedNodesSkipped(t *testing.T) {
	def := &repository.Definition{
		ID: "mixed",
		Nodes: []repository.Node{
			{ID: "start", Type: trigger.TypeManual},
			{ID: "note", Type: "sticky_note"},
		},
	}
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository(def)))
	ctx := context.Background()
	e.Start(ctx)

	id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "mixed"}, nil, 0)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	out := waitOutput(t, e, id)
	if _, ok := out.Result["note"]; ok {
		t.Error("nodes that are neither triggers nor actions must not be dispatched")
	}
	if len(out.Result) != 1 {
		t.Errorf("expected one result, got %v", out.Result)
	}
}

func TestEngine_CancelExecution(t *testing.T) {
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository(sampleWorkflow())))
	ctx := context.Background()

	removed, err := e.CancelExecution(ctx, "does-not-exist")
	if err != nil || removed {
		t.Fatalf("expected false for unknown id, got %v, %v", removed, err)
	}

	id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "wf-1"}, nil, 0)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	removed, err = e.CancelExecution(ctx, id)
	if err != nil || !removed {
		t.Fatalf("expected queued job removed, got %v, %v", removed, err)
	}
	if status, ok := e.GetExecutionStatus(ctx, id); ok {
		t.Errorf("expected no status after cancel, got %q", status)
	}
}

func TestEngine_ExecutionLogs(t *testing.T) {
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository(sampleWorkflow())))
	e.RegisterNodeProcessor(processor.Func{Type: action.TypeHTTPRequest, ProcessFunc: func(context.Context, *processor.Job) (*execution.NodeResult, error) {
		return execution.Succeeded(nil), nil
	}})
	ctx := context.Background()
	e.Start(ctx)

	id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "wf-1"}, nil, 0)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	waitOutput(t, e, id)

	first, err := e.GetExecutionLogs(ctx, id)
	if err != nil {
		t.Fatalf("GetExecutionLogs: %v", err)
	}
	second, err := e.GetExecutionLogs(ctx, id)
	if err != nil {
		t.Fatalf("GetExecutionLogs: %v", err)
	}
	if len(first) != 0 || len(second) != 0 {
		t.Errorf("expected empty logs after teardown without a sink, got %d and %d", len(first), len(second))
	}
}

func TestEngine_ExecutionLogsSink(t *testing.T) {
	opts := testOptions(repository.NewMemoryRepository())
	opts.LogSink = execution.NewMemoryLogSink()
	e := newTestEngine(t, opts)
	ctx := context.Background()
	e.Start(ctx)

	id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "missing"}, nil, 0)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	waitOutput(t, e, id)

	first, err := e.GetExecutionLogs(ctx, id)
	if err != nil {
		t.Fatalf("GetExecutionLogs: %v", err)
	}
	second, _ := e.GetExecutionLogs(ctx, id)
	assert.Equal(t, first, second)

	if len(first) < 2 {
		t.Fatalf("expected start and failure entries, got %+v", first)
	}
	if first[0].Level != execution.LevelInfo {
		t.Errorf("expected first entry at info, got %q", first[0].Level)
	}
	last := first[len(first)-1]
	if last.Level != execution.LevelError || !strings.Contains(last.Message, "not found") {
		t.Errorf("expected error entry mentioning not found, got %+v", last)
	}
}

func TestEngine_Events(t *testing.T) {
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository(sampleWorkflow())))
	e.RegisterNodeProcessor(processor.Func{Type: action.TypeHTTPRequest, ProcessFunc: func(context.Context, *processor.Job) (*execution.NodeResult, error) {
		return execution.Failed("HTTP 500"), nil
	}})
	ch := e.Subscribe(events.TypeWorkflowStarted, events.TypeWorkflowCompleted, events.TypeNodeCompleted, events.TypeNodeFailed)

	ctx := context.Background()
	e.Start(ctx)
	id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "wf-1"}, nil, 0)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	waitOutput(t, e, id)

	got := make(map[string]int)
	timeout := time.After(5 * time.Second)
	for got[events.TypeWorkflowCompleted] == 0 {
		select {
		case ev := <-ch:
			if ev.ExecutionID() != id {
				t.Errorf("event for unexpected execution %s", ev.ExecutionID())
			}
			got[ev.EventType()]++
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}

	if got[events.TypeWorkflowStarted] != 1 {
		t.Errorf("expected one workflow:started, got %v", got)
	}
	if got[events.TypeNodeCompleted] != 1 || got[events.TypeNodeFailed] != 1 {
		t.Errorf("expected one node:completed and one node:failed, got %v", got)
	}
}

func TestEngine_RetryConfig(t *testing.T) {
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository(sampleWorkflow())))
	ctx := context.Background()

	id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "wf-1"}, &execution.RetryConfig{
		Attempts: 5,
		Backoff:  &execution.Backoff{Type: "fixed", Delay: 250},
	}, 8)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	job, ok := e.workflowQueue.GetJob(ctx, id)
	if !ok {
		t.Fatal("job not found")
	}
	if job.Opts.Attempts != 5 || job.Opts.Priority != 8 {
		t.Errorf("unexpected options %+v", job.Opts)
	}
	if job.Opts.Backoff == nil || job.Opts.Backoff.Delay != 250*time.Millisecond {
		t.Errorf("unexpected backoff %+v", job.Opts.Backoff)
	}

	_, err = e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "wf-1"}, &execution.RetryConfig{
		Backoff: &execution.Backoff{Type: "linear"},
	}, 0)
	if err == nil {
		t.Error("expected error for unknown backoff type")
	}
}

func TestEngine_ClearQueues(t *testing.T) {
	e := newTestEngine(t, testOptions(repository.NewMemoryRepository(sampleWorkflow())))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "wf-1"}, nil, 0); err != nil {
			t.Fatalf("ExecuteWorkflow: %v", err)
		}
	}
	if got := e.GetQueueStats(ctx).Workflow.Waiting; got != 3 {
		t.Fatalf("expected 3 waiting, got %d", got)
	}
	if err := e.ClearQueues(ctx); err != nil {
		t.Fatalf("ClearQueues: %v", err)
	}
	if got := e.GetQueueStats(ctx); got.Workflow != (queue.Counts{}) || got.Node != (queue.Counts{}) {
		t.Errorf("expected empty queues, got %+v", got)
	}
}

func TestEngine_Metrics(t *testing.T) {
	opts := testOptions(repository.NewMemoryRepository(sampleWorkflow()))
	opts.Metrics = metrics.New()
	e := newTestEngine(t, opts)
	e.RegisterNodeProcessor(processor.Func{Type: action.TypeHTTPRequest, ProcessFunc: func(context.Context, *processor.Job) (*execution.NodeResult, error) {
		return execution.Succeeded(nil), nil
	}})
	ctx := context.Background()
	e.Start(ctx)

	id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "wf-1"}, nil, 0)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	waitOutput(t, e, id)

	families, err := opts.Metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"flowengine_workflows_total", "flowengine_nodes_total", "flowengine_queue_jobs"} {
		if !names[want] {
			t.Errorf("expected metric %s to be exported", want)
		}
	}
}

type unreachableStore struct{ queue.Store }

func (unreachableStore) Ping(context.Context) error { return fmt.Errorf("connection refused") }

func TestEngine_QueueUnavailable(t *testing.T) {
	opts := testOptions(repository.NewMemoryRepository())
	opts.Store = unreachableStore{}

	_, err := New(context.Background(), opts)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("expected ErrQueueUnavailable, got %v", err)
	}
}

func TestError_Classification(t *testing.T) {
	tests := []struct {
		kind      error
		errType   string
		retryable bool
	}{
		{ErrWorkflowNotFound, "workflow_not_found", false},
		{ErrNoTriggerNodes, "no_trigger_nodes", false},
		{ErrUnknownNodeType, "unknown_node_type", false},
		{ErrInvalidNodeConfig, "invalid_node_config", false},
		{ErrProcessorRuntime, "processor_runtime", true},
		{ErrQueueUnavailable, "queue_unavailable", true},
	}

	for _, tt := range tests {
		t.Run(tt.errType, func(t *testing.T) {
			err := error(&Error{Kind: tt.kind, ExecutionID: "e1", Cause: fmt.Errorf("cause")})
			assert.True(t, errors.Is(err, tt.kind))
			assert.Equal(t, tt.errType, errors.TypeOf(err))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
			assert.Contains(t, err.Error(), "cause")
		})
	}
}
