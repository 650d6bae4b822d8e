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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowengine/internal/backend/sqlite"
	"github.com/tombee/flowengine/internal/events"
	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/processor"
	"github.com/tombee/flowengine/internal/processor/action"
	"github.com/tombee/flowengine/internal/queue"
	"github.com/tombee/flowengine/internal/repository"
)

func succeedHTTP(e *Engine) {
	e.RegisterNodeProcessor(processor.Func{
		Type: action.TypeHTTPRequest,
		ProcessFunc: func(context.Context, *processor.Job) (*execution.NodeResult, error) {
			return execution.Succeeded(map[string]any{"status": 200}), nil
		},
	})
}

// Two engines on one database file stand in for a `run --detach` process
// and a `serve` process.
func TestEngine_SharedStoreHandOff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.db")
	repo := repository.NewMemoryRepository(sampleWorkflow())
	sharedOptions := func() Options {
		be, err := sqlite.New(sqlite.Config{Path: path, WAL: true})
		require.NoError(t, err)
		t.Cleanup(func() { be.Close() })

		opts := testOptions(repo)
		opts.Store = be
		opts.PollInterval = 20 * time.Millisecond
		return opts
	}
	ctx := context.Background()

	worker := newTestEngine(t, sharedOptions())
	succeedHTTP(worker)
	worker.Start(ctx)

	submitter := newTestEngine(t, sharedOptions())
	id, err := submitter.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "wf-1"}, nil, 0)
	require.NoError(t, err)

	out := waitOutput(t, worker, id)
	require.Equal(t, execution.StatusCompleted, out.Status, out.Error)
	assert.Contains(t, out.Result, "fetch")

	seen := waitOutput(t, submitter, id)
	assert.Equal(t, execution.StatusCompleted, seen.Status)
	status, ok := submitter.GetExecutionStatus(ctx, id)
	assert.True(t, ok)
	assert.Equal(t, execution.StatusCompleted, status)
}

func TestEngine_StopReleasesInterruptedWorkflow(t *testing.T) {
	store := queue.NewMemoryStore()
	opts := testOptions(repository.NewMemoryRepository(sampleWorkflow()))
	opts.Store = store
	opts.WorkflowQueue.DefaultJobOptions = queue.Options{Attempts: 1}
	opts.NodeQueue.DefaultJobOptions = queue.Options{Attempts: 1}
	e := newTestEngine(t, opts)

	entered := make(chan struct{})
	var once sync.Once
	e.RegisterNodeProcessor(processor.Func{
		Type: action.TypeHTTPRequest,
		ProcessFunc: func(ctx context.Context, _ *processor.Job) (*execution.NodeResult, error) {
			once.Do(func() { close(entered) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	failed := e.Subscribe(events.TypeWorkflowFailed)

	ctx := context.Background()
	id, err := e.ExecuteWorkflow(ctx, execution.Input{WorkflowID: "wf-1"}, nil, 0)
	require.NoError(t, err)
	e.Start(ctx)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("node processor did not start")
	}
	require.NoError(t, e.Stop())

	for ev := range failed {
		t.Errorf("unexpected %s event on shutdown", ev.EventType())
	}

	jobs, err := store.Load(ctx, WorkflowQueueName)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, queue.StateWaiting, jobs[0].State)
	assert.Equal(t, 0, jobs[0].AttemptsMade)
	assert.Empty(t, jobs[0].FailedReason)

	nodes, err := store.Load(ctx, NodeQueueName)
	require.NoError(t, err)
	for _, n := range nodes {
		assert.NotEqual(t, queue.StateFailed, n.State, "node job %s", n.ID)
		assert.NotEqual(t, queue.StateActive, n.State, "node job %s", n.ID)
	}
}
