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

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/gateway"
	"github.com/tombee/flowengine/internal/queue"
)

// createTestBackend creates a SQLite backend in a temporary directory.
func createTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	be, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { be.Close() })
	return be, dbPath
}

func TestSQLiteBackend_CompareAndSave(t *testing.T) {
	be, _ := createTestBackend(t)
	ctx := context.Background()

	job := &queue.Job{
		ID:        "job-1",
		Name:      "execute-workflow",
		Queue:     "workflow-execution",
		Data:      []byte(`{"workflowId":"wf-1"}`),
		State:     queue.StateWaiting,
		Seq:       1,
		CreatedAt: time.Now().UTC(),
		Version:   1,
	}
	ok, err := be.CompareAndSave(ctx, job, 0)
	if err != nil || !ok {
		t.Fatalf("failed to insert job: ok=%v err=%v", ok, err)
	}
	if ok, _ := be.CompareAndSave(ctx, job, 0); ok {
		t.Error("expected insert of an existing job to be rejected")
	}

	job.State = queue.StateActive
	job.AttemptsMade = 1
	job.Version = 2
	if ok, _ := be.CompareAndSave(ctx, job, 7); ok {
		t.Error("expected update with a stale version to be rejected")
	}
	ok, err = be.CompareAndSave(ctx, job, 1)
	if err != nil || !ok {
		t.Fatalf("failed to update job: ok=%v err=%v", ok, err)
	}

	jobs, err := be.Load(ctx, "workflow-execution")
	if err != nil {
		t.Fatalf("failed to load jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].State != queue.StateActive || jobs[0].AttemptsMade != 1 || jobs[0].Version != 2 {
		t.Errorf("expected updated job, got state=%s attempts=%d version=%d", jobs[0].State, jobs[0].AttemptsMade, jobs[0].Version)
	}
	if string(jobs[0].Data) != `{"workflowId":"wf-1"}` {
		t.Errorf("unexpected payload %s", jobs[0].Data)
	}

	other, err := be.Load(ctx, "node-execution")
	if err != nil {
		t.Fatalf("failed to load jobs: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected queues to be isolated, got %d jobs", len(other))
	}

	if err := be.Delete(ctx, "workflow-execution", "job-1"); err != nil {
		t.Fatalf("failed to delete job: %v", err)
	}
	if err := be.Delete(ctx, "workflow-execution", "job-1"); err != nil {
		t.Fatalf("deleting a missing job should succeed: %v", err)
	}
	jobs, _ = be.Load(ctx, "workflow-execution")
	if len(jobs) != 0 {
		t.Errorf("expected no jobs after delete, got %d", len(jobs))
	}
}

func TestSQLiteBackend_QueueRecovery(t *testing.T) {
	be, dbPath := createTestBackend(t)
	ctx := context.Background()

	q, err := queue.New(ctx, queue.Config{Name: "work", RemoveOnComplete: -1, RemoveOnFail: -1, Store: be})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	added, err := q.Add(ctx, "task", map[string]string{"n": "1"}, queue.Options{})
	if err != nil {
		t.Fatalf("failed to add job: %v", err)
	}
	if _, err := q.Fetch(ctx); err != nil {
		t.Fatalf("failed to fetch job: %v", err)
	}
	q.Close()
	be.Close()

	reopened, err := New(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to reopen backend: %v", err)
	}
	defer reopened.Close()

	q2, err := queue.New(ctx, queue.Config{Name: "work", RemoveOnComplete: -1, RemoveOnFail: -1, Store: reopened})
	if err != nil {
		t.Fatalf("failed to recover queue: %v", err)
	}
	defer q2.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, err := q2.Fetch(fetchCtx)
	if err != nil {
		t.Fatalf("expected redelivered job: %v", err)
	}
	if job.ID != added.ID {
		t.Errorf("expected job %s, got %s", added.ID, job.ID)
	}
}

func TestSQLiteBackend_SharedQueue(t *testing.T) {
	be, dbPath := createTestBackend(t)
	ctx := context.Background()

	other, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to open second backend: %v", err)
	}
	defer other.Close()

	cfg := queue.Config{Name: "work", RemoveOnComplete: -1, PollInterval: 20 * time.Millisecond}
	cfg.Store = be
	consumer, err := queue.New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create consumer queue: %v", err)
	}
	defer consumer.Close()

	cfg.Store = other
	producer, err := queue.New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create producer queue: %v", err)
	}
	defer producer.Close()

	added, err := producer.Add(ctx, "task", map[string]string{"n": "1"}, queue.Options{})
	if err != nil {
		t.Fatalf("failed to add job: %v", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, err := consumer.Fetch(fetchCtx)
	if err != nil {
		t.Fatalf("expected job from the other process: %v", err)
	}
	if job.ID != added.ID {
		t.Fatalf("expected job %s, got %s", added.ID, job.ID)
	}

	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	if _, err := producer.Fetch(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the claimed job to stay with the consumer, got %v", err)
	}

	if err := consumer.Complete(ctx, job.ID, "ok"); err != nil {
		t.Fatalf("failed to complete job: %v", err)
	}
	done, err := producer.Wait(fetchCtx, added.ID)
	if err != nil {
		t.Fatalf("failed to wait for job: %v", err)
	}
	if done.State != queue.StateCompleted {
		t.Errorf("expected completed job, got %s", done.State)
	}
}

func TestSQLiteBackend_Logs(t *testing.T) {
	be, _ := createTestBackend(t)
	ctx := context.Background()

	first := execution.NewLogEntry(execution.LevelInfo, "started", "", nil)
	second := execution.NewLogEntry(execution.LevelWarn, "slow node", "n1", map[string]any{"ms": 900.0})

	if err := be.Append(ctx, "exec-1", first); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if err := be.Append(ctx, "exec-1", second); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if err := be.Append(ctx, "exec-2", first); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	entries, err := be.List(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != first.ID || entries[1].ID != second.ID {
		t.Errorf("entries out of order: %v", entries)
	}
	if entries[1].NodeID != "n1" || entries[1].Level != execution.LevelWarn {
		t.Errorf("unexpected entry %+v", entries[1])
	}

	empty, err := be.List(ctx, "missing")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no entries, got %d", len(empty))
	}
}

func TestSQLiteBackend_Records(t *testing.T) {
	be, _ := createTestBackend(t)
	ctx := context.Background()

	res, err := be.Write(ctx, gateway.RecordWrite{
		Table: "orders", Operation: gateway.OpInsert, ID: "o1",
		Data: map[string]any{"status": "new", "total": 10.0},
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if res.Affected != 1 || res.ID != "o1" {
		t.Errorf("unexpected insert result %+v", res)
	}

	_, err = be.Write(ctx, gateway.RecordWrite{Table: "orders", Operation: gateway.OpInsert, ID: "o1"})
	if !errors.Is(err, gateway.ErrDuplicateRecord) {
		t.Errorf("expected ErrDuplicateRecord, got %v", err)
	}

	if _, err := be.Write(ctx, gateway.RecordWrite{
		Table: "orders", Operation: gateway.OpUpdate, ID: "o1",
		Data: map[string]any{"status": "paid"},
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	rec, ok, err := be.Get(ctx, "orders", "o1")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if rec["status"] != "paid" || rec["total"] != 10.0 {
		t.Errorf("update should merge fields, got %v", rec)
	}

	res, err = be.Write(ctx, gateway.RecordWrite{Table: "orders", Operation: gateway.OpUpdate, ID: "nope"})
	if err != nil || res.Affected != 0 {
		t.Errorf("update of missing record: res=%+v err=%v", res, err)
	}

	res, err = be.Write(ctx, gateway.RecordWrite{Table: "orders", Operation: gateway.OpUpsert, Data: map[string]any{"a": 1.0}})
	if err != nil || res.ID == "" {
		t.Errorf("upsert should generate an id: res=%+v err=%v", res, err)
	}

	res, err = be.Write(ctx, gateway.RecordWrite{Table: "orders", Operation: gateway.OpDelete, ID: "o1"})
	if err != nil || res.Affected != 1 {
		t.Errorf("delete: res=%+v err=%v", res, err)
	}
	if _, ok, _ := be.Get(ctx, "orders", "o1"); ok {
		t.Error("record should be gone")
	}
}
