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

package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tombee/flowengine/internal/queue"
)

type fakeSource struct {
	name   string
	counts queue.Counts
}

func (f fakeSource) Name() string                        { return f.name }
func (f fakeSource) Counts(context.Context) queue.Counts { return f.counts }

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.WorkflowFinished("completed")
	m.WorkflowFinished("completed")
	m.WorkflowFinished("failed")
	m.NodeFinished("http_request", true, 120*time.Millisecond)
	m.NodeFinished("http_request", false, 30*time.Millisecond)

	if got := testutil.ToFloat64(m.workflows.WithLabelValues("completed")); got != 2 {
		t.Errorf("expected 2 completed workflows, got %v", got)
	}
	if got := testutil.ToFloat64(m.nodes.WithLabelValues("http_request", "failure")); got != 1 {
		t.Errorf("expected 1 failed node, got %v", got)
	}
	if got := testutil.CollectAndCount(m.nodeDuration); got != 1 {
		t.Errorf("expected 1 histogram series, got %d", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.WorkflowFinished("completed")
	m.NodeFinished("delay", true, time.Second)
}

func TestMetrics_QueueCollector(t *testing.T) {
	m := New()
	err := m.WatchQueues(
		fakeSource{name: "workflow-execution", counts: queue.Counts{Waiting: 3, Active: 1}},
		fakeSource{name: "node-execution", counts: queue.Counts{Completed: 7}},
	)
	if err != nil {
		t.Fatalf("failed to register collector: %v", err)
	}

	expected := `
# HELP flowengine_queue_jobs Number of jobs in a queue by state.
# TYPE flowengine_queue_jobs gauge
flowengine_queue_jobs{queue="node-execution",state="active"} 0
flowengine_queue_jobs{queue="node-execution",state="completed"} 7
flowengine_queue_jobs{queue="node-execution",state="delayed"} 0
flowengine_queue_jobs{queue="node-execution",state="failed"} 0
flowengine_queue_jobs{queue="node-execution",state="waiting"} 0
flowengine_queue_jobs{queue="workflow-execution",state="active"} 1
flowengine_queue_jobs{queue="workflow-execution",state="completed"} 0
flowengine_queue_jobs{queue="workflow-execution",state="delayed"} 0
flowengine_queue_jobs{queue="workflow-execution",state="failed"} 0
flowengine_queue_jobs{queue="workflow-execution",state="waiting"} 3
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "flowengine_queue_jobs"); err != nil {
		t.Error(err)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.WorkflowFinished("completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `flowengine_workflows_total{status="completed"} 1`) {
		t.Errorf("metrics output missing workflow counter:\n%s", body)
	}
}
