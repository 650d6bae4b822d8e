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

package events

import (
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Publish(NewWorkflowEvent(TypeWorkflowStarted, "exec-1", "wf-1", nil, ""))

	select {
	case received := <-ch:
		if received.EventType() != TypeWorkflowStarted {
			t.Errorf("expected %s, got %s", TypeWorkflowStarted, received.EventType())
		}
		if received.ExecutionID() != "exec-1" {
			t.Errorf("expected exec-1, got %s", received.ExecutionID())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestBus_SubscribeByType(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	nodeCh := bus.Subscribe(TypeNodeCompleted)
	bus.Publish(NewWorkflowEvent(TypeWorkflowStarted, "exec-1", "wf-1", nil, ""))
	bus.Publish(NewNodeEvent(TypeNodeCompleted, "exec-1", "n1", "delay", nil, ""))

	select {
	case received := <-nodeCh:
		ev, ok := received.(NodeEvent)
		if !ok || ev.NodeID != "n1" {
			t.Errorf("unexpected event %#v", received)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for node event")
	}

	select {
	case extra := <-nodeCh:
		t.Errorf("filtered subscriber received %s", extra.EventType())
	default:
	}
}

func TestBus_DropsOldestWhenFull(t *testing.T) {
	bus := New(2)
	defer bus.Close()

	ch := bus.Subscribe()
	for _, id := range []string{"a", "b", "c"} {
		bus.Publish(NewJobEvent(TypeJobWaiting, "q", id, "job"))
	}

	if bus.DroppedCount() != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", bus.DroppedCount())
	}
	first := (<-ch).(JobEvent)
	if first.JobID != "b" {
		t.Errorf("oldest event should have been dropped, first is %s", first.JobID)
	}
}

func TestBus_CloseAndUnsubscribe(t *testing.T) {
	bus := New(1)
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel should be closed")
	}

	bus.Close()
	if _, ok := <-b; ok {
		t.Error("channels should be closed by Close")
	}

	// Both are no-ops after close.
	bus.Publish(NewJobEvent(TypeJobActive, "q", "x", "job"))
	bus.Close()

	late := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing to a closed bus should yield a closed channel")
	}
}
