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

import "time"

// Event types.
const (
	TypeWorkflowStarted   = "workflow:started"
	TypeWorkflowCompleted = "workflow:completed"
	TypeWorkflowFailed    = "workflow:failed"

	TypeNodeStarted   = "node:started"
	TypeNodeCompleted = "node:completed"
	TypeNodeFailed    = "node:failed"

	TypeJobWaiting   = "queue:waiting"
	TypeJobActive    = "queue:active"
	TypeJobCompleted = "queue:completed"
	TypeJobFailed    = "queue:failed"
)

// Event is implemented by everything published on the bus.
type Event interface {
	EventType() string
	Timestamp() time.Time
	ExecutionID() string
}

// BaseEvent carries the fields common to all events.
type BaseEvent struct {
	Type      string    `json:"type"`
	Time      time.Time `json:"timestamp"`
	Execution string    `json:"executionId,omitempty"`
}

func (e BaseEvent) EventType() string    { return e.Type }
func (e BaseEvent) Timestamp() time.Time { return e.Time }
func (e BaseEvent) ExecutionID() string  { return e.Execution }

func newBase(eventType, executionID string) BaseEvent {
	return BaseEvent{Type: eventType, Time: time.Now().UTC(), Execution: executionID}
}

// WorkflowEvent reports a workflow lifecycle transition.
type WorkflowEvent struct {
	BaseEvent
	WorkflowID string `json:"workflowId"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewWorkflowEvent creates a workflow event of the given type.
func NewWorkflowEvent(eventType, executionID, workflowID string, result any, errMsg string) WorkflowEvent {
	return WorkflowEvent{
		BaseEvent:  newBase(eventType, executionID),
		WorkflowID: workflowID,
		Result:     result,
		Error:      errMsg,
	}
}

// NodeEvent reports a node lifecycle transition.
type NodeEvent struct {
	BaseEvent
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewNodeEvent creates a node event of the given type.
func NewNodeEvent(eventType, executionID, nodeID, nodeType string, result any, errMsg string) NodeEvent {
	return NodeEvent{
		BaseEvent: newBase(eventType, executionID),
		NodeID:    nodeID,
		NodeType:  nodeType,
		Result:    result,
		Error:     errMsg,
	}
}

// JobEvent reports a queue-level job transition.
type JobEvent struct {
	BaseEvent
	Queue string `json:"queue"`
	JobID string `json:"jobId"`
	Name  string `json:"name"`
}

// NewJobEvent creates a queue event. Queue events carry no execution id.
func NewJobEvent(eventType, queue, jobID, name string) JobEvent {
	return JobEvent{
		BaseEvent: newBase(eventType, ""),
		Queue:     queue,
		JobID:     jobID,
		Name:      name,
	}
}
