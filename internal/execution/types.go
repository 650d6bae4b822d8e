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

// Package execution holds the per-run data model: execution inputs and
// outputs, node results, log entries and the mutable execution context
// shared by a run's node jobs.
package execution

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the status of a workflow execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusPaused is part of the status vocabulary but no handler
	// transitions into it.
	StatusPaused Status = "paused"
)

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// ValidLevel reports whether level is one of debug, info, warn, error.
func ValidLevel(level string) bool {
	switch LogLevel(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// LogEntry is one line of an execution's log.
type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	NodeID    string    `json:"nodeId,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// NewLogEntry creates a log entry stamped with a fresh id and the current time.
func NewLogEntry(level LogLevel, message, nodeID string, data any) LogEntry {
	return LogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		NodeID:    nodeID,
		Data:      data,
	}
}

// NodeResult is the outcome of processing one node job.
// NextNodes names the outgoing edge labels a condition selected; the engine
// records it but does not route on it.
type NodeResult struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
	Logs      []LogEntry `json:"logs,omitempty"`
	NextNodes []string   `json:"nextNodes,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(data any, nextNodes ...string) *NodeResult {
	return &NodeResult{Success: true, Data: data, NextNodes: nextNodes}
}

// Failed builds a failed result carrying message.
func Failed(message string) *NodeResult {
	return &NodeResult{Success: false, Error: message}
}

// Backoff is the wire form of a retry delay policy. Delay is in milliseconds.
type Backoff struct {
	Type  string `json:"type"`
	Delay int64  `json:"delay"`
}

// RetryConfig overrides a queue's default attempts and backoff for one job.
type RetryConfig struct {
	Attempts int      `json:"attempts,omitempty"`
	Backoff  *Backoff `json:"backoff,omitempty"`
}

// Input is the request to start a run. It is immutable once enqueued.
type Input struct {
	WorkflowID     string         `json:"workflowId"`
	TriggerData    map[string]any `json:"triggerData,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// WorkflowJobData is the payload stored in the workflow queue. The job's
// id becomes the execution id.
type WorkflowJobData struct {
	Input
	RetryConfig *RetryConfig `json:"retryConfig,omitempty"`
	Priority    int          `json:"priority,omitempty"`
}

// Output is the terminal record of a run.
type Output struct {
	ExecutionID string                `json:"executionId"`
	Status      Status                `json:"status"`
	Result      map[string]NodeResult `json:"result,omitempty"`
	Error       string                `json:"error,omitempty"`
	StartedAt   time.Time             `json:"startedAt"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	Duration    int64                 `json:"duration,omitempty"`
}
