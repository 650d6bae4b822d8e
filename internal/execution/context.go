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

package execution

import (
	"maps"
	"sync"
	"time"
)

// Context is the in-flight state of one execution. It is created by the
// workflow job handler and mutated concurrently by node job handlers, so
// every mutable field is guarded by mu.
type Context struct {
	ExecutionID    string
	WorkflowID     string
	UserID         string
	OrganizationID string
	TriggerData    map[string]any
	StartTime      time.Time

	mu          sync.RWMutex
	nodeResults map[string]NodeResult
	variables   map[string]any
	logs        []LogEntry
}

// NewContext creates the context for executionID. The input's free-form
// context map seeds the execution variables.
func NewContext(executionID string, in Input) *Context {
	trigger := make(map[string]any, len(in.TriggerData))
	maps.Copy(trigger, in.TriggerData)

	vars := make(map[string]any, len(in.Context))
	maps.Copy(vars, in.Context)

	return &Context{
		ExecutionID:    executionID,
		WorkflowID:     in.WorkflowID,
		UserID:         in.UserID,
		OrganizationID: in.OrganizationID,
		TriggerData:    trigger,
		StartTime:      time.Now().UTC(),
		nodeResults:    make(map[string]NodeResult),
		variables:      vars,
	}
}

// AppendLog appends entries in order.
func (c *Context) AppendLog(entries ...LogEntry) {
	c.mu.Lock()
	c.logs = append(c.logs, entries...)
	c.mu.Unlock()
}

// Logs returns a copy of the log list.
func (c *Context) Logs() []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// SetNodeResult records the result for nodeID, replacing any earlier one.
func (c *Context) SetNodeResult(nodeID string, result NodeResult) {
	c.mu.Lock()
	c.nodeResults[nodeID] = result
	c.mu.Unlock()
}

// NodeResults returns a copy of the node result map.
func (c *Context) NodeResults() map[string]NodeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.nodeResults)
}

// SetVariable sets an execution variable.
func (c *Context) SetVariable(name string, value any) {
	c.mu.Lock()
	c.variables[name] = value
	c.mu.Unlock()
}

// Variables returns a copy of the variable map.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.variables)
}

// Inputs computes the input bag for a node: trigger data, overlaid with the
// data of every node result recorded so far (keyed by node id), overlaid
// with the execution variables.
func (c *Context) Inputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bag := make(map[string]any, len(c.TriggerData)+len(c.nodeResults)+len(c.variables))
	maps.Copy(bag, c.TriggerData)
	for id, r := range c.nodeResults {
		bag[id] = r.Data
	}
	maps.Copy(bag, c.variables)
	return bag
}

// Snapshot is the serializable copy of a Context embedded in node job payloads.
type Snapshot struct {
	ExecutionID    string                `json:"executionId"`
	WorkflowID     string                `json:"workflowId"`
	UserID         string                `json:"userId,omitempty"`
	OrganizationID string                `json:"organizationId,omitempty"`
	TriggerData    map[string]any        `json:"triggerData,omitempty"`
	NodeResults    map[string]NodeResult `json:"nodeResults,omitempty"`
	Variables      map[string]any        `json:"variables,omitempty"`
	StartTime      time.Time             `json:"startTime"`
}

// Snapshot returns a point-in-time copy of the context.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		ExecutionID:    c.ExecutionID,
		WorkflowID:     c.WorkflowID,
		UserID:         c.UserID,
		OrganizationID: c.OrganizationID,
		TriggerData:    maps.Clone(c.TriggerData),
		NodeResults:    maps.Clone(c.nodeResults),
		Variables:      maps.Clone(c.variables),
		StartTime:      c.StartTime,
	}
}
