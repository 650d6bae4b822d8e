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
	"github.com/tombee/flowengine/pkg/errors"
)

// Error kinds. Match them with errors.Is.
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrNoTriggerNodes    = errors.New("no trigger nodes")
	ErrUnknownNodeType   = errors.New("unknown node type")
	ErrInvalidNodeConfig = errors.New("invalid node configuration")
	ErrProcessorRuntime  = errors.New("processor runtime error")
	ErrQueueUnavailable  = errors.New("queue unavailable")
)

// Error is an engine failure tied to an execution and, for node errors,
// a node.
type Error struct {
	Kind        error
	ExecutionID string
	NodeID      string
	Message     string
	Cause       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// ErrorType implements errors.ErrorClassifier.
func (e *Error) ErrorType() string {
	switch e.Kind {
	case ErrWorkflowNotFound:
		return "workflow_not_found"
	case ErrNoTriggerNodes:
		return "no_trigger_nodes"
	case ErrUnknownNodeType:
		return "unknown_node_type"
	case ErrInvalidNodeConfig:
		return "invalid_node_config"
	case ErrProcessorRuntime:
		return "processor_runtime"
	case ErrQueueUnavailable:
		return "queue_unavailable"
	}
	return "internal"
}

// IsRetryable implements errors.ErrorClassifier. Missing workflows and
// structural problems fail on the first attempt.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case ErrWorkflowNotFound, ErrNoTriggerNodes, ErrUnknownNodeType, ErrInvalidNodeConfig:
		return false
	}
	return true
}

var _ errors.ErrorClassifier = (*Error)(nil)
