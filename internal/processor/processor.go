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

// Package processor defines the node processor contract and the registry
// that maps node types to processors.
//
// A processor owns one node type. It may implement Validator to reject
// configurations before Process is called; processors without a Validator
// accept every configuration. Each built-in processor decodes its config
// into its own typed struct with Decode.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/log"
)

// Job is the payload of a node job. It is also the only input a processor
// sees. Decoders must tolerate fields added by newer producers.
type Job struct {
	ExecutionID string             `json:"executionId"`
	WorkflowID  string             `json:"workflowId,omitempty"`
	NodeID      string             `json:"nodeId"`
	NodeType    string             `json:"nodeType"`
	Config      json.RawMessage    `json:"config,omitempty"`
	Inputs      map[string]any     `json:"inputs,omitempty"`
	Context     execution.Snapshot `json:"context"`

	// Logger is attached by the node handler and is not serialized.
	Logger *slog.Logger `json:"-"`
}

// Log returns the job's logger, or a discarding one.
func (j *Job) Log() *slog.Logger {
	if j.Logger == nil {
		return log.Discard()
	}
	return j.Logger
}

// Processor executes one node type.
type Processor interface {
	NodeType() string
	Process(ctx context.Context, job *Job) (*execution.NodeResult, error)
}

// Validator is implemented by processors that check their configuration.
// Validate must be pure.
type Validator interface {
	Validate(config json.RawMessage) bool
}

// Validate runs p's Validator, if it has one.
func Validate(p Processor, config json.RawMessage) bool {
	v, ok := p.(Validator)
	if !ok {
		return true
	}
	return v.Validate(config)
}

// Func adapts plain functions to a Processor. A nil ValidateFunc accepts
// every configuration.
type Func struct {
	Type         string
	ProcessFunc  func(ctx context.Context, job *Job) (*execution.NodeResult, error)
	ValidateFunc func(config json.RawMessage) bool
}

func (f Func) NodeType() string { return f.Type }

func (f Func) Process(ctx context.Context, job *Job) (*execution.NodeResult, error) {
	return f.ProcessFunc(ctx, job)
}

func (f Func) Validate(config json.RawMessage) bool {
	if f.ValidateFunc == nil {
		return true
	}
	return f.ValidateFunc(config)
}

// Decode unmarshals a node config into C. An absent config decodes to the
// zero value.
func Decode[C any](raw json.RawMessage) (C, error) {
	var c C
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return c, nil
	}
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return c, fmt.Errorf("decoding node config: %w", err)
	}
	return c, nil
}

// ValidateWith builds a Validate function from a typed check. Configs that
// fail to decode are invalid.
func ValidateWith[C any](check func(C) bool) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		c, err := Decode[C](raw)
		if err != nil {
			return false
		}
		return check(c)
	}
}

// OneOf reports whether v is in allowed.
func OneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
