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

// Package condition implements the branching processors. Each one reports
// the outgoing edge labels it selected in NextNodes.
package condition

import (
	"context"
	"encoding/json"
	"maps"
	"strings"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/expression"
	"github.com/tombee/flowengine/internal/processor"
)

// Condition node types.
const (
	TypeIf           = "condition_if"
	TypeValidation   = "validation"
	TypeErrorHandler = "error_handler"
	TypeRetry        = "retry"
)

// Types lists every condition node type.
var Types = []string{TypeIf, TypeValidation, TypeErrorHandler, TypeRetry}

// Register adds all condition processors to r. They share eval.
func Register(r *processor.Registry, eval *expression.Evaluator) {
	r.Register(&If{Eval: eval})
	r.Register(Validation{})
	r.Register(ErrorHandler{})
	r.Register(&Retry{Eval: eval})
}

// Env builds the expression environment for a node: the input bag's keys
// at the top level, plus the whole bag as "input" and "inputs".
func Env(inputs map[string]any) map[string]any {
	env := make(map[string]any, len(inputs)+2)
	maps.Copy(env, inputs)
	bag := inputs
	if bag == nil {
		bag = map[string]any{}
	}
	env["input"] = bag
	env["inputs"] = bag
	return env
}

// IfConfig configures a condition_if node.
type IfConfig struct {
	Condition string `json:"condition"`
}

// If evaluates a boolean expression and selects the "true" or "false" edge.
type If struct {
	Eval *expression.Evaluator
}

func (*If) NodeType() string { return TypeIf }

func (p *If) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c IfConfig) bool {
		return strings.TrimSpace(c.Condition) != "" && p.Eval.CompileBool(c.Condition) == nil
	})(raw)
}

func (p *If) Process(_ context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[IfConfig](job.Config)
	if err != nil {
		return nil, err
	}

	result, err := p.Eval.Evaluate(cfg.Condition, Env(job.Inputs))
	if err != nil {
		return nil, err
	}

	branch := "false"
	if result {
		branch = "true"
	}
	return execution.Succeeded(map[string]any{
		"result":    result,
		"condition": cfg.Condition,
	}, branch), nil
}

// ErrorHandlerConfig configures an error_handler node.
type ErrorHandlerConfig struct {
	ErrorType      string `json:"errorType,omitempty"`
	FallbackAction string `json:"fallbackAction,omitempty"`
}

// ErrorHandler passes its input through untouched unless an upstream error
// is present under inputs["error"], in which case it wraps and handles it.
type ErrorHandler struct{}

func (ErrorHandler) NodeType() string { return TypeErrorHandler }

func (ErrorHandler) Process(_ context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[ErrorHandlerConfig](job.Config)
	if err != nil {
		return nil, err
	}

	upstream, ok := job.Inputs["error"]
	if !ok || upstream == nil {
		return execution.Succeeded(job.Inputs), nil
	}

	message, errType := describe(upstream)
	if cfg.ErrorType != "" {
		errType = cfg.ErrorType
	}
	fallback := cfg.FallbackAction
	if fallback == "" {
		fallback = "continue"
	}

	return execution.Succeeded(map[string]any{
		"handled": true,
		"error": map[string]any{
			"message":        message,
			"type":           errType,
			"fallbackAction": fallback,
		},
	}), nil
}

func describe(v any) (message, errType string) {
	errType = "Error"
	switch e := v.(type) {
	case string:
		return e, errType
	case map[string]any:
		if m, ok := e["message"].(string); ok {
			message = m
		}
		if t, ok := e["type"].(string); ok && t != "" {
			errType = t
		}
		if message == "" {
			raw, _ := json.Marshal(e)
			message = string(raw)
		}
		return message, errType
	default:
		raw, _ := json.Marshal(e)
		return string(raw), errType
	}
}
