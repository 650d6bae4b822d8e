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

// Package utility implements general-purpose processors: delays, data
// transforms, cloning, sandboxed code evaluation and logging.
package utility

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/expression"
	"github.com/tombee/flowengine/internal/jq"
	"github.com/tombee/flowengine/internal/log"
	"github.com/tombee/flowengine/internal/processor"
	"github.com/tombee/flowengine/internal/processor/condition"
)

// Utility node types.
const (
	TypeDelay         = "delay"
	TypeDataTransform = "data_transform_util"
	TypeClone         = "clone"
	TypeCodeExecution = "code_execution"
	TypeLogger        = "logger"
)

// Types lists every utility node type.
var Types = []string{TypeDelay, TypeDataTransform, TypeClone, TypeCodeExecution, TypeLogger}

// Register adds all utility processors to r.
func Register(r *processor.Registry, eval *expression.Evaluator, jqExec *jq.Executor) {
	r.Register(Delay{})
	r.Register(&DataTransform{Eval: eval, JQ: jqExec})
	r.Register(Clone{Now: time.Now})
	r.Register(&CodeExecution{Eval: eval})
	r.Register(Logger{})
}

var unitMillis = map[string]int64{
	"milliseconds": 1,
	"seconds":      1000,
	"minutes":      60 * 1000,
	"hours":        60 * 60 * 1000,
}

// DelayConfig configures a delay node.
type DelayConfig struct {
	Duration float64 `json:"duration"`
	Unit     string  `json:"unit,omitempty"`
}

func (c DelayConfig) unit() string {
	if c.Unit == "" {
		return "milliseconds"
	}
	return c.Unit
}

// MaxDelayMillis is the longest delay a time.Duration can express.
const MaxDelayMillis = math.MaxInt64 / int64(time.Millisecond)

func (c DelayConfig) rawMillis() float64 {
	return c.Duration * float64(unitMillis[c.unit()])
}

// Millis converts the configured duration to milliseconds, capped at
// MaxDelayMillis.
func (c DelayConfig) Millis() int64 {
	ms := c.rawMillis()
	if ms >= float64(MaxDelayMillis) {
		return MaxDelayMillis
	}
	return int64(ms)
}

// Delay suspends the worker running it. Other workers are unaffected.
type Delay struct{}

func (Delay) NodeType() string { return TypeDelay }

func (Delay) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c DelayConfig) bool {
		_, ok := unitMillis[c.unit()]
		return ok && c.Duration >= 0 && c.rawMillis() <= float64(MaxDelayMillis)
	})(raw)
}

func (Delay) Process(ctx context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[DelayConfig](job.Config)
	if err != nil {
		return nil, err
	}

	ms := cfg.Millis()
	start := time.Now()
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, fmt.Errorf("delay cancelled after %v of %dms: %w",
			time.Since(start).Round(time.Millisecond), ms, ctx.Err())
	}

	return execution.Succeeded(map[string]any{
		"delayMs":   ms,
		"duration":  cfg.Duration,
		"unit":      cfg.unit(),
		"completed": time.Now().UTC().Format(time.RFC3339Nano),
	}), nil
}

// CloneConfig configures a clone node.
type CloneConfig struct {
	Count int `json:"count"`
}

// Clone replicates its input, tagging each copy with _cloneIndex and _clonedAt.
type Clone struct {
	Now func() time.Time
}

func (Clone) NodeType() string { return TypeClone }

func (Clone) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c CloneConfig) bool {
		return c.Count >= 1 && c.Count <= 10
	})(raw)
}

func (c Clone) Process(_ context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[CloneConfig](job.Config)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	src := source(job.Inputs)
	clones := make([]map[string]any, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		var cp map[string]any
		if m, ok := src.(map[string]any); ok {
			cp = maps.Clone(m)
		} else {
			cp = map[string]any{"value": src}
		}
		if cp == nil {
			cp = map[string]any{}
		}
		cp["_cloneIndex"] = i
		cp["_clonedAt"] = now().UTC().Format(time.RFC3339Nano)
		clones = append(clones, cp)
	}
	return execution.Succeeded(map[string]any{
		"clones": clones,
		"count":  cfg.Count,
	}), nil
}

// source picks the value a utility operates on: inputs["data"] when
// present, otherwise the whole input bag.
func source(inputs map[string]any) any {
	if d, ok := inputs["data"]; ok {
		return d
	}
	return inputs
}

// DefaultCodeTimeout bounds code_execution nodes that set no timeout.
const DefaultCodeTimeout = 5 * time.Second

// CodeExecutionConfig configures a code_execution node.
type CodeExecutionConfig struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
	// Timeout is in milliseconds.
	Timeout int64 `json:"timeout,omitempty"`
}

func (c CodeExecutionConfig) language() string {
	if c.Language == "" {
		return "javascript"
	}
	return strings.ToLower(c.Language)
}

// CodeExecution evaluates a user snippet as a sandboxed expression over
// the input bag. Snippets cannot perform I/O or define statements.
type CodeExecution struct {
	Eval *expression.Evaluator
}

func (*CodeExecution) NodeType() string { return TypeCodeExecution }

func (p *CodeExecution) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c CodeExecutionConfig) bool {
		return c.language() == "javascript" &&
			strings.TrimSpace(c.Code) != "" &&
			c.Timeout >= 0 &&
			p.Eval.Compile(c.Code) == nil
	})(raw)
}

func (p *CodeExecution) Process(ctx context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[CodeExecutionConfig](job.Config)
	if err != nil {
		return nil, err
	}

	timeout := DefaultCodeTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	value, err := p.Eval.Eval(ctx, cfg.Code, condition.Env(job.Inputs))
	if err != nil {
		return nil, err
	}
	return execution.Succeeded(map[string]any{
		"result":     value,
		"language":   cfg.language(),
		"durationMs": time.Since(start).Milliseconds(),
	}), nil
}

// LoggerConfig configures a logger node.
type LoggerConfig struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (c LoggerConfig) level() string {
	if c.Level == "" {
		return string(execution.LevelInfo)
	}
	return c.Level
}

// Logger appends a leveled entry to the execution log.
type Logger struct{}

func (Logger) NodeType() string { return TypeLogger }

func (Logger) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c LoggerConfig) bool {
		return execution.ValidLevel(c.level())
	})(raw)
}

func (Logger) Process(ctx context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[LoggerConfig](job.Config)
	if err != nil {
		return nil, err
	}

	data := cfg.Data
	if data == nil {
		data = job.Inputs
	}
	entry := execution.NewLogEntry(execution.LogLevel(cfg.level()), cfg.Message, job.NodeID, data)

	job.Log().Log(ctx, log.ParseLevel(cfg.level()), cfg.Message, slog.String("source", "logger_node"))

	res := execution.Succeeded(map[string]any{
		"logged":  true,
		"level":   entry.Level,
		"message": entry.Message,
	})
	res.Logs = []execution.LogEntry{entry}
	return res, nil
}
