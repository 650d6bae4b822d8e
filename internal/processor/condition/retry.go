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

package condition

import (
	"context"
	"encoding/json"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/expression"
	"github.com/tombee/flowengine/internal/processor"
)

// Retry attempt bounds.
const (
	MinRetryAttempts = 1
	MaxRetryAttempts = 10
)

// RetryConfig configures a retry node. Delay is in milliseconds.
type RetryConfig struct {
	Attempts  int    `json:"attempts"`
	Delay     int64  `json:"delay"`
	Condition string `json:"condition,omitempty"`
}

// Retry decides whether an upstream step should be attempted again and
// selects the "retry" or "failed" edge. Without a condition it retries
// while inputs.attempt is below the configured attempts.
type Retry struct {
	Eval *expression.Evaluator
}

func (*Retry) NodeType() string { return TypeRetry }

func (p *Retry) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c RetryConfig) bool {
		if c.Attempts < MinRetryAttempts || c.Attempts > MaxRetryAttempts || c.Delay < 0 {
			return false
		}
		return c.Condition == "" || p.Eval.Compile(c.Condition) == nil
	})(raw)
}

func (p *Retry) Process(_ context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[RetryConfig](job.Config)
	if err != nil {
		return nil, err
	}

	attempt := attemptOf(job.Inputs)

	var shouldRetry bool
	if cfg.Condition != "" {
		env := Env(job.Inputs)
		env["attempt"] = attempt
		env["maxAttempts"] = cfg.Attempts
		if shouldRetry, err = p.Eval.Evaluate(cfg.Condition, env); err != nil {
			return nil, err
		}
	} else {
		shouldRetry = attempt < cfg.Attempts
	}

	branch := "failed"
	if shouldRetry {
		branch = "retry"
	}
	return execution.Succeeded(map[string]any{
		"shouldRetry": shouldRetry,
		"attempt":     attempt,
		"maxAttempts": cfg.Attempts,
		"delay":       cfg.Delay,
	}, branch), nil
}

func attemptOf(inputs map[string]any) int {
	switch v := inputs["attempt"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
