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

// Package trigger implements the processors for workflow entry nodes.
// Triggers do no work of their own: they surface the data the execution
// was started with.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/tombee/flowengine/internal/cron"
	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/processor"
)

// Trigger node types.
const (
	TypeManual   = "manual_trigger"
	TypeWebhook  = "webhook_trigger"
	TypeSchedule = "schedule_trigger"
	TypeDatabase = "database_trigger"
)

// Types lists every trigger node type.
var Types = []string{TypeManual, TypeWebhook, TypeSchedule, TypeDatabase}

// Register adds all trigger processors to r.
func Register(r *processor.Registry) {
	r.Register(Manual{})
	r.Register(Webhook{})
	r.Register(Schedule{Now: time.Now})
	r.Register(Database{})
}

// Manual echoes the trigger data.
type Manual struct{}

func (Manual) NodeType() string { return TypeManual }

func (Manual) Process(_ context.Context, job *processor.Job) (*execution.NodeResult, error) {
	return execution.Succeeded(maps.Clone(job.Context.TriggerData)), nil
}

// WebhookMethods are the methods a webhook trigger may listen for.
var WebhookMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

// WebhookConfig configures a webhook trigger.
type WebhookConfig struct {
	Method string `json:"method"`
	Path   string `json:"path,omitempty"`
}

func (c WebhookConfig) method() string {
	if c.Method == "" {
		return "POST"
	}
	return strings.ToUpper(c.Method)
}

// Webhook echoes the HTTP request captured in the trigger data.
type Webhook struct{}

func (Webhook) NodeType() string { return TypeWebhook }

func (Webhook) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c WebhookConfig) bool {
		return processor.OneOf(c.method(), WebhookMethods...)
	})(raw)
}

func (Webhook) Process(_ context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[WebhookConfig](job.Config)
	if err != nil {
		return nil, err
	}

	td := job.Context.TriggerData
	method := cfg.method()
	if m, ok := td["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	data := map[string]any{
		"method":  method,
		"headers": orEmpty(td["headers"]),
		"body":    td["body"],
		"query":   orEmpty(td["query"]),
	}
	if cfg.Path != "" {
		data["path"] = cfg.Path
	}
	return execution.Succeeded(data), nil
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

// ScheduleConfig configures a schedule trigger.
type ScheduleConfig struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// Schedule reports the next activation of a cron expression.
type Schedule struct {
	// Now is the clock used to compute the next run.
	Now func() time.Time
}

func (Schedule) NodeType() string { return TypeSchedule }

// Validate requires exactly five space-separated fields.
func (Schedule) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c ScheduleConfig) bool {
		return len(strings.Fields(c.Cron)) == 5
	})(raw)
}

func (s Schedule) Process(_ context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[ScheduleConfig](job.Config)
	if err != nil {
		return nil, err
	}

	sched, err := cron.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", cfg.Timezone, err)
		}
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	data := map[string]any{
		"cron":        cfg.Cron,
		"triggeredAt": now().UTC().Format(time.RFC3339),
	}
	if next := sched.Next(now().In(loc)); !next.IsZero() {
		data["nextRun"] = next.Format(time.RFC3339)
	}
	if cfg.Timezone != "" {
		data["timezone"] = cfg.Timezone
	}
	return execution.Succeeded(data), nil
}

// DatabaseConfig configures a database trigger.
type DatabaseConfig struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
}

// Database echoes the table and operation that fired, with the changed record.
type Database struct{}

func (Database) NodeType() string { return TypeDatabase }

func (Database) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c DatabaseConfig) bool {
		return processor.OneOf(c.Operation, "insert", "update", "delete")
	})(raw)
}

func (Database) Process(_ context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[DatabaseConfig](job.Config)
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"table":     cfg.Table,
		"operation": cfg.Operation,
	}
	if rec, ok := job.Context.TriggerData["record"]; ok {
		data["record"] = rec
	}
	return execution.Succeeded(data), nil
}
