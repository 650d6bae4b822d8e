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

package trigger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/processor"
)

func jobWith(config string, trigger map[string]any) *processor.Job {
	return &processor.Job{
		ExecutionID: "exec-1",
		NodeID:      "t1",
		Config:      json.RawMessage(config),
		Context:     execution.Snapshot{ExecutionID: "exec-1", TriggerData: trigger},
	}
}

func TestRegister(t *testing.T) {
	r := processor.NewRegistry()
	Register(r)
	for _, typ := range Types {
		_, ok := r.Resolve(typ)
		assert.True(t, ok, typ)
	}
}

func TestManual(t *testing.T) {
	res, err := Manual{}.Process(context.Background(), jobWith(`{}`, map[string]any{"user": "ana"}))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"user": "ana"}, res.Data)
}

func TestWebhook(t *testing.T) {
	tests := []struct {
		config string
		valid  bool
	}{
		{`{"method":"POST"}`, true},
		{`{"method":"delete"}`, true},
		{`{}`, true},
		{`{"method":"TRACE"}`, false},
		{`{"method":"HEAD"}`, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, Webhook{}.Validate(json.RawMessage(tt.config)), tt.config)
	}

	res, err := Webhook{}.Process(context.Background(), jobWith(`{"method":"POST","path":"/hooks/order"}`, map[string]any{
		"headers": map[string]any{"X-Sig": "abc"},
		"body":    map[string]any{"id": 1},
	}))
	require.NoError(t, err)
	data := res.Data.(map[string]any)
	assert.Equal(t, "POST", data["method"])
	assert.Equal(t, map[string]any{"X-Sig": "abc"}, data["headers"])
	assert.Equal(t, map[string]any{"id": 1}, data["body"])
	assert.Equal(t, map[string]any{}, data["query"])
	assert.Equal(t, "/hooks/order", data["path"])
}

func TestSchedule(t *testing.T) {
	assert.True(t, Schedule{}.Validate(json.RawMessage(`{"cron":"0 9 * * 1-5"}`)))
	assert.False(t, Schedule{}.Validate(json.RawMessage(`{"cron":"0 9 * *"}`)))
	assert.False(t, Schedule{}.Validate(json.RawMessage(`{"cron":"0 9 * * * *"}`)))
	assert.False(t, Schedule{}.Validate(json.RawMessage(`{}`)))

	fixed := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	s := Schedule{Now: func() time.Time { return fixed }}

	res, err := s.Process(context.Background(), jobWith(`{"cron":"0 * * * *"}`, nil))
	require.NoError(t, err)
	data := res.Data.(map[string]any)
	assert.Equal(t, "2025-01-15T11:00:00Z", data["nextRun"])

	_, err = s.Process(context.Background(), jobWith(`{"cron":"99 * * * *"}`, nil))
	assert.Error(t, err)

	_, err = s.Process(context.Background(), jobWith(`{"cron":"0 * * * *","timezone":"Nowhere/City"}`, nil))
	assert.Error(t, err)
}

func TestDatabase(t *testing.T) {
	assert.True(t, Database{}.Validate(json.RawMessage(`{"table":"orders","operation":"insert"}`)))
	assert.False(t, Database{}.Validate(json.RawMessage(`{"table":"orders","operation":"upsert"}`)))

	res, err := Database{}.Process(context.Background(), jobWith(
		`{"table":"orders","operation":"update"}`,
		map[string]any{"record": map[string]any{"id": 7}},
	))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"table":     "orders",
		"operation": "update",
		"record":    map[string]any{"id": 7},
	}, res.Data)
}
