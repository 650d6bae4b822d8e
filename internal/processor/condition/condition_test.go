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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowengine/internal/expression"
	"github.com/tombee/flowengine/internal/processor"
)

func job(config string, inputs map[string]any) *processor.Job {
	return &processor.Job{ExecutionID: "exec-1", NodeID: "c1", Config: json.RawMessage(config), Inputs: inputs}
}

func TestRegister(t *testing.T) {
	r := processor.NewRegistry()
	Register(r, expression.New())
	for _, typ := range Types {
		_, ok := r.Resolve(typ)
		assert.True(t, ok, typ)
	}
}

func TestIf(t *testing.T) {
	p := &If{Eval: expression.New()}

	res, err := p.Process(context.Background(), job(`{"condition":"input.value > 10"}`, map[string]any{"value": 5}))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, false, res.Data.(map[string]any)["result"])
	assert.Equal(t, []string{"false"}, res.NextNodes)

	res, err = p.Process(context.Background(), job(`{"condition":"value > 10 && inputs.status == 'paid'"}`,
		map[string]any{"value": 50, "status": "paid"}))
	require.NoError(t, err)
	assert.Equal(t, true, res.Data.(map[string]any)["result"])
	assert.Equal(t, []string{"true"}, res.NextNodes)

	assert.True(t, p.Validate(json.RawMessage(`{"condition":"a == 1"}`)))
	assert.False(t, p.Validate(json.RawMessage(`{"condition":""}`)))
	assert.False(t, p.Validate(json.RawMessage(`{"condition":"a =="}`)))
	assert.False(t, p.Validate(json.RawMessage(`{"condition":"1 + 2"}`)), "non-boolean conditions are rejected")
}

func TestValidation(t *testing.T) {
	p := Validation{}

	assert.True(t, p.Validate(json.RawMessage(`{"rules":[{"type":"required","field":"name"}]}`)))
	assert.False(t, p.Validate(json.RawMessage(`{"rules":[]}`)))
	assert.False(t, p.Validate(json.RawMessage(`{"rules":[{"type":"regex","field":"name"}]}`)))
	assert.False(t, p.Validate(json.RawMessage(`{"rules":[{"type":"minLength","field":"name"}]}`)))

	config := `{"rules":[
		{"type":"required","field":"user.name"},
		{"type":"email","field":"user.email"},
		{"type":"minLength","field":"user.password","value":8}
	]}`

	res, err := p.Process(context.Background(), job(config, map[string]any{
		"user": map[string]any{"name": "Ana", "email": "ana@example.com", "password": "s3cretpass"},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"valid"}, res.NextNodes)
	assert.Equal(t, map[string]any{"valid": true, "errors": []string{}}, res.Data)

	res, err = p.Process(context.Background(), job(config, map[string]any{
		"user": map[string]any{"name": " ", "email": "Ana <ana@example.com>", "password": "short"},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"invalid"}, res.NextNodes)
	data := res.Data.(map[string]any)
	assert.Equal(t, false, data["valid"])
	assert.Equal(t, []string{
		"user.name is required",
		"user.email must be a valid email",
		"user.password must be at least 8 characters",
	}, data["errors"])
}

func TestValidation_CustomMessage(t *testing.T) {
	res, err := Validation{}.Process(context.Background(), job(
		`{"rules":[{"type":"required","field":"phone","message":"phone please"}]}`, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"phone please"}, res.Data.(map[string]any)["errors"])
}

func TestErrorHandler(t *testing.T) {
	p := ErrorHandler{}

	inputs := map[string]any{"value": 1}
	res, err := p.Process(context.Background(), job(`{}`, inputs))
	require.NoError(t, err)
	assert.Equal(t, inputs, res.Data, "passthrough without an upstream error")

	res, err = p.Process(context.Background(), job(`{"fallbackAction":"notify"}`, map[string]any{
		"error": map[string]any{"message": "timeout", "type": "TimeoutError"},
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"handled": true,
		"error": map[string]any{
			"message":        "timeout",
			"type":           "TimeoutError",
			"fallbackAction": "notify",
		},
	}, res.Data)

	res, _ = p.Process(context.Background(), job(`{"errorType":"Upstream"}`, map[string]any{"error": "boom"}))
	wrapped := res.Data.(map[string]any)["error"].(map[string]any)
	assert.Equal(t, "boom", wrapped["message"])
	assert.Equal(t, "Upstream", wrapped["type"])
	assert.Equal(t, "continue", wrapped["fallbackAction"])
}

func TestRetry(t *testing.T) {
	p := &Retry{Eval: expression.New()}

	tests := []struct {
		config string
		valid  bool
	}{
		{`{"attempts":3,"delay":1000}`, true},
		{`{"attempts":0,"delay":0}`, false},
		{`{"attempts":11,"delay":0}`, false},
		{`{"attempts":3,"delay":-1}`, false},
		{`{"attempts":3,"delay":0,"condition":"attempt <"}`, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, p.Validate(json.RawMessage(tt.config)), tt.config)
	}

	res, err := p.Process(context.Background(), job(`{"attempts":3,"delay":500}`, map[string]any{"attempt": 1}))
	require.NoError(t, err)
	assert.Equal(t, []string{"retry"}, res.NextNodes)

	res, err = p.Process(context.Background(), job(`{"attempts":3,"delay":500}`, map[string]any{"attempt": float64(3)}))
	require.NoError(t, err)
	assert.Equal(t, []string{"failed"}, res.NextNodes)

	res, err = p.Process(context.Background(), job(
		`{"attempts":5,"delay":0,"condition":"input.status == 503 && attempt < maxAttempts"}`,
		map[string]any{"status": 503, "attempt": 2}))
	require.NoError(t, err)
	assert.Equal(t, []string{"retry"}, res.NextNodes)
	assert.Equal(t, true, res.Data.(map[string]any)["shouldRetry"])

	res, err = p.Process(context.Background(), job(
		`{"attempts":5,"delay":0,"condition":"input.status == 503"}`,
		map[string]any{"status": 400}))
	require.NoError(t, err)
	assert.Equal(t, []string{"failed"}, res.NextNodes)
}
