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

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tombee/flowengine/internal/config"
	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/repository"
	"github.com/tombee/flowengine/internal/service"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "flowengine" {
		t.Errorf("expected use 'flowengine', got %q", cmd.Use)
	}
	if cmd.Short == "" || cmd.Long == "" {
		t.Error("expected descriptions to be set")
	}

	for _, name := range []string{"run", "serve", "validate", "version"} {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("expected subcommand %q", name)
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.PersistentFlags().Lookup("verbose") == nil {
		t.Error("verbose flag not registered")
	}
	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("config flag not registered")
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")
	defer SetVersion("dev", "unknown", "unknown")

	v, c, b := GetVersion()
	if v != "1.2.3" || c != "abc123" || b != "2025-12-22" {
		t.Errorf("unexpected version info %q %q %q", v, c, b)
	}

	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "flowengine 1.2.3 (commit: abc123") {
		t.Errorf("unexpected version output %q", out)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func writeDefinition(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const greetWorkflow = `
id: greet
name: Greeting
nodes:
  - id: start
    type: manual_trigger
  - id: say
    type: logger
    data:
      config:
        level: info
        message: hello
`

func TestRun(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "greet.yaml", greetWorkflow)

	out, err := execute(t, "run", "--definitions", dir, "--workflow", "greet", "--trigger", `{"name":"ada"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var res runResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if res.Output == nil || res.Output.Status != execution.StatusCompleted {
		t.Fatalf("expected completed output, got %+v", res.Output)
	}
	if _, ok := res.Output.Result["say"]; !ok {
		t.Errorf("expected result for logger node, got %v", res.Output.Result)
	}
	if len(res.Logs) == 0 {
		t.Error("expected execution logs in output")
	}
}

func TestRun_UnknownWorkflow(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "greet.yaml", greetWorkflow)

	_, err := execute(t, "run", "--definitions", dir, "--workflow", "nope")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("expected exit error, got %v", err)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found message, got %v", err)
	}
}

func TestRun_BadFlags(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "greet.yaml", greetWorkflow)

	if _, err := execute(t, "run", "--definitions", dir, "--workflow", "greet", "--trigger", "[1,2]"); err == nil {
		t.Error("expected error for non-object trigger data")
	}
	if _, err := execute(t, "run", "--definitions", dir, "--workflow", "greet", "--detach"); err == nil {
		t.Error("expected error for --detach with the memory backend")
	}
	if _, err := execute(t, "run", "--definitions", dir); err == nil {
		t.Error("expected error when --workflow is missing")
	}
}

func TestRun_DetachHandsOffToServe(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "greet.yaml", greetWorkflow)

	cfgPath := filepath.Join(t.TempDir(), "flowengine.yaml")
	content := fmt.Sprintf("queue:\n  backend: sqlite\n  poll_interval: 20ms\n  sqlite:\n    path: %s\n",
		filepath.Join(t.TempDir(), "q.db"))
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := execute(t, "--config", cfgPath, "run", "--definitions", dir, "--workflow", "greet", "--detach")
	if err != nil {
		t.Fatalf("run --detach: %v", err)
	}
	var res runResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if res.ExecutionID == "" || res.Output != nil {
		t.Fatalf("expected only an execution id, got %+v", res)
	}

	// A serving process on the same store picks the execution up.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	repo, err := repository.NewFileRepository(dir, nil)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	svc, err := service.New(ctx, cfg, repo)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	defer svc.Close(ctx)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	output, err := svc.Wait(ctx, res.ExecutionID, 10*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if output.Status != execution.StatusCompleted {
		t.Errorf("expected completed execution, got %s (%s)", output.Status, output.Error)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "greet.yaml", greetWorkflow)

	out, err := execute(t, "validate", "--definitions", dir)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 workflow(s) valid") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestValidate_Problems(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "bad.yaml", `
id: bad
nodes:
  - id: fetch
    type: http_request
    data:
      config:
        url: ""
  - id: note
    type: sticky_note
`)
	writeDefinition(t, dir, "broken.json", `{"id": `)

	out, err := execute(t, "validate", "--definitions", dir, "--json")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exit error, got %v", err)
	}

	var report struct {
		Valid    bool      `json:"valid"`
		Problems []Problem `json:"problems"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if report.Valid {
		t.Error("expected invalid report")
	}

	var messages []string
	for _, p := range report.Problems {
		messages = append(messages, p.String())
	}
	joined := strings.Join(messages, "\n")
	for _, want := range []string{
		"broken.json",
		"bad/fetch: Invalid configuration for node type: http_request",
		"warning: bad/note",
		"bad: no trigger nodes",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected problem containing %q in:\n%s", want, joined)
		}
	}
}
