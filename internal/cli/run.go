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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/flowengine/internal/config"
	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/repository"
	"github.com/tombee/flowengine/internal/service"
)

type runOptions struct {
	definitions string
	workflow    string
	trigger     string
	context     string
	userID      string
	priority    int
	timeout     time.Duration
	trace       bool
	detach      bool
}

// runResult is what run prints to stdout.
type runResult struct {
	ExecutionID string               `json:"executionId"`
	Output      *execution.Output    `json:"output,omitempty"`
	Logs        []execution.LogEntry `json:"logs,omitempty"`
}

func newRunCommand(g *globalFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one workflow execution to completion",
		Long: `Run loads workflow definitions from a directory, executes one workflow and
prints its output and execution log as JSON.

With --detach the execution is only enqueued; this requires a durable queue
backend (sqlite or redis) shared with a 'flowengine serve' process.`,
		Example: `  flowengine run --definitions ./workflows --workflow wf-1
  flowengine run --definitions ./workflows --workflow orders --trigger '{"body":{"total":250}}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkflow(cmd, g, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.definitions, "definitions", "d", ".", "Directory of workflow definition files")
	f.StringVarP(&opts.workflow, "workflow", "w", "", "Workflow id to execute")
	f.StringVar(&opts.trigger, "trigger", "", "Trigger data as a JSON object")
	f.StringVar(&opts.context, "context", "", "Initial execution variables as a JSON object")
	f.StringVar(&opts.userID, "user", "", "User id recorded on the execution")
	f.IntVar(&opts.priority, "priority", 0, "Job priority 1-10 (10 highest)")
	f.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Maximum time to wait for the execution")
	f.BoolVar(&opts.trace, "trace", false, "Export spans to stderr")
	f.BoolVar(&opts.detach, "detach", false, "Enqueue the execution and exit")
	_ = cmd.MarkFlagRequired("workflow")

	return cmd
}

func runWorkflow(cmd *cobra.Command, g *globalFlags, opts *runOptions) error {
	input := execution.Input{WorkflowID: opts.workflow, UserID: opts.userID}
	if err := decodeObject(opts.trigger, "--trigger", &input.TriggerData); err != nil {
		return err
	}
	if err := decodeObject(opts.context, "--context", &input.Context); err != nil {
		return err
	}

	cfg, logger, err := g.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if opts.detach && cfg.Queue.Backend == config.BackendMemory {
		return fmt.Errorf("--detach requires a durable queue backend, got %q", cfg.Queue.Backend)
	}
	if cfg.ExecutionLogs.Store == config.StoreNone {
		// keep logs past teardown so they can be printed
		cfg.ExecutionLogs.Store = config.BackendMemory
	}
	if opts.trace {
		cfg.Tracing.Enabled = true
	}

	repo, err := repository.NewFileRepository(opts.definitions, logger)
	if err != nil {
		return fmt.Errorf("loading definitions: %w", err)
	}
	defer repo.Close()

	ctx := cmd.Context()
	svc, err := service.New(ctx, cfg, repo,
		service.WithLogger(logger),
		service.WithVersion(version),
		service.WithTraceWriter(cmd.ErrOrStderr()),
	)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = svc.Close(shutdownCtx)
	}()

	if !opts.detach {
		if err := svc.Start(ctx); err != nil {
			return err
		}
	}

	id, err := svc.ExecuteWorkflow(ctx, input, nil, opts.priority)
	if err != nil {
		return err
	}
	if opts.detach {
		return writeJSON(cmd.OutOrStdout(), runResult{ExecutionID: id})
	}

	out, err := svc.Wait(ctx, id, opts.timeout)
	if err != nil {
		return err
	}
	logs, err := svc.GetExecutionLogs(ctx, id)
	if err != nil {
		return err
	}

	if err := writeJSON(cmd.OutOrStdout(), runResult{ExecutionID: id, Output: out, Logs: logs}); err != nil {
		return err
	}
	if out.Status != execution.StatusCompleted {
		return &ExitError{Code: 1, Err: fmt.Errorf("execution %s %s: %s", id, out.Status, out.Error)}
	}
	return nil
}

func decodeObject(raw, flag string, dst *map[string]any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%s must be a JSON object: %w", flag, err)
	}
	return nil
}
