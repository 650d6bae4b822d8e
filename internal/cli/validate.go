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
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/flowengine/internal/config"
	"github.com/tombee/flowengine/internal/processor"
	"github.com/tombee/flowengine/internal/repository"
	"github.com/tombee/flowengine/internal/service"
)

// Problem is one finding from validate.
type Problem struct {
	Workflow string `json:"workflow,omitempty"`
	Node     string `json:"node,omitempty"`
	Message  string `json:"message"`
	Warning  bool   `json:"warning,omitempty"`
}

func (p Problem) String() string {
	var b strings.Builder
	if p.Warning {
		b.WriteString("warning: ")
	} else {
		b.WriteString("error: ")
	}
	if p.Workflow != "" {
		b.WriteString(p.Workflow)
		if p.Node != "" {
			b.WriteString("/" + p.Node)
		}
		b.WriteString(": ")
	}
	b.WriteString(p.Message)
	return b.String()
}

// classifier is the part of the engine validate needs.
type classifier interface {
	Registry() *processor.Registry
	IsTrigger(nodeType string) bool
	IsAction(nodeType string) bool
}

func newValidateCommand(g *globalFlags) *cobra.Command {
	var (
		definitions string
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check workflow definition files",
		Long: `Validate parses every definition file, then checks that each workflow has a
trigger node, that every node type has a registered processor and that every
node config passes its processor's validation.

Nodes that are neither triggers nor actions are reported as warnings: the
engine does not dispatch them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			// only the processor registry is needed
			cfg.Queue.Backend = config.BackendMemory
			cfg.ExecutionLogs.Store = config.StoreNone
			cfg.Records.Store = config.BackendMemory
			cfg.Monitoring.Enabled = false
			cfg.Tracing.Enabled = false

			var problems []Problem
			defs, loadErr := repository.LoadDir(definitions)
			if defs == nil {
				return loadErr
			}
			if loadErr != nil {
				for _, line := range strings.Split(loadErr.Error(), "\n") {
					problems = append(problems, Problem{Message: line})
				}
			}

			svc, err := service.New(context.Background(), cfg, repository.NewMemoryRepository(), service.WithLogger(logger))
			if err != nil {
				return err
			}
			defer svc.Close(context.Background())

			ids := make([]string, 0, len(defs))
			for id := range defs {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			for _, id := range ids {
				problems = append(problems, validateDefinition(svc, defs[id])...)
			}

			errCount := 0
			for _, p := range problems {
				if !p.Warning {
					errCount++
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, map[string]any{
					"workflows": len(defs),
					"problems":  problems,
					"valid":     errCount == 0,
				}); err != nil {
					return err
				}
			} else {
				for _, p := range problems {
					fmt.Fprintln(out, p.String())
				}
				if errCount == 0 {
					fmt.Fprintf(out, "%d workflow(s) valid\n", len(defs))
				}
			}

			if errCount > 0 {
				return &ExitError{Code: 1, Err: fmt.Errorf("%d problem(s) found", errCount)}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&definitions, "definitions", "d", ".", "Directory of workflow definition files")
	f.BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}

func validateDefinition(c classifier, def *repository.Definition) []Problem {
	var problems []Problem
	triggers := 0

	for _, n := range def.Nodes {
		switch {
		case c.IsTrigger(n.Type):
			triggers++
		case !c.IsAction(n.Type):
			problems = append(problems, Problem{
				Workflow: def.ID,
				Node:     n.ID,
				Message:  fmt.Sprintf("node type %q is neither a trigger nor an action and will not run", n.Type),
				Warning:  true,
			})
			continue
		}

		p, ok := c.Registry().Resolve(n.Type)
		if !ok {
			problems = append(problems, Problem{
				Workflow: def.ID,
				Node:     n.ID,
				Message:  fmt.Sprintf("no processor registered for node type %q", n.Type),
			})
			continue
		}
		raw, err := n.RawConfig()
		if err != nil {
			problems = append(problems, Problem{Workflow: def.ID, Node: n.ID, Message: err.Error()})
			continue
		}
		if !processor.Validate(p, raw) {
			problems = append(problems, Problem{
				Workflow: def.ID,
				Node:     n.ID,
				Message:  fmt.Sprintf("Invalid configuration for node type: %s", n.Type),
			})
		}
	}

	if triggers == 0 {
		problems = append(problems, Problem{Workflow: def.ID, Message: "no trigger nodes"})
	}
	return problems
}
