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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/flowengine/internal/config"
	"github.com/tombee/flowengine/internal/log"
)

// Version information, set from main.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// globalFlags holds the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	verbose    bool
}

// NewRootCommand creates the root Cobra command.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "flowengine",
		Short: "flowengine - queue-backed workflow execution engine",
		Long: `flowengine runs workflow definitions (nodes and edges) on two job queues:
one for workflow executions and one for the node jobs they fan out.

Queues can be kept in memory, in SQLite or in Redis. With a durable backend,
'flowengine run --detach' enqueues an execution for a 'flowengine serve'
process to pick up.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // main prints the error and picks the exit code
	}

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to config file (YAML)")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newRunCommand(g),
		newServeCommand(g),
		newValidateCommand(g),
		newVersionCommand(),
	)
	return cmd
}

// load reads the configuration and builds the process logger. Logs go to
// stderr so stdout stays machine-readable.
func (g *globalFlags) load(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.verbose {
		cfg.Log.Level = "debug"
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    stderr,
		AddSource: cfg.Log.AddSource,
	})
	return cfg, logger, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}

// ExitError carries a process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }
