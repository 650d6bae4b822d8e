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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/flowengine/internal/repository"
	"github.com/tombee/flowengine/internal/service"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var (
		definitions     string
		noWatch         bool
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Process queued executions until interrupted",
		Long: `Serve starts the workflow and node workers and processes executions from the
configured queue backend until SIGINT or SIGTERM. Definition files are
reloaded when they change unless --no-watch is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			repo, err := repository.NewFileRepository(definitions, logger)
			if err != nil {
				return fmt.Errorf("loading definitions: %w", err)
			}
			defer repo.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if !noWatch {
				if err := repo.Watch(ctx); err != nil {
					return err
				}
			}

			svc, err := service.New(ctx, cfg, repo,
				service.WithLogger(logger),
				service.WithVersion(version),
				service.WithTraceWriter(cmd.ErrOrStderr()),
			)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			if err := svc.Start(ctx); err != nil {
				_ = svc.Close(context.Background())
				return err
			}
			logger.Info("flowengine serving",
				slog.String("definitions", repo.Dir()),
				slog.Int("workflows", len(repo.List())),
				slog.String("version", version),
			)

			select {
			case sig := <-sigCh:
				logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			case <-ctx.Done():
			}
			cancel()

			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			if err := svc.Close(shutdownCtx); err != nil {
				logger.Error("error during shutdown", slog.Any("error", err))
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&definitions, "definitions", "d", ".", "Directory of workflow definition files")
	f.BoolVar(&noWatch, "no-watch", false, "Do not reload definitions when files change")
	f.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for graceful shutdown")
	return cmd
}
