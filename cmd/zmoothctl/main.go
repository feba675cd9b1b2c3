// Command zmoothctl runs one-off operator tasks against the engine using
// the same environment as the API and the worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zmooth/zmooth-api/internal/app"
	"github.com/zmooth/zmooth-api/internal/config"
	"github.com/zmooth/zmooth-api/internal/pkg/logger"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:   "zmoothctl",
		Short: "Operator tasks for the zmooth entitlement engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "zmoothctl"})
		},
	}

	withApp := func(fn func(ctx context.Context, a *app.App, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer a.Close()
			return fn(ctx, a, cmd.OutOrStdout(), args)
		}
	}

	cmd.AddCommand(
		sweepCommand(withApp),
		reconcileCommand(withApp),
		grantsCommand(withApp),
		nasCommand(withApp),
		vouchersCommand(withApp),
		catalogCommand(withApp),
		archiveCommand(withApp),
		tokenCommand(cfg),
	)
	return cmd
}

type appRunner func(fn func(ctx context.Context, a *app.App, out io.Writer, args []string) error) func(*cobra.Command, []string) error

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write output")
		return err
	}
	return nil
}
