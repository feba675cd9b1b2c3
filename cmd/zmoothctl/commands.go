package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zmooth/zmooth-api/internal/app"
	"github.com/zmooth/zmooth-api/internal/config"
	"github.com/zmooth/zmooth-api/internal/domain/catalog"
	"github.com/zmooth/zmooth-api/internal/domain/payment"
	"github.com/zmooth/zmooth-api/internal/pkg/jwt"
)

func sweepCommand(run appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire due entitlements and terminate their sessions",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			n, err := a.Sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "expired %d entitlements\n", n)
			return nil
		}),
	}
}

func reconcileCommand(run appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Close sessions whose entitlement is no longer active",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			n, err := a.Sweeper.Reconcile(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "closed %d orphaned sessions\n", n)
			return nil
		}),
	}
}

func grantsCommand(run appRunner) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "grants",
		Short: "Inspect entitlements whose NAS grant has not been confirmed",
	}

	pending := &cobra.Command{
		Use:  "pending",
		Args: cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			list, err := a.Activator.PendingGrants(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(out, list)
		}),
	}
	pending.Flags().IntVar(&limit, "limit", 100, "maximum entitlements to list")

	regrant := &cobra.Command{
		Use:   "regrant <entitlement-id>",
		Short: "Push the entitlement to the NAS again",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entitlement id: %w", err)
			}
			act, err := a.Activator.Regrant(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(out, act)
		}),
	}

	cmd.AddCommand(pending, regrant)
	return cmd
}

func nasCommand(run appRunner) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "nas",
		Short: "Manage the NAS retry queue",
	}

	pending := &cobra.Command{
		Use:  "pending",
		Args: cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			jobs, err := a.Queue.Pending(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(out, jobs)
		}),
	}
	pending.Flags().IntVar(&limit, "limit", 100, "maximum jobs to list")

	dead := &cobra.Command{
		Use:   "dead",
		Short: "List jobs that ran out of attempts",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			jobs, err := a.Queue.Dead(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(out, jobs)
		}),
	}
	dead.Flags().IntVar(&limit, "limit", 100, "maximum jobs to list")

	revive := &cobra.Command{
		Use:   "revive <job-id>",
		Short: "Move a dead job back to the retry queue",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
			if err := a.Queue.Revive(ctx, args[0], time.Now()); err != nil {
				return err
			}
			fmt.Fprintf(out, "revived %s\n", args[0])
			return nil
		}),
	}

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Run one dispatch pass over due jobs",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			n, err := a.Dispatcher().RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "dispatched %d jobs\n", n)
			return nil
		}),
	}

	cmd.AddCommand(pending, dead, revive, drain)
	return cmd
}

func vouchersCommand(run appRunner) *cobra.Command {
	var (
		planID  string
		count   int
		batchID string
		validTo time.Duration
	)

	cmd := &cobra.Command{
		Use:   "vouchers",
		Short: "Issue a batch of vouchers for a plan",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			id, err := uuid.Parse(planID)
			if err != nil {
				return fmt.Errorf("invalid plan id: %w", err)
			}
			req := payment.IssueRequest{PlanID: id, Count: count, BatchID: batchID}
			if validTo > 0 {
				expires := time.Now().Add(validTo)
				req.ExpiresAt = &expires
			}
			vouchers, err := a.Payments.IssueVouchers(ctx, req)
			if err != nil {
				return err
			}
			for _, v := range vouchers {
				fmt.Fprintln(out, v.Code)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().IntVar(&count, "count", 10, "number of vouchers")
	cmd.Flags().StringVar(&batchID, "batch", "", "batch label printed on the cards")
	cmd.Flags().DurationVar(&validTo, "valid-for", 0, "voucher lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func catalogCommand(run appRunner) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Validate or publish the plan catalog",
	}

	validate := &cobra.Command{
		Use:  "validate",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plans, err := catalog.LoadFile(file)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), plans)
		},
	}

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Upsert every plan in the file into the ledger",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			plans, err := catalog.LoadFile(file)
			if err != nil {
				return err
			}
			if err := catalog.Sync(ctx, a.Store, plans); err != nil {
				return err
			}
			fmt.Fprintf(out, "synced %d plans\n", len(plans))
			return nil
		}),
	}

	cmd.PersistentFlags().StringVar(&file, "file", "plans.yaml", "catalog file")
	cmd.AddCommand(validate, sync)
	return cmd
}

func archiveCommand(run appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Export closed sessions to the usage archive once",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
			exporter, err := a.Archiver(ctx)
			if err != nil {
				return err
			}
			n, err := exporter.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "archived %d sessions\n", n)
			return nil
		}),
	}
}

func tokenCommand(cfg *config.Config) *cobra.Command {
	var (
		userID string
		role   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for support and local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id := uuid.New()
			if userID != "" {
				parsed, err := uuid.Parse(userID)
				if err != nil {
					return fmt.Errorf("invalid user id: %w", err)
				}
				id = parsed
			}
			token, err := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL).GenerateAccessToken(id, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id, random when empty")
	cmd.Flags().StringVar(&role, "role", jwt.RoleAdmin, "token role")
	return cmd
}
