package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newReconcileCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute derived counters and repair replicas, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			a.bus.Start(ctx)

			report, err := a.reconcile.Reconcile(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

func newRetryCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Push every failed membership again, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			a.bus.Start(ctx)

			retried, failed, err := a.membership.RetryFailed(ctx)
			if err != nil {
				return err
			}
			if err := a.drain(ctx); err != nil {
				return err
			}

			a.logger.WithField("retried", retried).WithField("failed", failed).Info("Retry finished")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}
