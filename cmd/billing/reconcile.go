package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/clinic-billing/coordinator"
	"github.com/warp/clinic-billing/ledger"
	"github.com/warp/clinic-billing/logger"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile invoice balances of a month",
	Long: `Recomputes AmountPaid of every invoice billed for the month from its
linked payments and repairs any drift.`,
	Example: `  billing reconcile --period 2025-03`,
	RunE:    runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().String("period", "", "Month to reconcile (YYYY-MM)")
	_ = reconcileCmd.MarkFlagRequired("period")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("reconcile")

	periodStr, _ := cmd.Flags().GetString("period")
	period, err := ledger.ParsePeriod(periodStr)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	coord := coordinator.New(store, coordinator.WithLogger(logger.Get()))
	reports, err := coord.ReconcilePeriod(ctx, period)
	if err != nil {
		return err
	}

	repaired := 0
	for _, r := range reports {
		if r.Repaired {
			repaired++
		}
	}
	log.Info().Str("period", period.String()).Int("checked", len(reports)).Int("repaired", repaired).Msg("reconciliation finished")
	return printJSON(cmd, reports)
}
