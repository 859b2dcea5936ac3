package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/clinic-billing/billing"
	"github.com/warp/clinic-billing/ledger"
	"github.com/warp/clinic-billing/logger"
	"github.com/warp/clinic-billing/monthclose"
)

var closeMonthCmd = &cobra.Command{
	Use:   "close-month",
	Short: "Summarize or close a month",
	Long: `Reads the month's sessions, shadow charges and manual expenses from a JSON
export, computes income from recorded payments and the default therapist
compensation, and freezes the month.

Input file format:
  {
    "sessions":       [ ... ],
    "shadowCharges":  [ ... ],
    "manualExpenses": [ {"concept": "Rent", "amount": "12000.00"} ]
  }

A month can be closed only once; a second close fails and leaves the
stored closure untouched.`,
	Example: `  # Show what would be recorded
  billing close-month --year 2025 --month 3 --input march.json --dry-run

  # Close with a manual therapist payment
  billing close-month --year 2025 --month 3 --input march.json --compensation 41250.00`,
	RunE: runCloseMonth,
}

func init() {
	rootCmd.AddCommand(closeMonthCmd)

	now := time.Now()
	closeMonthCmd.Flags().Int("year", now.Year(), "Year to close")
	closeMonthCmd.Flags().Int("month", int(now.Month()), "Month to close (1-12)")
	closeMonthCmd.Flags().String("input", "", "JSON file with sessions, shadow charges and manual expenses")
	closeMonthCmd.Flags().String("income", "", "Override income (default: sum of payments dated in the month)")
	closeMonthCmd.Flags().String("compensation", "", "Override therapist compensation")
	closeMonthCmd.Flags().String("closed-by", "", "Name recorded on the closure")
	closeMonthCmd.Flags().Bool("dry-run", false, "Print the summary without closing")
}

type closeMonthInput struct {
	Sessions       []ledger.Session      `json:"sessions"`
	ShadowCharges  []ledger.ShadowCharge `json:"shadowCharges"`
	ManualExpenses []ledger.Expense      `json:"manualExpenses"`
}

func runCloseMonth(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("close-month")

	year, _ := cmd.Flags().GetInt("year")
	month, _ := cmd.Flags().GetInt("month")
	inputPath, _ := cmd.Flags().GetString("input")
	incomeStr, _ := cmd.Flags().GetString("income")
	compStr, _ := cmd.Flags().GetString("compensation")
	closedBy, _ := cmd.Flags().GetString("closed-by")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	period := ledger.NewPeriod(year, time.Month(month))
	if !period.Valid() {
		return fmt.Errorf("invalid month %s", period)
	}

	input, err := readCloseMonthInput(inputPath)
	if err != nil {
		return err
	}
	if err := billing.ValidateSessions(input.Sessions); err != nil {
		return err
	}
	for _, sc := range input.ShadowCharges {
		if err := billing.ValidateShadowCharge(sc); err != nil {
			return err
		}
	}
	income, err := optionalMoney("income", incomeStr)
	if err != nil {
		return err
	}
	compensation, err := optionalMoney("compensation", compStr)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	engine := monthclose.New(store, monthclose.WithLogger(logger.Get()))
	summary, err := engine.Summarize(ctx, year, time.Month(month), input.Sessions, input.ShadowCharges)
	if err != nil {
		return err
	}

	if dryRun {
		log.Info().Str("period", period.String()).Bool("closed", summary.Closed).Msg("dry run")
		return printJSON(cmd, summary)
	}

	closure, err := engine.Close(ctx, summary.CloseInput(income, compensation, input.ManualExpenses, closedBy))
	if err != nil {
		return err
	}
	return printJSON(cmd, closure)
}

func readCloseMonthInput(path string) (closeMonthInput, error) {
	var input closeMonthInput
	if path == "" {
		return input, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return input, fmt.Errorf("read input: %w", err)
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return input, fmt.Errorf("parse input %s: %w", path, err)
	}
	return input, nil
}

func optionalMoney(name, value string) (*decimal.Decimal, error) {
	if value == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%s must not be negative", name)
	}
	return &d, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
