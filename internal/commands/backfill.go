package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/market-sync/internal/gaps"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/models"
	"github.com/spf13/cobra"
)

var (
	backfillSymbols    string
	backfillFrequency  string
	backfillStart      string
	backfillEnd        string
	backfillDays       int
	backfillMaxRepairs int
	backfillDryRun     bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Detect and repair gaps in stored bars",
	Long: `Detect missing bars against the trading calendar and fetch them.

Gaps before a security's listing date and inside configured suspension
windows are never repaired. The largest gaps are repaired first, up to
--max-repairs per invocation.

Examples:
  # Repair the last 30 days for all active securities
  market-sync backfill

  # Repair a year of weekly bars for two symbols
  market-sync backfill --symbols 000001.SZ,600000.SH --frequency 1w --days 365

  # Only report gaps in an explicit range
  market-sync backfill --start 2023-01-01 --end 2023-12-31 --dry-run`,
	RunE: runBackfill,
}

func init() {
	rootCmd.AddCommand(backfillCmd)

	backfillCmd.Flags().StringVar(&backfillSymbols, "symbols", "", "Comma separated symbols (default all active securities)")
	backfillCmd.Flags().StringVar(&backfillFrequency, "frequency", models.FrequencyDaily, "Bar frequency (1d, 1w, 1M)")
	backfillCmd.Flags().StringVar(&backfillStart, "start", "", "Range start YYYY-MM-DD (default end minus --days)")
	backfillCmd.Flags().StringVar(&backfillEnd, "end", "", "Range end YYYY-MM-DD (default today)")
	backfillCmd.Flags().IntVar(&backfillDays, "days", 0, "Lookback in days when --start is not set (default SYNC_GAP_LOOKBACK_DAYS)")
	backfillCmd.Flags().IntVar(&backfillMaxRepairs, "max-repairs", 0, "Maximum gaps to repair (default SYNC_MAX_GAP_REPAIRS)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Only report gaps")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	if !models.ValidFrequency(backfillFrequency) {
		return fmt.Errorf("unsupported frequency: %s", backfillFrequency)
	}
	end, err := parseDate("end", backfillEnd, models.Today())
	if err != nil {
		return err
	}

	a, err := newApp(func(cfg *config.Config) {
		if backfillMaxRepairs > 0 {
			cfg.Sync.MaxGapRepairs = backfillMaxRepairs
		}
		if backfillDays > 0 {
			cfg.Sync.GapLookbackDays = backfillDays
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	lookbackStart, _ := gaps.LookbackRange(end, a.Config().Sync.GapLookbackDays)
	start, err := parseDate("start", backfillStart, lookbackStart)
	if err != nil {
		return err
	}
	if start.After(end) {
		return fmt.Errorf("--start %s is after --end %s", models.FormatDate(start), models.FormatDate(end))
	}

	ctx := cmd.Context()
	symbols := splitList(backfillSymbols)
	if len(symbols) == 0 {
		if symbols, err = a.DB().ActiveSymbols(ctx); err != nil {
			return err
		}
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to check; run 'market-sync symbols refresh' first")
	}

	sum, err := a.Detector().DetectAll(ctx, symbols, []string{backfillFrequency}, start, end)
	if err != nil {
		return err
	}

	fmt.Printf("Checked %d symbols from %s to %s: %d gaps, %d missing bars\n",
		sum.Symbols, models.FormatDate(start), models.FormatDate(end), sum.TotalGaps, sum.MissingDays)
	if len(sum.Gaps) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tFREQ\tSTART\tEND\tMISSING")
		for _, g := range sum.Gaps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", g.Symbol, g.Frequency, models.FormatDate(g.StartDate), models.FormatDate(g.EndDate), g.MissingDays)
		}
		w.Flush()
	}
	for _, key := range sortedKeys(sum.Errors) {
		fmt.Printf("detection failed for %s: %s\n", key, sum.Errors[key])
	}

	if backfillDryRun || len(sum.Gaps) == 0 {
		return nil
	}

	res, err := a.Backfiller().Repair(ctx, sum.Gaps)
	if err != nil {
		return err
	}
	fmt.Printf("\nRepaired %d of %d attempted gaps (%d skipped, %d deferred, %d failed), %d bars written, %d rejected\n",
		res.Repaired, res.Attempted, res.Skipped, res.Deferred, res.Failed, res.Records, res.Rejected)
	for _, msg := range res.Errors {
		fmt.Println("  ", msg)
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d gap repairs failed", res.Failed)
	}
	return nil
}
