package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/market-sync/internal/asof"
	"github.com/market-sync/pkg/models"
	"github.com/spf13/cobra"
)

var (
	asofSymbol string
	asofStart  string
	asofEnd    string
	asofJSON   bool
)

var asofCmd = &cobra.Command{
	Use:   "asof",
	Short: "Join valuations with the financials public on each date",
	Long: `Print a symbol's stored valuations, each joined with the financial
statement most recently disclosed on or before the valuation date. A
statement is never visible before its disclosure date, whatever its period.

Examples:
  market-sync asof --symbol 000001.SZ --start 2023-01-01 --end 2023-12-31
  market-sync asof --symbol 600000.SH --json`,
	RunE: runAsOf,
}

func init() {
	rootCmd.AddCommand(asofCmd)

	asofCmd.Flags().StringVar(&asofSymbol, "symbol", "", "Symbol (required)")
	asofCmd.Flags().StringVar(&asofStart, "start", "", "Range start YYYY-MM-DD (default one year before --end)")
	asofCmd.Flags().StringVar(&asofEnd, "end", "", "Range end YYYY-MM-DD (default today)")
	asofCmd.Flags().BoolVar(&asofJSON, "json", false, "Print rows as JSON")
	asofCmd.MarkFlagRequired("symbol")
}

func runAsOf(cmd *cobra.Command, args []string) error {
	end, err := parseDate("end", asofEnd, models.Today())
	if err != nil {
		return err
	}
	start, err := parseDate("start", asofStart, end.AddDate(-1, 0, 0))
	if err != nil {
		return err
	}

	a, err := newStoreApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	vals, err := a.DB().Valuations(ctx, asofSymbol, start, end)
	if err != nil {
		return err
	}
	fins, err := a.DB().FinancialsDisclosedBy(ctx, asofSymbol, end)
	if err != nil {
		return err
	}
	rows := asof.Join(vals, fins)

	if asofJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tPE\tPB\tPS\tREPORT\tDISCLOSED\tEPS\tBPS")
	for _, r := range rows {
		report, disclosed, eps, bps := "-", "-", "-", "-"
		if f := r.Financial; f != nil {
			report = models.FormatDate(f.ReportDate)
			disclosed = models.FormatDate(f.DisclosureDate)
			eps = formatRatio(f.EPS)
			bps = formatRatio(f.BPS)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", models.FormatDate(r.Date),
			formatRatio(r.PE), formatRatio(r.PB), formatRatio(r.PS), report, disclosed, eps, bps)
	}
	w.Flush()
	fmt.Printf("\n%d rows\n", len(rows))
	return nil
}

func formatRatio(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}
