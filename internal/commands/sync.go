package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/market-sync/internal/orchestrator"
	"github.com/market-sync/pkg/models"
	"github.com/spf13/cobra"
)

var (
	syncDate        string
	syncSymbols     string
	syncFrequencies string
	syncPhases      string
	syncForce       bool
	syncJSON        bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full sync up to a target date",
	Long: `Run every sync phase up to the target date (default today).

Phases already completed for the target date are skipped unless --force is
given. A phase that fails is recorded and the remaining phases still run.

Examples:
  market-sync sync
  market-sync sync --date 2024-01-24
  market-sync sync --symbols 000001.SZ,600000.SH --frequencies 1d,1w
  market-sync sync --phases incremental_sync,gap_repair --force`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVar(&syncDate, "date", "", "Target date YYYY-MM-DD (default today)")
	syncCmd.Flags().StringVar(&syncSymbols, "symbols", "", "Comma separated symbols (default all active securities)")
	syncCmd.Flags().StringVar(&syncFrequencies, "frequencies", "", "Comma separated bar frequencies (1d, 1w, 1M)")
	syncCmd.Flags().StringVar(&syncPhases, "phases", "", "Comma separated phases to run (default all)")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "Rerun phases already completed for the target date")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Print the report as JSON")
}

func runSync(cmd *cobra.Command, args []string) error {
	target, err := parseDate("date", syncDate, models.Today())
	if err != nil {
		return err
	}
	opts := orchestrator.RunOptions{
		Symbols:     splitList(syncSymbols),
		Frequencies: splitList(syncFrequencies),
		Phases:      splitList(syncPhases),
		Force:       syncForce,
	}
	for _, p := range opts.Phases {
		if !orchestrator.ValidPhase(p) {
			return fmt.Errorf("unknown phase %q, expected one of %s", p, strings.Join(orchestrator.Phases, ", "))
		}
	}
	for _, f := range opts.Frequencies {
		if !models.ValidFrequency(f) {
			return fmt.Errorf("unsupported frequency: %s", f)
		}
	}

	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Sync(cmd.Context(), target, opts)
	if report != nil {
		if syncJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printReport(report)
		}
	}
	if err != nil {
		return err
	}
	if report.Summary.Failed > 0 {
		return fmt.Errorf("%d phase(s) failed: %s", report.Summary.Failed, strings.Join(report.Summary.FailedPhases, ", "))
	}
	return nil
}

// printReport renders a report as a phase table
func printReport(r *models.SyncReport) {
	fmt.Printf("Session %s  target %s  started %s  took %s\n\n",
		r.SessionID, r.TargetDate, r.StartedAt.Format("2006-01-02 15:04:05"), formatMS(r.DurationMS))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tSTATUS\tDURATION\tCOUNTS\tERROR")
	for _, name := range r.PhaseOrder {
		p := r.Phases[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, p.Status, formatMS(p.DurationMS), formatCounts(p.Counts), p.Error)
	}
	w.Flush()

	fmt.Printf("\n%d phases: %d successful (%d skipped), %d failed\n",
		r.Summary.TotalPhases, r.Summary.Successful, r.Summary.Skipped, r.Summary.Failed)
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k, v := range counts {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}

func formatMS(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}
