package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/market-sync/pkg/models"
	"github.com/spf13/cobra"
)

var (
	statusDate    string
	statusSession string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync progress and the last report",
	Long: `Show checkpoint counts for a target date and the report of the latest
run, or of the run given by --session.

Examples:
  market-sync status
  market-sync status --date 2024-01-24
  market-sync status --session 6f1c2a0e-...`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusDate, "date", "", "Target date YYYY-MM-DD (default the latest run's)")
	statusCmd.Flags().StringVar(&statusSession, "session", "", "Session id to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newStoreApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	state := a.State()

	sess, err := state.LatestSession(ctx)
	if statusSession != "" {
		sess, err = state.Session(ctx, statusSession)
		if err == nil && sess == nil {
			return fmt.Errorf("unknown session %s", statusSession)
		}
	}
	if err != nil {
		return err
	}

	fallback := models.Today()
	if sess != nil {
		fallback = sess.TargetDate
	}
	target, err := parseDate("date", statusDate, fallback)
	if err != nil {
		return err
	}

	extended, err := state.CountByStatus(ctx, target)
	if err != nil {
		return err
	}

	fmt.Printf("Target date %s\n\n", models.FormatDate(target))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECKPOINT\tCOMPLETED\tPARTIAL\tFAILED\tPROCESSING\tPENDING")
	printStatusRow(w, "extended", extended)
	for _, freq := range a.Config().Sync.Frequencies {
		counts, err := state.CountBarProgress(ctx, freq, target)
		if err != nil {
			return err
		}
		printStatusRow(w, "bars_"+freq, counts)
	}
	w.Flush()

	if sess == nil {
		fmt.Println("\nNo sync run recorded yet")
		return nil
	}
	fmt.Println()
	if sess.Report == nil {
		fmt.Printf("Session %s started %s has not finished\n", sess.SessionID, sess.StartedAt.Format("2006-01-02 15:04:05"))
		return nil
	}
	printReport(sess.Report)
	return nil
}

func printStatusRow(w *tabwriter.Writer, name string, counts map[models.SyncStatus]int) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", name,
		counts[models.StatusCompleted], counts[models.StatusPartial], counts[models.StatusFailed],
		counts[models.StatusProcessing], counts[models.StatusPending])
}

// sortedKeys returns the keys of m in order
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
