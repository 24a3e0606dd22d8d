package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/market-sync/internal/orchestrator"
	"github.com/market-sync/pkg/models"
	"github.com/spf13/cobra"
)

var (
	symbolsExchange string
	symbolsLimit    int
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "Manage the symbol directory",
	Long:  "Commands for viewing and refreshing the securities directory",
}

var listSymbolsCmd = &cobra.Command{
	Use:   "list",
	Short: "List active securities",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newStoreApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		syms, err := a.DB().ActiveSymbols(ctx)
		if err != nil {
			return err
		}
		secs, err := a.DB().Securities(ctx, syms)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tNAME\tEXCHANGE\tINDUSTRY\tLISTED")
		shown := 0
		for _, sym := range syms {
			s := secs[sym]
			if s == nil {
				continue
			}
			if symbolsExchange != "" && !strings.EqualFold(s.Exchange, symbolsExchange) {
				continue
			}
			if symbolsLimit > 0 && shown >= symbolsLimit {
				break
			}
			listed := "-"
			if !s.ListDate.IsZero() {
				listed = models.FormatDate(s.ListDate)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Symbol, s.Name, s.Exchange, s.Industry, listed)
			shown++
		}
		w.Flush()
		fmt.Printf("\n%d of %d active securities\n", shown, len(syms))
		return nil
	},
}

var refreshSymbolsCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the directory from the provider",
	Long:  "Run the directory update phase now, even if it already ran today",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Sync(cmd.Context(), models.Today(), orchestrator.RunOptions{
			Phases:           []string{orchestrator.PhaseDirectory},
			Force:            true,
			RefreshDirectory: true,
		})
		if err != nil {
			return err
		}
		phase := report.Phases[orchestrator.PhaseDirectory]
		if phase.Status == models.PhaseFailed {
			return fmt.Errorf("directory refresh failed: %s", phase.Error)
		}
		fmt.Printf("Directory refreshed: %s\n", formatCounts(phase.Counts))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(symbolsCmd)
	symbolsCmd.AddCommand(listSymbolsCmd)
	symbolsCmd.AddCommand(refreshSymbolsCmd)

	listSymbolsCmd.Flags().StringVar(&symbolsExchange, "exchange", "", "Filter by exchange")
	listSymbolsCmd.Flags().IntVar(&symbolsLimit, "limit", 0, "Maximum rows to print")
}
