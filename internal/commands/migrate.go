package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/market-sync/internal/database"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration management",
	Long: `Manage the schema of the relational store (MySQL or SQLite).

Migrations are compiled into the binary and applied in version order.
Every other command applies pending migrations on start as well.

Examples:
  market-sync migrate up       # Apply all pending migrations
  market-sync migrate status   # Show applied and pending migrations`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := db.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("No pending migrations")
			return nil
		}
		fmt.Printf("Applied %d migration(s): %v\n", len(applied), applied)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		migrations, err := db.MigrationStatus(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
		pending := 0
		for _, m := range migrations {
			status, at := "applied", m.AppliedAt
			if !m.Applied {
				status, at = "pending", "-"
				pending++
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", m.Version, m.Name, status, at)
		}
		w.Flush()
		fmt.Printf("\n%d migration(s), %d pending\n", len(migrations), pending)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

// openStore connects to the configured store without migrating it
func openStore() (*database.Client, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return db, nil
}
