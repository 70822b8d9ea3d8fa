package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
)

// DbCmd manages the local database.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local database",
	Long: `Manage local database operations.

Examples:
  groupsync db migrate   # Apply pending schema migrations
  groupsync db stats     # Show database statistics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Printf("Database at %s is up to date\n", cfg.Database.Path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	counts := []struct {
		label string
		query string
	}{
		{"Groups", `SELECT COUNT(*) FROM groups`},
		{"Active groups", `SELECT COUNT(*) FROM groups WHERE active = 1`},
		{"Memberships", `SELECT COUNT(*) FROM group_memberships`},
		{"Update events", `SELECT COUNT(*) FROM group_update_events`},
		{"Known contacts", `SELECT COUNT(*) FROM contacts`},
		{"Pending jobs", `SELECT COUNT(*) FROM sync_jobs WHERE status = 'pending'`},
	}

	fmt.Printf("Database: %s\n\n", cfg.Database.Path)
	for _, c := range counts {
		var n int
		if err := database.QueryRow(c.query).Scan(&n); err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to query %s: %w", c.label, err)
		}
		fmt.Printf("%-15s %d\n", c.label+":", n)
	}
	return nil
}
