package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/halcyonchat/groupsync/cmd/groupsync/commands"
	"github.com/halcyonchat/groupsync/config"
	"github.com/halcyonchat/groupsync/logger"
)

var rootCmd = &cobra.Command{
	Use:   "groupsync",
	Short: "groupsync - local group state reconciliation",
	Long: `groupsync - keep local group state consistent with the group log service.

groupsync maintains a local sqlite copy of every group the account belongs
to, advances it through the server's revision history, materializes update
events for the conversation timeline, and learns member profile secrets
along the way.

Available commands:
  sync   - Reconcile groups against the server (foreground)
  db     - Manage the local database
  jobs   - Inspect the deferred work queue

Examples:
  groupsync sync               # Sweep all active groups, then keep serving the queue
  groupsync sync --once        # Sweep, drain deferred work, exit
  groupsync db migrate         # Apply pending schema migrations
  groupsync jobs ls            # List deferred jobs`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := logger.Initialize(cfg.Logging.JSON); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.SyncCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobsCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
