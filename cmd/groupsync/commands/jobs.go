package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonchat/groupsync/schedule"
)

// JobsCmd inspects the deferred work queue.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the deferred work queue",
	Long: `Inspect deferred reconciliation work: sync continuations, avatar
fetches, and profile refreshes.

Status filters:
  pending   - Jobs waiting to run
  running   - Jobs currently executing
  completed - Successfully finished jobs
  failed    - Jobs that exhausted their retries

Examples:
  groupsync jobs ls                   # List all jobs
  groupsync jobs ls --status pending  # List only pending jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List deferred jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		return runJobsLs(statusFilter)
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status (pending, running, completed, failed)")
	JobsCmd.AddCommand(jobsLsCmd)
}

func runJobsLs(statusFilter string) error {
	_, database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := schedule.NewJobStore(database).List(context.Background(), schedule.JobStatus(statusFilter))
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-6s %-24s %-10s %-34s %-8s %s\n", "ID", "KIND", "STATUS", "GROUP", "ATTEMPTS", "RUN AT")
	fmt.Printf("%-6s %-24s %-10s %-34s %-8s %s\n", "--", "----", "------", "-----", "--------", "------")
	for _, job := range jobs {
		groupID := string(job.GroupID)
		if groupID == "" {
			groupID = "-"
		}
		fmt.Printf("%-6d %-24s %-10s %-34s %-8d %s\n",
			job.ID,
			job.Kind,
			job.Status,
			truncate(groupID, 34),
			job.Attempts,
			time.UnixMilli(job.RunAt).Format("2006-01-02 15:04:05"))
	}

	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

// truncate shortens a string to maxLen characters.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
