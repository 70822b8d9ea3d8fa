package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
	"github.com/halcyonchat/groupsync/logger"
)

// SyncCmd reconciles groups against the group log service.
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile groups against the server",
	Long: `Reconcile local group state against the group log service.

Sweeps every active group up to the latest server revision, then keeps
running: the deferred work queue serves sync continuations, avatar fetches,
and profile refreshes until interrupted. With --once, the sweep runs, the
queue drains pending work, and the command exits.

Examples:
  groupsync sync                  # Sweep, then serve the queue until Ctrl-C
  groupsync sync --once           # Sweep and drain, then exit
  groupsync sync group <hex-key>  # Reconcile one group by its master key`,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		return runSync(once)
	},
}

// syncGroupCmd reconciles a single group identified by its master key. The
// group does not need to exist locally; a first sync creates it from the
// latest server snapshot.
var syncGroupCmd = &cobra.Command{
	Use:   "group <master-key-hex>",
	Short: "Reconcile one group by its master key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSyncGroup(args[0])
	},
}

func init() {
	SyncCmd.Flags().Bool("once", false, "Sweep and drain deferred work, then exit")
	SyncCmd.AddCommand(syncGroupCmd)
}

func runSync(once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	swept, failed := sweep(ctx, app)

	if once {
		app.queue.RunOnce(ctx)
		fmt.Printf("Synced %d group(s), %d failure(s)\n", swept, failed)
		return nil
	}

	app.queue.Start(ctx)
	defer app.queue.Stop()

	fmt.Printf("Synced %d group(s), %d failure(s); serving deferred work (Ctrl-C to stop)\n", swept, failed)
	<-ctx.Done()
	return nil
}

// sweep advances every active group to the latest server revision. Failures
// are logged per group; one misbehaving group must not stall the rest.
func sweep(ctx context.Context, a *app) (swept, failed int) {
	records, err := a.groups.ListActiveGroups(ctx)
	if err != nil {
		logger.Errorw("Failed to list active groups", "error", err)
		return 0, 0
	}

	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		p := a.processors.forKey(record.MasterKey)
		if _, err := p.AdvanceToRevision(ctx, group.Latest, time.Now().UnixMilli(), nil); err != nil {
			logger.Warnw("Group reconciliation failed",
				"group_id", record.ID,
				"error", err,
			)
			failed++
			continue
		}
		swept++
	}
	return swept, failed
}

func runSyncGroup(keyHex string) error {
	key, err := parseMasterKey(keyHex)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	p := app.processors.forKey(key)
	if _, err := p.AdvanceToRevision(ctx, group.Latest, time.Now().UnixMilli(), nil); err != nil {
		return errors.Wrapf(err, "reconciling group %s", p.GroupID())
	}

	// Pick up the continuations and avatar fetches the sync scheduled.
	app.queue.RunOnce(ctx)

	fmt.Printf("Group %s is up to date\n", p.GroupID())
	return nil
}

func parseMasterKey(keyHex string) (group.MasterKey, error) {
	var key group.MasterKey
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return key, errors.Wrap(err, "master key is not valid hex")
	}
	if len(raw) != len(key) {
		return key, errors.Newf("master key must be %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
