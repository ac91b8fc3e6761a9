package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/shm"
	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/watcher"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
	"github.com/fredcamaral/overlaysync/internal/domain/services"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the snapshot channel the way the renderer does",
		Long: `Poll the shared snapshot record and print every overlay visibility change,
including auto-hide on a stale or offline helper and restore afterwards.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
	cmd.Flags().Bool("once", false, "Poll once, print the state and exit")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closer, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	channels := cfg.Channels
	channel := shm.NewSnapshotChannel(channels.GetDir(), channels.SnapshotName, channels.GetSnapshotCapacity(), logger)
	defer func() { _ = channel.Close() }()

	autoHide := services.NewAutoHide(cfg.Liveness.GetStaleAfter(), true)
	poller := watcher.NewSnapshotPoller(channel, autoHide, nil, cfg.Liveness.GetPollInterval(), logger)

	out := cmd.OutOrStdout()

	if once, _ := cmd.Flags().GetBool("once"); once {
		change, _ := poller.PollOnce()
		printChange(out, change)
		return nil
	}

	changes, err := poller.Watch(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = poller.Stop() }()

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			printChange(out, change)
		}
	}
}

func printChange(w io.Writer, change ports.VisibilityChange) {
	_, _ = fmt.Fprintf(w, "visible=%t auto_hidden=%t reason=%s\n", change.Visible, change.AutoHidden, change.Reason)
}
