package cli

import (
	"context"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agusx1211/missionpilot/internal/bridge"
	"github.com/agusx1211/missionpilot/internal/monitor"
	"github.com/agusx1211/missionpilot/internal/store"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Aliases: []string{"monitor", "follow", "tail"},
	Short:   "Follow the session live",
	Long: `Follow the session as it changes state. By default the persisted snapshot
of this project is polled; with --bridge the live status stream of a running
bridge is used instead.

A full-screen monitor is shown on terminals; pipes and --plain get one line
per change.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("bridge", "", "Stream the session from a bridge URL")
	watchCmd.Flags().Bool("plain", false, "Print one line per change instead of the full-screen monitor")
	watchCmd.Flags().Duration("interval", 0, "Snapshot poll interval (default 500ms)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	bridgeURL, _ := cmd.Flags().GetString("bridge")
	plain, _ := cmd.Flags().GetBool("plain")
	interval, _ := cmd.Flags().GetDuration("interval")
	bridgeURL = strings.TrimSpace(bridgeURL)

	ctx, stop := signalContext(cmd)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var (
		updates <-chan store.SessionRecord
		source  string
	)
	if bridgeURL != "" {
		ch := make(chan store.SessionRecord, 8)
		g.Go(func() error {
			defer close(ch)
			return bridge.WatchStatus(gctx, bridgeURL, func(rec store.SessionRecord) {
				select {
				case ch <- rec:
				case <-gctx.Done():
				}
			})
		})
		updates, source = ch, bridgeURL
	} else {
		s, err := openStore()
		if err != nil {
			return err
		}
		updates, source = monitor.PollSessions(gctx, s, interval), s.SessionPath()
	}

	g.Go(func() error {
		defer cancel()
		if !plain && isatty.IsTerminal(os.Stdout.Fd()) {
			return monitor.Run(gctx, source, updates)
		}
		return monitor.Plain(gctx, os.Stdout, updates)
	})
	return g.Wait()
}
