package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agusx1211/missionpilot/internal/coordinator"
	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/monitor"
	"github.com/agusx1211/missionpilot/internal/session"
	"github.com/agusx1211/missionpilot/internal/sim"
	"github.com/agusx1211/missionpilot/internal/store"
	"github.com/agusx1211/missionpilot/internal/supply"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"play", "go"},
	Short:   "Play the mission queue against the built-in simulator",
	Long: `Run the coordinator, a page agent and a gameplay agent in one process
against a simulated site, and play missions until the queue is exhausted.

The simulator's missions are registered in the local queue on first use.
Pass --fresh to reset them to playable before starting.

Examples:
  missionpilot run
  missionpilot run --missions 5 --fresh
  missionpilot run --watch
  missionpilot run --dry-run --keep`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int("missions", 3, "Number of simulated missions")
	runCmd.Flags().Bool("fresh", false, "Reset simulated missions to playable")
	runCmd.Flags().Bool("watch", false, "Show the full-screen monitor (terminal only)")
	runCmd.Flags().Bool("keep", false, "Keep running after the queue is exhausted or an error")
	runCmd.Flags().Bool("dry-run", false, "Decide without clicking")
	runCmd.Flags().Bool("loading", false, "Render an in-progress frame after every click")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	count, _ := cmd.Flags().GetInt("missions")
	fresh, _ := cmd.Flags().GetBool("fresh")
	watch, _ := cmd.Flags().GetBool("watch")
	keep, _ := cmd.Flags().GetBool("keep")
	loading, _ := cmd.Flags().GetBool("loading")
	if cmd.Flags().Changed("dry-run") {
		cfg.Gameplay.DryRun, _ = cmd.Flags().GetBool("dry-run")
	}
	if count <= 0 {
		return fmt.Errorf("--missions must be positive")
	}

	st, err := openStore()
	if err != nil {
		return err
	}

	world := sim.New(sim.Standard(count)...)
	if loading {
		world.WithLoadingFrames()
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	added, err := seedSimMissions(ctx, st, world, fresh)
	if err != nil {
		return fmt.Errorf("seeding missions: %w", err)
	}
	debug.LogKV("cli", "simulator ready", "missions", count, "added", added, "fresh", fresh)

	page := newPageAgent(cfg, world.Host(), nil)
	coord := newCoordinator(cfg, st, page)
	page.Up = coord
	agent := newGameplayAgent(cfg, world.Surface(), page.FrameLink(), supply.New(st), "game")
	detach := page.Attach(agent)
	defer detach()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return page.Run(gctx) })
	g.Go(func() error { return agent.Run(gctx) })
	startObservers(gctx, g, cfg, st, coord)

	if !coord.Start() {
		cancel()
		_ = g.Wait()
		return errors.New("coordinator refused start")
	}

	var final store.SessionRecord
	g.Go(func() error {
		defer cancel()
		updates, unsubscribe := coord.Subscribe()
		defer unsubscribe()
		if watch && isatty.IsTerminal(os.Stdout.Fd()) {
			err := monitor.Run(gctx, "simulator", updates)
			final = coord.Status()
			return err
		}
		rec, err := follow(gctx, coord, updates, keep)
		final = rec
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	printRunSummary(cmd, st, final)
	if final.State == session.StateError && !keep {
		return fmt.Errorf("session failed: %s", final.Context.LastError)
	}
	return nil
}

// follow prints one line per session change until the session settles in
// idle after having been active, or fails. With keep set it only returns on
// cancellation.
func follow(ctx context.Context, coord *coordinator.Coordinator, updates <-chan store.SessionRecord, keep bool) (store.SessionRecord, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var last string
	started := false
	handle := func(rec store.SessionRecord) bool {
		if line := monitor.FormatLine(rec); line != last {
			last = line
			fmt.Printf("  %s%s%s %s\n", colorDim, rec.UpdatedAt.Local().Format("15:04:05"), colorReset, line)
		}
		if rec.State.Active() || rec.State == session.StateError {
			started = true
		}
		if keep || !started {
			return false
		}
		return rec.State.IsIdle() || rec.State == session.StateError
	}

	for {
		select {
		case <-ctx.Done():
			return coord.Status(), nil
		case rec, ok := <-updates:
			if !ok {
				return coord.Status(), nil
			}
			if handle(rec) {
				return rec, nil
			}
		case <-ticker.C:
			if rec := coord.Status(); handle(rec) {
				return rec, nil
			}
		}
	}
}

func printRunSummary(cmd *cobra.Command, st *store.Store, rec store.SessionRecord) {
	printHeader("Session")
	printFieldColored("State", string(rec.State), stateColor(rec.State))
	if rec.Context.CompletionReason != "" {
		printField("Reason", rec.Context.CompletionReason)
	}
	if rec.Context.LastError != "" {
		printFieldColored("Error", rec.Context.LastError, colorRed)
	}
	missions, err := supply.New(st).List(cmd.Context())
	if err != nil {
		return
	}
	cleared, disabled, queued := 0, 0, 0
	for _, m := range missions {
		switch {
		case m.Disabled:
			disabled++
		case m.Cleared:
			cleared++
		default:
			queued++
		}
	}
	printField("Cleared", fmt.Sprintf("%d", cleared))
	printField("Disabled", fmt.Sprintf("%d", disabled))
	printField("Queued", fmt.Sprintf("%d", queued))
	fmt.Println()
}
