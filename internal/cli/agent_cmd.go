package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agusx1211/missionpilot/internal/bridge"
	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/sim"
)

var agentCmd = &cobra.Command{
	Use:     "agent",
	Aliases: []string{"page"},
	Short:   "Run a page agent against a remote coordinator",
	Long: `Run a page agent and a gameplay agent over the built-in simulator and link
them to a coordinator started with "missionpilot serve".

The coordinator picks missions from its own queue; use --seed to register
the simulator's missions in the local queue first when both processes share
a project directory.

Examples:
  missionpilot agent
  missionpilot agent --bridge http://192.168.1.20:7420
  missionpilot agent --discover --missions 5`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("bridge", "", "Bridge URL (default from config)")
	agentCmd.Flags().Bool("discover", false, "Find the bridge on the local network via mDNS")
	agentCmd.Flags().Duration("discover-timeout", 3*time.Second, "How long to wait for mDNS answers")
	agentCmd.Flags().Int("missions", 3, "Number of simulated missions")
	agentCmd.Flags().Bool("seed", false, "Register the simulated missions in the local queue")
	agentCmd.Flags().String("frame", "game", "Frame name reported in heartbeats")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	bridgeURL, _ := cmd.Flags().GetString("bridge")
	discover, _ := cmd.Flags().GetBool("discover")
	discoverTimeout, _ := cmd.Flags().GetDuration("discover-timeout")
	count, _ := cmd.Flags().GetInt("missions")
	seed, _ := cmd.Flags().GetBool("seed")
	frame, _ := cmd.Flags().GetString("frame")
	if count <= 0 {
		return fmt.Errorf("--missions must be positive")
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	world := sim.New(sim.Standard(count)...)
	if seed {
		st, err := openStore()
		if err != nil {
			return err
		}
		if _, err := seedSimMissions(ctx, st, world, false); err != nil {
			return fmt.Errorf("seeding missions: %w", err)
		}
	}

	bridgeURL = strings.TrimSpace(bridgeURL)
	switch {
	case discover:
		fmt.Printf("  %sSearching for a bridge...%s\n", colorDim, colorReset)
		bridgeURL, err = bridge.Discover(ctx, discoverTimeout)
		if err != nil {
			return err
		}
	case bridgeURL == "":
		bridgeURL = bridgeBaseURL(cfg)
	}

	link, err := bridge.Dial(ctx, bridgeURL)
	if err != nil {
		return err
	}
	defer link.Close()

	page := newPageAgent(cfg, world.Host(), link)
	agent := newGameplayAgent(cfg, world.Surface(), page.FrameLink(), nil, frame)
	detach := page.Attach(agent)
	defer detach()

	fmt.Printf("  %sLinked%s to %s%s%s with %d simulated mission(s). Ctrl-C to stop.\n",
		styleBoldGreen, colorReset, colorBold, bridgeURL, colorReset, count)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return page.Run(gctx) })
	g.Go(func() error { return agent.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return link.Run(gctx, page)
	})

	err = g.Wait()
	debug.LogKV("cli", "agent stopped", "error", err, "clicks", len(world.Clicks()))
	if err != nil {
		return err
	}
	fmt.Printf("\n  %sDisconnected%s after %d click(s).\n\n", colorDim, colorReset, len(world.Clicks()))
	return nil
}
