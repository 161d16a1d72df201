package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agusx1211/missionpilot/internal/config"
	"github.com/agusx1211/missionpilot/internal/coordinator"
	"github.com/agusx1211/missionpilot/internal/gameplay"
	"github.com/agusx1211/missionpilot/internal/pageagent"
	"github.com/agusx1211/missionpilot/internal/pushover"
	"github.com/agusx1211/missionpilot/internal/recording"
	"github.com/agusx1211/missionpilot/internal/sim"
	"github.com/agusx1211/missionpilot/internal/store"
	"github.com/agusx1211/missionpilot/internal/supply"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newCoordinator(cfg *config.Config, st *store.Store, down protocol.Sink) *coordinator.Coordinator {
	return &coordinator.Coordinator{
		Supply:               supply.New(st),
		Store:                st,
		Down:                 down,
		Limits:               cfg.Limits(),
		Filter:               cfg.Filter,
		Metrics:              coordinator.DefaultMetrics(),
		RestorePolicy:        cfg.RestorePolicy,
		DialogQueryTimeout:   cfg.Timeouts.DialogQuery,
		DialogRepollInterval: cfg.DialogRepollInterval,
		DialogConfirmTimeout: cfg.Timeouts.DialogConfirm,
		AgentQueryTimeout:    cfg.Timeouts.AgentQuery,
		LookupTimeout:        cfg.Timeouts.Lookup,
		LookupBaseDelay:      cfg.LookupBaseDelay,
	}
}

func newPageAgent(cfg *config.Config, host pageagent.Host, up protocol.Sink) *pageagent.Agent {
	return &pageagent.Agent{
		Host:              host,
		Up:                up,
		KeepAliveInterval: cfg.KeepAliveInterval,
		PollInterval:      cfg.PagePollInterval,
	}
}

func newGameplayAgent(cfg *config.Config, surface gameplay.Surface, up protocol.Sink, finder gameplay.MissionFinder, frame string) *gameplay.Agent {
	return &gameplay.Agent{
		Surface:           surface,
		Up:                up,
		Policy:            cfg.Policy,
		Finder:            finder,
		Frame:             frame,
		MonitorInterval:   cfg.Gameplay.MonitorInterval,
		ActiveInterval:    cfg.Gameplay.ActiveInterval,
		Cooldown:          cfg.Gameplay.Cooldown,
		HeartbeatInterval: cfg.Gameplay.HeartbeatInterval,
		DryRun:            cfg.Gameplay.DryRun,
	}
}

// seedSimMissions registers the simulator's missions in the store. With
// fresh set, missions already present are reset to playable.
func seedSimMissions(ctx context.Context, st *store.Store, world *sim.World, fresh bool) (int, error) {
	sup := supply.New(st)
	added := 0
	for _, rec := range world.Records() {
		_, err := st.GetMission(rec.ID)
		switch {
		case errors.Is(err, store.ErrMissionNotFound):
			if _, err := sup.Add(ctx, rec); err != nil {
				return added, err
			}
			added++
		case err != nil:
			return added, fmt.Errorf("reading mission %s: %w", rec.ID, err)
		case fresh:
			if _, err := st.UpdateMission(rec.ID, func(m *store.Mission) {
				m.Cleared = false
				m.ClearedAt = time.Time{}
				m.Disabled = false
			}); err != nil {
				return added, err
			}
		}
	}
	return added, nil
}

// startObservers journals every state change of coord and, when Pushover is
// configured, notifies session outcomes. Both stop with ctx.
func startObservers(ctx context.Context, g *errgroup.Group, cfg *config.Config, st *store.Store, coord *coordinator.Coordinator) {
	journal, unsubscribeJournal := coord.Subscribe()
	rec := recording.New(st)
	g.Go(func() error {
		defer unsubscribeJournal()
		rec.Follow(ctx, journal)
		return nil
	})

	client := pushover.NewClient(cfg.Notify.Pushover)
	if client == nil {
		return
	}
	updates, unsubscribe := coord.Subscribe()
	n := &pushover.Notifier{Sender: client, Config: cfg.Notify, Name: cfg.Bridge.ServiceName}
	g.Go(func() error {
		defer unsubscribe()
		n.Follow(ctx, updates)
		return nil
	})
}
