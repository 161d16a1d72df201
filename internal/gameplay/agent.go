// Package gameplay implements the agent that runs inside the game surface:
// it polls the surface, classifies the screen, applies the decision policy
// and reports progress upward.
package gameplay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/decide"
	"github.com/agusx1211/missionpilot/internal/eventq"
	"github.com/agusx1211/missionpilot/internal/supply"
	"github.com/agusx1211/missionpilot/internal/surface"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

// ReasonLivesExhausted is the FATAL_ERROR reason for a mission with no
// remaining lives.
const ReasonLivesExhausted = "lives_exhausted"

// ErrClosed is returned by a Surface that is not currently displayed.
var ErrClosed = errors.New("surface closed")

// Surface is the game surface the agent observes and acts on.
type Surface interface {
	// Open reports whether the surface is currently displayed.
	Open() bool
	// Location is the locator of the page hosting the surface.
	Location() string
	Observe(ctx context.Context) (surface.Observation, error)
	// Click activates control; option selects among several controls of the
	// same kind (choice options).
	Click(ctx context.Context, control, option string) error
}

// MissionFinder resolves the mission identity when neither the automation
// request nor the page location carries one.
type MissionFinder interface {
	FindNextMission(ctx context.Context, filter supply.Filter) (*supply.MissionRecord, error)
}

// Agent is a gameplay automation agent. Configure the exported fields before
// calling Run.
type Agent struct {
	Surface Surface
	// Up receives every event the agent emits.
	Up     protocol.Sink
	Policy decide.Policy
	Finder MissionFinder
	// Frame names the frame this agent runs in; it is echoed in heartbeats.
	Frame string

	MonitorInterval   time.Duration
	ActiveInterval    time.Duration
	Cooldown          time.Duration
	HeartbeatInterval time.Duration
	// DryRun logs decisions without clicking.
	DryRun bool

	inbox   *eventq.Mailbox[protocol.Message]
	limiter *rate.Limiter
	ticking atomic.Bool
	wake    chan struct{}
	once    sync.Once

	mu           sync.Mutex
	automating   bool
	missionID    string
	completedFor string
	lastProgress protocol.MissionProgress
}

func (a *Agent) init() {
	a.once.Do(func() {
		if a.MonitorInterval <= 0 {
			a.MonitorInterval = 2 * time.Second
		}
		if a.ActiveInterval <= 0 {
			a.ActiveInterval = 500 * time.Millisecond
		}
		if a.HeartbeatInterval <= 0 {
			a.HeartbeatInterval = 3 * time.Second
		}
		if a.Up == nil {
			a.Up = protocol.Discard
		}
		limit := rate.Inf
		if a.Cooldown > 0 {
			limit = rate.Every(a.Cooldown)
		}
		a.limiter = rate.NewLimiter(limit, 1)
		a.inbox = eventq.NewMailbox[protocol.Message](64)
		a.wake = make(chan struct{}, 1)
	})
}

// Post delivers a command to the agent without blocking.
func (a *Agent) Post(msg protocol.Message) bool {
	a.init()
	return a.inbox.Post(msg)
}

// Automating reports whether the active loop is engaged.
func (a *Agent) Automating() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.automating
}

// MissionID returns the mission identity the agent currently works on.
func (a *Agent) MissionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.missionID
}

// Run processes commands, polls the surface and emits heartbeats until ctx
// is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.init()
	if a.Surface == nil {
		return errors.New("gameplay agent has no surface")
	}
	debug.LogKV("gameplay", "agent started",
		"frame", a.Frame,
		"monitor_interval", a.MonitorInterval,
		"active_interval", a.ActiveInterval,
		"dry_run", a.DryRun,
	)

	heartbeat := time.NewTicker(a.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTimer(a.interval())
	defer poll.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	a.heartbeat("")
	for {
		select {
		case <-ctx.Done():
			debug.LogKV("gameplay", "agent stopped", "frame", a.Frame)
			return nil
		case msg := <-a.inbox.C():
			a.handle(ctx, msg)
		case <-a.wake:
			a.startTick(ctx, &wg)
			resetTimer(poll, a.interval())
		case <-poll.C:
			a.startTick(ctx, &wg)
			poll.Reset(a.interval())
		case <-heartbeat.C:
			a.heartbeat("")
		}
	}
}

func (a *Agent) interval() time.Duration {
	if a.Automating() {
		return a.ActiveInterval
	}
	return a.MonitorInterval
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (a *Agent) startTick(ctx context.Context, wg *sync.WaitGroup) {
	if a.ticking.Load() {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Tick(ctx)
	}()
}

func (a *Agent) handle(ctx context.Context, msg protocol.Message) {
	switch msg.Type {
	case protocol.CmdBeginAutomation:
		payload, err := protocol.DecodeData[protocol.BeginAutomation](msg)
		if err != nil {
			debug.LogKV("gameplay", "bad BEGIN_AUTOMATION", "error", err)
			payload = &protocol.BeginAutomation{}
		}
		a.begin(ctx, payload.MissionID)
	case protocol.CmdEndAutomation:
		a.mu.Lock()
		was := a.automating
		a.automating = false
		a.mu.Unlock()
		if was {
			debug.LogKV("gameplay", "automation ended", "frame", a.Frame)
		}
	case protocol.CmdQueryAgentReady:
		payload, err := protocol.DecodeData[protocol.Query](msg)
		if err != nil {
			payload = &protocol.Query{}
		}
		a.heartbeat(payload.RequestID)
	default:
		debug.LogKV("gameplay", "ignoring message", "type", msg.Type, "frame", a.Frame)
	}
}

func (a *Agent) begin(ctx context.Context, requested string) {
	a.mu.Lock()
	if a.automating && (requested == "" || requested == a.missionID) {
		id := a.missionID
		a.mu.Unlock()
		a.emit(protocol.EvtAutomationStarted, protocol.AutomationStarted{MissionID: id})
		return
	}
	a.mu.Unlock()

	id := a.resolveMission(ctx, requested)

	a.mu.Lock()
	// Without an identity two missions are indistinguishable, so every
	// restart counts as a new one.
	if id != a.missionID || id == "" {
		a.completedFor = ""
		a.lastProgress = protocol.MissionProgress{}
	}
	a.missionID = id
	a.automating = true
	a.mu.Unlock()

	debug.LogKV("gameplay", "automation started", "mission_id", id, "frame", a.Frame)
	a.emit(protocol.EvtAutomationStarted, protocol.AutomationStarted{MissionID: id})
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// resolveMission picks the mission identity: the request, then the page
// location, then mission supply.
func (a *Agent) resolveMission(ctx context.Context, requested string) string {
	if requested != "" {
		return requested
	}
	if id := supply.MissionFromLocator(a.Surface.Location()); id != "" {
		return id
	}
	if a.Finder != nil {
		m, err := a.Finder.FindNextMission(ctx, supply.Filter{})
		if err == nil && m != nil {
			return m.ID
		}
		debug.LogKV("gameplay", "mission identity lookup failed", "error", err)
	}
	return ""
}

func (a *Agent) heartbeat(requestID string) {
	if !a.Surface.Open() {
		return
	}
	a.mu.Lock()
	payload := protocol.AgentReady{
		MissionID:  a.missionID,
		Automating: a.automating,
		Frame:      a.Frame,
		RequestID:  requestID,
	}
	a.mu.Unlock()
	a.emit(protocol.EvtAgentReady, payload)
}

func (a *Agent) emit(msgType string, payload any) {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		debug.LogKV("gameplay", "encode failed", "type", msgType, "error", err)
		return
	}
	if !a.Up.Post(msg) {
		debug.LogKV("gameplay", "event dropped", "type", msgType, "frame", a.Frame)
	}
}
