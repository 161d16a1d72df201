package coordinator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agusx1211/missionpilot/internal/config"
	"github.com/agusx1211/missionpilot/internal/session"
	"github.com/agusx1211/missionpilot/internal/store"
	"github.com/agusx1211/missionpilot/internal/supply"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

type fakeSupply struct {
	mu        sync.Mutex
	missions  []supply.MissionRecord
	cleared   []string
	disabled  []string
	findCalls int
	err       error
}

func (f *fakeSupply) FindNextMission(_ context.Context, filter supply.Filter) (*supply.MissionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.err != nil {
		return nil, f.err
	}
	for _, m := range f.missions {
		if slices.Contains(f.cleared, m.ID) || slices.Contains(f.disabled, m.ID) {
			continue
		}
		if filter.Matches(m) {
			rec := m
			return &rec, nil
		}
	}
	return nil, supply.ErrNotFound
}

func (f *fakeSupply) MarkCleared(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeSupply) MarkDisabled(_ context.Context, id string, disabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if disabled {
		f.disabled = append(f.disabled, id)
	}
	return nil
}

func (f *fakeSupply) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findCalls
}

func (f *fakeSupply) clearedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleared...)
}

func missions(ids ...string) []supply.MissionRecord {
	out := make([]supply.MissionRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, supply.MissionRecord{ID: id, Locator: supply.LocatorFor(id)})
	}
	return out
}

// pageLink records the commands the coordinator sends down.
type pageLink struct {
	ch chan protocol.Message
}

func newPageLink() *pageLink {
	return &pageLink{ch: make(chan protocol.Message, 256)}
}

func (p *pageLink) Post(msg protocol.Message) bool {
	select {
	case p.ch <- msg:
		return true
	default:
		return false
	}
}

func (p *pageLink) expect(t *testing.T, msgType string) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-p.ch:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func waitStatus(t *testing.T, c *Coordinator, what string, ok func(store.SessionRecord) bool) store.SessionRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := c.Status()
		if ok(rec) {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; status = %s %+v", what, rec.State, rec.Context)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, c *Coordinator, state session.State) store.SessionRecord {
	t.Helper()
	return waitStatus(t, c, string(state), func(rec store.SessionRecord) bool { return rec.State == state })
}

func post(c *Coordinator, msgType string, payload any) {
	c.Post(protocol.MustNew(msgType, payload))
}

func runCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() = %v", err)
		}
	})
}

func newCoordinator(sup *fakeSupply, down *pageLink) *Coordinator {
	return &Coordinator{
		Supply:               sup,
		Down:                 down,
		Metrics:              MustNewMetrics(prometheus.NewRegistry()),
		LookupBaseDelay:      time.Millisecond,
		DialogQueryTimeout:   time.Second,
		DialogRepollInterval: 5 * time.Millisecond,
	}
}

// A mission on another page is navigated to, played and cleared; with the
// queue exhausted the session returns to idle.
func TestNavigateRunAndExhaustQueue(t *testing.T) {
	sup := &fakeSupply{missions: missions("m1")}
	down := newPageLink()
	c := newCoordinator(sup, down)
	runCoordinator(t, c)

	down.expect(t, protocol.CmdQueryAgentReady)
	c.Start()

	nav := down.expect(t, protocol.CmdNavigate)
	payload, _ := protocol.DecodeData[protocol.Navigate](nav)
	if payload.MissionID != "m1" || payload.Locator != "/missions/m1" || nav.Target != protocol.TargetTop {
		t.Fatalf("NAVIGATE = %+v to %q", payload, nav.Target)
	}
	waitState(t, c, session.StateNavigating)

	post(c, protocol.EvtPageLoaded, protocol.PageLoaded{MissionID: "m1", Locator: "/missions/m1"})
	if probe := down.expect(t, protocol.CmdProbeForLoader); probe.Target != protocol.TargetTop {
		t.Fatalf("PROBE_FOR_LOADER target = %q", probe.Target)
	}
	post(c, protocol.EvtLoaderDetected, nil)
	down.expect(t, protocol.CmdOpenDialog)
	post(c, protocol.EvtDialogOpened, protocol.DialogStatus{})
	begin := down.expect(t, protocol.CmdBeginAutomation)
	if begin.Target != protocol.TargetFrames {
		t.Fatalf("BEGIN_AUTOMATION target = %q", begin.Target)
	}
	post(c, protocol.EvtAutomationStarted, protocol.AutomationStarted{MissionID: "m1"})
	waitState(t, c, session.StateRunning)

	post(c, protocol.EvtMissionProgress, protocol.MissionProgress{MissionID: "m1", Screen: "battle", LivesRemaining: 2})
	waitStatus(t, c, "progress", func(rec store.SessionRecord) bool { return rec.Progress != nil })

	post(c, protocol.EvtMissionCompleted, protocol.MissionCompleted{MissionID: "m1"})
	down.expect(t, protocol.CmdEndAutomation)
	rec := waitState(t, c, session.StateIdleStopped)
	if rec.Context.CompletionReason != session.ReasonNoMissions {
		t.Fatalf("completion reason = %q, want %q", rec.Context.CompletionReason, session.ReasonNoMissions)
	}
	if rec.Progress != nil {
		t.Fatalf("progress kept after idle: %+v", rec.Progress)
	}
	if got := sup.clearedIDs(); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("cleared = %v, want [m1]", got)
	}
	if got := sup.calls(); got != 4 {
		t.Fatalf("lookups = %d, want 4 (start plus three completion attempts)", got)
	}
	if got := testutil.ToFloat64(c.Metrics.completed); got != 1 {
		t.Fatalf("completed metric = %v, want 1", got)
	}
}

// Completing rolls over to the next mission once the dialog is confirmed
// closed, re-polling while it stays open.
func TestRolloverConfirmsDialogClosed(t *testing.T) {
	sup := &fakeSupply{missions: missions("m1", "m2")}
	down := newPageLink()
	c := newCoordinator(sup, down)
	runCoordinator(t, c)
	down.expect(t, protocol.CmdQueryAgentReady)

	// Already on m1's page: no navigation needed.
	post(c, protocol.EvtKeepAlive, protocol.KeepAlive{Locator: "https://game.example/missions/m1"})
	waitStatus(t, c, "location", func(rec store.SessionRecord) bool { return rec.Location != "" })
	c.Start()
	down.expect(t, protocol.CmdProbeForLoader)
	if st := c.Status(); st.State != session.StateWaitingForLoader || st.Context.ActiveMissionID != "m1" {
		t.Fatalf("status = %s %q, want waiting_for_loader m1", st.State, st.Context.ActiveMissionID)
	}

	// The surface was already open: the heartbeat skips the loader.
	post(c, protocol.EvtAgentReady, protocol.AgentReady{MissionID: "m1"})
	down.expect(t, protocol.CmdBeginAutomation)
	post(c, protocol.EvtAgentReady, protocol.AgentReady{MissionID: "m1", Automating: true})
	waitState(t, c, session.StateRunning)

	post(c, protocol.EvtMissionCompleted, protocol.MissionCompleted{MissionID: "m1"})
	down.expect(t, protocol.CmdEndAutomation)
	down.expect(t, protocol.CmdQueryDialogStatus)
	rec := waitState(t, c, session.StateWaitingForDialogClose)
	if rec.Context.ActiveMissionID != "m2" {
		t.Fatalf("active mission = %q, want m2", rec.Context.ActiveMissionID)
	}

	post(c, protocol.EvtDialogClosed, protocol.DialogStatus{})
	q := down.expect(t, protocol.CmdQueryDialogStatus)
	query, _ := protocol.DecodeData[protocol.Query](q)
	post(c, protocol.EvtDialogOpened, protocol.DialogStatus{RequestID: query.RequestID})

	q = down.expect(t, protocol.CmdQueryDialogStatus)
	query, _ = protocol.DecodeData[protocol.Query](q)
	select {
	case msg := <-down.ch:
		t.Fatalf("sent %s before the dialog was confirmed closed", msg.Type)
	default:
	}
	post(c, protocol.EvtDialogClosed, protocol.DialogStatus{RequestID: query.RequestID})

	nav := down.expect(t, protocol.CmdNavigate)
	payload, _ := protocol.DecodeData[protocol.Navigate](nav)
	if payload.MissionID != "m2" {
		t.Fatalf("NAVIGATE mission = %q, want m2", payload.MissionID)
	}
}

// A dialog that never reports closed does not hold the rollover until the
// navigating liveness timeout: past the confirmation window the coordinator
// navigates anyway.
func TestRolloverNavigatesWhenDialogNeverCloses(t *testing.T) {
	sup := &fakeSupply{missions: missions("m1", "m2")}
	down := newPageLink()
	c := newCoordinator(sup, down)
	c.DialogConfirmTimeout = 60 * time.Millisecond
	c.Limits = session.DefaultLimits()
	c.Limits.Timeouts[session.StateNavigating] = 2 * time.Second
	runCoordinator(t, c)
	down.expect(t, protocol.CmdQueryAgentReady)

	post(c, protocol.EvtKeepAlive, protocol.KeepAlive{Locator: "/missions/m1"})
	waitStatus(t, c, "location", func(rec store.SessionRecord) bool { return rec.Location != "" })
	c.Start()
	down.expect(t, protocol.CmdProbeForLoader)
	post(c, protocol.EvtAgentReady, protocol.AgentReady{MissionID: "m1", Automating: true})
	down.expect(t, protocol.CmdBeginAutomation)
	post(c, protocol.EvtAgentReady, protocol.AgentReady{MissionID: "m1", Automating: true})
	waitState(t, c, session.StateRunning)

	post(c, protocol.EvtMissionCompleted, protocol.MissionCompleted{MissionID: "m1"})
	down.expect(t, protocol.CmdQueryDialogStatus)
	waitState(t, c, session.StateWaitingForDialogClose)

	started := time.Now()
	post(c, protocol.EvtDialogClosed, protocol.DialogStatus{})
	polls := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-down.ch:
			switch msg.Type {
			case protocol.CmdQueryDialogStatus:
				polls++
				query, _ := protocol.DecodeData[protocol.Query](msg)
				post(c, protocol.EvtDialogOpened, protocol.DialogStatus{RequestID: query.RequestID})
			case protocol.CmdNavigate:
				if waited := time.Since(started); waited < c.DialogConfirmTimeout {
					t.Fatalf("navigated after %s, before the %s confirmation window", waited, c.DialogConfirmTimeout)
				}
				if polls < 2 {
					t.Fatalf("polls = %d, want the dialog re-polled before giving up", polls)
				}
				payload, _ := protocol.DecodeData[protocol.Navigate](msg)
				if payload.MissionID != "m2" {
					t.Fatalf("NAVIGATE mission = %q, want m2", payload.MissionID)
				}
				if st := c.Status(); st.State != session.StateNavigating {
					t.Fatalf("state = %s, want %s", st.State, session.StateNavigating)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no NAVIGATE after %d polls; state = %s, last error %q", polls, c.Status().State, c.Status().Context.LastError)
		}
	}
}

func TestLivenessTimeoutAndRetry(t *testing.T) {
	sup := &fakeSupply{missions: missions("m1")}
	down := newPageLink()
	c := newCoordinator(sup, down)
	c.Limits = session.Limits{
		MaxLookupRetries: 3,
		Timeouts: map[session.State]time.Duration{
			session.StateStarting:   time.Second,
			session.StateNavigating: 20 * time.Millisecond,
		},
	}
	runCoordinator(t, c)

	c.Start()
	down.expect(t, protocol.CmdNavigate)
	rec := waitState(t, c, session.StateError)
	if rec.Context.LastError == "" || rec.Context.ActiveMissionID != "" {
		t.Fatalf("error context = %+v", rec.Context)
	}

	c.Retry()
	down.expect(t, protocol.CmdNavigate)
	waitStatus(t, c, "retry count", func(rec store.SessionRecord) bool { return rec.Context.ErrorRetryCount == 1 })

	c.Stop()
	rec = waitState(t, c, session.StateIdleStopped)
	if rec.Context.CompletionReason != session.ReasonStopped {
		t.Fatalf("completion reason = %q, want %q", rec.Context.CompletionReason, session.ReasonStopped)
	}
}

func TestLookupFailureAtStartIsAnError(t *testing.T) {
	sup := &fakeSupply{err: errors.New("database locked")}
	c := newCoordinator(sup, newPageLink())
	runCoordinator(t, c)

	c.Start()
	rec := waitState(t, c, session.StateError)
	if rec.Context.LastError != "mission lookup failed: database locked" {
		t.Fatalf("last error = %q", rec.Context.LastError)
	}
}

// stallingSupply answers the first lookups and then never returns, not even
// when its context is cancelled.
type stallingSupply struct {
	*fakeSupply
	answered int
	release  chan struct{}
}

func (s *stallingSupply) FindNextMission(ctx context.Context, filter supply.Filter) (*supply.MissionRecord, error) {
	if s.calls() < s.answered {
		return s.fakeSupply.FindNextMission(ctx, filter)
	}
	s.mu.Lock()
	s.findCalls++
	s.mu.Unlock()
	<-s.release
	return nil, errors.New("released")
}

func TestHungLookupCountsAsFailure(t *testing.T) {
	sup := &stallingSupply{
		fakeSupply: &fakeSupply{missions: missions("m1", "m2")},
		answered:   1,
		release:    make(chan struct{}),
	}
	t.Cleanup(func() { close(sup.release) })
	down := newPageLink()
	c := newCoordinator(sup.fakeSupply, down)
	c.Supply = sup
	c.LookupTimeout = 20 * time.Millisecond
	runCoordinator(t, c)
	down.expect(t, protocol.CmdQueryAgentReady)

	c.Start()
	down.expect(t, protocol.CmdNavigate)
	post(c, protocol.EvtPageLoaded, protocol.PageLoaded{MissionID: "m1", Locator: "/missions/m1"})
	down.expect(t, protocol.CmdProbeForLoader)
	post(c, protocol.EvtAgentReady, protocol.AgentReady{MissionID: "m1"})
	down.expect(t, protocol.CmdBeginAutomation)
	post(c, protocol.EvtAutomationStarted, protocol.AutomationStarted{MissionID: "m1"})
	waitState(t, c, session.StateRunning)

	post(c, protocol.EvtMissionCompleted, protocol.MissionCompleted{MissionID: "m1"})
	rec := waitState(t, c, session.StateIdleStopped)
	if rec.Context.CompletionReason != session.ReasonLookupFailed {
		t.Fatalf("completion reason = %q, want %q", rec.Context.CompletionReason, session.ReasonLookupFailed)
	}
	if got := sup.calls(); got != 4 {
		t.Fatalf("lookups = %d, want 4 (start plus three timed-out attempts)", got)
	}
	if got := testutil.ToFloat64(c.Metrics.lookups.WithLabelValues("timeout")); got != 3 {
		t.Fatalf("timeout lookups = %v, want 3", got)
	}
}

func TestDroppedMessagesAreReported(t *testing.T) {
	c := newCoordinator(&fakeSupply{}, newPageLink())
	for i := 0; i < 300; i++ {
		post(c, protocol.EvtKeepAlive, protocol.KeepAlive{})
	}
	runCoordinator(t, c)

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(c.Metrics.dropped.WithLabelValues("inbox")) != 44 {
		if time.Now().After(deadline) {
			t.Fatalf("inbox dropped gauge = %v, want 44", testutil.ToFloat64(c.Metrics.dropped.WithLabelValues("inbox")))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestMissingPageDisablesMissionAndRetargets(t *testing.T) {
	sup := &fakeSupply{missions: missions("m1", "m2")}
	down := newPageLink()
	c := newCoordinator(sup, down)
	runCoordinator(t, c)

	c.Start()
	down.expect(t, protocol.CmdNavigate)
	post(c, protocol.EvtPageMissing, protocol.PageMissing{MissionID: "m1", Locator: "/missions/m1"})

	nav := down.expect(t, protocol.CmdNavigate)
	payload, _ := protocol.DecodeData[protocol.Navigate](nav)
	if payload.MissionID != "m2" {
		t.Fatalf("retarget NAVIGATE = %q, want m2", payload.MissionID)
	}
	sup.mu.Lock()
	disabled := append([]string(nil), sup.disabled...)
	sup.mu.Unlock()
	if len(disabled) != 1 || disabled[0] != "m1" {
		t.Fatalf("disabled = %v, want [m1]", disabled)
	}
}

func TestDuplicateLookupSuppressed(t *testing.T) {
	sup := &fakeSupply{missions: missions("m1")}
	c := newCoordinator(sup, newPageLink())
	c.init()
	cmd := session.Command{Kind: session.CommandLookupMission, Key: "lookup/3/0"}
	ctx := context.Background()
	c.lookup(ctx, cmd)
	c.lookup(ctx, cmd)

	select {
	case ev := <-c.internal.C():
		if ev.event.Type != session.EventMissionFound || ev.event.Key != cmd.Key {
			t.Fatalf("lookup result = %+v", ev.event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no lookup result")
	}
	if got := sup.calls(); got != 1 {
		t.Fatalf("supply calls = %d, want 1", got)
	}
	if got := testutil.ToFloat64(c.Metrics.lookups.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("duplicate metric = %v, want 1", got)
	}
}

func TestLookupDelayBacksOff(t *testing.T) {
	c := &Coordinator{LookupBaseDelay: 100 * time.Millisecond}
	if d := c.lookupDelay(0); d != 0 {
		t.Fatalf("lookupDelay(0) = %s, want 0", d)
	}
	first, third := c.lookupDelay(1), c.lookupDelay(3)
	if first <= 0 || first > 150*time.Millisecond {
		t.Fatalf("lookupDelay(1) = %s, want around 100ms", first)
	}
	if third <= first {
		t.Fatalf("lookupDelay(3) = %s, want more than lookupDelay(1) = %s", third, first)
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestRestorePolicies(t *testing.T) {
	saved := &store.SessionRecord{Snapshot: session.Snapshot{
		SessionID: "old",
		State:     session.StateNavigating,
		Context:   session.Context{ActiveMissionID: "m1", ActiveMissionLocator: "/missions/m1", Seq: 41},
	}}

	t.Run("discard", func(t *testing.T) {
		st := newStore(t)
		if err := st.SaveSession(saved); err != nil {
			t.Fatal(err)
		}
		c := newCoordinator(&fakeSupply{}, newPageLink())
		c.Store = st
		runCoordinator(t, c)

		rec := waitStatus(t, c, "boot", func(rec store.SessionRecord) bool { return rec.Context.Seq == 41 })
		if rec.State != session.StateIdleStopped || rec.Context.ActiveMissionID != "" {
			t.Fatalf("discard boot = %s %+v", rec.State, rec.Context)
		}
		onDisk, err := st.LoadSession()
		if err != nil {
			t.Fatal(err)
		}
		if onDisk.State != session.StateIdleStopped {
			t.Fatalf("persisted state = %s, want %s", onDisk.State, session.StateIdleStopped)
		}
	})

	t.Run("resume", func(t *testing.T) {
		st := newStore(t)
		if err := st.SaveSession(saved); err != nil {
			t.Fatal(err)
		}
		down := newPageLink()
		c := newCoordinator(&fakeSupply{missions: missions("m1")}, down)
		c.Store = st
		c.RestorePolicy = config.RestoreResume
		c.DialogQueryTimeout = 10 * time.Millisecond
		runCoordinator(t, c)

		// Nobody answers the dialog query: navigation proceeds after the
		// local timeout.
		down.expect(t, protocol.CmdQueryDialogStatus)
		nav := down.expect(t, protocol.CmdNavigate)
		payload, _ := protocol.DecodeData[protocol.Navigate](nav)
		if payload.MissionID != "m1" {
			t.Fatalf("resumed NAVIGATE = %q, want m1", payload.MissionID)
		}
		rec := c.Status()
		if rec.State != session.StateNavigating || rec.Context.Seq <= 41 {
			t.Fatalf("resumed status = %s seq %d", rec.State, rec.Context.Seq)
		}
	})
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	c := newCoordinator(&fakeSupply{missions: missions("m1")}, newPageLink())
	updates, cancel := c.Subscribe()
	defer cancel()
	runCoordinator(t, c)

	c.Start()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case rec := <-updates:
			if rec.State == session.StateNavigating {
				return
			}
		case <-deadline:
			t.Fatalf("no navigating update received")
		}
	}
}
