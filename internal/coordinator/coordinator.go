// Package coordinator runs the session state machine: it feeds events to
// session.Transition one at a time, persists every handled transition and
// executes the resulting commands against mission supply and the page agent.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agusx1211/missionpilot/internal/config"
	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/eventq"
	"github.com/agusx1211/missionpilot/internal/hexid"
	"github.com/agusx1211/missionpilot/internal/session"
	"github.com/agusx1211/missionpilot/internal/store"
	"github.com/agusx1211/missionpilot/internal/supply"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

// Supply is the mission supply the coordinator consults.
type Supply interface {
	FindNextMission(ctx context.Context, filter supply.Filter) (*supply.MissionRecord, error)
	MarkCleared(ctx context.Context, id string) error
	MarkDisabled(ctx context.Context, id string, disabled bool) error
}

// Store persists the session snapshot.
type Store interface {
	SaveSession(rec *store.SessionRecord) error
	LoadSession() (*store.SessionRecord, error)
}

// Coordinator is the orchestration runtime. Configure the exported fields
// before calling Run.
type Coordinator struct {
	Supply Supply
	// Store is optional; without it sessions are not persisted.
	Store Store
	// Down is the link to the page agent.
	Down    protocol.Sink
	Limits  session.Limits
	Filter  supply.Filter
	Metrics *Metrics

	// RestorePolicy is config.RestoreDiscard or config.RestoreResume.
	RestorePolicy string
	// DialogQueryTimeout bounds each QUERY_DIALOG_STATUS round trip.
	DialogQueryTimeout time.Duration
	// DialogRepollInterval spaces dialog status queries while it stays open.
	DialogRepollInterval time.Duration
	// DialogConfirmTimeout caps the whole re-poll loop; once exceeded the
	// dialog is assumed closed and the navigation proceeds.
	DialogConfirmTimeout time.Duration
	// AgentQueryTimeout bounds the boot QUERY_AGENT_READY round trip.
	AgentQueryTimeout time.Duration
	// LookupTimeout bounds one FindNextMission call. Expiry is a failed
	// lookup.
	LookupTimeout time.Duration
	// LookupBaseDelay is the first lookup retry delay; later retries back off
	// exponentially.
	LookupBaseDelay time.Duration

	once     sync.Once
	id       string
	inbox    *eventq.Mailbox[protocol.Message]
	control  *eventq.Mailbox[session.Event]
	internal *eventq.Mailbox[internalEvent]

	// owned by Run
	state      session.State
	sctx       session.Context
	enteredAt  time.Time
	timer      *time.Timer
	pendingNav *pendingNavigate
	readyQuery string
	lookups    map[string]bool
	record     store.SessionRecord

	statusMu sync.RWMutex
	status   store.SessionRecord
	subs     map[int]chan store.SessionRecord
	nextSub  int
}

type internalKind int

const (
	internalMachine internalKind = iota
	internalDialogTimeout
	internalDialogRepoll
	internalReadyTimeout
)

type internalEvent struct {
	kind      internalKind
	event     session.Event
	requestID string
}

type pendingNavigate struct {
	cmd       session.Command
	requestID string
	polls     int
	started   time.Time
}

// eventQueryAgentReady asks the runtime to probe for a live gameplay agent.
const eventQueryAgentReady = "QUERY_AGENT_READY"

func (c *Coordinator) init() {
	c.once.Do(func() {
		c.id = hexid.New()
		if c.Down == nil {
			c.Down = protocol.Discard
		}
		if c.Limits.Timeouts == nil {
			c.Limits = session.DefaultLimits()
		}
		if c.RestorePolicy == "" {
			c.RestorePolicy = config.RestoreDiscard
		}
		if c.DialogQueryTimeout <= 0 {
			c.DialogQueryTimeout = 2 * time.Second
		}
		if c.DialogRepollInterval <= 0 {
			c.DialogRepollInterval = time.Second
		}
		if c.DialogConfirmTimeout <= 0 {
			c.DialogConfirmTimeout = 5 * time.Second
		}
		if c.LookupTimeout <= 0 {
			c.LookupTimeout = 5 * time.Second
		}
		if c.AgentQueryTimeout <= 0 {
			c.AgentQueryTimeout = 2 * time.Second
		}
		if c.LookupBaseDelay <= 0 {
			c.LookupBaseDelay = 500 * time.Millisecond
		}
		c.inbox = eventq.NewMailbox[protocol.Message](256)
		c.control = eventq.NewMailbox[session.Event](16)
		c.internal = eventq.NewMailbox[internalEvent](64)
		c.lookups = make(map[string]bool)
		c.state = session.StateIdleStopped
		c.record.SessionID = c.id
		c.record.State = c.state
		c.status = c.record
	})
}

// Post delivers an event from the page agent.
func (c *Coordinator) Post(msg protocol.Message) bool {
	c.init()
	return c.inbox.Post(msg)
}

// Start requests a new session run.
func (c *Coordinator) Start() bool { return c.dispatch(session.EventStart) }

// Stop requests the session to stop. It is idempotent.
func (c *Coordinator) Stop() bool { return c.dispatch(session.EventStop) }

// Retry requests a new attempt after an error.
func (c *Coordinator) Retry() bool { return c.dispatch(session.EventRetry) }

// ProbeAgent asks attached gameplay agents whether they are ready. Bridges
// call it when a page agent connects.
func (c *Coordinator) ProbeAgent() bool { return c.dispatch(eventQueryAgentReady) }

func (c *Coordinator) dispatch(eventType string) bool {
	c.init()
	return c.control.Post(session.Event{Type: eventType})
}

// Status returns the latest session record.
func (c *Coordinator) Status() store.SessionRecord {
	c.init()
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Subscribe returns a channel receiving the session record after every
// change. Slow subscribers miss intermediate records.
func (c *Coordinator) Subscribe() (<-chan store.SessionRecord, func()) {
	c.init()
	ch := make(chan store.SessionRecord, 8)
	c.statusMu.Lock()
	if c.subs == nil {
		c.subs = make(map[int]chan store.SessionRecord)
	}
	c.nextSub++
	id := c.nextSub
	c.subs[id] = ch
	ch <- c.status
	c.statusMu.Unlock()
	return ch, func() {
		c.statusMu.Lock()
		defer c.statusMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

// Run executes the event loop until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.init()
	if c.Supply == nil {
		return errors.New("coordinator has no mission supply")
	}
	defer c.stopTimer()

	c.boot(ctx)
	c.queryAgentReady()
	for {
		select {
		case <-ctx.Done():
			debug.LogKV("coord", "coordinator stopped", "state", c.state)
			return nil
		case msg := <-c.inbox.C():
			c.handleMessage(ctx, msg)
		case ev := <-c.control.C():
			if ev.Type == eventQueryAgentReady {
				c.queryAgentReady()
				continue
			}
			c.apply(ctx, ev)
		case ev := <-c.internal.C():
			c.handleInternal(ctx, ev)
		}
		c.reportDropped()
	}
}

func (c *Coordinator) reportDropped() {
	c.Metrics.SetDropped("inbox", c.inbox.Dropped())
	c.Metrics.SetDropped("control", c.control.Dropped())
	c.Metrics.SetDropped("internal", c.internal.Dropped())
}

// boot restores or discards the last snapshot according to RestorePolicy.
func (c *Coordinator) boot(ctx context.Context) {
	c.enteredAt = time.Now()
	c.Metrics.SetState(c.state)
	if c.Store == nil {
		c.publish()
		return
	}
	rec, err := c.Store.LoadSession()
	switch {
	case errors.Is(err, store.ErrNoSnapshot):
		debug.LogKV("coord", "no previous session")
	case err != nil:
		debug.LogKV("coord", "session snapshot unreadable, starting idle", "error", err)
	default:
		c.sctx.Seq = rec.Context.Seq
		if verr := rec.Snapshot.Validate(); verr != nil {
			debug.LogKV("coord", "discarding invalid snapshot", "error", verr)
			break
		}
		if c.RestorePolicy != config.RestoreResume || rec.State.IsIdle() {
			debug.LogKV("coord", "discarding previous session", "state", rec.State, "policy", c.RestorePolicy)
			break
		}
		debug.LogKV("coord", "resuming previous session",
			"state", rec.State,
			"mission_id", rec.Context.ActiveMissionID,
		)
		c.record.Progress = rec.Progress
		c.record.Location = rec.Location
		res := session.Resume(rec.State, rec.Context, c.Limits)
		c.commit(ctx, res)
		return
	}
	c.persist()
}

func (c *Coordinator) queryAgentReady() {
	c.readyQuery = hexid.Request("ready")
	c.send(protocol.MustNew(protocol.CmdQueryAgentReady, protocol.Query{RequestID: c.readyQuery}).To(protocol.TargetFrames))
	id := c.readyQuery
	time.AfterFunc(c.AgentQueryTimeout, func() {
		c.internal.Post(internalEvent{kind: internalReadyTimeout, requestID: id})
	})
}

func (c *Coordinator) handleInternal(ctx context.Context, ev internalEvent) {
	switch ev.kind {
	case internalMachine:
		c.apply(ctx, ev.event)
	case internalReadyTimeout:
		if c.readyQuery == ev.requestID {
			c.readyQuery = ""
			debug.LogKV("coord", "no gameplay agent answered readiness query", "request_id", ev.requestID)
		}
	case internalDialogTimeout:
		if c.pendingNav != nil && c.pendingNav.requestID == ev.requestID {
			debug.LogKV("coord", "dialog status query timed out, assuming closed", "request_id", ev.requestID)
			c.finishNavigate()
		}
	case internalDialogRepoll:
		if c.pendingNav != nil && c.pendingNav.requestID == ev.requestID {
			c.queryDialog()
		}
	}
}

// apply feeds one event to the state machine and executes the outcome.
func (c *Coordinator) apply(ctx context.Context, ev session.Event) {
	if ev.Type == session.EventMissionFound && c.state == session.StateStarting {
		ev = c.resolveStartingLookup(ev)
	}
	res := session.Transition(c.state, c.sctx, ev, c.Limits)
	c.Metrics.ObserveEvent(ev.Type, res.Handled)
	if !res.Handled {
		debug.LogKV("coord", "event ignored", "state", c.state, "event", ev.Type)
		return
	}
	debug.LogKV("coord", "event handled",
		"state", c.state,
		"event", ev.Type,
		"next", res.State,
		"commands", len(res.Commands),
	)
	if ev.Type == session.EventMissionCompleted {
		c.Metrics.IncCompleted()
	}
	c.commit(ctx, res)
}

// resolveStartingLookup turns a lookup result into PAGE_LOADED when the page
// agent already shows the mission, NAVIGATE_REQUIRED otherwise.
func (c *Coordinator) resolveStartingLookup(ev session.Event) session.Event {
	if ev.Locator == "" {
		ev.Locator = supply.LocatorFor(ev.MissionID)
	}
	if c.record.Location != "" && supply.SameLocator(c.record.Location, ev.Locator) {
		ev.Type = session.EventPageLoaded
	} else {
		ev.Type = session.EventNavigateRequired
	}
	return ev
}

func (c *Coordinator) commit(ctx context.Context, res session.Result) {
	from := c.state
	c.state, c.sctx = res.State, res.Context
	if res.Changed() {
		now := time.Now()
		c.Metrics.ObserveTransition(from, res.State, now.Sub(c.enteredAt))
		c.enteredAt = now
		if c.pendingNav != nil && res.State != session.StateNavigating {
			c.pendingNav = nil
		}
		if !res.State.Active() {
			c.lookups = make(map[string]bool)
		}
		if res.State.IsIdle() || res.State == session.StateError {
			c.record.Progress = nil
		}
	}
	c.persist()
	for _, cmd := range res.Commands {
		c.execute(ctx, cmd)
	}
}

func (c *Coordinator) persist() {
	c.record.SessionID = c.id
	c.record.State = c.state
	c.record.Context = c.sctx
	c.record.UpdatedAt = time.Now().UTC()
	if c.Store != nil {
		if err := c.Store.SaveSession(&c.record); err != nil {
			debug.LogKV("coord", "persist session failed", "error", err)
		}
	}
	c.publish()
}

func (c *Coordinator) publish() {
	rec := c.record
	if rec.Progress != nil {
		p := *rec.Progress
		rec.Progress = &p
	}
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = rec
	for _, ch := range c.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (c *Coordinator) send(msg protocol.Message) {
	if !c.Down.Post(msg) {
		debug.LogKV("coord", "downstream dropped command", "type", msg.Type)
	}
}
