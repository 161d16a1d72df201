package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/hexid"
	"github.com/agusx1211/missionpilot/internal/session"
	"github.com/agusx1211/missionpilot/internal/supply"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

// supplyCallTimeout bounds synchronous mark-cleared/mark-disabled calls.
const supplyCallTimeout = 5 * time.Second

// handleMessage turns a page agent message into runtime bookkeeping and, for
// business events, a state machine event.
func (c *Coordinator) handleMessage(ctx context.Context, msg protocol.Message) {
	now := time.Now().UTC()
	switch msg.Type {
	case protocol.EvtKeepAlive:
		payload, err := protocol.DecodeData[protocol.KeepAlive](msg)
		if err == nil && payload.Locator != "" {
			c.record.Location = payload.Locator
		}
		c.record.LastKeepAlive = now
		c.Metrics.ObserveKeepAlive(now)
		c.persist()

	case protocol.EvtMissionProgress:
		payload, err := protocol.DecodeData[protocol.MissionProgress](msg)
		if err != nil {
			debug.LogKV("coord", "bad MISSION_PROGRESS", "error", err)
			return
		}
		c.record.Progress = payload
		c.persist()

	case protocol.EvtAgentReady:
		payload, err := protocol.DecodeData[protocol.AgentReady](msg)
		if err != nil {
			debug.LogKV("coord", "bad AGENT_READY", "error", err)
			return
		}
		c.record.LastHeartbeat = now
		if payload.RequestID != "" && payload.RequestID == c.readyQuery {
			c.readyQuery = ""
		}
		c.apply(ctx, session.Event{Type: session.EventAgentReady, MissionID: payload.MissionID, Automating: payload.Automating})

	case protocol.EvtDialogOpened, protocol.EvtDialogClosed:
		payload, err := protocol.DecodeData[protocol.DialogStatus](msg)
		if err != nil {
			payload = &protocol.DialogStatus{}
		}
		if c.pendingNav != nil && payload.RequestID != "" && payload.RequestID == c.pendingNav.requestID {
			c.confirmDialog(msg.Type == protocol.EvtDialogClosed)
			return
		}
		c.apply(ctx, session.Event{Type: msg.Type})

	case protocol.EvtPageLoaded:
		payload, err := protocol.DecodeData[protocol.PageLoaded](msg)
		if err != nil {
			debug.LogKV("coord", "bad PAGE_LOADED", "error", err)
			return
		}
		if payload.Locator != "" {
			c.record.Location = payload.Locator
		}
		c.apply(ctx, session.Event{Type: session.EventPageLoaded, MissionID: payload.MissionID, Locator: payload.Locator})

	case protocol.EvtPageMissing:
		payload, err := protocol.DecodeData[protocol.PageMissing](msg)
		if err != nil {
			debug.LogKV("coord", "bad PAGE_MISSING", "error", err)
			return
		}
		c.apply(ctx, session.Event{Type: session.EventMissionRemoved, MissionID: payload.MissionID, Locator: payload.Locator})

	case protocol.EvtAutomationStarted:
		payload, _ := protocol.DecodeData[protocol.AutomationStarted](msg)
		ev := session.Event{Type: session.EventAutomationStarted}
		if payload != nil {
			ev.MissionID = payload.MissionID
		}
		c.apply(ctx, ev)

	case protocol.EvtMissionCompleted:
		payload, _ := protocol.DecodeData[protocol.MissionCompleted](msg)
		ev := session.Event{Type: session.EventMissionCompleted}
		if payload != nil {
			ev.MissionID = payload.MissionID
		}
		c.apply(ctx, ev)

	case protocol.EvtFatalError:
		payload, _ := protocol.DecodeData[protocol.FatalError](msg)
		ev := session.Event{Type: session.EventFatalError}
		if payload != nil {
			ev.MissionID = payload.MissionID
			ev.Reason = payload.Reason
		}
		c.apply(ctx, ev)

	case protocol.EvtLoaderDetected:
		c.apply(ctx, session.Event{Type: session.EventLoaderDetected})

	default:
		debug.LogKV("coord", "unknown message", "type", msg.Type)
	}
}

func (c *Coordinator) execute(ctx context.Context, cmd session.Command) {
	switch cmd.Kind {
	case session.CommandSend:
		c.send(cmd.Message)
	case session.CommandNavigate:
		if cmd.Locator == "" {
			cmd.Locator = supply.LocatorFor(cmd.MissionID)
		}
		if !cmd.ConfirmClosed {
			c.sendNavigate(cmd)
			return
		}
		c.pendingNav = &pendingNavigate{cmd: cmd, started: time.Now()}
		c.queryDialog()
	case session.CommandLookupMission:
		c.lookup(ctx, cmd)
	case session.CommandMarkCleared:
		callCtx, cancel := context.WithTimeout(ctx, supplyCallTimeout)
		defer cancel()
		if err := c.Supply.MarkCleared(callCtx, cmd.MissionID); err != nil {
			debug.LogKV("coord", "mark cleared failed", "mission_id", cmd.MissionID, "error", err)
		}
	case session.CommandMarkDisabled:
		callCtx, cancel := context.WithTimeout(ctx, supplyCallTimeout)
		defer cancel()
		if err := c.Supply.MarkDisabled(callCtx, cmd.MissionID, true); err != nil {
			debug.LogKV("coord", "mark disabled failed", "mission_id", cmd.MissionID, "error", err)
		}
	case session.CommandStartTimer:
		c.startTimer(cmd.State, cmd.Seq, cmd.Timeout)
	case session.CommandCancelTimer:
		c.stopTimer()
	default:
		debug.LogKV("coord", "unknown command", "kind", cmd.Kind)
	}
}

func (c *Coordinator) sendNavigate(cmd session.Command) {
	debug.LogKV("coord", "navigating", "mission_id", cmd.MissionID, "locator", cmd.Locator)
	c.send(protocol.MustNew(protocol.CmdNavigate, protocol.Navigate{
		MissionID: cmd.MissionID,
		Locator:   cmd.Locator,
	}).To(protocol.TargetTop))
}

// queryDialog issues one QUERY_DIALOG_STATUS for the pending navigation.
func (c *Coordinator) queryDialog() {
	p := c.pendingNav
	p.requestID = hexid.Request("dialog")
	p.polls++
	c.send(protocol.MustNew(protocol.CmdQueryDialogStatus, protocol.Query{RequestID: p.requestID}).To(protocol.TargetTop))
	id := p.requestID
	time.AfterFunc(c.DialogQueryTimeout, func() {
		c.internal.Post(internalEvent{kind: internalDialogTimeout, requestID: id})
	})
}

// confirmDialog handles the answer to a dialog status query issued before
// navigating away.
func (c *Coordinator) confirmDialog(closed bool) {
	if closed {
		c.finishNavigate()
		return
	}
	p := c.pendingNav
	if waited := time.Since(p.started); waited >= c.DialogConfirmTimeout {
		debug.LogKV("coord", "dialog still open after confirmation window, navigating anyway",
			"polls", p.polls,
			"waited", waited,
		)
		c.finishNavigate()
		return
	}
	debug.LogKV("coord", "dialog still open, re-polling", "polls", p.polls)
	// Invalidate the answered id so its timeout does not fire the navigation.
	p.requestID = hexid.Request("dialog-wait")
	id := p.requestID
	time.AfterFunc(c.DialogRepollInterval, func() {
		c.internal.Post(internalEvent{kind: internalDialogRepoll, requestID: id})
	})
}

func (c *Coordinator) finishNavigate() {
	cmd := c.pendingNav.cmd
	c.pendingNav = nil
	c.sendNavigate(cmd)
}

// lookup runs a mission supply query off the event loop. Each key is
// executed at most once; retries are delayed by exponential backoff.
func (c *Coordinator) lookup(ctx context.Context, cmd session.Command) {
	if c.lookups[cmd.Key] {
		c.Metrics.ObserveLookup("duplicate")
		debug.LogKV("coord", "duplicate lookup suppressed", "key", cmd.Key)
		return
	}
	c.lookups[cmd.Key] = true

	filter := c.Filter
	filter.ExcludeIDs = append(slices.Clone(c.Filter.ExcludeIDs), cmd.Exclude...)
	delay := c.lookupDelay(cmd.Attempt)
	debug.LogKV("coord", "looking up mission", "key", cmd.Key, "attempt", cmd.Attempt, "delay", delay)

	go func() {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		ev := session.Event{Key: cmd.Key}
		rec, err := c.findNext(ctx, filter)
		switch {
		case err == nil && rec != nil:
			ev.Type = session.EventMissionFound
			ev.MissionID = rec.ID
			ev.Locator = rec.Locator
			c.Metrics.ObserveLookup("found")
		case err == nil, errors.Is(err, supply.ErrNotFound):
			ev.Type = session.EventNoMissionFound
			c.Metrics.ObserveLookup("not_found")
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			ev.Type = session.EventLookupFailed
			ev.Reason = fmt.Sprintf("no answer from mission supply within %s", c.LookupTimeout)
			c.Metrics.ObserveLookup("timeout")
		default:
			ev.Type = session.EventLookupFailed
			ev.Reason = err.Error()
			c.Metrics.ObserveLookup("failed")
		}
		if !c.internal.PostContext(ctx, internalEvent{kind: internalMachine, event: ev}) {
			debug.LogKV("coord", "lookup result abandoned", "key", cmd.Key)
		}
	}()
}

// findNext runs one FindNextMission bounded by LookupTimeout. A supply that
// ignores its context is abandoned when the deadline passes.
func (c *Coordinator) findNext(ctx context.Context, filter supply.Filter) (*supply.MissionRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.LookupTimeout)
	defer cancel()

	type answer struct {
		rec *supply.MissionRecord
		err error
	}
	done := make(chan answer, 1)
	go func() {
		rec, err := c.Supply.FindNextMission(callCtx, filter)
		done <- answer{rec, err}
	}()
	select {
	case a := <-done:
		return a.rec, a.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

func (c *Coordinator) lookupDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.LookupBaseDelay
	b.MaxInterval = 20 * c.LookupBaseDelay
	b.MaxElapsedTime = 0
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (c *Coordinator) startTimer(state session.State, seq int, d time.Duration) {
	c.stopTimer()
	if d <= 0 {
		return
	}
	c.timer = time.AfterFunc(d, func() {
		c.internal.Post(internalEvent{
			kind:  internalMachine,
			event: session.Event{Type: session.EventTimeout, State: state, Seq: seq},
		})
	})
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
