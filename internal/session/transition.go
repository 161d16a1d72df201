package session

import (
	"fmt"

	"github.com/agusx1211/missionpilot/pkg/protocol"
)

// Result is the outcome of one Transition.
type Result struct {
	State    State
	Context  Context
	Commands []Command
	// Handled is false when the event is not meaningful in the current
	// state; State and Context are then returned unchanged.
	Handled bool
	// Internal marks a handled event that kept the state without re-entry.
	Internal bool
}

// Changed reports whether the transition entered a state.
func (r Result) Changed() bool {
	return r.Handled && !r.Internal
}

// Transition computes the reaction of the session to ev.
func Transition(state State, ctx Context, ev Event, limits Limits) Result {
	t := &transition{from: state, ctx: ctx, limits: limits}

	// STOP wins from every state.
	if ev.Type == EventStop {
		return t.toIdle(ReasonStopped)
	}

	switch state {
	case StateIdleStopped:
		switch ev.Type {
		case EventStart:
			return t.enterStarting(nil)
		case EventAgentReady:
			t.ctx = Context{Seq: t.ctx.Seq, SurfaceMissionID: ev.MissionID}
			return t.enter(StateIdleDialogOpen)
		}

	case StateIdleDialogOpen:
		switch ev.Type {
		case EventStart:
			id := t.ctx.SurfaceMissionID
			t.ctx = Context{Seq: t.ctx.Seq, ActiveMissionID: id}
			return t.enterGameReady()
		case EventAgentReady:
			if ev.MissionID != "" && ev.MissionID != t.ctx.SurfaceMissionID {
				t.ctx.SurfaceMissionID = ev.MissionID
			}
			return t.internal()
		case EventDialogClosed:
			t.ctx = Context{Seq: t.ctx.Seq}
			return t.enter(StateIdleStopped)
		}

	case StateStarting:
		switch ev.Type {
		case EventPageLoaded:
			if ev.MissionID == "" || !t.keyMatches(ev.Key) {
				break
			}
			t.ctx.ActiveMissionID = ev.MissionID
			t.ctx.ActiveMissionLocator = ev.Locator
			return t.enterWaitingForLoader()
		case EventNavigateRequired:
			if ev.MissionID == "" || !t.keyMatches(ev.Key) {
				break
			}
			return t.enterNavigating(ev.MissionID, ev.Locator, false)
		case EventNoMissionFound:
			if !t.keyMatches(ev.Key) {
				break
			}
			return t.toIdle(ReasonNoMissions)
		case EventLookupFailed:
			if !t.keyMatches(ev.Key) {
				break
			}
			return t.toError(lookupError(ev.Reason))
		case EventTimeout:
			if t.timerMatches(ev) {
				return t.toError("timed out waiting for a mission lookup")
			}
		case EventFatalError:
			return t.toError(fatalReason(ev))
		}

	case StateNavigating:
		switch ev.Type {
		case EventPageLoaded:
			if !t.isActive(ev.MissionID) {
				break
			}
			if ev.Locator != "" {
				t.ctx.ActiveMissionLocator = ev.Locator
			}
			return t.enterWaitingForLoader()
		case EventMissionRemoved:
			if !t.isActive(ev.MissionID) {
				break
			}
			removed := t.ctx.ActiveMissionID
			t.cmds = append(t.cmds, Command{Kind: CommandMarkDisabled, MissionID: removed})
			return t.enterStarting([]string{removed})
		case EventTimeout:
			if t.timerMatches(ev) {
				return t.toError(fmt.Sprintf("timed out navigating to mission %s", t.ctx.ActiveMissionID))
			}
		case EventFatalError:
			return t.toError(fatalReason(ev))
		}

	case StateWaitingForLoader:
		switch ev.Type {
		case EventLoaderDetected:
			return t.enterSimple(StateOpeningDialog, send(protocol.CmdOpenDialog, protocol.TargetTop, nil))
		case EventAgentReady:
			// The surface opened without the loader being observed.
			return t.enterGameReady()
		}

	case StateOpeningDialog:
		switch ev.Type {
		case EventDialogOpened, EventAgentReady:
			return t.enterGameReady()
		}

	case StateGameReady:
		switch ev.Type {
		case EventAgentReady:
			if ev.Automating {
				// AUTOMATION_STARTED was lost; the heartbeat proves it.
				return t.enterRunning()
			}
			t.cmds = append(t.cmds, t.beginAutomation())
			return t.internal()
		case EventAutomationStarted:
			return t.enterRunning()
		}

	case StateRunning:
		switch ev.Type {
		case EventMissionCompleted:
			id := ev.MissionID
			if id == "" {
				id = t.ctx.ActiveMissionID
			}
			return t.enterCompleting(id)
		}

	case StateCompleting:
		switch ev.Type {
		case EventMissionFound:
			if ev.MissionID == "" || !t.keyMatches(ev.Key) {
				break
			}
			return t.enterWaitingForDialogClose(ev.MissionID, ev.Locator)
		case EventNoMissionFound:
			if !t.keyMatches(ev.Key) {
				break
			}
			return t.retryLookup(ReasonNoMissions)
		case EventLookupFailed:
			if !t.keyMatches(ev.Key) {
				break
			}
			return t.retryLookup(ReasonLookupFailed)
		}

	case StateWaitingForDialogClose:
		switch ev.Type {
		case EventDialogClosed:
			return t.enterNavigating(t.ctx.ActiveMissionID, t.ctx.ActiveMissionLocator, true)
		case EventTimeout:
			// The close signal never arrived; assume closed and re-check
			// before navigating.
			if t.timerMatches(ev) {
				return t.enterNavigating(t.ctx.ActiveMissionID, t.ctx.ActiveMissionLocator, true)
			}
		}

	case StateError:
		switch ev.Type {
		case EventRetry:
			t.ctx.ErrorRetryCount++
			t.ctx.LastError = ""
			t.ctx.CompletionReason = ""
			return t.enterStarting(nil)
		}
	}

	if state.InGameplay() {
		switch ev.Type {
		case EventFatalError:
			return t.toError(fatalReason(ev))
		case EventTimeout:
			if t.timerMatches(ev) {
				return t.toError(fmt.Sprintf("timed out in %s", state))
			}
		}
	}

	return Result{State: state, Context: ctx}
}

type transition struct {
	from   State
	ctx    Context
	limits Limits
	cmds   []Command
}

func (t *transition) keyMatches(key string) bool {
	return key == "" || key == t.ctx.LookupKey()
}

func (t *transition) timerMatches(ev Event) bool {
	return ev.State == t.from && ev.Seq == t.ctx.Seq
}

func (t *transition) isActive(missionID string) bool {
	return missionID == "" || missionID == t.ctx.ActiveMissionID
}

func (t *transition) internal() Result {
	return Result{State: t.from, Context: t.ctx, Commands: t.cmds, Handled: true, Internal: true}
}

// enter bumps Seq, clears mission fields the target cannot hold, and arms the
// target's liveness timer when it has one.
func (t *transition) enter(to State) Result {
	t.ctx.Seq++
	if !to.HoldsMission() {
		t.ctx.ActiveMissionID = ""
		t.ctx.ActiveMissionLocator = ""
	}
	if d := t.limits.timeout(to); d > 0 {
		t.cmds = append(t.cmds, Command{Kind: CommandStartTimer, State: to, Seq: t.ctx.Seq, Timeout: d})
	} else if t.from.Active() || t.from == StateError {
		t.cmds = append(t.cmds, Command{Kind: CommandCancelTimer})
	}
	return Result{State: to, Context: t.ctx, Commands: t.cmds, Handled: true}
}

// enterSimple enters to and runs entry commands after the timer is armed.
func (t *transition) enterSimple(to State, entry ...Command) Result {
	r := t.enter(to)
	r.Commands = append(r.Commands, entry...)
	return r
}

func (t *transition) toIdle(reason string) Result {
	endAutomation := t.from.InGameplay() || t.from == StateError
	seq := t.ctx.Seq
	t.ctx = Context{Seq: seq}
	t.cmds = append(t.cmds, Command{Kind: CommandCancelTimer})
	if endAutomation {
		t.cmds = append(t.cmds, send(protocol.CmdEndAutomation, protocol.TargetFrames, nil))
	}
	r := t.enter(StateIdleStopped)
	r.Context.CompletionReason = reason
	r.Commands = dedupeCancel(r.Commands)
	return r
}

func (t *transition) toError(reason string) Result {
	t.ctx.LastError = reason
	t.ctx.CompletionReason = ReasonError
	t.ctx.MissionLookupRetryCount = 0
	t.ctx.CompletedMissionID = ""
	t.cmds = append(t.cmds, Command{Kind: CommandCancelTimer})
	if t.from.InGameplay() {
		t.cmds = append(t.cmds, send(protocol.CmdEndAutomation, protocol.TargetFrames, nil))
	}
	r := t.enter(StateError)
	r.Commands = dedupeCancel(r.Commands)
	return r
}

func (t *transition) enterStarting(exclude []string) Result {
	t.ctx.MissionLookupRetryCount = 0
	t.ctx.CompletedMissionID = ""
	r := t.enter(StateStarting)
	r.Commands = append(r.Commands, Command{
		Kind:    CommandLookupMission,
		Key:     r.Context.LookupKey(),
		Exclude: exclude,
	})
	return r
}

func (t *transition) enterNavigating(id, locator string, confirmClosed bool) Result {
	t.ctx.ActiveMissionID = id
	t.ctx.ActiveMissionLocator = locator
	t.ctx.MissionLookupRetryCount = 0
	t.ctx.CompletedMissionID = ""
	return t.enterSimple(StateNavigating, Command{
		Kind:          CommandNavigate,
		MissionID:     id,
		Locator:       locator,
		ConfirmClosed: confirmClosed,
	})
}

func (t *transition) enterWaitingForLoader() Result {
	return t.enterSimple(StateWaitingForLoader, send(protocol.CmdProbeForLoader, protocol.TargetTop, nil))
}

func (t *transition) beginAutomation() Command {
	return send(protocol.CmdBeginAutomation, protocol.TargetFrames, protocol.BeginAutomation{MissionID: t.ctx.ActiveMissionID})
}

func (t *transition) enterGameReady() Result {
	r := t.enter(StateGameReady)
	r.Commands = append(r.Commands, t.beginAutomation())
	return r
}

func (t *transition) enterRunning() Result {
	return t.enter(StateRunning)
}

func (t *transition) enterCompleting(completed string) Result {
	t.ctx.CompletedMissionID = completed
	t.ctx.MissionLookupRetryCount = 0
	t.cmds = append(t.cmds, Command{Kind: CommandMarkCleared, MissionID: completed})
	r := t.enter(StateCompleting)
	r.Commands = append(r.Commands, t.lookup(r.Context))
	return r
}

func (t *transition) lookup(ctx Context) Command {
	var exclude []string
	if ctx.CompletedMissionID != "" {
		exclude = []string{ctx.CompletedMissionID}
	}
	return Command{
		Kind:    CommandLookupMission,
		Key:     ctx.LookupKey(),
		Attempt: ctx.MissionLookupRetryCount,
		Exclude: exclude,
	}
}

func (t *transition) retryLookup(reason string) Result {
	t.ctx.MissionLookupRetryCount++
	if t.ctx.MissionLookupRetryCount >= t.limits.maxRetries() {
		return t.toIdle(reason)
	}
	t.cmds = append(t.cmds, t.lookup(t.ctx))
	return t.internal()
}

func (t *transition) enterWaitingForDialogClose(id, locator string) Result {
	t.ctx.ActiveMissionID = id
	t.ctx.ActiveMissionLocator = locator
	t.ctx.MissionLookupRetryCount = 0
	r := t.enter(StateWaitingForDialogClose)
	r.Commands = append(r.Commands,
		send(protocol.CmdEndAutomation, protocol.TargetFrames, nil),
		send(protocol.CmdQueryDialogStatus, protocol.TargetTop, protocol.Query{RequestID: DialogQueryID(r.Context.Seq)}),
	)
	return r
}

// DialogQueryID is the request id of the dialog-status query issued on entry
// number seq.
func DialogQueryID(seq int) string {
	return fmt.Sprintf("dialog/%d", seq)
}

func lookupError(reason string) string {
	if reason == "" {
		return "mission lookup failed"
	}
	return "mission lookup failed: " + reason
}

func fatalReason(ev Event) string {
	if ev.Reason == "" {
		return "fatal gameplay error"
	}
	return ev.Reason
}

// dedupeCancel keeps the first cancel_timer command only.
func dedupeCancel(cmds []Command) []Command {
	out := cmds[:0]
	seen := false
	for _, c := range cmds {
		if c.Kind == CommandCancelTimer {
			if seen {
				continue
			}
			seen = true
		}
		out = append(out, c)
	}
	return out
}

// Resume re-enters a restored state, returning its entry commands so a
// restarted coordinator can pick up where the snapshot left off. Running is
// resumed as game_ready so automation is re-confirmed. Idle states resume as
// idle.stopped.
func Resume(state State, ctx Context, limits Limits) Result {
	t := &transition{from: state, ctx: ctx, limits: limits}
	switch state {
	case StateStarting:
		return t.enterStarting(nil)
	case StateNavigating:
		return t.enterNavigating(ctx.ActiveMissionID, ctx.ActiveMissionLocator, true)
	case StateWaitingForLoader:
		return t.enterWaitingForLoader()
	case StateOpeningDialog:
		return t.enterSimple(StateOpeningDialog, send(protocol.CmdOpenDialog, protocol.TargetTop, nil))
	case StateGameReady, StateRunning:
		return t.enterGameReady()
	case StateCompleting:
		if ctx.CompletedMissionID == "" {
			return t.enterStarting(nil)
		}
		return t.enterCompleting(ctx.CompletedMissionID)
	case StateWaitingForDialogClose:
		return t.enterWaitingForDialogClose(ctx.ActiveMissionID, ctx.ActiveMissionLocator)
	case StateError:
		return Result{State: state, Context: ctx, Handled: true, Internal: true}
	}
	t.ctx = Context{Seq: ctx.Seq}
	return t.enter(StateIdleStopped)
}
