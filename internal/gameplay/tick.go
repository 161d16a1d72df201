package gameplay

import (
	"context"
	"errors"

	"github.com/agusx1211/missionpilot/internal/classify"
	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/decide"
	"github.com/agusx1211/missionpilot/internal/surface"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

// Outcome summarizes one Tick, for logging and tests.
type Outcome struct {
	Screen classify.Screen
	Action decide.Action
	// Clicked is false for dry runs, cooldowns and monitoring mode.
	Clicked   bool
	Completed bool
	Fatal     bool
	Skipped   bool
}

// Tick runs one poll iteration. Concurrent calls return immediately with
// Skipped set while another tick is in flight.
func (a *Agent) Tick(ctx context.Context) Outcome {
	a.init()
	if !a.ticking.CompareAndSwap(false, true) {
		return Outcome{Skipped: true}
	}
	defer a.ticking.Store(false)

	if !a.Surface.Open() {
		return Outcome{Skipped: true}
	}
	obs, err := a.Surface.Observe(ctx)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			debug.LogKV("gameplay", "observe failed", "frame", a.Frame, "error", err)
		}
		return Outcome{Skipped: true}
	}

	a.mu.Lock()
	if a.missionID == "" && obs.MissionID != "" {
		a.missionID = obs.MissionID
	}
	automating := a.automating
	snap := snapshotOf(a.missionID, obs)
	a.mu.Unlock()

	out := Outcome{Screen: snap.CurrentScreen}

	if automating && snap.LivesKnown && snap.LivesRemaining <= 0 {
		a.stopAutomating()
		debug.LogKV("gameplay", "lives exhausted", "mission_id", snap.MissionID)
		a.emit(protocol.EvtFatalError, protocol.FatalError{MissionID: snap.MissionID, Reason: ReasonLivesExhausted})
		out.Fatal = true
		return out
	}

	a.reportProgress(snap)

	if snap.CurrentScreen == classify.ScreenFinish {
		if !automating {
			return out
		}
		out.Action = decide.Decide(snap.CurrentScreen, snap, a.Policy)
		out.Clicked = a.act(ctx, out.Action)
		a.stopAutomating()
		if a.markCompleted(snap.MissionID) {
			debug.LogKV("gameplay", "mission completed", "mission_id", snap.MissionID)
			a.emit(protocol.EvtMissionCompleted, protocol.MissionCompleted{MissionID: snap.MissionID})
			out.Completed = true
		}
		return out
	}

	if !automating || !classify.IsActionable(snap.CurrentScreen) {
		return out
	}

	action := decide.Decide(snap.CurrentScreen, snap, a.Policy)
	if action.None() {
		action = fallback(obs.Signature)
	}
	out.Action = action
	if action.None() {
		return out
	}
	if !a.limiter.Allow() {
		debug.LogKV("gameplay", "cooldown", "screen", snap.CurrentScreen, "action", action.String())
		return out
	}
	out.Clicked = a.act(ctx, action)
	return out
}

func snapshotOf(missionID string, obs surface.Observation) decide.Snapshot {
	return decide.Snapshot{
		MissionID:       missionID,
		LivesRemaining:  obs.Lives,
		LivesKnown:      obs.LivesKnown,
		EncounterIndex:  obs.EncounterIndex,
		TotalEncounters: obs.TotalEncounters,
		CurrentScreen:   classify.Classify(obs.Signature),
		BargainText:     obs.BargainText,
		BargainTone:     obs.BargainTone,
		Options:         obs.Options,
	}
}

// fallback clicks the first non-utility control of a screen no rule covers.
func fallback(sig classify.Signature) decide.Action {
	controls := sig.Actionable()
	if len(controls) == 0 {
		return decide.Action{}
	}
	return decide.Action{Control: controls[0], Reason: "fallback: first actionable control"}
}

func (a *Agent) act(ctx context.Context, action decide.Action) bool {
	if action.None() {
		return false
	}
	if a.DryRun {
		debug.LogKV("gameplay", "dry run", "action", action.String(), "reason", action.Reason)
		return false
	}
	if err := a.Surface.Click(ctx, action.Control, action.Option); err != nil {
		debug.LogKV("gameplay", "click failed", "action", action.String(), "error", err)
		return false
	}
	debug.LogKV("gameplay", "clicked", "action", action.String(), "reason", action.Reason)
	return true
}

func (a *Agent) stopAutomating() {
	a.mu.Lock()
	a.automating = false
	a.mu.Unlock()
}

// markCompleted records the completion of id and reports whether it is the
// first one for that mission.
func (a *Agent) markCompleted(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := id
	if key == "" {
		key = "\x00unknown"
	}
	if a.completedFor == key {
		return false
	}
	a.completedFor = key
	return true
}

func (a *Agent) reportProgress(snap decide.Snapshot) {
	p := protocol.MissionProgress{
		MissionID:       snap.MissionID,
		Screen:          string(snap.CurrentScreen),
		LivesRemaining:  snap.LivesRemaining,
		EncounterIndex:  snap.EncounterIndex,
		TotalEncounters: snap.TotalEncounters,
	}
	a.mu.Lock()
	changed := p != a.lastProgress
	a.lastProgress = p
	a.mu.Unlock()
	if changed {
		a.emit(protocol.EvtMissionProgress, p)
	}
}
