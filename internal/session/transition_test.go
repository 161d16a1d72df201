package session

import (
	"slices"
	"testing"

	"github.com/agusx1211/missionpilot/pkg/protocol"
)

func step(t *testing.T, state State, ctx Context, ev Event) Result {
	t.Helper()
	return Transition(state, ctx, ev, DefaultLimits())
}

func kinds(cmds []Command) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if c.Kind == CommandSend {
			out = append(out, string(c.Kind)+":"+c.Message.Type)
			continue
		}
		out = append(out, string(c.Kind))
	}
	return out
}

func hasCommand(cmds []Command, kind CommandKind, msgType string) bool {
	for _, c := range cmds {
		if c.Kind != kind {
			continue
		}
		if kind != CommandSend || c.Message.Type == msgType {
			return true
		}
	}
	return false
}

func findCommand(t *testing.T, cmds []Command, kind CommandKind) Command {
	t.Helper()
	for _, c := range cmds {
		if c.Kind == kind {
			return c
		}
	}
	t.Fatalf("no %s command in %v", kind, kinds(cmds))
	return Command{}
}

// handledPairs is the transition table: every (state, event) pair that has
// an effect. STOP is handled everywhere and checked separately.
var handledPairs = map[State][]string{
	StateIdleStopped:           {EventStart, EventAgentReady},
	StateIdleDialogOpen:        {EventStart, EventAgentReady, EventDialogClosed},
	StateStarting:              {EventPageLoaded, EventNavigateRequired, EventNoMissionFound, EventLookupFailed, EventTimeout, EventFatalError},
	StateNavigating:            {EventPageLoaded, EventMissionRemoved, EventTimeout, EventFatalError},
	StateWaitingForLoader:      {EventLoaderDetected, EventAgentReady, EventTimeout, EventFatalError},
	StateOpeningDialog:         {EventDialogOpened, EventAgentReady, EventTimeout, EventFatalError},
	StateGameReady:             {EventAgentReady, EventAutomationStarted, EventTimeout, EventFatalError},
	StateRunning:               {EventMissionCompleted, EventTimeout, EventFatalError},
	StateCompleting:            {EventMissionFound, EventNoMissionFound, EventLookupFailed, EventTimeout, EventFatalError},
	StateWaitingForDialogClose: {EventDialogClosed, EventTimeout, EventFatalError},
	StateError:                 {EventRetry},
}

var allEventTypes = []string{
	EventStart, EventRetry, EventMissionFound, EventNoMissionFound,
	EventLookupFailed, EventMissionRemoved, EventNavigateRequired, EventTimeout,
	EventPageLoaded, EventLoaderDetected, EventDialogOpened, EventDialogClosed,
	EventAgentReady, EventAutomationStarted, EventMissionCompleted, EventFatalError,
	protocol.EvtMissionProgress, protocol.EvtKeepAlive, protocol.EvtPageMissing,
}

func TestUnhandledEventsAreNoOps(t *testing.T) {
	for _, state := range States() {
		ctx := Context{ActiveMissionID: "m1", ActiveMissionLocator: "/missions/m1", Seq: 7}
		for _, eventType := range allEventTypes {
			// Fields are set so that every table entry applies: the mission
			// is the active one, the lookup key is current and the timer is
			// the live one.
			ev := Event{Type: eventType, MissionID: "m1", Locator: "/missions/m1", State: state, Seq: ctx.Seq}
			r := step(t, state, ctx, ev)
			if slices.Contains(handledPairs[state], eventType) {
				if !r.Handled {
					t.Errorf("%s + %s not handled, want a table transition", state, eventType)
				}
				continue
			}
			if r.Handled {
				t.Errorf("%s + %s handled (-> %s), want no-op", state, eventType, r.State)
				continue
			}
			if r.State != state || r.Context != ctx || len(r.Commands) != 0 {
				t.Errorf("%s + %s = (%s, %+v, %v), want unchanged", state, eventType, r.State, r.Context, kinds(r.Commands))
			}
		}
	}
}

func TestStopFromEveryState(t *testing.T) {
	for _, s := range States() {
		ctx := Context{LastError: "boom", ErrorRetryCount: 2, Seq: 3}
		if s.HoldsMission() {
			ctx.ActiveMissionID = "m1"
			ctx.ActiveMissionLocator = "/missions/m1"
		}
		r := step(t, s, ctx, Event{Type: EventStop})
		if !r.Handled || r.State != StateIdleStopped {
			t.Fatalf("STOP from %s = %s (handled=%v), want %s", s, r.State, r.Handled, StateIdleStopped)
		}
		if r.Context.CompletionReason != ReasonStopped {
			t.Fatalf("STOP from %s reason = %q, want %q", s, r.Context.CompletionReason, ReasonStopped)
		}
		if r.Context.ActiveMissionID != "" || r.Context.LastError != "" || r.Context.ErrorRetryCount != 0 {
			t.Fatalf("STOP from %s context = %+v, want reset", s, r.Context)
		}
		if !hasCommand(r.Commands, CommandCancelTimer, "") {
			t.Fatalf("STOP from %s commands = %v, want cancel_timer", s, kinds(r.Commands))
		}
		if s.InGameplay() && !hasCommand(r.Commands, CommandSend, protocol.CmdEndAutomation) {
			t.Fatalf("STOP from %s commands = %v, want END_AUTOMATION", s, kinds(r.Commands))
		}

		again := step(t, r.State, r.Context, Event{Type: EventStop})
		if again.State != StateIdleStopped || again.Context.CompletionReason != ReasonStopped {
			t.Fatalf("second STOP from %s = (%s, %q)", s, again.State, again.Context.CompletionReason)
		}
		if hasCommand(again.Commands, CommandSend, protocol.CmdEndAutomation) {
			t.Fatalf("second STOP emitted END_AUTOMATION: %v", kinds(again.Commands))
		}
	}
}

func TestStartLooksUpMission(t *testing.T) {
	r := step(t, StateIdleStopped, Context{}, Event{Type: EventStart})
	if r.State != StateStarting {
		t.Fatalf("state = %s, want %s", r.State, StateStarting)
	}
	timer := findCommand(t, r.Commands, CommandStartTimer)
	if timer.State != StateStarting || timer.Seq != r.Context.Seq || timer.Timeout != DefaultLimits().Timeouts[StateStarting] {
		t.Fatalf("timer = %+v", timer)
	}
	lookup := findCommand(t, r.Commands, CommandLookupMission)
	if lookup.Key != r.Context.LookupKey() {
		t.Fatalf("lookup key = %q, want %q", lookup.Key, r.Context.LookupKey())
	}
}

// A mission on another page: lookup, navigate, loader, dialog, automation.
func TestNavigateToMissionAndRun(t *testing.T) {
	state, ctx := StateIdleStopped, Context{}
	apply := func(ev Event) Result {
		t.Helper()
		r := step(t, state, ctx, ev)
		if !r.Handled {
			t.Fatalf("%s + %s not handled", state, ev.Type)
		}
		state, ctx = r.State, r.Context
		return r
	}

	r := apply(Event{Type: EventStart})
	key := findCommand(t, r.Commands, CommandLookupMission).Key

	r = apply(Event{Type: EventNavigateRequired, MissionID: "m1", Locator: "/missions/m1", Key: key})
	if state != StateNavigating || ctx.ActiveMissionID != "m1" {
		t.Fatalf("after lookup = (%s, %q), want navigating m1", state, ctx.ActiveMissionID)
	}
	nav := findCommand(t, r.Commands, CommandNavigate)
	if nav.MissionID != "m1" || nav.Locator != "/missions/m1" || nav.ConfirmClosed {
		t.Fatalf("navigate = %+v", nav)
	}

	r = apply(Event{Type: EventPageLoaded, MissionID: "m1", Locator: "/missions/m1"})
	if state != StateWaitingForLoader || !hasCommand(r.Commands, CommandSend, protocol.CmdProbeForLoader) {
		t.Fatalf("after page loaded = (%s, %v)", state, kinds(r.Commands))
	}
	probe := r.Commands[len(r.Commands)-1]
	if probe.Message.Target != protocol.TargetTop {
		t.Fatalf("probe target = %q, want %q", probe.Message.Target, protocol.TargetTop)
	}

	r = apply(Event{Type: EventLoaderDetected})
	if state != StateOpeningDialog || !hasCommand(r.Commands, CommandSend, protocol.CmdOpenDialog) {
		t.Fatalf("after loader = (%s, %v)", state, kinds(r.Commands))
	}

	r = apply(Event{Type: EventDialogOpened})
	if state != StateGameReady {
		t.Fatalf("after dialog opened = %s, want %s", state, StateGameReady)
	}
	begin := r.Commands[len(r.Commands)-1]
	if begin.Message.Type != protocol.CmdBeginAutomation || begin.Message.Target != protocol.TargetFrames {
		t.Fatalf("begin = %+v", begin.Message)
	}
	payload, err := protocol.DecodeData[protocol.BeginAutomation](begin.Message)
	if err != nil || payload.MissionID != "m1" {
		t.Fatalf("begin payload = %+v, %v", payload, err)
	}

	apply(Event{Type: EventAutomationStarted})
	if state != StateRunning {
		t.Fatalf("state = %s, want %s", state, StateRunning)
	}
}

// Completion rolls over to the next mission after the dialog closes.
func TestCompletionRollsOverToNextMission(t *testing.T) {
	ctx := Context{ActiveMissionID: "m1", ActiveMissionLocator: "/missions/m1", Seq: 10}
	r := step(t, StateRunning, ctx, Event{Type: EventMissionCompleted, MissionID: "m1"})
	if r.State != StateCompleting {
		t.Fatalf("state = %s, want %s", r.State, StateCompleting)
	}
	cleared := findCommand(t, r.Commands, CommandMarkCleared)
	if cleared.MissionID != "m1" {
		t.Fatalf("mark cleared = %q, want m1", cleared.MissionID)
	}
	lookup := findCommand(t, r.Commands, CommandLookupMission)
	if len(lookup.Exclude) != 1 || lookup.Exclude[0] != "m1" {
		t.Fatalf("lookup exclude = %v, want [m1]", lookup.Exclude)
	}

	r = step(t, r.State, r.Context, Event{Type: EventMissionFound, MissionID: "m2", Locator: "/missions/m2", Key: lookup.Key})
	if r.State != StateWaitingForDialogClose || r.Context.ActiveMissionID != "m2" {
		t.Fatalf("after found = (%s, %q)", r.State, r.Context.ActiveMissionID)
	}
	if !hasCommand(r.Commands, CommandSend, protocol.CmdEndAutomation) || !hasCommand(r.Commands, CommandSend, protocol.CmdQueryDialogStatus) {
		t.Fatalf("after found commands = %v", kinds(r.Commands))
	}

	r = step(t, r.State, r.Context, Event{Type: EventDialogClosed})
	if r.State != StateNavigating {
		t.Fatalf("after dialog closed = %s, want %s", r.State, StateNavigating)
	}
	nav := findCommand(t, r.Commands, CommandNavigate)
	if nav.MissionID != "m2" || !nav.ConfirmClosed {
		t.Fatalf("navigate = %+v, want m2 with confirmation", nav)
	}
}

func TestDialogCloseTimeoutAssumesClosed(t *testing.T) {
	ctx := Context{ActiveMissionID: "m2", ActiveMissionLocator: "/missions/m2", Seq: 4}
	r := step(t, StateWaitingForDialogClose, ctx, Event{Type: EventTimeout, State: StateWaitingForDialogClose, Seq: 4})
	if r.State != StateNavigating || !findCommand(t, r.Commands, CommandNavigate).ConfirmClosed {
		t.Fatalf("timeout = (%s, %v)", r.State, kinds(r.Commands))
	}
}

func TestLookupRetryBound(t *testing.T) {
	for _, evType := range []string{EventNoMissionFound, EventLookupFailed} {
		state, ctx := StateCompleting, Context{CompletedMissionID: "m1", Seq: 2}
		for i := 1; i <= 3; i++ {
			r := step(t, state, ctx, Event{Type: evType})
			if !r.Handled {
				t.Fatalf("%s #%d not handled", evType, i)
			}
			state, ctx = r.State, r.Context
			if i < 3 {
				if state != StateCompleting || !r.Internal {
					t.Fatalf("%s #%d = %s (internal=%v), want internal completing", evType, i, state, r.Internal)
				}
				lookup := findCommand(t, r.Commands, CommandLookupMission)
				if lookup.Attempt != i || lookup.Key != ctx.LookupKey() {
					t.Fatalf("%s #%d lookup = %+v", evType, i, lookup)
				}
				continue
			}
			want := ReasonNoMissions
			if evType == EventLookupFailed {
				want = ReasonLookupFailed
			}
			if state != StateIdleStopped || ctx.CompletionReason != want {
				t.Fatalf("%s #3 = (%s, %q), want (%s, %q)", evType, state, ctx.CompletionReason, StateIdleStopped, want)
			}
			if !hasCommand(r.Commands, CommandSend, protocol.CmdEndAutomation) {
				t.Fatalf("%s #3 commands = %v, want END_AUTOMATION", evType, kinds(r.Commands))
			}
		}
	}
}

func TestStaleLookupResultIgnored(t *testing.T) {
	ctx := Context{CompletedMissionID: "m1", MissionLookupRetryCount: 1, Seq: 5}
	r := step(t, StateCompleting, ctx, Event{Type: EventNoMissionFound, Key: "lookup/5/0"})
	if r.Handled {
		t.Fatalf("stale NO_MISSION_FOUND handled")
	}
	r = step(t, StateCompleting, ctx, Event{Type: EventMissionFound, MissionID: "m3", Key: "lookup/5/1"})
	if r.State != StateWaitingForDialogClose {
		t.Fatalf("current MISSION_FOUND = %s, want %s", r.State, StateWaitingForDialogClose)
	}
}

func TestAgentReadyResolvesRaces(t *testing.T) {
	r := step(t, StateWaitingForLoader, Context{ActiveMissionID: "m1", Seq: 1}, Event{Type: EventAgentReady, MissionID: "m1"})
	if r.State != StateGameReady {
		t.Fatalf("waiting_for_loader + AGENT_READY = %s, want %s", r.State, StateGameReady)
	}

	r = step(t, StateOpeningDialog, Context{ActiveMissionID: "m1", Seq: 1}, Event{Type: EventAgentReady})
	if r.State != StateGameReady {
		t.Fatalf("opening_dialog + AGENT_READY = %s, want %s", r.State, StateGameReady)
	}

	r = step(t, StateIdleStopped, Context{CompletionReason: ReasonStopped}, Event{Type: EventAgentReady, MissionID: "m9"})
	if r.State != StateIdleDialogOpen || r.Context.SurfaceMissionID != "m9" || r.Context.CompletionReason != "" {
		t.Fatalf("idle + AGENT_READY = (%s, %+v)", r.State, r.Context)
	}

	r = step(t, r.State, r.Context, Event{Type: EventStart})
	if r.State != StateGameReady || r.Context.ActiveMissionID != "m9" {
		t.Fatalf("dialog_open + START = (%s, %q), want game_ready m9", r.State, r.Context.ActiveMissionID)
	}
}

func TestGameReadyResendsBegin(t *testing.T) {
	ctx := Context{ActiveMissionID: "m1", Seq: 6}
	r := step(t, StateGameReady, ctx, Event{Type: EventAgentReady})
	if !r.Internal || r.State != StateGameReady || r.Context.Seq != 6 {
		t.Fatalf("AGENT_READY = (%s, internal=%v, seq=%d)", r.State, r.Internal, r.Context.Seq)
	}
	if !hasCommand(r.Commands, CommandSend, protocol.CmdBeginAutomation) {
		t.Fatalf("commands = %v, want BEGIN_AUTOMATION", kinds(r.Commands))
	}

	r = step(t, StateGameReady, ctx, Event{Type: EventAgentReady, Automating: true})
	if r.State != StateRunning {
		t.Fatalf("automating heartbeat = %s, want %s", r.State, StateRunning)
	}
}

func TestTimeoutsRespectSeq(t *testing.T) {
	ctx := Context{ActiveMissionID: "m1", Seq: 8}
	r := step(t, StateNavigating, ctx, Event{Type: EventTimeout, State: StateNavigating, Seq: 7})
	if r.Handled {
		t.Fatalf("stale timeout handled")
	}
	r = step(t, StateNavigating, ctx, Event{Type: EventTimeout, State: StateNavigating, Seq: 8})
	if r.State != StateError || r.Context.LastError == "" || r.Context.ActiveMissionID != "" {
		t.Fatalf("timeout = (%s, %+v)", r.State, r.Context)
	}
	r = step(t, StateGameReady, Context{ActiveMissionID: "m1", Seq: 3}, Event{Type: EventTimeout, State: StateGameReady, Seq: 3})
	if r.State != StateError || !hasCommand(r.Commands, CommandSend, protocol.CmdEndAutomation) {
		t.Fatalf("game_ready timeout = (%s, %v)", r.State, kinds(r.Commands))
	}
}

func TestFatalErrorAndRetry(t *testing.T) {
	r := step(t, StateRunning, Context{ActiveMissionID: "m1", Seq: 2}, Event{Type: EventFatalError, Reason: "out of lives"})
	if r.State != StateError || r.Context.LastError != "out of lives" || r.Context.CompletionReason != ReasonError {
		t.Fatalf("fatal = (%s, %+v)", r.State, r.Context)
	}
	r = step(t, r.State, r.Context, Event{Type: EventRetry})
	if r.State != StateStarting || r.Context.ErrorRetryCount != 1 || r.Context.LastError != "" {
		t.Fatalf("retry = (%s, %+v)", r.State, r.Context)
	}
	if !hasCommand(r.Commands, CommandLookupMission, "") {
		t.Fatalf("retry commands = %v, want lookup", kinds(r.Commands))
	}
}

func TestMissionRemovedRetargets(t *testing.T) {
	ctx := Context{ActiveMissionID: "m1", ActiveMissionLocator: "/missions/m1", Seq: 3}
	r := step(t, StateNavigating, ctx, Event{Type: EventMissionRemoved, MissionID: "m1"})
	if r.State != StateStarting || r.Context.ActiveMissionID != "" {
		t.Fatalf("removed = (%s, %q)", r.State, r.Context.ActiveMissionID)
	}
	if got := findCommand(t, r.Commands, CommandMarkDisabled).MissionID; got != "m1" {
		t.Fatalf("mark disabled = %q, want m1", got)
	}
	if got := findCommand(t, r.Commands, CommandLookupMission).Exclude; len(got) != 1 || got[0] != "m1" {
		t.Fatalf("lookup exclude = %v, want [m1]", got)
	}

	r = step(t, StateNavigating, ctx, Event{Type: EventMissionRemoved, MissionID: "other"})
	if r.Handled {
		t.Fatalf("removal of another mission handled")
	}
}

func TestActiveMissionOnlyInMissionStates(t *testing.T) {
	for _, s := range States() {
		snap := Snapshot{State: s, Context: Context{ActiveMissionID: "m1"}}
		err := snap.Validate()
		if s.HoldsMission() && err != nil {
			t.Fatalf("%s Validate() = %v, want nil", s, err)
		}
		if !s.HoldsMission() && err == nil {
			t.Fatalf("%s Validate() = nil, want error", s)
		}
	}
	if err := (Snapshot{State: "bogus"}).Validate(); err == nil {
		t.Fatalf("Validate(bogus) = nil, want error")
	}
}

func TestResume(t *testing.T) {
	limits := DefaultLimits()
	tests := []struct {
		state State
		ctx   Context
		want  State
		cmd   CommandKind
	}{
		{StateStarting, Context{Seq: 2}, StateStarting, CommandLookupMission},
		{StateNavigating, Context{ActiveMissionID: "m1", ActiveMissionLocator: "/missions/m1", Seq: 2}, StateNavigating, CommandNavigate},
		{StateRunning, Context{ActiveMissionID: "m1", Seq: 2}, StateGameReady, CommandSend},
		{StateCompleting, Context{CompletedMissionID: "m1", Seq: 2}, StateCompleting, CommandMarkCleared},
		{StateCompleting, Context{Seq: 2}, StateStarting, CommandLookupMission},
		{StateIdleDialogOpen, Context{SurfaceMissionID: "m3", Seq: 2}, StateIdleStopped, ""},
		{StateError, Context{LastError: "boom", Seq: 2}, StateError, ""},
	}
	for _, tt := range tests {
		r := Resume(tt.state, tt.ctx, limits)
		if r.State != tt.want {
			t.Fatalf("Resume(%s) = %s, want %s", tt.state, r.State, tt.want)
		}
		if r.Context.Seq < tt.ctx.Seq {
			t.Fatalf("Resume(%s) seq = %d, went backwards", tt.state, r.Context.Seq)
		}
		if tt.cmd != "" && !hasCommand(r.Commands, tt.cmd, protocol.CmdBeginAutomation) {
			t.Fatalf("Resume(%s) commands = %v, want %s", tt.state, kinds(r.Commands), tt.cmd)
		}
	}
	if got := Resume(StateNavigating, Context{ActiveMissionID: "m1", Seq: 1}, limits); !findCommand(t, got.Commands, CommandNavigate).ConfirmClosed {
		t.Fatalf("resumed navigation does not confirm the dialog is closed")
	}
}
