// Package session holds the mission-lifecycle state machine.
//
// Transition is a pure function: given the current State, Context and one
// Event it returns the next State, the next Context and the ordered Commands
// the coordinator runtime must execute. Nothing in this package performs I/O,
// reads the clock or keeps hidden state, so the whole machine is replayable
// and its snapshot is just (State, Context).
package session

import (
	"fmt"
	"strings"
	"time"
)

// State is one variant of the session tagged union. Nested variants use a
// dotted path ("gameplay.running").
type State string

const (
	StateIdleStopped           State = "idle.stopped"
	StateIdleDialogOpen        State = "idle.dialog_open"
	StateStarting              State = "starting"
	StateNavigating            State = "navigating"
	StateWaitingForLoader      State = "gameplay.waiting_for_loader"
	StateOpeningDialog         State = "gameplay.opening_dialog"
	StateGameReady             State = "gameplay.game_ready"
	StateRunning               State = "gameplay.running"
	StateCompleting            State = "gameplay.completing"
	StateWaitingForDialogClose State = "gameplay.waiting_for_dialog_close"
	StateError                 State = "error"
)

// States lists every variant.
func States() []State {
	return []State{
		StateIdleStopped, StateIdleDialogOpen, StateStarting, StateNavigating,
		StateWaitingForLoader, StateOpeningDialog, StateGameReady, StateRunning,
		StateCompleting, StateWaitingForDialogClose, StateError,
	}
}

// Valid reports whether s is a known variant.
func (s State) Valid() bool {
	for _, v := range States() {
		if v == s {
			return true
		}
	}
	return false
}

// IsIdle reports whether s is one of the idle variants.
func (s State) IsIdle() bool {
	return strings.HasPrefix(string(s), "idle.")
}

// InGameplay reports whether s is a gameplay-flow substate.
func (s State) InGameplay() bool {
	return strings.HasPrefix(string(s), "gameplay.")
}

// Active reports whether a mission run is in progress (starting, navigating
// or any gameplay substate).
func (s State) Active() bool {
	return s == StateStarting || s == StateNavigating || s.InGameplay()
}

// HoldsMission reports whether the active mission fields may be set in s.
func (s State) HoldsMission() bool {
	return s == StateNavigating || s.InGameplay()
}

// Completion reasons recorded when a session returns to idle or error.
const (
	ReasonStopped      = "stopped"
	ReasonNoMissions   = "no_missions"
	ReasonLookupFailed = "lookup_failed"
	ReasonError        = "error"
)

// Context is the session data owned by the state machine. It is reset on
// every entry to an idle state.
type Context struct {
	ActiveMissionID         string `json:"activeMissionId,omitempty"`
	ActiveMissionLocator    string `json:"activeMissionLocator,omitempty"`
	LastError               string `json:"lastError,omitempty"`
	ErrorRetryCount         int    `json:"errorRetryCount,omitempty"`
	MissionLookupRetryCount int    `json:"missionLookupRetryCount,omitempty"`
	CompletionReason        string `json:"completionReason,omitempty"`

	// SurfaceMissionID is the mission an unsolicited AGENT_READY reported
	// while idle (the surface was opened by hand).
	SurfaceMissionID string `json:"surfaceMissionId,omitempty"`
	// CompletedMissionID is the mission whose completion opened the current
	// completing episode; it is excluded from lookups.
	CompletedMissionID string `json:"completedMissionId,omitempty"`
	// Seq increases on every state entry. Timer events and lookup keys carry
	// the value current when they were issued so stale ones can be dropped.
	Seq int `json:"seq"`
}

// LookupKey is the idempotency key of the lookup owned by the current state
// entry and retry counter.
func (c Context) LookupKey() string {
	return fmt.Sprintf("lookup/%d/%d", c.Seq, c.MissionLookupRetryCount)
}

// Limits bounds retries and liveness waits.
type Limits struct {
	MaxLookupRetries int
	Timeouts         map[State]time.Duration
}

// DefaultLimits returns the stock retry cap and per-state liveness timeouts.
func DefaultLimits() Limits {
	return Limits{
		MaxLookupRetries: 3,
		Timeouts: map[State]time.Duration{
			StateStarting:              10 * time.Second,
			StateNavigating:            30 * time.Second,
			StateWaitingForLoader:      30 * time.Second,
			StateOpeningDialog:         20 * time.Second,
			StateGameReady:             20 * time.Second,
			StateWaitingForDialogClose: 15 * time.Second,
		},
	}
}

func (l Limits) maxRetries() int {
	if l.MaxLookupRetries <= 0 {
		return 3
	}
	return l.MaxLookupRetries
}

func (l Limits) timeout(s State) time.Duration {
	if l.Timeouts == nil {
		return 0
	}
	return l.Timeouts[s]
}

// Snapshot is the serializable form of a session.
type Snapshot struct {
	SessionID string    `json:"sessionId"`
	State     State     `json:"state"`
	Context   Context   `json:"context"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the invariants a restored snapshot must satisfy.
func (s Snapshot) Validate() error {
	if !s.State.Valid() {
		return fmt.Errorf("unknown session state %q", s.State)
	}
	if s.Context.ActiveMissionID != "" && !s.State.HoldsMission() {
		return fmt.Errorf("state %s cannot hold active mission %q", s.State, s.Context.ActiveMissionID)
	}
	return nil
}
