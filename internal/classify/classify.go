// Package classify maps an observable-surface signature to a screen category.
//
// Classification is a pure function of a Signature value. How the signature
// is captured (HTML inspection, a simulated world, a remote browser) is
// someone else's concern; this package only ranks control combinations.
package classify

import (
	"sort"
	"strings"
)

// SignatureVersion is bumped whenever control or signal names change meaning.
const SignatureVersion = 1

// Screen is a classified gameplay state.
type Screen string

const (
	ScreenSkip       Screen = "skip"
	ScreenBattle     Screen = "battle"
	ScreenCrossroads Screen = "crossroads"
	ScreenBargain    Screen = "bargain"
	ScreenChoice     Screen = "choice"
	ScreenContinue   Screen = "continue"
	ScreenFinish     Screen = "finish"
	ScreenInn        Screen = "inn"
	ScreenInProgress Screen = "in_progress"
	ScreenUnknown    Screen = "unknown"
)

// Control names understood by the classifier.
const (
	ControlSkip     = "skip"
	ControlFight    = "fight"
	ControlDecline  = "decline"
	ControlAccept   = "accept"
	ControlOption   = "option"
	ControlAttack   = "attack"
	ControlContinue = "continue"
	ControlFinish   = "finish"
	ControlRest     = "rest"
	ControlLeave    = "leave"

	// Persistent utility controls, visible on every screen while the
	// surface is open.
	ControlMenu = "menu"
	ControlMap  = "map"
)

// Auxiliary signal names.
const (
	SignalInBattle = "in_battle"
	SignalLoading  = "loading"
)

// Signature is the versioned observable description of one surface frame.
type Signature struct {
	Version  int             `json:"version"`
	Controls []string        `json:"controls"`
	Signals  map[string]bool `json:"signals,omitempty"`
}

// NewSignature builds a current-version signature with normalized control names.
func NewSignature(controls []string, signals map[string]bool) Signature {
	norm := make([]string, 0, len(controls))
	for _, c := range controls {
		c = Normalize(c)
		if c != "" {
			norm = append(norm, c)
		}
	}
	return Signature{Version: SignatureVersion, Controls: norm, Signals: signals}
}

// Normalize lowercases and trims a control name.
func Normalize(control string) string {
	return strings.ToLower(strings.TrimSpace(control))
}

// Has reports whether every named control is visible.
func (s Signature) Has(controls ...string) bool {
	for _, want := range controls {
		found := false
		for _, c := range s.Controls {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Signal reports whether an auxiliary signal is set.
func (s Signature) Signal(name string) bool {
	return s.Signals != nil && s.Signals[name]
}

// Actionable returns the visible controls that are not persistent utility
// controls, deduplicated and in first-seen order.
func (s Signature) Actionable() []string {
	var out []string
	seen := make(map[string]struct{}, len(s.Controls))
	for _, c := range s.Controls {
		if IsUtility(c) {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// IsUtility reports whether control is one of the always-present utility controls.
func IsUtility(control string) bool {
	return control == ControlMenu || control == ControlMap
}

// rule is one signature check. Rules are evaluated in order; the first match wins.
type rule struct {
	screen Screen
	match  func(Signature) bool
}

// Two-control signatures come before the generic ones: "decline" is shared by
// crossroads and bargain, and the utility controls are visible on every screen.
var rules = []rule{
	{ScreenFinish, func(s Signature) bool { return s.Has(ControlFinish) }},
	{ScreenCrossroads, func(s Signature) bool { return s.Has(ControlFight, ControlDecline) }},
	{ScreenBargain, func(s Signature) bool { return s.Has(ControlAccept, ControlDecline) }},
	{ScreenChoice, func(s Signature) bool { return s.Has(ControlOption) }},
	{ScreenBattle, func(s Signature) bool { return s.Has(ControlAttack) || s.Signal(SignalInBattle) }},
	{ScreenInn, func(s Signature) bool { return s.Has(ControlRest) }},
	{ScreenSkip, func(s Signature) bool { return s.Has(ControlSkip) }},
	{ScreenContinue, func(s Signature) bool { return s.Has(ControlContinue) }},
	{ScreenInProgress, func(s Signature) bool { return len(s.Actionable()) == 0 }},
}

// Classify returns the screen category for sig. A signature from a newer
// version is still classified with the current rules; unknown control names
// simply never match.
func Classify(sig Signature) Screen {
	if sig.Signal(SignalLoading) {
		return ScreenInProgress
	}
	for _, r := range rules {
		if r.match(sig) {
			return r.screen
		}
	}
	return ScreenUnknown
}

// IsActionable reports whether the screen expects an input from the agent.
func IsActionable(screen Screen) bool {
	return screen != ScreenInProgress
}

// Screens lists every category, sorted. Used for metrics labels and validation.
func Screens() []Screen {
	out := []Screen{
		ScreenSkip, ScreenBattle, ScreenCrossroads, ScreenBargain, ScreenChoice,
		ScreenContinue, ScreenFinish, ScreenInn, ScreenInProgress, ScreenUnknown,
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
