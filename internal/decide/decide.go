// Package decide maps a classified screen, the agent's progress snapshot and
// the user's policy to a concrete action.
package decide

import (
	"fmt"
	"strings"

	"github.com/agusx1211/missionpilot/internal/classify"
)

// Crossroads strategies.
const (
	CrossroadsFight = "fight"
	CrossroadsSkip  = "skip"
)

// Bargain strategies.
const (
	BargainAlwaysAccept  = "always-accept"
	BargainAlwaysDecline = "always-decline"
	BargainPositiveOnly  = "positive-only"
)

// Inn strategies.
const (
	InnRest  = "rest"
	InnLeave = "leave"
)

// Policy is the user-configured decision policy.
type Policy struct {
	Crossroads        string   `json:"crossroads,omitempty" yaml:"crossroads,omitempty"`
	Bargain           string   `json:"bargain,omitempty" yaml:"bargain,omitempty"`
	ChoicePreferences []string `json:"choice_preferences,omitempty" yaml:"choice_preferences,omitempty"`
	Inn               string   `json:"inn,omitempty" yaml:"inn,omitempty"`
}

// DefaultPolicy fights at crossroads, only takes favourable bargains and rests at inns.
func DefaultPolicy() Policy {
	return Policy{
		Crossroads: CrossroadsFight,
		Bargain:    BargainPositiveOnly,
		Inn:        InnRest,
	}
}

// Validate rejects unknown strategy names. Empty values mean "default".
func (p Policy) Validate() error {
	switch p.Crossroads {
	case "", CrossroadsFight, CrossroadsSkip:
	default:
		return fmt.Errorf("unknown crossroads strategy %q", p.Crossroads)
	}
	switch p.Bargain {
	case "", BargainAlwaysAccept, BargainAlwaysDecline, BargainPositiveOnly:
	default:
		return fmt.Errorf("unknown bargain strategy %q", p.Bargain)
	}
	switch p.Inn {
	case "", InnRest, InnLeave:
	default:
		return fmt.Errorf("unknown inn strategy %q", p.Inn)
	}
	return nil
}

// Snapshot is the gameplay agent's view of the current mission, rebuilt on
// every poll tick.
type Snapshot struct {
	MissionID       string
	LivesRemaining  int
	LivesKnown      bool
	EncounterIndex  int
	TotalEncounters int
	CurrentScreen   classify.Screen

	// BargainText is the offer description shown on bargain screens.
	BargainText string
	// BargainTone is a structured offer verdict when the surface exposes
	// one: >0 favourable, <0 unfavourable, 0 unknown.
	BargainTone int
	// Options are the labels offered on choice screens, in display order.
	Options []string
}

// Action is the decision for one screen. An empty Control means the engine
// has no opinion and the caller applies its own fallback.
type Action struct {
	Control string
	Option  string
	Reason  string
}

// None reports whether the action carries no decision.
func (a Action) None() bool {
	return a.Control == ""
}

func (a Action) String() string {
	if a.None() {
		return "none"
	}
	if a.Option != "" {
		return a.Control + ":" + a.Option
	}
	return a.Control
}

// Decide returns the action for screen.
func Decide(screen classify.Screen, snap Snapshot, policy Policy) Action {
	switch screen {
	case classify.ScreenCrossroads:
		if policy.Crossroads == CrossroadsSkip {
			return Action{Control: classify.ControlDecline, Reason: "crossroads strategy skip"}
		}
		return Action{Control: classify.ControlFight, Reason: "crossroads strategy fight"}

	case classify.ScreenBargain:
		return decideBargain(snap, policy)

	case classify.ScreenChoice:
		return decideChoice(snap.Options, policy.ChoicePreferences)

	case classify.ScreenBattle:
		return Action{Control: classify.ControlAttack, Reason: "battle"}

	case classify.ScreenInn:
		if policy.Inn == InnLeave {
			return Action{Control: classify.ControlLeave, Reason: "inn strategy leave"}
		}
		return Action{Control: classify.ControlRest, Reason: "inn strategy rest"}

	case classify.ScreenSkip:
		return Action{Control: classify.ControlSkip, Reason: "skip"}
	case classify.ScreenContinue:
		return Action{Control: classify.ControlContinue, Reason: "continue"}
	case classify.ScreenFinish:
		return Action{Control: classify.ControlFinish, Reason: "finish"}
	}
	return Action{}
}

// BargainTone classifies offer text by counting positive against negative
// glyphs: >0 favourable, <0 unfavourable, 0 balanced or empty.
func BargainTone(text string) int {
	plus, minus := 0, 0
	for _, r := range text {
		switch r {
		case '+', '＋':
			plus++
		case '-', '−', '－':
			minus++
		}
	}
	switch {
	case plus > minus:
		return 1
	case minus > plus:
		return -1
	}
	return 0
}

func decideBargain(snap Snapshot, policy Policy) Action {
	switch policy.Bargain {
	case BargainAlwaysAccept:
		return Action{Control: classify.ControlAccept, Reason: "bargain strategy always-accept"}
	case BargainAlwaysDecline:
		return Action{Control: classify.ControlDecline, Reason: "bargain strategy always-decline"}
	}
	tone := snap.BargainTone
	source := "structured"
	if tone == 0 {
		tone = BargainTone(snap.BargainText)
		source = "glyphs"
	}
	if tone > 0 {
		return Action{Control: classify.ControlAccept, Reason: "favourable offer (" + source + ")"}
	}
	return Action{Control: classify.ControlDecline, Reason: "unfavourable offer (" + source + ")"}
}

func decideChoice(options, preferences []string) Action {
	if len(options) == 0 {
		return Action{}
	}
	for _, pref := range preferences {
		pref = strings.ToLower(strings.TrimSpace(pref))
		if pref == "" {
			continue
		}
		for _, opt := range options {
			if strings.Contains(strings.ToLower(opt), pref) {
				return Action{Control: classify.ControlOption, Option: opt, Reason: "preference " + pref}
			}
		}
	}
	return Action{Control: classify.ControlOption, Option: options[0], Reason: "first offered option"}
}
