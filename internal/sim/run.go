package sim

import (
	"fmt"
	"html"
	"strings"

	"github.com/agusx1211/missionpilot/internal/classify"
)

func attr(s string) string {
	return html.EscapeString(s)
}

func button(b *strings.Builder, control, label string) {
	fmt.Fprintf(b, `<button data-control="%s">%s</button>`, attr(control), html.EscapeString(label))
}

func (r *run) current() (Encounter, bool) {
	if r.index >= len(r.mission.Encounters) {
		return Encounter{}, false
	}
	return r.mission.Encounters[r.index], true
}

func (r *run) renderScreen(b *strings.Builder) {
	if r.lives <= 0 {
		b.WriteString(`<p class="defeat">You have fallen.</p>`)
		button(b, classify.ControlAttack, "Attack")
		return
	}
	enc, ok := r.current()
	if !ok {
		button(b, classify.ControlFinish, "Claim rewards")
		return
	}
	switch enc.Screen {
	case classify.ScreenCrossroads:
		b.WriteString(`<p>A foe blocks the road.</p>`)
		button(b, classify.ControlFight, "Fight")
		button(b, classify.ControlDecline, "Go around")
	case classify.ScreenBattle:
		b.WriteString(`<div data-signal="in_battle"><p>Battle!</p></div>`)
		button(b, classify.ControlAttack, "Attack")
	case classify.ScreenBargain:
		fmt.Fprintf(b, `<p data-bargain>%s</p>`, html.EscapeString(enc.Offer))
		button(b, classify.ControlAccept, "Accept")
		button(b, classify.ControlDecline, "Decline")
	case classify.ScreenChoice:
		for _, opt := range enc.Options {
			button(b, classify.ControlOption, opt)
		}
	case classify.ScreenInn:
		button(b, classify.ControlRest, "Rest")
		button(b, classify.ControlLeave, "Leave")
	case classify.ScreenSkip:
		button(b, classify.ControlSkip, "Skip")
	default:
		button(b, classify.ControlContinue, "Continue")
	}
}

// click applies a control to the current encounter.
func (r *run) click(control, option string) error {
	if r.lives <= 0 {
		return fmt.Errorf("mission %s: no lives left", r.mission.ID)
	}
	enc, ok := r.current()
	if !ok {
		if control != classify.ControlFinish {
			return fmt.Errorf("mission %s: %q on finish screen", r.mission.ID, control)
		}
		r.finished = true
		return nil
	}
	valid := map[classify.Screen][]string{
		classify.ScreenCrossroads: {classify.ControlFight, classify.ControlDecline},
		classify.ScreenBattle:     {classify.ControlAttack},
		classify.ScreenBargain:    {classify.ControlAccept, classify.ControlDecline},
		classify.ScreenChoice:     {classify.ControlOption},
		classify.ScreenInn:        {classify.ControlRest, classify.ControlLeave},
		classify.ScreenSkip:       {classify.ControlSkip},
	}[enc.Screen]
	if valid == nil {
		valid = []string{classify.ControlContinue}
	}
	allowed := false
	for _, v := range valid {
		if v == control {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("mission %s: %q not offered on %s", r.mission.ID, control, enc.Screen)
	}

	switch {
	case enc.Screen == classify.ScreenChoice:
		found := false
		for _, opt := range enc.Options {
			if strings.EqualFold(opt, option) {
				found = true
			}
		}
		if !found && option != "" {
			return fmt.Errorf("mission %s: no option %q", r.mission.ID, option)
		}
	case control == classify.ControlFight, control == classify.ControlAttack:
		r.lives -= enc.Damage
		if r.lives <= 0 {
			r.lives = 0
			return nil
		}
	case control == classify.ControlRest:
		r.lives++
	}
	r.index++
	return nil
}
