package sim

import (
	"fmt"

	"github.com/agusx1211/missionpilot/internal/classify"
)

// Standard returns n varied missions that a default policy can clear.
func Standard(n int) []Mission {
	layouts := [][]Encounter{
		{
			{Screen: classify.ScreenCrossroads, Damage: 1},
			{Screen: classify.ScreenBargain, Offer: "+10 gold, -1 hp"},
			{Screen: classify.ScreenContinue},
		},
		{
			{Screen: classify.ScreenSkip},
			{Screen: classify.ScreenChoice, Options: []string{"Shrine", "Relic", "Gold"}},
			{Screen: classify.ScreenBattle, Damage: 1},
			{Screen: classify.ScreenInn},
		},
		{
			{Screen: classify.ScreenBattle, Damage: 1},
			{Screen: classify.ScreenBargain, Offer: "-2 hp, -1 key, +5 gold"},
			{Screen: classify.ScreenCrossroads, Damage: 1},
			{Screen: classify.ScreenContinue},
		},
	}
	difficulties := []string{"easy", "normal", "hard"}
	out := make([]Mission, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Mission{
			ID:         fmt.Sprintf("m%d", i+1),
			Title:      fmt.Sprintf("Expedition %d", i+1),
			Difficulty: difficulties[i%len(difficulties)],
			Lives:      3,
			Encounters: layouts[i%len(layouts)],
		})
	}
	return out
}
