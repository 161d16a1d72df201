package decide

import (
	"testing"

	"github.com/agusx1211/missionpilot/internal/classify"
)

func TestDecideBargainPositiveOnly(t *testing.T) {
	policy := Policy{Bargain: BargainPositiveOnly}

	got := Decide(classify.ScreenBargain, Snapshot{BargainText: "+ + + -"}, policy)
	if got.Control != classify.ControlAccept {
		t.Fatalf("3 plus / 1 minus = %v, want accept", got)
	}

	got = Decide(classify.ScreenBargain, Snapshot{BargainText: "+ - - -"}, policy)
	if got.Control != classify.ControlDecline {
		t.Fatalf("1 plus / 3 minus = %v, want decline", got)
	}
}

func TestDecideBargainStrategies(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		snap   Snapshot
		want   string
	}{
		{name: "always accept ignores text", policy: Policy{Bargain: BargainAlwaysAccept}, snap: Snapshot{BargainText: "---"}, want: classify.ControlAccept},
		{name: "always decline ignores text", policy: Policy{Bargain: BargainAlwaysDecline}, snap: Snapshot{BargainText: "+++"}, want: classify.ControlDecline},
		{name: "default strategy is positive only", policy: Policy{}, snap: Snapshot{BargainText: "+10 gold −5 hp +1 key"}, want: classify.ControlAccept},
		{name: "balanced declines", policy: Policy{}, snap: Snapshot{BargainText: "+1 -1"}, want: classify.ControlDecline},
		{name: "structured tone wins over glyphs", policy: Policy{}, snap: Snapshot{BargainText: "+++", BargainTone: -1}, want: classify.ControlDecline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(classify.ScreenBargain, tt.snap, tt.policy)
			if got.Control != tt.want {
				t.Fatalf("Decide() = %v, want %s", got, tt.want)
			}
		})
	}
}

func TestDecideCrossroads(t *testing.T) {
	if got := Decide(classify.ScreenCrossroads, Snapshot{}, Policy{}); got.Control != classify.ControlFight {
		t.Fatalf("default crossroads = %v, want fight", got)
	}
	if got := Decide(classify.ScreenCrossroads, Snapshot{}, Policy{Crossroads: CrossroadsSkip}); got.Control != classify.ControlDecline {
		t.Fatalf("skip crossroads = %v, want decline control", got)
	}
}

func TestDecideChoice(t *testing.T) {
	options := []string{"Iron Sword", "Healing Herb", "Lucky Coin"}

	got := Decide(classify.ScreenChoice, Snapshot{Options: options}, Policy{ChoicePreferences: []string{"coin", "herb"}})
	if got.Option != "Lucky Coin" {
		t.Fatalf("preferred option = %q, want Lucky Coin", got.Option)
	}

	got = Decide(classify.ScreenChoice, Snapshot{Options: options}, Policy{ChoicePreferences: []string{"shield"}})
	if got.Option != "Iron Sword" || got.Control != classify.ControlOption {
		t.Fatalf("fallback option = %v, want first offered", got)
	}

	if got := Decide(classify.ScreenChoice, Snapshot{}, Policy{}); !got.None() {
		t.Fatalf("choice without options = %v, want none", got)
	}
}

func TestDecideSimpleScreens(t *testing.T) {
	cases := map[classify.Screen]string{
		classify.ScreenBattle:   classify.ControlAttack,
		classify.ScreenInn:      classify.ControlRest,
		classify.ScreenSkip:     classify.ControlSkip,
		classify.ScreenContinue: classify.ControlContinue,
		classify.ScreenFinish:   classify.ControlFinish,
	}
	for screen, want := range cases {
		if got := Decide(screen, Snapshot{}, DefaultPolicy()); got.Control != want {
			t.Fatalf("Decide(%s) = %v, want %s", screen, got, want)
		}
	}
	if got := Decide(classify.ScreenInn, Snapshot{}, Policy{Inn: InnLeave}); got.Control != classify.ControlLeave {
		t.Fatalf("inn leave = %v", got)
	}
	if got := Decide(classify.ScreenUnknown, Snapshot{}, DefaultPolicy()); !got.None() {
		t.Fatalf("unknown screen = %v, want none", got)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("DefaultPolicy().Validate() = %v", err)
	}
	if err := (Policy{Bargain: "sometimes"}).Validate(); err == nil {
		t.Fatalf("expected error for unknown bargain strategy")
	}
	if err := (Policy{Crossroads: "flee"}).Validate(); err == nil {
		t.Fatalf("expected error for unknown crossroads strategy")
	}
}
