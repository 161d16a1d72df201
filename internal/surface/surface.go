// Package surface turns a captured game-surface frame into an Observation:
// the classifier's Signature plus the progress counters the gameplay agent
// needs.
//
// Frames are HTML documents following a small attribute convention:
//
//	data-control="fight"        actionable control (option controls carry their label as text)
//	data-signal="in_battle"     auxiliary signal, set while the element is visible
//	data-lives="3"              lives remaining
//	data-encounter="2/5"        current encounter / total encounters
//	data-bargain                offer text; optional data-tone="positive|negative"
//	data-mission="m1"           mission identity
//
// Elements carrying the hidden attribute, aria-hidden="true", the "hidden"
// class or disabled (and their descendants) are not visible.
package surface

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/agusx1211/missionpilot/internal/classify"
)

// Observation is everything inspected from one frame.
type Observation struct {
	Signature       classify.Signature
	MissionID       string
	Lives           int
	LivesKnown      bool
	EncounterIndex  int
	TotalEncounters int
	BargainText     string
	BargainTone     int
	Options         []string
}

// Inspect parses an HTML frame.
func Inspect(r io.Reader) (Observation, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Observation{}, fmt.Errorf("parsing surface frame: %w", err)
	}
	return InspectDocument(doc), nil
}

// InspectString parses an HTML frame held in memory.
func InspectString(html string) (Observation, error) {
	return Inspect(strings.NewReader(html))
}

// InspectDocument extracts an Observation from an already parsed document.
func InspectDocument(doc *goquery.Document) Observation {
	var obs Observation
	var controls []string
	signals := make(map[string]bool)

	doc.Find("[data-control]").Each(func(_ int, s *goquery.Selection) {
		if !visible(s) {
			return
		}
		name := classify.Normalize(s.AttrOr("data-control", ""))
		if name == "" {
			return
		}
		controls = append(controls, name)
		if name == classify.ControlOption {
			if label := strings.TrimSpace(s.Text()); label != "" {
				obs.Options = append(obs.Options, label)
			}
		}
	})

	doc.Find("[data-signal]").Each(func(_ int, s *goquery.Selection) {
		if name := classify.Normalize(s.AttrOr("data-signal", "")); name != "" && visible(s) {
			signals[name] = true
		}
	})
	if len(signals) == 0 {
		signals = nil
	}
	obs.Signature = classify.NewSignature(controls, signals)

	if v, ok := doc.Find("[data-lives]").First().Attr("data-lives"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			obs.Lives = n
			obs.LivesKnown = true
		}
	}
	if v, ok := doc.Find("[data-encounter]").First().Attr("data-encounter"); ok {
		obs.EncounterIndex, obs.TotalEncounters = parseEncounter(v)
	}
	if sel := doc.Find("[data-bargain]").First(); sel.Length() > 0 && visible(sel) {
		obs.BargainText = strings.TrimSpace(sel.Text())
		switch strings.ToLower(sel.AttrOr("data-tone", "")) {
		case "positive":
			obs.BargainTone = 1
		case "negative":
			obs.BargainTone = -1
		}
	}
	obs.MissionID = strings.TrimSpace(doc.Find("[data-mission]").First().AttrOr("data-mission", ""))
	return obs
}

// visible walks the element and its ancestors looking for hiding markers.
func visible(s *goquery.Selection) bool {
	for sel := s; sel.Length() > 0; sel = sel.Parent() {
		if _, hidden := sel.Attr("hidden"); hidden {
			return false
		}
		if _, disabled := sel.Attr("disabled"); disabled {
			return false
		}
		if strings.EqualFold(sel.AttrOr("aria-hidden", ""), "true") {
			return false
		}
		if sel.HasClass("hidden") {
			return false
		}
	}
	return true
}

func parseEncounter(v string) (int, int) {
	idx, total, ok := strings.Cut(strings.TrimSpace(v), "/")
	i, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil {
		return 0, 0
	}
	if !ok {
		return i, 0
	}
	t, err := strconv.Atoi(strings.TrimSpace(total))
	if err != nil {
		return i, 0
	}
	return i, t
}
