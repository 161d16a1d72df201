// Package sim is a deterministic in-memory game world. It implements both
// the page agent host and the gameplay surface, rendering each screen as the
// HTML the real surface would show, so the whole agent stack can run without
// a browser.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/missionpilot/internal/classify"
	"github.com/agusx1211/missionpilot/internal/gameplay"
	"github.com/agusx1211/missionpilot/internal/pageagent"
	"github.com/agusx1211/missionpilot/internal/supply"
	"github.com/agusx1211/missionpilot/internal/surface"
)

// Encounter is one step of a mission.
type Encounter struct {
	Screen classify.Screen
	// Damage is the lives lost when the encounter is fought.
	Damage int
	// Options are the labels of a choice encounter.
	Options []string
	// Offer is the text of a bargain encounter.
	Offer string
}

// Mission is a scripted mission.
type Mission struct {
	ID         string
	Title      string
	Difficulty string
	Lives      int
	Encounters []Encounter
	// Missing makes the mission page respond as removed.
	Missing bool
}

// Locator returns the page locator of the mission.
func (m Mission) Locator() string {
	return supply.LocatorFor(m.ID)
}

// World is the simulated site. All methods are safe for concurrent use.
type World struct {
	mu       sync.Mutex
	missions map[string]Mission
	location string
	dialog   bool
	run      *run
	clicks   []string
	// loading renders one in-progress frame after every click.
	loading bool
}

type run struct {
	mission  Mission
	index    int
	lives    int
	loading  bool
	finished bool
}

// New creates a world holding missions. The host starts on the lobby page.
func New(missions ...Mission) *World {
	w := &World{missions: make(map[string]Mission), location: "/lobby"}
	for _, m := range missions {
		if m.Lives == 0 {
			m.Lives = 3
		}
		w.missions[m.ID] = m
	}
	return w
}

// WithLoadingFrames makes every click followed by one in-progress frame.
func (w *World) WithLoadingFrames() *World {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loading = true
	return w
}

// Records returns the missions as supply records, discovered one minute
// apart in declaration order of their ids.
func (w *World) Records() []supply.MissionRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.missions))
	for id := range w.missions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]supply.MissionRecord, 0, len(ids))
	for i, id := range ids {
		m := w.missions[id]
		out = append(out, supply.MissionRecord{
			ID:             m.ID,
			Locator:        m.Locator(),
			Title:          m.Title,
			Difficulty:     m.Difficulty,
			EncounterCount: len(m.Encounters),
			DiscoveredAt:   base.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

// Clicks returns every control clicked so far.
func (w *World) Clicks() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.clicks...)
}

// RemoveMission makes a mission page disappear.
func (w *World) RemoveMission(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.missions[id]; ok {
		m.Missing = true
		w.missions[id] = m
	}
}

// CloseDialog closes the surface as a user would.
func (w *World) CloseDialog() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dialog = false
}

// Host returns the page agent view of the world.
func (w *World) Host() pageagent.Host { return host{w} }

// Surface returns the gameplay agent view of the world.
func (w *World) Surface() gameplay.Surface { return frame{w} }

type host struct{ w *World }

func (h host) Location() string {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	return h.w.location
}

func (h host) Navigate(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := h.w
	w.mu.Lock()
	defer w.mu.Unlock()
	id := supply.MissionFromLocator(locator)
	m, ok := w.missions[id]
	if id != "" && (!ok || m.Missing) {
		return fmt.Errorf("%s: %w", locator, pageagent.ErrPageMissing)
	}
	w.location = locator
	w.dialog = false
	w.run = nil
	return nil
}

func (h host) LoaderPresent() bool {
	w := h.w
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dialog && w.currentMissionLocked() != nil
}

func (h host) OpenDialog(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := h.w
	w.mu.Lock()
	defer w.mu.Unlock()
	m := w.currentMissionLocked()
	if m == nil {
		return fmt.Errorf("no mission on %s", w.location)
	}
	if w.run == nil || w.run.mission.ID != m.ID {
		w.run = &run{mission: *m, lives: m.Lives}
	}
	w.dialog = true
	return nil
}

func (h host) DialogOpen() bool {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	return h.w.dialog
}

func (w *World) currentMissionLocked() *Mission {
	m, ok := w.missions[supply.MissionFromLocator(w.location)]
	if !ok || m.Missing {
		return nil
	}
	return &m
}

type frame struct{ w *World }

func (f frame) Open() bool {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	return f.w.dialog
}

func (f frame) Location() string {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	return f.w.location
}

func (f frame) Observe(ctx context.Context) (surface.Observation, error) {
	if err := ctx.Err(); err != nil {
		return surface.Observation{}, err
	}
	html, err := f.w.Render()
	if err != nil {
		return surface.Observation{}, err
	}
	return surface.InspectString(html)
}

func (f frame) Click(ctx context.Context, control, option string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := f.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dialog || w.run == nil {
		return gameplay.ErrClosed
	}
	label := control
	if option != "" {
		label += ":" + option
	}
	if err := w.run.click(control, option); err != nil {
		return err
	}
	w.clicks = append(w.clicks, label)
	if w.run.finished {
		w.dialog = false
	} else if w.loading {
		w.run.loading = true
	}
	return nil
}

// Render returns the HTML of the current surface frame.
func (w *World) Render() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dialog || w.run == nil {
		return "", gameplay.ErrClosed
	}
	r := w.run
	var b strings.Builder
	fmt.Fprintf(&b, `<div id="game" data-mission="%s" data-lives="%d" data-encounter="%d/%d">`,
		attr(r.mission.ID), r.lives, min(r.index+1, len(r.mission.Encounters)), len(r.mission.Encounters))
	b.WriteString(`<nav><button data-control="menu">Menu</button><button data-control="map">Map</button></nav>`)
	b.WriteString(`<section class="stage">`)
	if r.loading {
		b.WriteString(`<div data-signal="loading">Loading...</div>`)
		r.loading = false
	} else {
		r.renderScreen(&b)
	}
	b.WriteString(`</section></div>`)
	return b.String(), nil
}
