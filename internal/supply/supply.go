// Package supply answers "which mission next" questions over the mission
// store and records cleared/disabled outcomes.
package supply

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/store"
)

// ErrNotFound is returned when no eligible mission exists.
var ErrNotFound = errors.New("no eligible mission")

// MissionRecord is one mission in the queue.
type MissionRecord = store.Mission

// Filter narrows FindNextMission. Zero fields match everything.
type Filter struct {
	Difficulty string   `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
	LevelMin   int      `json:"level_min,omitempty" yaml:"level_min,omitempty"`
	LevelMax   int      `json:"level_max,omitempty" yaml:"level_max,omitempty"`
	ExcludeIDs []string `json:"exclude_ids,omitempty" yaml:"-"`
}

// Matches reports whether m is eligible under f. Cleared and disabled
// missions never match.
func (f Filter) Matches(m MissionRecord) bool {
	if m.Cleared || m.Disabled {
		return false
	}
	if slices.Contains(f.ExcludeIDs, m.ID) {
		return false
	}
	if f.Difficulty != "" && !strings.EqualFold(f.Difficulty, m.Difficulty) {
		return false
	}
	if f.LevelMin > 0 && m.LevelMax > 0 && m.LevelMax < f.LevelMin {
		return false
	}
	if f.LevelMax > 0 && m.LevelMin > 0 && m.LevelMin > f.LevelMax {
		return false
	}
	return true
}

// Supply is the store-backed mission supply.
type Supply struct {
	store *store.Store
}

func New(s *store.Store) *Supply {
	return &Supply{store: s}
}

// FindNextMission returns the most recently discovered mission matching
// filter, or ErrNotFound.
func (s *Supply) FindNextMission(ctx context.Context, filter Filter) (*MissionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	missions, err := s.store.ListMissions()
	if err != nil {
		return nil, fmt.Errorf("listing missions: %w", err)
	}
	for i := range missions {
		if filter.Matches(missions[i]) {
			m := missions[i]
			return &m, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Supply) MarkCleared(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.store.UpdateMission(id, func(m *store.Mission) {
		m.Cleared = true
		m.ClearedAt = time.Now().UTC()
	})
	if err != nil {
		return fmt.Errorf("marking mission %s cleared: %w", id, err)
	}
	debug.LogKV("supply", "mission cleared", "mission_id", id)
	return nil
}

func (s *Supply) MarkDisabled(ctx context.Context, id string, disabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.store.UpdateMission(id, func(m *store.Mission) {
		m.Disabled = disabled
	})
	if err != nil {
		return fmt.Errorf("marking mission %s disabled=%v: %w", id, disabled, err)
	}
	debug.LogKV("supply", "mission disabled", "mission_id", id, "disabled", disabled)
	return nil
}

// Add registers a mission. The locator defaults to /missions/<id>.
func (s *Supply) Add(ctx context.Context, m MissionRecord) (*MissionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return nil, fmt.Errorf("mission id is required")
	}
	if m.Locator == "" {
		m.Locator = LocatorFor(m.ID)
	}
	if err := s.store.SaveMission(&m); err != nil {
		return nil, fmt.Errorf("saving mission %s: %w", m.ID, err)
	}
	return &m, nil
}

// List returns every mission, most recently discovered first.
func (s *Supply) List(ctx context.Context) ([]MissionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.ListMissions()
}

// LocatorFor is the default page locator of a mission.
func LocatorFor(id string) string {
	return "/missions/" + id
}

// MissionFromLocator extracts a mission id from a page locator: either a
// /missions/<id> path or a mission query parameter. It returns "" when the
// locator names no mission.
func MissionFromLocator(locator string) string {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil {
		return ""
	}
	if id := strings.TrimSpace(u.Query().Get("mission")); id != "" {
		return id
	}
	dir, base := path.Split(strings.TrimSuffix(u.Path, "/"))
	if strings.HasSuffix(dir, "/missions/") && base != "" {
		return base
	}
	return ""
}

// SameLocator reports whether two locators address the same page, ignoring
// scheme, host, trailing slashes and fragments.
func SameLocator(a, b string) bool {
	ua, errA := url.Parse(strings.TrimSpace(a))
	ub, errB := url.Parse(strings.TrimSpace(b))
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	pa := strings.TrimSuffix(ua.Path, "/")
	pb := strings.TrimSuffix(ub.Path, "/")
	return pa == pb && ua.Query().Encode() == ub.Query().Encode()
}
