// Package store persists missions and the coordinator session snapshot as
// JSON files under a project's .missionpilot directory.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const Dir = ".missionpilot"

// ErrNoSnapshot is returned by LoadSession when no session was ever saved.
var ErrNoSnapshot = errors.New("no session snapshot")

// ErrMissionNotFound is returned for unknown mission ids.
var ErrMissionNotFound = errors.New("mission not found")

type Store struct {
	root string // path to .missionpilot directory
	mu   sync.RWMutex
}

func New(projectDir string) (*Store, error) {
	if projectDir == "" {
		return nil, fmt.Errorf("project directory is required")
	}
	root := filepath.Join(projectDir, Dir)
	return &Store{root: root}, nil
}

// Init creates the directory layout. It is safe to call repeatedly.
func (s *Store) Init() error {
	dirs := []string{
		s.root,
		filepath.Join(s.root, "missions"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}

func (s *Store) Root() string {
	return s.root
}

// Missions

func (s *Store) ListMissions() ([]Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.root, "missions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var missions []Mission
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var m Mission
		if err := s.readJSON(filepath.Join(dir, e.Name()), &m); err != nil {
			continue
		}
		missions = append(missions, m)
	}
	sort.Slice(missions, func(i, j int) bool {
		if !missions[i].DiscoveredAt.Equal(missions[j].DiscoveredAt) {
			return missions[i].DiscoveredAt.After(missions[j].DiscoveredAt)
		}
		return missions[i].ID < missions[j].ID
	})
	return missions, nil
}

func (s *Store) GetMission(id string) (*Mission, error) {
	path, err := s.missionPath(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m Mission
	if err := s.readJSON(path, &m); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("mission %s: %w", id, ErrMissionNotFound)
		}
		return nil, err
	}
	return &m, nil
}

// SaveMission creates or replaces a mission. A zero DiscoveredAt is stamped
// with the current time.
func (s *Store) SaveMission(m *Mission) error {
	path, err := s.missionPath(m.ID)
	if err != nil {
		return err
	}
	if m.DiscoveredAt.IsZero() {
		m.DiscoveredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return s.writeJSON(path, m)
}

// UpdateMission applies fn to the stored mission under the write lock.
func (s *Store) UpdateMission(id string, fn func(*Mission)) (*Mission, error) {
	path, err := s.missionPath(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var m Mission
	if err := s.readJSON(path, &m); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("mission %s: %w", id, ErrMissionNotFound)
		}
		return nil, err
	}
	fn(&m)
	m.ID = id
	if err := s.writeJSON(path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) DeleteMission(id string) error {
	path, err := s.missionPath(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mission %s: %w", id, ErrMissionNotFound)
		}
		return err
	}
	return nil
}

func (s *Store) missionPath(id string) (string, error) {
	if !validMissionID(id) {
		return "", fmt.Errorf("invalid mission id %q", id)
	}
	return filepath.Join(s.root, "missions", id+".json"), nil
}

func validMissionID(id string) bool {
	if id == "" || len(id) > 128 || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// Session snapshot

func (s *Store) SessionPath() string {
	return filepath.Join(s.root, "session.json")
}

func (s *Store) SaveSession(rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return err
	}
	return s.writeJSON(s.SessionPath(), rec)
}

func (s *Store) LoadSession() (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec SessionRecord
	if err := s.readJSON(s.SessionPath(), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("reading session snapshot: %w", err)
	}
	return &rec, nil
}

// writeJSON replaces path atomically so concurrent readers (status, watch)
// never observe a partial file.
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
