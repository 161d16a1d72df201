package store

import (
	"time"

	"github.com/agusx1211/missionpilot/internal/session"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

type Mission struct {
	ID             string    `json:"id"`
	Locator        string    `json:"locator"`
	Title          string    `json:"title,omitempty"`
	Difficulty     string    `json:"difficulty,omitempty"`
	LevelMin       int       `json:"level_min,omitempty"`
	LevelMax       int       `json:"level_max,omitempty"`
	EncounterCount int       `json:"encounter_count,omitempty"`
	DiscoveredAt   time.Time `json:"discovered_at"`
	Cleared        bool      `json:"cleared,omitempty"`
	ClearedAt      time.Time `json:"cleared_at,omitempty"`
	Disabled       bool      `json:"disabled,omitempty"`
}

// SessionRecord is the persisted coordinator state: the machine snapshot plus
// the last liveness and progress reports.
type SessionRecord struct {
	session.Snapshot
	Location      string                    `json:"location,omitempty"`
	Progress      *protocol.MissionProgress `json:"progress,omitempty"`
	LastKeepAlive time.Time                 `json:"lastKeepAlive,omitempty"`
	LastHeartbeat time.Time                 `json:"lastHeartbeat,omitempty"`
}

// HistoryEntry is one session state change in the history journal.
type HistoryEntry struct {
	Time      time.Time     `json:"time"`
	SessionID string        `json:"sessionId"`
	Seq       int           `json:"seq"`
	From      session.State `json:"from,omitempty"`
	State     session.State `json:"state"`
	MissionID string        `json:"missionId,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
	// Elapsed is how long the session stayed in From.
	Elapsed time.Duration `json:"elapsed,omitempty"`
}
