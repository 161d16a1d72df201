// Package recording journals session state changes to the store.
package recording

import (
	"context"
	"sync"
	"time"

	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/session"
	"github.com/agusx1211/missionpilot/internal/store"
)

// Journal persists history entries.
type Journal interface {
	AppendHistory(store.HistoryEntry) error
}

// Recorder turns a stream of session records into history entries, one per
// state entry. Records that repeat the last state and seq are ignored.
type Recorder struct {
	Journal Journal

	mu        sync.Mutex
	seen      bool
	lastState session.State
	lastSeq   int
	lastAt    time.Time
	entries   []store.HistoryEntry
}

// New creates a Recorder writing to j. A nil Journal keeps entries in
// memory only.
func New(j Journal) *Recorder {
	return &Recorder{Journal: j}
}

// Observe records rec if it is a state change and reports whether it did.
// The first record observed only establishes the baseline.
func (r *Recorder) Observe(rec store.SessionRecord) bool {
	r.mu.Lock()
	if r.seen && rec.State == r.lastState && rec.Context.Seq == r.lastSeq {
		r.mu.Unlock()
		return false
	}
	at := rec.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if !r.seen {
		r.seen = true
		r.lastState, r.lastSeq, r.lastAt = rec.State, rec.Context.Seq, at
		r.mu.Unlock()
		return false
	}
	entry := store.HistoryEntry{
		Time:      at,
		SessionID: rec.SessionID,
		Seq:       rec.Context.Seq,
		From:      r.lastState,
		State:     rec.State,
		MissionID: rec.Context.ActiveMissionID,
		Reason:    rec.Context.CompletionReason,
		Error:     rec.Context.LastError,
	}
	if !r.lastAt.IsZero() && at.After(r.lastAt) {
		entry.Elapsed = at.Sub(r.lastAt)
	}
	r.lastState, r.lastSeq, r.lastAt = rec.State, rec.Context.Seq, at
	r.entries = append(r.entries, entry)
	r.mu.Unlock()

	if r.Journal != nil {
		// Journal failures must not stall the session.
		if err := r.Journal.AppendHistory(entry); err != nil {
			debug.LogKV("recording", "append history failed", "error", err)
		}
	}
	return true
}

// Follow observes updates until ctx is cancelled or the channel closes.
func (r *Recorder) Follow(ctx context.Context, updates <-chan store.SessionRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-updates:
			if !ok {
				return
			}
			r.Observe(rec)
		}
	}
}

// Entries returns a snapshot of the entries recorded so far.
func (r *Recorder) Entries() []store.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]store.HistoryEntry, len(r.entries))
	copy(cp, r.entries)
	return cp
}
