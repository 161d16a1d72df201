package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/store"
)

// Run shows the full-screen monitor until the user quits or ctx is
// cancelled.
func Run(ctx context.Context, source string, updates <-chan store.SessionRecord) error {
	p := tea.NewProgram(NewModel(source, updates), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Plain writes one line per state change, for pipes and log files.
func Plain(ctx context.Context, w io.Writer, updates <-chan store.SessionRecord) error {
	var last string
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			line := FormatLine(rec)
			if line == last {
				continue
			}
			last = line
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
}

// FormatLine summarizes a session record on one line. Timestamps are left
// out so identical summaries compare equal.
func FormatLine(rec store.SessionRecord) string {
	ctx := rec.Context
	parts := []string{string(rec.State)}
	if ctx.ActiveMissionID != "" {
		parts = append(parts, "mission="+ctx.ActiveMissionID)
	}
	if p := rec.Progress; p != nil && rec.State.InGameplay() {
		parts = append(parts,
			"screen="+p.Screen,
			fmt.Sprintf("lives=%d", p.LivesRemaining),
			fmt.Sprintf("encounter=%d/%d", p.EncounterIndex, p.TotalEncounters),
		)
	}
	if ctx.CompletionReason != "" {
		parts = append(parts, "reason="+ctx.CompletionReason)
	}
	if ctx.LastError != "" {
		parts = append(parts, fmt.Sprintf("error=%q", ctx.LastError))
	}
	return strings.Join(parts, " ")
}

// SessionLoader reads the persisted session snapshot.
type SessionLoader interface {
	LoadSession() (*store.SessionRecord, error)
}

// PollSessions emits the persisted session whenever it changes, checking
// every interval. The channel is closed when ctx is cancelled.
func PollSessions(ctx context.Context, loader SessionLoader, interval time.Duration) <-chan store.SessionRecord {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	out := make(chan store.SessionRecord, 8)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last time.Time
		var seen bool
		for {
			rec, err := loader.LoadSession()
			switch {
			case errors.Is(err, store.ErrNoSnapshot):
			case err != nil:
				debug.LogKV("monitor", "reading session snapshot failed", "error", err)
			case !seen || !rec.UpdatedAt.Equal(last):
				seen = true
				last = rec.UpdatedAt
				select {
				case out <- *rec:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
