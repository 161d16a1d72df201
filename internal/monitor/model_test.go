package monitor

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/agusx1211/missionpilot/internal/session"
	"github.com/agusx1211/missionpilot/internal/store"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

func record(state session.State, mission string, at time.Time) store.SessionRecord {
	return store.SessionRecord{
		Snapshot: session.Snapshot{
			SessionID: "abcd1234",
			State:     state,
			Context:   session.Context{ActiveMissionID: mission},
			UpdatedAt: at,
		},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestModelTracksTransitions(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewModel("test", nil)
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})

	m = update(t, m, RecordMsg{Record: record(session.StateIdleStopped, "", base)})
	m = update(t, m, RecordMsg{Record: record(session.StateNavigating, "m1", base.Add(time.Second))})
	// Same state again: no new history line.
	m = update(t, m, RecordMsg{Record: record(session.StateNavigating, "m1", base.Add(2*time.Second))})

	running := record(session.StateRunning, "m1", base.Add(3*time.Second))
	running.Progress = &protocol.MissionProgress{Screen: "battle", LivesRemaining: 2, EncounterIndex: 2, TotalEncounters: 4}
	m = update(t, m, RecordMsg{Record: running})

	if len(m.history) != 3 {
		t.Fatalf("history = %d lines, want 3", len(m.history))
	}
	if h := m.history[2]; h.from != session.StateNavigating || h.to != session.StateRunning || h.note != "m1" {
		t.Fatalf("last history line = %+v", h)
	}

	view := ansi.Strip(m.View())
	for _, want := range []string{"gameplay.running", "m1", "battle", "2/4", "navigating → gameplay.running"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	for i, line := range strings.Split(view, "\n") {
		if w := lipgloss.Width(line); w > 100 {
			t.Fatalf("line %d width = %d, want <= 100", i, w)
		}
	}
}

func TestModelShowsErrorAndReason(t *testing.T) {
	m := NewModel("test", nil)
	rec := record(session.StateError, "", time.Now())
	rec.Context.LastError = "timed out navigating to mission m1"
	rec.Context.CompletionReason = session.ReasonError
	m = update(t, m, RecordMsg{Record: rec})

	view := ansi.Strip(m.View())
	if !strings.Contains(view, "timed out navigating") || !strings.Contains(view, "✗") {
		t.Fatalf("error view:\n%s", view)
	}
}

func TestModelKeys(t *testing.T) {
	m := NewModel("test", nil)
	m = update(t, m, RecordMsg{Record: record(session.StateIdleStopped, "", time.Now())})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if len(m.history) != 0 {
		t.Fatalf("history not cleared: %d lines", len(m.history))
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("quit key returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("quit key did not quit")
	}
}

func TestModelStreamDone(t *testing.T) {
	ch := make(chan store.SessionRecord)
	close(ch)
	m := NewModel("bridge", ch)
	msg := waitForRecord(ch)()
	if _, ok := msg.(StreamDoneMsg); !ok {
		t.Fatalf("closed channel produced %T, want StreamDoneMsg", msg)
	}
	m = update(t, m, msg)
	if !strings.Contains(ansi.Strip(m.View()), "stream ended") {
		t.Fatalf("view does not report the ended stream")
	}
}

func TestFormatLine(t *testing.T) {
	running := record(session.StateRunning, "m3", time.Now())
	running.Progress = &protocol.MissionProgress{Screen: "inn", LivesRemaining: 1, EncounterIndex: 4, TotalEncounters: 4}
	idle := record(session.StateIdleStopped, "", time.Now())
	idle.Context.CompletionReason = session.ReasonNoMissions

	tests := []struct {
		rec  store.SessionRecord
		want string
	}{
		{running, "gameplay.running mission=m3 screen=inn lives=1 encounter=4/4"},
		{idle, "idle.stopped reason=no_missions"},
		{record(session.StateNavigating, "m1", time.Now()), "navigating mission=m1"},
	}
	for _, tt := range tests {
		if got := FormatLine(tt.rec); got != tt.want {
			t.Fatalf("FormatLine() = %q, want %q", got, tt.want)
		}
	}
}

func TestPlainSkipsRepeats(t *testing.T) {
	ch := make(chan store.SessionRecord, 4)
	ch <- record(session.StateStarting, "", time.Now())
	ch <- record(session.StateStarting, "", time.Now().Add(time.Second))
	ch <- record(session.StateNavigating, "m1", time.Now())
	close(ch)

	var buf bytes.Buffer
	if err := Plain(context.Background(), &buf, ch); err != nil {
		t.Fatalf("Plain: %v", err)
	}
	want := "starting\nnavigating mission=m1\n"
	if buf.String() != want {
		t.Fatalf("Plain output = %q, want %q", buf.String(), want)
	}
}

func TestPollSessions(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := PollSessions(ctx, st, 5*time.Millisecond)

	rec := record(session.StateStarting, "", time.Now().UTC())
	if err := st.SaveSession(&rec); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-updates:
		if got.State != session.StateStarting {
			t.Fatalf("polled state = %s", got.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no session polled")
	}

	cancel()
	for range updates {
	}
}
