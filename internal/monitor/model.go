// Package monitor renders a live view of the coordinator session.
package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/agusx1211/missionpilot/internal/session"
	"github.com/agusx1211/missionpilot/internal/store"
	"github.com/agusx1211/missionpilot/internal/theme"
)

const maxHistory = 200

// RecordMsg delivers a session record to the model.
type RecordMsg struct {
	Record store.SessionRecord
}

// StreamDoneMsg reports that the record source ended.
type StreamDoneMsg struct {
	Err error
}

type tickMsg struct{}

type keyMap struct {
	Quit  key.Binding
	Clear key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c", "esc"),
			key.WithHelp("q", "quit"),
		),
		Clear: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "clear history"),
		),
	}
}

type historyLine struct {
	at   time.Time
	from session.State
	to   session.State
	note string
}

// Model is the bubbletea model of the watch view.
type Model struct {
	width  int
	height int

	source  string
	updates <-chan store.SessionRecord
	keys    keyMap
	spinner spinner.Model

	rec     store.SessionRecord
	have    bool
	history []historyLine
	now     func() time.Time

	done    bool
	doneErr error
}

// NewModel creates a model reading records from updates. source names where
// the records come from and is shown in the status bar.
func NewModel(source string, updates <-chan store.SessionRecord) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorYellow)
	return Model{
		width:   80,
		height:  24,
		source:  source,
		updates: updates,
		keys:    defaultKeys(),
		spinner: sp,
		now:     time.Now,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForRecord(m.updates),
		m.spinner.Tick,
		tickEvery(),
		tea.SetWindowTitle("missionpilot watch"),
	)
}

func waitForRecord(ch <-chan store.SessionRecord) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		rec, ok := <-ch
		if !ok {
			return StreamDoneMsg{}
		}
		return RecordMsg{Record: rec}
	}
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Clear):
			m.history = nil
		}
		return m, nil

	case RecordMsg:
		m.apply(msg.Record)
		return m, waitForRecord(m.updates)

	case StreamDoneMsg:
		m.done = true
		m.doneErr = msg.Err
		return m, nil

	case tickMsg:
		return m, tickEvery()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) apply(rec store.SessionRecord) {
	prev := m.rec
	first := !m.have
	m.rec = rec
	m.have = true
	if first {
		m.addHistory(historyLine{at: rec.UpdatedAt, to: rec.State, note: "attached"})
		return
	}
	if prev.State != rec.State {
		m.addHistory(historyLine{at: rec.UpdatedAt, from: prev.State, to: rec.State, note: transitionNote(rec)})
	}
}

func (m *Model) addHistory(line historyLine) {
	if line.at.IsZero() {
		line.at = m.now()
	}
	m.history = append(m.history, line)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

func transitionNote(rec store.SessionRecord) string {
	ctx := rec.Context
	switch {
	case rec.State == session.StateError:
		return ctx.LastError
	case rec.State.IsIdle() && ctx.CompletionReason != "":
		return ctx.CompletionReason
	case ctx.ActiveMissionID != "":
		return ctx.ActiveMissionID
	}
	return ""
}

// View implements tea.Model.
func (m Model) View() string {
	width := max(m.width, 40)
	inner := width - 4

	header := headerStyle.Render("missionpilot")
	var body []string
	if !m.have {
		body = append(body, m.spinner.View()+" "+dimStyle.Render("waiting for session status..."))
	} else {
		body = append(body, m.sessionLines()...)
	}
	body = append(body, "", sectionTitleStyle.Render("Transitions"))
	body = append(body, m.historyLines(inner, m.historyRows(len(body)))...)

	for i, line := range body {
		body[i] = ansi.Truncate(line, inner, "…")
	}
	panel := panelStyle.Width(width - 2).Render(strings.Join(body, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, panel, m.statusBar(width))
}

func (m Model) sessionLines() []string {
	rec := m.rec
	ctx := rec.Context
	state := lipgloss.NewStyle().Foreground(theme.StateColor(rec.State)).Bold(true).Render(string(rec.State))
	stateLine := theme.StateIndicator(rec.State) + " " + state
	if rec.State.Active() {
		stateLine += " " + m.spinner.View()
	}

	lines := []string{
		row("Session", rec.SessionID),
		labelStyle.Render("State") + stateLine,
		row("Mission", orDash(ctx.ActiveMissionID)),
	}
	if ctx.ActiveMissionLocator != "" {
		lines = append(lines, row("Locator", ctx.ActiveMissionLocator))
	}
	if p := rec.Progress; p != nil && rec.State.InGameplay() {
		lives := livesStyle.Render(strings.Repeat("♥", max(p.LivesRemaining, 0)))
		lines = append(lines,
			row("Screen", orDash(p.Screen)),
			labelStyle.Render("Lives")+lives+dimStyle.Render(fmt.Sprintf(" (%d)", p.LivesRemaining)),
			row("Encounter", fmt.Sprintf("%d/%d", p.EncounterIndex, p.TotalEncounters)),
		)
	}
	if ctx.CompletionReason != "" {
		lines = append(lines, row("Reason", ctx.CompletionReason))
	}
	if ctx.LastError != "" {
		lines = append(lines, labelStyle.Render("Error")+errorStyle.Render(ctx.LastError))
	}
	if ctx.ErrorRetryCount > 0 || ctx.MissionLookupRetryCount > 0 {
		lines = append(lines, row("Retries", fmt.Sprintf("error %d, lookup %d", ctx.ErrorRetryCount, ctx.MissionLookupRetryCount)))
	}
	if !rec.LastKeepAlive.IsZero() {
		lines = append(lines, row("Page agent", "seen "+ago(m.now(), rec.LastKeepAlive)))
	}
	return lines
}

func (m Model) historyRows(used int) int {
	// header, panel border and status bar
	return max(m.height-used-5, 3)
}

func (m Model) historyLines(width, rows int) []string {
	if len(m.history) == 0 {
		return []string{dimStyle.Render("none yet")}
	}
	start := max(len(m.history)-rows, 0)
	out := make([]string, 0, len(m.history)-start)
	for _, h := range m.history[start:] {
		line := dimStyle.Render(h.at.Local().Format("15:04:05")) + " "
		if h.from != "" {
			line += string(h.from) + " → "
		}
		line += lipgloss.NewStyle().Foreground(theme.StateColor(h.to)).Render(string(h.to))
		if h.note != "" {
			line += dimStyle.Render("  " + h.note)
		}
		out = append(out, ansi.Truncate(line, width, "…"))
	}
	return out
}

func (m Model) statusBar(width int) string {
	left := "source: " + m.source
	if m.done {
		left += "  (stream ended"
		if m.doneErr != nil {
			left += ": " + m.doneErr.Error()
		}
		left += ")"
	}
	help := m.keys.Quit.Help().Key + " " + m.keys.Quit.Help().Desc + "  " +
		m.keys.Clear.Help().Key + " " + m.keys.Clear.Help().Desc
	gap := max(width-lipgloss.Width(left)-lipgloss.Width(help)-2, 1)
	return statusBarStyle.Width(width).Render(ansi.Truncate(left+strings.Repeat(" ", gap)+help, width-2, ""))
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func ago(now, t time.Time) string {
	d := now.Sub(t).Round(time.Second)
	if d < time.Second {
		return "just now"
	}
	return d.String() + " ago"
}
