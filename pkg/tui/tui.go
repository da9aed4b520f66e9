// Package tui is the terminal viewer over a capture session.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jnovack/capture-client/pkg/session"
)

// Source is what the viewer reads and drives.
type Source interface {
	Snapshot() session.View
	RequestSerialData() (string, error)
	Resend(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int64, error)
	Reconnect() error
}

const (
	refreshInterval = 100 * time.Millisecond
	actionTimeout   = 30 * time.Second
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)
)

// Messages
type tickMsg time.Time

// actionDoneMsg reports the outcome of a user action.
type actionDoneMsg struct {
	notice string
	err    error
}

type model struct {
	src  Source
	view session.View

	cursor       int
	confirmClear bool
	notice       string
	lastError    string

	width  int
	height int
}

func newModel(src Source) model {
	return model{src: src, view: src.Snapshot()}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.SetWindowTitle("Capture Client"),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case actionDoneMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
			m.notice = ""
		} else {
			m.lastError = ""
			m.notice = msg.notice
		}
		m.refresh()
		return m, nil
	}
	return m, nil
}

func (m *model) refresh() {
	m.view = m.src.Snapshot()
	if m.cursor >= len(m.view.Entries) {
		m.cursor = max(len(m.view.Entries)-1, 0)
	}
}

func (m model) selected() (session.EntryView, bool) {
	if m.cursor < 0 || m.cursor >= len(m.view.Entries) {
		return session.EntryView{}, false
	}
	return m.view.Entries[m.cursor], true
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if m.confirmClear {
		m.confirmClear = false
		if key == "y" {
			return m, m.run(func(ctx context.Context) (string, error) {
				n, err := m.src.Clear(ctx)
				return fmt.Sprintf("cleared %d records", n), err
			})
		}
		m.notice = "clear cancelled"
		return m, nil
	}

	switch key {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil

	case "down", "j":
		if m.cursor < len(m.view.Entries)-1 {
			m.cursor++
		}
		return m, nil

	case "r":
		if !m.view.Connected {
			m.lastError = "not connected"
			return m, nil
		}
		return m, m.run(func(context.Context) (string, error) {
			_, err := m.src.RequestSerialData()
			return "requested serial data", err
		})

	case "s", "enter":
		e, ok := m.selected()
		if !ok || !e.CanReplay {
			m.lastError = "entry needs six screenshots before it can be sent"
			return m, nil
		}
		return m, m.run(func(ctx context.Context) (string, error) {
			return "sent " + e.ID, m.src.Resend(ctx, e.ID)
		})

	case "d":
		e, ok := m.selected()
		if !ok || !e.CanDelete {
			m.lastError = "entry needs six screenshots before it can be deleted"
			return m, nil
		}
		return m, m.run(func(ctx context.Context) (string, error) {
			return "deleted " + e.ID, m.src.Delete(ctx, e.ID)
		})

	case "c":
		m.confirmClear = true
		m.notice = "clear every record? (y/n)"
		return m, nil

	case "R":
		return m, m.run(func(context.Context) (string, error) {
			return "reconnecting", m.src.Reconnect()
		})
	}
	return m, nil
}

// run executes fn off the UI goroutine and reports back.
func (m model) run(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		notice, err := fn(ctx)
		return actionDoneMsg{notice: notice, err: err}
	}
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Capture Client"))
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n\n")

	b.WriteString(m.renderEntries())

	if e, ok := m.selected(); ok {
		b.WriteString("\n")
		b.WriteString(m.renderDetail(e))
	}

	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.lastError))
	} else if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(statusStyle.Render(m.notice))
	}

	b.WriteString("\n\n")
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m model) renderStatus() string {
	v := m.view
	var parts []string

	switch {
	case v.Connected:
		parts = append(parts, okStyle.Render("● connected"))
	case v.Status == "retrying":
		parts = append(parts, warnStyle.Render(fmt.Sprintf("● retrying (%d) in %s", v.Retries, v.NextRetry)))
	case v.Status == "exhausted":
		parts = append(parts, errorStyle.Render("● disconnected, press R to retry"))
	default:
		parts = append(parts, dimStyle.Render("● "+v.Status))
	}

	if v.KeyStatus == "invalid" {
		parts = append(parts, errorStyle.Render("key invalid"))
	}

	switch {
	case !v.AppKnown:
		parts = append(parts, dimStyle.Render("app: ?"))
	case v.CurrentApp == "":
		parts = append(parts, dimStyle.Render("no app open"))
	default:
		parts = append(parts, normalStyle.Render("app: "+v.CurrentApp))
	}
	if v.ThemeKnown {
		parts = append(parts, normalStyle.Render("theme: "+v.Theme))
	}
	if v.Uploading > 0 {
		parts = append(parts, warnStyle.Render(fmt.Sprintf("uploading %d", v.Uploading)))
	}
	if v.Loading {
		parts = append(parts, statusStyle.Render("loading..."))
	}
	return strings.Join(parts, dimStyle.Render("  │  "))
}

func (m model) renderEntries() string {
	if len(m.view.Entries) == 0 {
		if m.view.NoAppOpen() {
			return dimStyle.Render("No app open")
		}
		return dimStyle.Render("No captures yet")
	}

	var b strings.Builder
	for i, e := range m.view.Entries {
		line := fmt.Sprintf("%-24s %-12s %s  %s  %s",
			truncate(e.ID, 24), truncate(e.AppID, 12), e.Progress(), renderFrames(e), e.Timestamp.Local().Format("15:04:05"))
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("▸ " + line))
		} else {
			b.WriteString(normalStyle.Render("  " + line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// renderFrames draws one glyph per screenshot; the autoplay frame is bold.
func renderFrames(e session.EntryView) string {
	var b strings.Builder
	for i, p := range e.Phases {
		glyph := "■"
		style := okStyle
		switch p {
		case "provisional":
			glyph, style = "◆", warnStyle
		case "local-only":
			glyph, style = "□", dimStyle
		}
		if i == e.Cursor {
			style = style.Underline(true)
		}
		b.WriteString(style.Render(glyph))
	}
	for i := len(e.Phases); i < 6; i++ {
		b.WriteString(dimStyle.Render("·"))
	}
	return b.String()
}

func (m model) renderDetail(e session.EntryView) string {
	var lines []string
	lines = append(lines, titleStyle.Render(e.ID))
	lines = append(lines, dimStyle.Render(truncate(string(e.Payload), 72)))
	if e.Screenshots > 0 {
		frame := fmt.Sprintf("frame %d/%d", e.Cursor+1, e.Screenshots)
		if e.Playing {
			frame += " ▶"
		}
		lines = append(lines, normalStyle.Render(frame+"  "+truncate(e.Image, 56)))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func (m model) renderHelp() string {
	var actions []string
	actions = append(actions, keyStyle.Render("↑↓")+helpStyle.Render(" select"))
	actions = append(actions, keyStyle.Render("r")+helpStyle.Render(" request"))
	actions = append(actions, keyStyle.Render("s")+helpStyle.Render(" send"))
	actions = append(actions, keyStyle.Render("d")+helpStyle.Render(" delete"))
	actions = append(actions, keyStyle.Render("c")+helpStyle.Render(" clear"))
	if m.view.Status == "exhausted" {
		actions = append(actions, keyStyle.Render("R")+helpStyle.Render(" reconnect"))
	}
	actions = append(actions, keyStyle.Render("q")+helpStyle.Render(" quit"))
	return strings.Join(actions, "  ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Run starts the viewer and blocks until the user quits or ctx is done.
func Run(ctx context.Context, src Source) error {
	p := tea.NewProgram(
		newModel(src),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
