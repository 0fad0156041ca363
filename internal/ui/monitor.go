package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/bnema/vdsurface/internal/ipc"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// StatusFetcher returns the current display statuses
type StatusFetcher func() ([]ipc.SurfaceStatus, error)

type tickMsg time.Time

type statusMsg struct {
	statuses []ipc.SurfaceStatus
	err      error
}

// MonitorModel polls a running pipeline and renders its displays
type MonitorModel struct {
	fetch    StatusFetcher
	interval time.Duration
	spinner  spinner.Model

	statuses []ipc.SurfaceStatus
	err      error
	updated  time.Time
	width    int
}

// NewMonitorModel creates a monitor polling fetch every interval
func NewMonitorModel(fetch StatusFetcher, interval time.Duration) *MonitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = InfoStyle

	if interval <= 0 {
		interval = time.Second
	}
	return &MonitorModel{
		fetch:    fetch,
		interval: interval,
		spinner:  s,
	}
}

func (m *MonitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m *MonitorModel) poll() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		statuses, err := fetch()
		return statusMsg{statuses: statuses, err: err}
	}
}

func (m *MonitorModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		return m, m.poll()
	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.statuses = msg.statuses
			m.updated = time.Now()
		}
		return m, m.tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *MonitorModel) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("vdsurface monitor"))
	b.WriteString(" ")
	b.WriteString(m.spinner.View())
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("%s %v", IconWarning, m.err)))
		b.WriteString("\n\n")
	}

	if m.updated.IsZero() && m.err == nil {
		b.WriteString(MutedStyle.Render("waiting for first status..."))
	} else {
		b.WriteString(FormatStatusTable(m.statuses))
		b.WriteString("\n")
		b.WriteString(SubtleStyle.Render("updated " + m.updated.Format("15:04:05")))
	}

	b.WriteString("\n")
	b.WriteString(CreateSeparator(m.width, ""))
	b.WriteString("\n")
	b.WriteString(FormatControl("r", "refresh"))
	b.WriteString("  ")
	b.WriteString(FormatControl("q", "quit"))
	return b.String()
}
