package ui

import (
	"fmt"

	"github.com/bnema/vdsurface/internal/ipc"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-runewidth"
)

// Cell limits in terminal columns
const (
	maxNameWidth  = 24
	maxErrorWidth = 48
)

const (
	colIcon  = 0
	colError = 9
)

var statusColumns = []string{"", "NAME", "ID", "MODE", "FRAMES", "COMMITS", "PULLS", "CONSUMED", "DROPPED", "ERROR"}

func stateMarker(st ipc.SurfaceStatus) (string, lipgloss.Style) {
	switch {
	case st.Mode == "direct":
		return IconDirect, InfoStyle
	case st.LastError != "" || st.ReleaseFailures > 0:
		return IconWarning, WarningStyle
	case st.Holding:
		return IconHeld, SuccessStyle
	default:
		return IconIdle, SubtleStyle
	}
}

// StateIcon renders the held/idle/direct marker for a display
func StateIcon(st ipc.SurfaceStatus) string {
	icon, style := stateMarker(st)
	return style.Render(icon)
}

// FormatStatusTable renders one row per display
func FormatStatusTable(statuses []ipc.SurfaceStatus) string {
	if len(statuses) == 0 {
		return MutedStyle.Render("no displays")
	}

	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		icon, _ := stateMarker(st)
		lastErr := "-"
		if st.LastError != "" {
			lastErr = runewidth.Truncate(st.LastError, maxErrorWidth, "…")
		}
		rows = append(rows, []string{
			icon,
			runewidth.Truncate(st.Name, maxNameWidth, "…"),
			fmt.Sprintf("%d", st.DisplayID),
			st.Mode,
			fmt.Sprintf("%d", st.Frames),
			fmt.Sprintf("%d", st.Commits),
			fmt.Sprintf("%d", st.Pulls),
			fmt.Sprintf("%d", st.Consumed),
			fmt.Sprintf("%d", st.Dropped),
			lastErr,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorSubtle)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle.Padding(0, 1)
			case col == colIcon:
				_, style := stateMarker(statuses[row])
				return style.Bold(true).Padding(0, 1)
			case col == colError && statuses[row].LastError != "":
				return ErrorStyle.Padding(0, 1)
			default:
				return TextStyle.Padding(0, 1)
			}
		}).
		Headers(statusColumns...).
		Rows(rows...)

	return t.String()
}
