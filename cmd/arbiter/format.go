package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/okarsono/arbiter/internal/maps"
	"github.com/okarsono/arbiter/internal/match"
	"github.com/okarsono/arbiter/internal/store"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

type formatter struct {
	headerStyle  lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
	winnerStyle  lipgloss.Style
}

func newFormatter() *formatter {
	amber := lipgloss.Color("214")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &formatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(amber).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(amber),
		winnerStyle: lipgloss.NewStyle().
			Foreground(amber).
			Bold(true),
	}
}

// FormatOutcome renders the result card printed after a match.
func (f *formatter) FormatOutcome(out *match.Outcome, m maps.Map) string {
	if out == nil {
		return "No outcome"
	}

	winner := "draw"
	if out.Winner != "" {
		winner = string(out.Winner)
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.cellStyle
		})

	t.Row("Match", out.MatchID)
	t.Row("Map", m.Name)
	t.Row("Winner", f.winnerStyle.Render(winner))
	t.Row("Reason", string(out.Reason))
	t.Row("Rounds", strconv.Itoa(out.Rounds))
	t.Row("Replay", out.ReplayPath)

	return t.String()
}

// FormatMatches renders the registry listing, newest first.
func (f *formatter) FormatMatches(matches []*store.Match) string {
	if len(matches) == 0 {
		return "No matches found"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers("ID", "Status", "Map", "Players", "Winner", "Reason", "Created")

	for _, m := range matches {
		t.Row(
			m.ID,
			string(m.Status),
			m.Map,
			truncateString(playerNames(m.Players), 30),
			orDash(m.Winner),
			orDash(m.Reason),
			m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}

	return t.String()
}

// FormatMaps renders the map catalog.
func (f *formatter) FormatMaps(all []maps.Map) string {
	if len(all) == 0 {
		return "No maps found"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers("Name", "Rounds", "Symmetric", "Terrain")

	for _, m := range all {
		t.Row(
			m.Name,
			strconv.Itoa(m.Rounds),
			strconv.FormatBool(m.Symmetric),
			terrainSize(m),
		)
	}

	return t.String()
}

func terrainSize(m maps.Map) string {
	if len(m.Terrain) == 0 {
		return "-"
	}
	return fmt.Sprintf("%dx%d", len(m.Terrain[0]), len(m.Terrain))
}

func playerNames(dirs []string) string {
	parts := make([]string, len(dirs))
	for i, dir := range dirs {
		parts[i] = lastPathSegment(dir)
	}
	return strings.Join(parts, " vs ")
}

func lastPathSegment(dir string) string {
	dir = strings.TrimRight(dir, "/")
	if idx := strings.LastIndexByte(dir, '/'); idx >= 0 {
		return dir[idx+1:]
	}
	return dir
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
