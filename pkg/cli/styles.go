package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/broadcast"
)

// Theme defines the color scheme of the watch view.
type Theme struct {
	Primary lipgloss.Color // Main accent color
	Add     lipgloss.Color
	Remove  lipgloss.Color
	Dim     lipgloss.Color // Dimmed/help text color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Add:     lipgloss.Color("#3fb950"),
	Remove:  lipgloss.Color("#f85149"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title  lipgloss.Style
	Add    lipgloss.Style
	Remove lipgloss.Style
	Type   lipgloss.Style
	Help   lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Add:    lipgloss.NewStyle().Bold(true).Foreground(t.Add),
		Remove: lipgloss.NewStyle().Bold(true).Foreground(t.Remove),
		Type:   lipgloss.NewStyle().Foreground(t.Primary),
		Help:   lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// EventLine renders one change-feed event. Events the label map ignored
// because a newer write already won are dimmed.
func (s Styles) EventLine(e broadcast.Event, applied bool) string {
	head := fmt.Sprintf("#%-6d %s", e.ID, e.Timestamp.Time().Format("15:04:05.000"))
	verb, style := "remove", s.Remove
	detail := e.CoordHash
	switch {
	case e.Type == broadcast.TypeNodeTypes:
		verb, style = "type", s.Type
		detail += " -> " + string(e.NodeType)
	case e.Action == broadcast.ActionAdd:
		verb, style = "add", s.Add
		detail += fmt.Sprintf(" %q", e.DisplayLabel)
	}
	tail := fmt.Sprintf(" v%d", e.Version)
	if !applied {
		return s.Help.Render(fmt.Sprintf("%s %-6s %s%s (stale)", head, verb, detail, tail))
	}
	return s.Help.Render(head) + " " + style.Render(fmt.Sprintf("%-6s", verb)) + " " + detail + s.Help.Render(tail)
}

// Summary renders the one-line totals of a label map.
func (s Styles) Summary(labels, nodeTypes int, lastID uint64) string {
	parts := []string{
		s.Title.Render("opgraph watch"),
		fmt.Sprintf("labels %s", FormatCount(labels)),
		fmt.Sprintf("node types %s", FormatCount(nodeTypes)),
		fmt.Sprintf("last event #%d", lastID),
	}
	return strings.Join(parts, s.Help.Render(" │ "))
}
