// Terminal rendering for run listings and metric reports.
package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color scheme for terminal output.
type Theme struct {
	Primary lipgloss.Color // Main accent color
	Dim     lipgloss.Color // Dimmed/secondary text color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title  lipgloss.Style
	Header lipgloss.Style
	Dim    lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Header: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Dim:    lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// Table renders rows of cells under a styled header with aligned
// columns. The zero value of Styles renders plain text.
type Table struct {
	Styles  Styles
	Headers []string
	Rows    [][]string

	// MaxCell clamps cell display width; longer cells are truncated
	// with an ellipsis. Zero means no limit.
	MaxCell int
}

// Render renders the table to a string without a trailing newline.
func (t Table) Render() string {
	cols := len(t.Headers)
	for _, row := range t.Rows {
		cols = max(cols, len(row))
	}
	if cols == 0 {
		return ""
	}

	clamp := func(s string) string {
		if t.MaxCell > 0 && lipgloss.Width(s) > t.MaxCell {
			return truncateString(s, t.MaxCell-1) + "…"
		}
		return s
	}

	widths := make([]int, cols)
	header := make([]string, cols)
	for i := range t.Headers {
		header[i] = clamp(t.Headers[i])
		widths[i] = lipgloss.Width(header[i])
	}
	rows := make([][]string, len(t.Rows))
	for r, row := range t.Rows {
		cells := make([]string, cols)
		for i := 0; i < len(row) && i < cols; i++ {
			cells[i] = clamp(row[i])
			if w := lipgloss.Width(cells[i]); w > widths[i] {
				widths[i] = w
			}
		}
		rows[r] = cells
	}

	// The last column is never padded, so lines carry no trailing spaces.
	pad := func(s string, i int) string {
		if i == cols-1 {
			return s
		}
		return s + strings.Repeat(" ", max(0, widths[i]-lipgloss.Width(s)))
	}

	var lines []string
	var hb strings.Builder
	for i, h := range header {
		if i > 0 {
			hb.WriteString("  ")
		}
		hb.WriteString(t.Styles.Header.Render(pad(h, i)))
	}
	lines = append(lines, hb.String())

	for _, cells := range rows {
		var rb strings.Builder
		for i, c := range cells {
			if i > 0 {
				rb.WriteString("  ")
			}
			rb.WriteString(pad(c, i))
		}
		lines = append(lines, strings.TrimRight(rb.String(), " "))
	}

	return strings.Join(lines, "\n")
}

// truncateString safely truncates a string to the given width,
// handling multi-byte characters correctly.
func truncateString(s string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(s)
	currentWidth := 0
	for i, r := range runes {
		w := lipgloss.Width(string(r))
		if currentWidth+w > width {
			return string(runes[:i])
		}
		currentWidth += w
	}
	return s
}
