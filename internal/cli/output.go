package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/Dicklesworthstone/omar/internal/agent"
)

// Output formats accepted by -o.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

func validateFormat(f string) error {
	switch f {
	case FormatTable, FormatJSON, FormatYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want table, json or yaml)", f)
}

// writeStructured prints v as JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("unsupported format %q", format)
}

// isTTY reports whether w is an interactive terminal.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// terminalWidth returns the width of w, or fallback when it is not a terminal.
func terminalWidth(w io.Writer, fallback int) int {
	f, ok := w.(*os.File)
	if !ok {
		return fallback
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}

// palette holds the styles for one output stream.
type palette struct {
	header  lipgloss.Style
	border  lipgloss.Style
	subtext lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	info    lipgloss.Style
}

// newPalette builds styles for w. Color is off when w is not a terminal,
// NO_COLOR is set, or --no-color was given.
func newPalette(w io.Writer, noColor bool) palette {
	r := lipgloss.NewRenderer(w)
	if _, set := os.LookupEnv("NO_COLOR"); set || noColor || !isTTY(w) {
		r.SetColorProfile(termenv.Ascii)
	}
	return palette{
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		border:  r.NewStyle().Foreground(lipgloss.Color("8")),
		subtext: r.NewStyle().Foreground(lipgloss.Color("8")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		bad:     r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		info:    r.NewStyle().Foreground(lipgloss.Color("14")),
	}
}

// health renders a state with its color.
func (p palette) health(s agent.State) string {
	switch s {
	case agent.StateWorking:
		return p.ok.Render(s.String())
	case agent.StateWaitingForInput:
		return p.warn.Render(s.String())
	case agent.StateIdle:
		return p.info.Render(s.String())
	case agent.StateStuck:
		return p.bad.Render(s.String())
	}
	return s.String()
}

// table renders simple aligned tables with box-drawing borders.
type table struct {
	headers []string
	rows    [][]string
	widths  []int
}

func newTable(headers ...string) *table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = cellWidth(h)
	}
	return &table{headers: headers, widths: widths}
}

func (t *table) addRow(cols ...string) {
	for i, c := range cols {
		if i < len(t.widths) {
			t.widths[i] = max(t.widths[i], cellWidth(c))
		}
	}
	t.rows = append(t.rows, cols)
}

func (t *table) render(p palette) string {
	var sb strings.Builder
	hline := func(left, mid, right string) {
		sb.WriteString(p.border.Render(left))
		for i, w := range t.widths {
			sb.WriteString(p.border.Render(strings.Repeat("─", w+2)))
			if i < len(t.widths)-1 {
				sb.WriteString(p.border.Render(mid))
			}
		}
		sb.WriteString(p.border.Render(right))
		sb.WriteString("\n")
	}
	row := func(cells []string, style func(string) string) {
		sb.WriteString(p.border.Render("│"))
		for i := range t.headers {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			sb.WriteString(" ")
			sb.WriteString(style(padRight(cell, t.widths[i])))
			sb.WriteString(" ")
			sb.WriteString(p.border.Render("│"))
		}
		sb.WriteString("\n")
	}

	hline("╭", "┬", "╮")
	row(t.headers, func(s string) string { return p.header.Render(s) })
	hline("├", "┼", "┤")
	for _, r := range t.rows {
		row(r, func(s string) string { return s })
	}
	hline("╰", "┴", "╯")
	return sb.String()
}

// cellWidth is the display width of s ignoring escape sequences.
func cellWidth(s string) int {
	return runewidth.StringWidth(ansi.Strip(s))
}

func padRight(s string, width int) string {
	w := cellWidth(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

// clip shortens s to width display cells with a trailing ellipsis.
func clip(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if width <= 0 || cellWidth(s) <= width {
		return s
	}
	return truncate.StringWithTail(s, uint(width), "…")
}
