package health

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"

	"github.com/Dicklesworthstone/omar/internal/agent"
)

// Snippet returns the last non-empty line of text, truncated to width
// display cells.
func Snippet(text string, width int) string {
	lines := strings.Split(ansi.Strip(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if width > 0 && runewidth.StringWidth(line) > width {
			return runewidth.Truncate(line, width, "…")
		}
		return line
	}
	return ""
}

// FormatIdle renders an idle duration compactly: 45s, 3m, 2h.
func FormatIdle(d time.Duration) string {
	secs := int64(d / time.Second)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm", secs/60)
	default:
		return fmt.Sprintf("%dh", secs/3600)
	}
}

// Counts tallies agents per health state.
type Counts struct {
	Working         int `json:"working" yaml:"working"`
	WaitingForInput int `json:"waitingForInput" yaml:"waitingForInput"`
	Idle            int `json:"idle" yaml:"idle"`
	Stuck           int `json:"stuck" yaml:"stuck"`
}

// Add counts one agent in state s.
func (c *Counts) Add(s agent.State) {
	switch s {
	case agent.StateWorking:
		c.Working++
	case agent.StateWaitingForInput:
		c.WaitingForInput++
	case agent.StateIdle:
		c.Idle++
	case agent.StateStuck:
		c.Stuck++
	}
}

// Total is the number of agents counted.
func (c Counts) Total() int {
	return c.Working + c.WaitingForInput + c.Idle + c.Stuck
}
