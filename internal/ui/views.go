package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor = lipgloss.Color("#2E86AB")
	mutedColor   = lipgloss.Color("#888888")
	alertColor   = lipgloss.Color("#A40000")
	okColor      = lipgloss.Color("#00AA00")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	keyStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	mutedBadge = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(alertColor).
			Padding(0, 1)

	activeBadge = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(okColor).
			Padding(0, 1)
)

// sparkBlocks are ordered from quietest to loudest.
var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders values in [lo, hi] as one block character each.
func Sparkline(values []float64, lo, hi float64) string {
	if hi <= lo {
		return strings.Repeat(string(sparkBlocks[0]), len(values))
	}
	var b strings.Builder
	top := len(sparkBlocks) - 1
	for _, v := range values {
		frac := (clamp(v, lo, hi) - lo) / (hi - lo)
		b.WriteRune(sparkBlocks[int(frac*float64(top)+0.5)])
	}
	return b.String()
}

func renderMeterView(m Model) string {
	var b strings.Builder

	b.WriteString(renderHeader(m))
	b.WriteString("\n\n")
	b.WriteString(renderSource(m))
	b.WriteString("\n\n")
	b.WriteString(renderMeter(m))
	b.WriteString("\n")
	b.WriteString(renderStats(m))
	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render("q to quit"))

	return b.String()
}

func renderHeader(m Model) string {
	title := titleStyle.Render("NICU Noise Shield")
	mode := "live audio"
	if m.Simulated {
		mode = "simulated audio"
	}
	up := time.Since(m.StartTime).Truncate(time.Second)
	return title + "\n" + subtitleStyle.Render(fmt.Sprintf("%s | up %s", mode, up))
}

func renderSource(m Model) string {
	badge := activeBadge.Render("CANCELLING")
	if m.Muted {
		badge = mutedBadge.Render("MUTED")
	}
	if m.Stats.Halted {
		badge = mutedBadge.Render("HALTED")
	}
	return fmt.Sprintf("%s  %s %s  %s %.0f%%",
		badge,
		keyStyle.Render("source:"), m.Source,
		keyStyle.Render("confidence:"), m.Confidence*100)
}

func renderMeter(m Model) string {
	width := len(m.Levels)
	if m.Width > 8 && m.Width-6 < width {
		width = m.Width - 6
	}
	spark := Sparkline(m.Levels[len(m.Levels)-width:], m.Min, m.Max)
	body := fmt.Sprintf("%s\n%s %.1f dB  (%g to %g dB)",
		spark, keyStyle.Render("level:"), m.Latest(), m.Min, m.Max)
	return boxStyle.Render(body)
}

func renderStats(m Model) string {
	s := m.Stats
	return keyStyle.Render(fmt.Sprintf("blocks %d | muted %d | xruns %d | late %d | dropped %d | detections %d",
		s.Blocks, s.Muted, s.Xruns, s.Late, s.LevelDropped, s.Detections))
}

func renderGoodbye(m Model) string {
	if m.Fault != nil {
		return lipgloss.NewStyle().Bold(true).Foreground(alertColor).Render("Stopped: ") + m.Fault.Error() + "\n"
	}
	return subtitleStyle.Render("Shutting down...") + "\n"
}
