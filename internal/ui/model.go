// Package ui provides the Bubbletea terminal level display
package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Model is the Bubbletea model for the level display
type Model struct {
	// Level history, oldest first
	Levels   []float64
	Min, Max float64

	// Latest detection
	Source     string
	Confidence float64
	Muted      bool

	Stats     StatsMsg
	Fault     error
	Simulated bool

	StartTime time.Time
	Quitting  bool

	// Terminal dimensions
	Width  int
	Height int
}

// NewModel creates a model holding maxPoints readings in [lo, hi] dB
func NewModel(maxPoints int, lo, hi float64) Model {
	if maxPoints <= 0 {
		maxPoints = 100
	}
	levels := make([]float64, maxPoints)
	for i := range levels {
		levels[i] = lo
	}
	return Model{
		Levels:    levels,
		Min:       lo,
		Max:       hi,
		Source:    "Unknown",
		StartTime: time.Now(),
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.Quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case LevelMsg:
		m.Levels = append(m.Levels[1:], clamp(msg.DB, m.Min, m.Max))

	case SourceMsg:
		m.Source = msg.Label
		m.Confidence = msg.Confidence
		m.Muted = msg.Muted

	case StatsMsg:
		m.Stats = msg

	case FaultMsg:
		m.Fault = msg.Err
		m.Quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the UI
func (m Model) View() string {
	if m.Quitting {
		return renderGoodbye(m)
	}
	return renderMeterView(m)
}

// Latest returns the newest level reading
func (m Model) Latest() float64 {
	return m.Levels[len(m.Levels)-1]
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
