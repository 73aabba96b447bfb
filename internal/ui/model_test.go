package ui

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return out, cmd
}

func TestLevelMsgShiftsHistory(t *testing.T) {
	m := NewModel(3, -120, 0)
	m, _ = update(t, m, LevelMsg{DB: -20})
	m, _ = update(t, m, LevelMsg{DB: -40})
	m, _ = update(t, m, LevelMsg{DB: 12})

	want := []float64{-20, -40, 0}
	for i, v := range want {
		if m.Levels[i] != v {
			t.Fatalf("levels %v, want %v", m.Levels, want)
		}
	}
	if m.Latest() != 0 {
		t.Fatalf("latest %v", m.Latest())
	}
}

func TestSourceAndStats(t *testing.T) {
	m := NewModel(10, -120, 0)
	m, _ = update(t, m, SourceMsg{Label: "Talk", Confidence: 0.93, Muted: true})
	m, _ = update(t, m, StatsMsg{Blocks: 42, Xruns: 1})

	if m.Source != "Talk" || !m.Muted || m.Stats.Blocks != 42 {
		t.Fatalf("unexpected model: %+v", m)
	}
	view := m.View()
	for _, want := range []string{"Talk", "MUTED", "93%", "blocks 42", "xruns 1"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestQuitKeys(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune{'q'}},
		{Type: tea.KeyCtrlC},
	} {
		m, cmd := update(t, NewModel(4, -120, 0), key)
		if cmd == nil {
			t.Fatalf("%s: expected quit command", key)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Fatalf("%s: expected tea.QuitMsg", key)
		}
		if !m.Quitting {
			t.Fatalf("%s: model not quitting", key)
		}
	}
}

func TestFaultQuits(t *testing.T) {
	m, cmd := update(t, NewModel(4, -120, 0), FaultMsg{Err: errors.New("filter diverged")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if !strings.Contains(m.View(), "filter diverged") {
		t.Fatalf("view does not show fault: %q", m.View())
	}
}

func TestSparkline(t *testing.T) {
	got := Sparkline([]float64{-120, -60, 0, 50, -500}, -120, 0)
	if want := "▁▅██▁"; got != want {
		t.Fatalf("sparkline %q, want %q", got, want)
	}
	if n := utf8.RuneCountInString(got); n != 5 {
		t.Fatalf("sparkline has %d runes", n)
	}
	if flat := Sparkline([]float64{1, 2}, 0, 0); flat != "▁▁" {
		t.Fatalf("degenerate range: %q", flat)
	}
}

func TestMeterFitsNarrowTerminal(t *testing.T) {
	m := NewModel(100, -120, 0)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 40, Height: 20})
	view := m.View()
	if !strings.Contains(view, strings.Repeat("▁", 34)) {
		t.Fatalf("sparkline not drawn:\n%s", view)
	}
	if strings.Contains(view, strings.Repeat("▁", 35)) {
		t.Fatalf("sparkline wider than terminal:\n%s", view)
	}
}
