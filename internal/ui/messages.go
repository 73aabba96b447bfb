package ui

import "time"

// LevelMsg carries one level reading in dB.
type LevelMsg struct {
	DB   float64
	Time time.Time
}

// SourceMsg carries a newly published source classification.
type SourceMsg struct {
	Label      string
	Confidence float64
	Muted      bool
}

// StatsMsg carries periodic engine counters.
type StatsMsg struct {
	Blocks       uint64
	Muted        uint64
	Xruns        uint64
	Late         uint64
	LevelDropped uint64
	Detections   uint64
	Halted       bool
}

// FaultMsg reports a fatal orchestrator fault. The UI shows it and quits.
type FaultMsg struct {
	Err error
}
