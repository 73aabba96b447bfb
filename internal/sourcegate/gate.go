// Package sourcegate holds the most recently detected sound source so the
// audio callback can consult it without ever waiting on the detector.
//
// One goroutine publishes; any number of goroutines read. A read is a single
// atomic pointer load and always observes a complete snapshot, either the
// previous one or the new one.
package sourcegate

import (
	"math"
	"sync/atomic"
	"time"
)

// UnknownLabel is reported before the first detection has been published.
const UnknownLabel = "Unknown"

// Snapshot is one classification result. Snapshots are immutable once
// published.
type Snapshot struct {
	Label      string
	Confidence float64 // in [0, 1]
	Timestamp  time.Time
}

// Unknown is the sentinel snapshot returned before anything is published.
var Unknown = Snapshot{Label: UnknownLabel}

// Gate is a single-writer, multi-reader holder for the current Snapshot.
// The zero value is not usable; use New.
type Gate struct {
	cur atomic.Pointer[Snapshot]
	gen atomic.Uint64
}

// New returns a Gate holding the Unknown sentinel.
func New() *Gate {
	g := &Gate{}
	s := Unknown
	g.cur.Store(&s)
	return g
}

// Publish replaces the current snapshot. Confidence is clamped to [0, 1] and
// a zero Timestamp is replaced with the current time. Publish must only be
// called from one goroutine at a time.
func (g *Gate) Publish(s Snapshot) {
	switch {
	case s.Confidence < 0 || math.IsNaN(s.Confidence):
		s.Confidence = 0
	case s.Confidence > 1:
		s.Confidence = 1
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	g.cur.Store(&s)
	g.gen.Add(1)
}

// Read returns the most recently published snapshot. It never blocks and
// does not allocate.
func (g *Gate) Read() Snapshot {
	return *g.cur.Load()
}

// Load returns the current snapshot by pointer, for callers that want to
// retain it without copying. The snapshot must not be modified.
func (g *Gate) Load() *Snapshot {
	return g.cur.Load()
}

// Generation returns the number of snapshots published so far.
func (g *Gate) Generation() uint64 {
	return g.gen.Load()
}
