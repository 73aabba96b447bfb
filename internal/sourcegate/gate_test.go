package sourcegate

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestInitialSnapshotIsUnknown(t *testing.T) {
	g := New()
	s := g.Read()
	if s.Label != UnknownLabel || s.Confidence != 0 {
		t.Fatalf("expected Unknown/0, got %+v", s)
	}
	if g.Generation() != 0 {
		t.Fatalf("expected generation 0, got %d", g.Generation())
	}
}

func TestPublishThenRead(t *testing.T) {
	g := New()
	ts := time.UnixMilli(1_700_000_000_000)
	g.Publish(Snapshot{Label: "Talk", Confidence: 0.93, Timestamp: ts})

	s := g.Read()
	if s.Label != "Talk" || s.Confidence != 0.93 || !s.Timestamp.Equal(ts) {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if g.Generation() != 1 {
		t.Fatalf("expected generation 1, got %d", g.Generation())
	}
}

func TestPublishClampsConfidence(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{1.7, 1},
		{math.NaN(), 0},
		{0.4, 0.4},
	}
	g := New()
	for _, tc := range cases {
		g.Publish(Snapshot{Label: "Machine", Confidence: tc.in})
		if got := g.Read().Confidence; got != tc.want {
			t.Errorf("confidence %v: want %v got %v", tc.in, tc.want, got)
		}
	}
}

func TestPublishStampsZeroTimestamp(t *testing.T) {
	g := New()
	before := time.Now()
	g.Publish(Snapshot{Label: "Walk", Confidence: 0.9})
	if ts := g.Read().Timestamp; ts.Before(before) {
		t.Fatalf("expected timestamp at or after %v, got %v", before, ts)
	}
}

// TestReadNeverTornUnderConcurrentPublish hammers the gate with a publisher
// while readers spin on Read. Every snapshot's label and confidence are
// derived from the same counter, so a torn read would show a mismatch.
// Reads are timed in batches so that time spent descheduled on a small
// machine is averaged out; the mean cost of a read must stay small.
func TestReadNeverTornUnderConcurrentPublish(t *testing.T) {
	labels := []string{"Talk", "Machine", "Warning", "Walk", "Normal"}
	g := New()

	const (
		publishes = 200_000
		batch     = 1024
		// A lock-based read stalled behind the writer averages far above
		// this; a pointer load is a few nanoseconds.
		maxMeanRead = 20 * time.Microsecond
	)
	readers := max(1, min(4, runtime.GOMAXPROCS(0)-1))

	var (
		stop    atomic.Bool
		wg      sync.WaitGroup
		torn    atomic.Int64
		nreads  atomic.Int64
		elapsed atomic.Int64
		started = make(chan struct{})
	)

	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-started
			for !stop.Load() {
				t0 := time.Now()
				for range batch {
					s := g.Read()
					if s.Label == UnknownLabel {
						continue
					}
					idx := int(math.Round(s.Confidence * 10))
					if idx < 0 || idx >= len(labels) || labels[idx] != s.Label {
						torn.Add(1)
					}
				}
				elapsed.Add(int64(time.Since(t0)))
				nreads.Add(batch)
			}
		}()
	}

	close(started)
	for i := range publishes {
		k := i % len(labels)
		g.Publish(Snapshot{Label: labels[k], Confidence: float64(k) / 10})
		if i%256 == 0 {
			runtime.Gosched()
		}
	}
	// Readers must have completed some batches before they are stopped.
	for nreads.Load() < int64(readers*batch) {
		runtime.Gosched()
	}
	stop.Store(true)
	wg.Wait()

	if n := torn.Load(); n != 0 {
		t.Fatalf("%d torn reads observed", n)
	}
	n := nreads.Load()
	if n == 0 {
		t.Fatal("readers never ran")
	}
	if mean := time.Duration(elapsed.Load() / n); mean > maxMeanRead {
		t.Fatalf("mean read took %v over %d reads, want <= %v", mean, n, maxMeanRead)
	}
	if g.Generation() != publishes {
		t.Fatalf("expected generation %d, got %d", publishes, g.Generation())
	}
}

func TestReadDoesNotAllocate(t *testing.T) {
	g := New()
	g.Publish(Snapshot{Label: "Talk", Confidence: 0.9})
	allocs := testing.AllocsPerRun(100, func() {
		_ = g.Read()
	})
	if allocs != 0 {
		t.Fatalf("expected 0 allocations, got %v", allocs)
	}
}
