package detector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/sourcegate"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRecorder struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (r *fakeRecorder) Record(d time.Duration) ([]float32, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return nil, r.err
	}
	return make([]float32, 16), nil
}

// scriptedClassifier returns each result once, then repeats the last one.
type scriptedClassifier struct {
	mu      sync.Mutex
	results [][]float32
	errs    []error
	n       int
}

func (c *scriptedClassifier) Classify([]float32) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := min(c.n, len(c.results)-1)
	c.n++
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	return c.results[i], err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RecordDuration = time.Millisecond
	cfg.Interval = 0
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name      string
		probs     []float32
		wantLabel string
		wantConf  float64
		wantIdx   int
	}{
		{"confident talk", []float32{0.9, 0.05, 0.03, 0.01, 0.01}, Talk, 0.9, 0},
		{"confident walk", []float32{0.01, 0.01, 0.02, 0.95, 0.01}, Walk, 0.95, 3},
		{"below threshold falls back", []float32{0.6, 0.3, 0.05, 0.04, 0.01}, Normal, 0.6, 4},
		{"exactly threshold", []float32{0, 0.85, 0.15, 0, 0}, Machine, 0.85, 1},
		{"nan ignored", []float32{float32(nan()), 0.9, 0, 0, 0.1}, Machine, 0.9, 1},
		{"index past labels", []float32{0, 0, 0, 0, 0, 0.99}, sourcegate.UnknownLabel, 0.99, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			label, conf, idx, err := Decide(tc.probs, Labels, 0.85, 4)
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if label != tc.wantLabel || idx != tc.wantIdx {
				t.Errorf("got %s/%d, want %s/%d", label, idx, tc.wantLabel, tc.wantIdx)
			}
			if d := conf - tc.wantConf; d > 1e-6 || d < -1e-6 {
				t.Errorf("confidence: got %v want %v", conf, tc.wantConf)
			}
		})
	}
	if _, _, _, err := Decide(nil, Labels, 0.85, 4); !errors.Is(err, ErrNoClasses) {
		t.Fatalf("empty probs: want ErrNoClasses, got %v", err)
	}
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.FallbackIndex = 9
	bad.Threshold = 2
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestPublishesDetections(t *testing.T) {
	gate := sourcegate.New()
	cls := &scriptedClassifier{results: [][]float32{{0.95, 0.01, 0.01, 0.01, 0.02}}}
	var (
		mu   sync.Mutex
		seen []Detection
	)
	sink := SinkFunc(func(_ context.Context, d Detection) error {
		mu.Lock()
		seen = append(seen, d)
		mu.Unlock()
		return nil
	})
	d, err := New(&fakeRecorder{}, cls, gate, testConfig(), WithLogger(quiet), WithSink(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if label, _ := d.CurrentSource(); label != sourcegate.UnknownLabel {
		t.Fatalf("before start: %s", label)
	}
	d.Start()
	waitFor(t, func() bool { return gate.Generation() >= 3 })
	d.Stop()

	label, conf := d.CurrentSource()
	if label != Talk || conf < 0.94 || conf > 0.96 {
		t.Fatalf("current source: %s %v", label, conf)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 || seen[0].Label != Talk || seen[0].Index != 0 {
		t.Fatalf("sink saw %+v", seen)
	}
	if st := d.Stats(); st.Detections != uint64(len(seen)) {
		t.Fatalf("detections %d, sink saw %d", st.Detections, len(seen))
	}
}

func TestLowConfidenceReportsFallbackWithRawProbability(t *testing.T) {
	gate := sourcegate.New()
	cls := &scriptedClassifier{results: [][]float32{{0.5, 0.2, 0.1, 0.1, 0.1}}}
	d, err := New(&fakeRecorder{}, cls, gate, testConfig(), WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	waitFor(t, func() bool { return gate.Generation() >= 1 })
	d.Stop()

	s := gate.Read()
	if s.Label != Normal || s.Confidence != 0.5 {
		t.Fatalf("got %s %v, want Normal 0.5", s.Label, s.Confidence)
	}
}

func TestFailuresKeepLastSource(t *testing.T) {
	gate := sourcegate.New()
	boom := errors.New("inference failed")
	cls := &scriptedClassifier{
		results: [][]float32{{0, 0, 0.9, 0.05, 0.05}, nil},
		errs:    []error{nil, boom},
	}
	d, err := New(&fakeRecorder{}, cls, gate, testConfig(), WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	waitFor(t, func() bool { return d.Stats().ClassifyErrors >= 3 })
	d.Stop()

	if gen := gate.Generation(); gen != 1 {
		t.Fatalf("gate published %d times, want 1", gen)
	}
	if s := gate.Read(); s.Label != Warning {
		t.Fatalf("gate lost last value: %+v", s)
	}
}

func TestRecorderFailureIsIsolated(t *testing.T) {
	gate := sourcegate.New()
	rec := &fakeRecorder{err: errors.New("device unplugged")}
	cls := &scriptedClassifier{results: [][]float32{{1, 0, 0, 0, 0}}}
	d, err := New(rec, cls, gate, testConfig(), WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	waitFor(t, func() bool { return d.Stats().RecordErrors >= 2 })
	d.Stop()

	if s := gate.Read(); s.Label != sourcegate.UnknownLabel {
		t.Fatalf("gate changed after recorder failures: %+v", s)
	}
}

// blockingRecorder holds each recording until released.
type blockingRecorder struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingRecorder) Record(time.Duration) ([]float32, error) {
	r.started <- struct{}{}
	<-r.release
	return make([]float32, 4), nil
}

func TestStopWaitsForInFlightIteration(t *testing.T) {
	rec := &blockingRecorder{started: make(chan struct{}, 1), release: make(chan struct{})}
	cls := &scriptedClassifier{results: [][]float32{{0, 1, 0, 0, 0}}}
	gate := sourcegate.New()
	cfg := testConfig()
	cfg.Interval = time.Hour
	d, err := New(rec, cls, gate, cfg, WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	<-rec.started

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a recording was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(rec.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the recording finished")
	}
	if s := gate.Read(); s.Label != Machine {
		t.Fatalf("in-flight detection not published: %+v", s)
	}
}

func TestIntervalPacesLoopAndStopInterruptsSleep(t *testing.T) {
	rec := &fakeRecorder{}
	cls := &scriptedClassifier{results: [][]float32{{0, 0, 0, 0, 1}}}
	cfg := testConfig()
	cfg.Interval = time.Hour
	d, err := New(rec, cls, sourcegate.New(), cfg, WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	waitFor(t, func() bool { return d.Stats().Detections == 1 })

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the interval sleep")
	}
	if n := rec.calls.Load(); n != 1 {
		t.Fatalf("recorder called %d times within one interval", n)
	}
}

func TestSlowIterationsRunBackToBack(t *testing.T) {
	rec := &fakeRecorder{delay: 20 * time.Millisecond}
	cls := &scriptedClassifier{results: [][]float32{{0, 0, 0, 0, 1}}}
	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond
	d, err := New(rec, cls, sourcegate.New(), cfg, WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := time.Now()
	d.Start()
	waitFor(t, func() bool { return d.Stats().Detections >= 4 })
	d.Stop()

	// Four 20ms iterations with no sleep between them.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("iterations did not run back-to-back: %v", elapsed)
	}
	if st := d.Stats(); st.LastElapsed < 20*time.Millisecond {
		t.Fatalf("last elapsed %v shorter than recording", st.LastElapsed)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	cls := &scriptedClassifier{results: [][]float32{{0, 0, 0, 0, 1}}}
	cfg := testConfig()
	cfg.Interval = time.Hour
	d, err := New(&fakeRecorder{}, cls, sourcegate.New(), cfg, WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Stop()
	d.Start()
	d.Start()
	d.Stop()
	d.Stop()
	d.Start()
	d.Stop()
}

func TestSinkErrorsAreLoggedNotFatal(t *testing.T) {
	gate := sourcegate.New()
	cls := &scriptedClassifier{results: [][]float32{{0, 0, 0, 1, 0}}}
	sink := SinkFunc(func(context.Context, Detection) error { return errors.New("disk full") })
	d, err := New(&fakeRecorder{}, cls, gate, testConfig(), WithLogger(quiet), WithSink(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	waitFor(t, func() bool { return gate.Generation() >= 2 })
	d.Stop()
	if s := gate.Read(); s.Label != Walk {
		t.Fatalf("got %+v", s)
	}
}
