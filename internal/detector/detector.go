// Package detector runs the background source classification loop: record a
// short mono clip, classify it, and publish the result to a source gate that
// the audio callback reads.
//
// The loop runs at most once per Interval. When an iteration takes longer
// than Interval the next one starts immediately; missed periods are not made
// up. Stop does not interrupt a recording in progress; it waits for the
// current iteration to finish.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/sourcegate"
)

// Source labels, in the classifier's output order.
const (
	Talk    = "Talk"
	Machine = "Machine"
	Warning = "Warning"
	Walk    = "Walk"
	Normal  = "Normal"
)

// Labels is the fixed label set the classifier was trained on.
var Labels = []string{Talk, Machine, Warning, Walk, Normal}

// ErrNoClasses is returned by Decide for an empty probability vector.
var ErrNoClasses = errors.New("detector: classifier returned no classes")

// Recorder captures mono audio. Record blocks for the whole duration.
type Recorder interface {
	Record(duration time.Duration) ([]float32, error)
}

// Classifier maps a mono clip to class probabilities in label order.
type Classifier interface {
	Classify(samples []float32) ([]float32, error)
}

// Detection is one completed classification.
type Detection struct {
	Label      string
	Confidence float64
	// Index is the class the label was taken from; it is the fallback index
	// when the top probability was below the threshold.
	Index         int
	Probabilities []float32
	Timestamp     time.Time
	Elapsed       time.Duration
}

// Sink receives every detection, e.g. to persist it. Errors are logged.
type Sink interface {
	Record(ctx context.Context, d Detection) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Detection) error

func (f SinkFunc) Record(ctx context.Context, d Detection) error { return f(ctx, d) }

// Config controls the detection loop.
type Config struct {
	RecordDuration time.Duration
	Interval       time.Duration
	// Threshold is the minimum top probability for the top class to be
	// reported; below it the FallbackIndex label is reported instead.
	Threshold     float64
	FallbackIndex int
	Labels        []string
}

// DefaultConfig returns the stock detection settings.
func DefaultConfig() Config {
	return Config{
		RecordDuration: 3 * time.Second,
		Interval:       time.Second,
		Threshold:      0.85,
		FallbackIndex:  4,
		Labels:         Labels,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	var errs []error
	if c.RecordDuration <= 0 {
		errs = append(errs, fmt.Errorf("record duration must be > 0, got %v", c.RecordDuration))
	}
	if c.Interval < 0 {
		errs = append(errs, fmt.Errorf("interval must be >= 0, got %v", c.Interval))
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold must be in [0, 1], got %g", c.Threshold))
	}
	if len(c.Labels) == 0 {
		errs = append(errs, errors.New("labels must not be empty"))
	}
	if c.FallbackIndex < 0 || c.FallbackIndex >= len(c.Labels) {
		errs = append(errs, fmt.Errorf("fallback index %d out of range for %d labels", c.FallbackIndex, len(c.Labels)))
	}
	return errors.Join(errs...)
}

// Decide picks the reported label for probs. It returns the label, the raw
// top probability and the class index used. An index past the end of labels
// reports sourcegate.UnknownLabel.
func Decide(probs []float32, labels []string, threshold float64, fallback int) (string, float64, int, error) {
	if len(probs) == 0 {
		return "", 0, 0, ErrNoClasses
	}
	best := 0
	for i, p := range probs {
		if p > probs[best] || math.IsNaN(float64(probs[best])) {
			best = i
		}
	}
	conf := float64(probs[best])
	if math.IsNaN(conf) {
		conf = 0
	}
	idx := best
	if conf < threshold {
		idx = fallback
	}
	if idx < 0 || idx >= len(labels) {
		return sourcegate.UnknownLabel, conf, idx, nil
	}
	return labels[idx], conf, idx, nil
}

// Stats counts loop outcomes.
type Stats struct {
	Iterations     uint64        `json:"iterations"`
	Detections     uint64        `json:"detections"`
	RecordErrors   uint64        `json:"record_errors"`
	ClassifyErrors uint64        `json:"classify_errors"`
	LastElapsed    time.Duration `json:"last_elapsed_ns"`
}

// Option customises a Detector.
type Option func(*Detector)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.log = l }
}

// WithSink adds a sink. It may be given more than once.
func WithSink(s Sink) Option {
	return func(d *Detector) { d.sinks = append(d.sinks, s) }
}

// Detector is the background classification loop.
type Detector struct {
	rec   Recorder
	cls   Classifier
	gate  *sourcegate.Gate
	cfg   Config
	log   *slog.Logger
	sinks []Sink

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	iterations     atomic.Uint64
	detections     atomic.Uint64
	recordErrors   atomic.Uint64
	classifyErrors atomic.Uint64
	lastElapsed    atomic.Int64
}

// New returns a stopped Detector publishing to gate.
func New(rec Recorder, cls Classifier, gate *sourcegate.Gate, cfg Config, opts ...Option) (*Detector, error) {
	if rec == nil || cls == nil || gate == nil {
		return nil, errors.New("detector: recorder, classifier and gate are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	d := &Detector{rec: rec, cls: cls, gate: gate, cfg: cfg}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "detector")
	return d, nil
}

// Start launches the loop. Starting a running detector does nothing.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(ctx, d.stopCh)
	d.log.Info("detector started", "record", d.cfg.RecordDuration, "interval", d.cfg.Interval)
}

// Stop ends the loop and waits for the current iteration to finish, which
// may take up to one recording duration plus classification time.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
	d.wg.Wait()
	d.cancel()
	d.log.Info("detector stopped", "iterations", d.iterations.Load())
}

// CurrentSource returns the latest published label and confidence.
func (d *Detector) CurrentSource() (string, float64) {
	s := d.gate.Read()
	return s.Label, s.Confidence
}

// Stats returns loop counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Iterations:     d.iterations.Load(),
		Detections:     d.detections.Load(),
		RecordErrors:   d.recordErrors.Load(),
		ClassifyErrors: d.classifyErrors.Load(),
		LastElapsed:    time.Duration(d.lastElapsed.Load()),
	}
}

func (d *Detector) loop(ctx context.Context, stop <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}

		start := time.Now()
		d.iterate(ctx)
		elapsed := time.Since(start)
		d.lastElapsed.Store(int64(elapsed))

		wait := d.cfg.Interval - elapsed
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (d *Detector) iterate(ctx context.Context) {
	d.iterations.Add(1)
	start := time.Now()

	samples, err := d.rec.Record(d.cfg.RecordDuration)
	if err != nil {
		d.recordErrors.Add(1)
		d.log.Warn("recording failed; keeping last source", "err", err)
		return
	}
	probs, err := d.cls.Classify(samples)
	if err != nil {
		d.classifyErrors.Add(1)
		d.log.Warn("classification failed; keeping last source", "err", err)
		return
	}
	label, conf, idx, err := Decide(probs, d.cfg.Labels, d.cfg.Threshold, d.cfg.FallbackIndex)
	if err != nil {
		d.classifyErrors.Add(1)
		d.log.Warn("classification failed; keeping last source", "err", err)
		return
	}

	now := time.Now()
	d.gate.Publish(sourcegate.Snapshot{Label: label, Confidence: conf, Timestamp: now})
	d.detections.Add(1)
	d.log.Debug("source detected", "label", label, "confidence", conf, "elapsed", now.Sub(start))

	det := Detection{
		Label:         label,
		Confidence:    conf,
		Index:         idx,
		Probabilities: probs,
		Timestamp:     now,
		Elapsed:       now.Sub(start),
	}
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.Record(sctx, det); err != nil {
			d.log.Warn("detection sink failed", "err", err)
		}
		cancel()
	}
}
