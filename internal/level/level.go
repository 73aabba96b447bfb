// Package level turns the cancelled signal into a running dB level reading
// for display.
//
// The audio thread hands blocks to PushBlock, which copies into a
// preallocated buffer and enqueues it without blocking. A background
// goroutine computes the RMS level of each block, keeps the most recent
// readings, and forwards each reading to subscribers. When the goroutine
// falls behind, blocks are dropped and counted.
package level

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopTimeout is returned by Stop if the background goroutine does not
// exit in time.
var ErrStopTimeout = errors.New("level: meter did not stop within timeout")

const stopTimeout = time.Second

// Config sizes the meter.
type Config struct {
	BlockSize int // largest block accepted; longer blocks are truncated
	MaxPoints int // readings kept for Levels
	Min, Max  float64
	// QueueDepth is the number of blocks that may wait for processing.
	QueueDepth int
}

// DefaultConfig returns the stock meter settings.
func DefaultConfig() Config {
	return Config{BlockSize: 1024, MaxPoints: 100, Min: -120, Max: 0, QueueDepth: 16}
}

// Reading is one computed level.
type Reading struct {
	DB   float64   `json:"db"`
	Time time.Time `json:"time"`
}

// Level returns the RMS level of samples in dB, 20*log10(rms+1e-6), clamped
// to [lo, hi]. An empty block reads as lo.
func Level(samples []float32, lo, hi float64) float64 {
	if len(samples) == 0 {
		return lo
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	db := 20 * math.Log10(math.Sqrt(sum/float64(len(samples)))+1e-6)
	return min(max(db, lo), hi)
}

// Meter is a non-blocking level meter.
type Meter struct {
	cfg Config

	free  chan []float32
	queue chan []float32

	mu     sync.Mutex
	levels []float64 // oldest first
	subs   map[chan Reading]struct{}
	closed bool

	dropped   atomic.Uint64
	processed atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New starts a meter.
func New(cfg Config) *Meter {
	m := newMeter(cfg)
	go m.loop()
	return m
}

func newMeter(cfg Config) *Meter {
	def := DefaultConfig()
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = def.BlockSize
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = def.MaxPoints
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.Max <= cfg.Min {
		cfg.Min, cfg.Max = def.Min, def.Max
	}

	m := &Meter{
		cfg:    cfg,
		free:   make(chan []float32, cfg.QueueDepth),
		queue:  make(chan []float32, cfg.QueueDepth),
		levels: make([]float64, cfg.MaxPoints),
		subs:   make(map[chan Reading]struct{}),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for range cfg.QueueDepth {
		m.free <- make([]float32, cfg.BlockSize)
	}
	for i := range m.levels {
		m.levels[i] = cfg.Min
	}
	return m
}

// PushBlock enqueues a copy of samples. It never blocks or allocates; if no
// buffer is free the block is dropped.
func (m *Meter) PushBlock(samples []float32) {
	var buf []float32
	select {
	case buf = <-m.free:
	default:
		m.dropped.Add(1)
		return
	}
	n := copy(buf[:cap(buf)], samples)
	select {
	case m.queue <- buf[:n]:
	default:
		m.free <- buf
		m.dropped.Add(1)
	}
}

func (m *Meter) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.stopCh:
			m.closeSubscribers()
			return
		case buf := <-m.queue:
			db := Level(buf, m.cfg.Min, m.cfg.Max)
			m.free <- buf[:cap(buf)]
			m.record(Reading{DB: db, Time: time.Now()})
		}
	}
}

func (m *Meter) record(r Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.levels, m.levels[1:])
	m.levels[len(m.levels)-1] = r.DB
	m.processed.Add(1)
	for ch := range m.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// Levels returns the most recent MaxPoints readings, oldest first. Slots
// with no reading yet hold Min.
func (m *Meter) Levels() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.levels...)
}

// Latest returns the newest reading in dB.
func (m *Meter) Latest() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[len(m.levels)-1]
}

// Subscribe returns a channel of readings. Slow subscribers miss readings.
// The channel is closed by cancel or when the meter stops.
func (m *Meter) Subscribe() (<-chan Reading, func()) {
	ch := make(chan Reading, 8)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
		})
	}
}

func (m *Meter) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for ch := range m.subs {
		close(ch)
		delete(m.subs, ch)
	}
}

// Dropped returns the number of blocks discarded because the meter was busy.
func (m *Meter) Dropped() uint64 { return m.dropped.Load() }

// Processed returns the number of readings computed.
func (m *Meter) Processed() uint64 { return m.processed.Load() }

// Stop ends the background goroutine, waiting at most one second.
func (m *Meter) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	select {
	case <-m.done:
		return nil
	case <-time.After(stopTimeout):
		return ErrStopTimeout
	}
}
