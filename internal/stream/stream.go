// Package stream runs a full-duplex audio session: capture and playback
// through one device stream, with a processing callback invoked once per
// hardware block.
//
// The callback runs on the driver's real-time thread and must finish within
// one block period (BlockSize / SampleRate). The engine measures how long
// each callback takes and counts late blocks, but does not enforce the
// deadline; a callback that overruns causes audible dropouts at the driver.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDevice selects the host API's default input or output device.
const DefaultDevice = -1

// ErrClosed is returned when using a session after Close.
var ErrClosed = errors.New("stream: session closed")

// AlreadyRunningError is returned by Run when the session is already
// running. Starting twice is a caller bug, not a no-op.
type AlreadyRunningError struct {
	Params Params
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("stream: session already running (%g Hz, block %d)", e.Params.SampleRate, e.Params.BlockSize)
}

// Params configures a duplex session.
type Params struct {
	SampleRate   float64
	BlockSize    int // frames per callback
	Channels     int // same count for capture and playback
	InputDevice  int // device index, or DefaultDevice
	OutputDevice int // device index, or DefaultDevice
}

// Validate reports parameters that no device could accept.
func (p Params) Validate() error {
	var errs []error
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be > 0, got %g", p.SampleRate))
	}
	if p.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("block size must be > 0, got %d", p.BlockSize))
	}
	if p.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channel count must be > 0, got %d", p.Channels))
	}
	return errors.Join(errs...)
}

// Period returns the duration of one block.
func (p Params) Period() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(p.BlockSize) / p.SampleRate * float64(time.Second))
}

// Status carries driver-reported conditions for one block.
type Status uint32

const (
	InputUnderflow Status = 1 << iota
	InputOverflow
	OutputUnderflow
	OutputOverflow
	PrimingOutput
)

// Xrun reports whether any under- or overrun flag is set.
func (s Status) Xrun() bool {
	return s&(InputUnderflow|InputOverflow|OutputUnderflow|OutputOverflow) != 0
}

func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	var parts []string
	for _, f := range []struct {
		bit  Status
		name string
	}{
		{InputUnderflow, "input-underflow"},
		{InputOverflow, "input-overflow"},
		{OutputUnderflow, "output-underflow"},
		{OutputOverflow, "output-overflow"},
		{PrimingOutput, "priming-output"},
	} {
		if s&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Callback processes one block. in holds the captured interleaved frames;
// out is the playback buffer of the same length and must be fully written.
// Implementations must not block, allocate without bound, or perform I/O.
type Callback interface {
	Process(in, out []float32, status Status)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(in, out []float32, status Status)

// Process calls f.
func (f CallbackFunc) Process(in, out []float32, status Status) { f(in, out, status) }

// ProcessFunc is what a Backend invokes once per hardware block.
type ProcessFunc func(in, out []float32, status Status)

// Device is an opened duplex stream.
type Device interface {
	Start() error
	Stop() error
	Close() error
}

// DeviceInfo describes an available audio device.
type DeviceInfo struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
}

// Backend opens duplex streams on some audio host.
type Backend interface {
	Open(p Params, fn ProcessFunc) (Device, error)
	Devices() ([]DeviceInfo, error)
}

// Stats summarises a session's callback activity.
type Stats struct {
	Blocks      uint64        `json:"blocks"`
	Xruns       uint64        `json:"xruns"`
	Late        uint64        `json:"late"` // callbacks that took longer than one period
	MaxCallback time.Duration `json:"max_callback_ns"`
	LastStatus  Status        `json:"last_status"`
}

type callbackHolder struct{ cb Callback }

// Session owns one opened duplex device stream.
type Session struct {
	params Params
	period time.Duration

	mu  sync.Mutex // serialises Run/Stop/Close
	dev Device

	cb      atomic.Pointer[callbackHolder]
	running atomic.Bool
	closed  atomic.Bool

	blocks     atomic.Uint64
	xruns      atomic.Uint64
	late       atomic.Uint64
	maxNanos   atomic.Int64
	lastStatus atomic.Uint32
}

// Open validates p and opens the device stream on backend. The stream is not
// started until Run. A device that is busy or cannot accept p fails here.
func Open(backend Backend, p Params) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("stream: invalid parameters: %w", err)
	}
	s := &Session{params: p, period: p.Period()}
	dev, err := backend.Open(p, s.process)
	if err != nil {
		return nil, fmt.Errorf("stream: open device: %w", err)
	}
	s.dev = dev
	slog.Info("audio stream opened",
		"sample_rate", p.SampleRate,
		"block_size", p.BlockSize,
		"channels", p.Channels,
		"period", s.period,
	)
	return s, nil
}

// Params returns the session parameters.
func (s *Session) Params() Params { return s.params }

// Running reports whether the device stream is started.
func (s *Session) Running() bool { return s.running.Load() }

// Run installs cb and starts the device. It returns once the stream is
// running; cb is then invoked once per block until Stop.
func (s *Session) Run(cb Callback) error {
	if cb == nil {
		return errors.New("stream: nil callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if s.running.Load() {
		return &AlreadyRunningError{Params: s.params}
	}

	s.cb.Store(&callbackHolder{cb: cb})
	if err := s.dev.Start(); err != nil {
		s.cb.Store(nil)
		return fmt.Errorf("stream: start device: %w", err)
	}
	s.running.Store(true)
	slog.Info("audio stream started", "sample_rate", s.params.SampleRate, "block_size", s.params.BlockSize)
	return nil
}

// Stop halts the device stream. The driver guarantees no callback is in
// flight once the underlying stop returns. Stopping a stopped session is a
// no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Session) stopLocked() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	err := s.dev.Stop()
	s.cb.Store(nil)
	if err != nil {
		return fmt.Errorf("stream: stop device: %w", err)
	}
	slog.Info("audio stream stopped", "blocks", s.blocks.Load(), "xruns", s.xruns.Load())
	return nil
}

// Close stops the session if needed and releases the device.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	stopErr := s.stopLocked()
	closeErr := s.dev.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("stream: close device: %w", closeErr)
	}
	return errors.Join(stopErr, closeErr)
}

// Stats returns a snapshot of callback counters. Safe to call from any
// goroutine.
func (s *Session) Stats() Stats {
	return Stats{
		Blocks:      s.blocks.Load(),
		Xruns:       s.xruns.Load(),
		Late:        s.late.Load(),
		MaxCallback: time.Duration(s.maxNanos.Load()),
		LastStatus:  Status(s.lastStatus.Load()),
	}
}

// process is handed to the backend and runs on the audio thread.
func (s *Session) process(in, out []float32, st Status) {
	start := time.Now()
	if h := s.cb.Load(); h != nil {
		h.cb.Process(in, out, st)
	} else {
		clear(out)
	}

	s.blocks.Add(1)
	if st.Xrun() {
		s.xruns.Add(1)
	}
	s.lastStatus.Store(uint32(st))

	d := int64(time.Since(start))
	if s.period > 0 && d > int64(s.period) {
		s.late.Add(1)
	}
	for {
		cur := s.maxNanos.Load()
		if d <= cur || s.maxNanos.CompareAndSwap(cur, d) {
			break
		}
	}
}
