// Package lms provides a bank of fixed-step Least Mean Squares adaptive
// filters, one per audio channel, used as the noise canceller on the capture
// path.
//
// Each channel predicts its current sample from its own most recent Order
// samples (newest first, including the sample being processed) and emits the
// prediction error. There is no separate reference-noise input.
//
// Usage:
//
//	bank, err := lms.New(lms.Config{Order: 128, Channels: 2, StepSize: 0.001})
//
//	// In the audio callback, once per block of interleaved frames:
//	err = bank.ProcessBlock(out, in)
package lms

import (
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultOrder is the filter length in taps.
	DefaultOrder = 128

	// DefaultStep is the LMS step size mu. Stability depends on input power
	// and Order; it is not normalised by signal energy.
	DefaultStep = 0.001
)

var (
	// ErrLayout is returned when a block does not match the configured
	// channel count or the output buffer is too short. It indicates a
	// configuration mistake, not a transient condition.
	ErrLayout = errors.New("lms: block layout does not match filter bank")

	// ErrDiverged is returned once a non-finite error sample has been
	// produced. The bank stays frozen until Reset.
	ErrDiverged = errors.New("lms: filter diverged (non-finite output or weights)")
)

// ConfigError reports an invalid filter bank configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("lms: invalid %s: %s", e.Field, e.Reason)
}

// Config describes a filter bank.
type Config struct {
	Order    int     // taps per channel (L)
	Channels int     // interleaved channel count
	StepSize float32 // mu
}

// Bank is a set of independent per-channel LMS filters.
//
// A Bank is not safe for concurrent use; it is owned by the audio callback.
type Bank struct {
	order    int
	channels int
	step     float32

	// weights[ch] and history[ch] both have length order. history is
	// most-recent-first.
	weights [][]float32
	history [][]float32

	diverged bool
}

// New allocates a bank with all weights and history zeroed.
func New(cfg Config) (*Bank, error) {
	if cfg.Order < 1 {
		return nil, &ConfigError{Field: "order", Reason: fmt.Sprintf("must be >= 1, got %d", cfg.Order)}
	}
	if cfg.Channels < 1 {
		return nil, &ConfigError{Field: "channels", Reason: fmt.Sprintf("must be >= 1, got %d", cfg.Channels)}
	}
	mu := float64(cfg.StepSize)
	if math.IsNaN(mu) || math.IsInf(mu, 0) || mu <= 0 {
		return nil, &ConfigError{Field: "step size", Reason: fmt.Sprintf("must be finite and > 0, got %v", cfg.StepSize)}
	}

	// One backing array per matrix keeps the per-channel rows contiguous.
	wArena := make([]float32, cfg.Order*cfg.Channels)
	hArena := make([]float32, cfg.Order*cfg.Channels)
	b := &Bank{
		order:    cfg.Order,
		channels: cfg.Channels,
		step:     cfg.StepSize,
		weights:  make([][]float32, cfg.Channels),
		history:  make([][]float32, cfg.Channels),
	}
	for ch := range cfg.Channels {
		lo, hi := ch*cfg.Order, (ch+1)*cfg.Order
		b.weights[ch] = wArena[lo:hi:hi]
		b.history[ch] = hArena[lo:hi:hi]
	}
	return b, nil
}

// Order returns the filter length L.
func (b *Bank) Order() int { return b.order }

// Channels returns the configured channel count.
func (b *Bank) Channels() int { return b.channels }

// StepSize returns mu.
func (b *Bank) StepSize() float32 { return b.step }

// Diverged reports whether the bank has frozen after a non-finite output.
func (b *Bank) Diverged() bool { return b.diverged }

// Weights returns a copy of the weights for channel ch.
func (b *Bank) Weights(ch int) []float32 {
	out := make([]float32, b.order)
	copy(out, b.weights[ch])
	return out
}

// Reset zeroes all weights and history and clears the diverged state.
func (b *Bank) Reset() {
	for ch := range b.channels {
		clear(b.weights[ch])
		clear(b.history[ch])
	}
	b.diverged = false
}

// ProcessBlock filters the interleaved frames in src and writes the error
// signal to dst. Samples are processed strictly in order: every frame is
// fully handled (history shift, prediction, error, weight update) before the
// next one is read.
//
// It returns ErrLayout if src is not a whole number of frames or dst is
// shorter than src, and ErrDiverged if an error sample or a weight becomes non-finite.
// In both cases dst[:len(src)] is left silent where no valid output exists.
// ProcessBlock does not allocate.
func (b *Bank) ProcessBlock(dst, src []float32) error {
	if len(src)%b.channels != 0 || len(dst) < len(src) {
		clear(dst[:min(len(dst), len(src))])
		return ErrLayout
	}
	if b.diverged {
		clear(dst[:len(src)])
		return ErrDiverged
	}

	twoMu := 2 * b.step
	frames := len(src) / b.channels
	for n := range frames {
		base := n * b.channels
		for ch := range b.channels {
			x := src[base+ch]
			w := b.weights[ch]
			h := b.history[ch]

			copy(h[1:], h[:len(h)-1])
			h[0] = x

			var y float32
			for i, hv := range h {
				y += w[i] * hv
			}
			e := x - y

			if !finite(e) {
				b.diverged = true
				clear(dst[base:len(src)])
				return ErrDiverged
			}
			dst[base+ch] = e

			g := twoMu * e
			for i, hv := range h {
				w[i] += g * hv
				if !finite(w[i]) {
					b.diverged = true
					clear(dst[base:len(src)])
					return ErrDiverged
				}
			}
		}
	}
	return nil
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
