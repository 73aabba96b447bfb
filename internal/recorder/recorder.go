// Package recorder captures short mono clips for the source detector.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/detector"
	"github.com/MiMickyyy/NICU-Noise-Shield/internal/stream"
)

// framesPerBuffer is the blocking read size.
const framesPerBuffer = 1024

// inputStream is the subset of a blocking PortAudio stream used for capture.
type inputStream interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

// PortAudio records from an input device through a blocking PortAudio
// stream. The stream is opened for each recording and closed afterwards, so
// the device is only held while recording.
type PortAudio struct {
	SampleRate float64
	Device     int // device index, or stream.DefaultDevice

	mu   sync.Mutex
	open func(buf []float32) (inputStream, error)
	log  *slog.Logger
}

var _ detector.Recorder = (*PortAudio)(nil)

// NewPortAudio returns a recorder for device at sampleRate. PortAudio must
// already be initialised.
func NewPortAudio(sampleRate float64, device int) *PortAudio {
	r := &PortAudio{SampleRate: sampleRate, Device: device, log: slog.With("component", "recorder")}
	r.open = r.openDevice
	return r
}

// Record blocks for duration and returns the captured mono samples.
func (r *PortAudio) Record(duration time.Duration) ([]float32, error) {
	n := int(duration.Seconds() * r.SampleRate)
	if n <= 0 {
		return nil, fmt.Errorf("recorder: duration %v too short", duration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]float32, framesPerBuffer)
	st, err := r.open(buf)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	defer st.Close()
	if err := st.Start(); err != nil {
		return nil, fmt.Errorf("recorder: start: %w", err)
	}

	out := make([]float32, 0, n)
	overflows := 0
	for len(out) < n {
		if err := st.Read(); err != nil {
			if !errors.Is(err, errInputOverflowed) {
				st.Stop()
				return nil, fmt.Errorf("recorder: read: %w", err)
			}
			overflows++
		}
		out = append(out, buf[:min(len(buf), n-len(out))]...)
	}
	if err := st.Stop(); err != nil {
		return nil, fmt.Errorf("recorder: stop: %w", err)
	}
	if overflows > 0 {
		r.log.Debug("input overflowed while recording", "count", overflows)
	}
	return out, nil
}

// Synthetic produces generated audio in real time without a device. It is
// used with the simulated stream backend.
type Synthetic struct {
	SampleRate float64
	Generator  stream.Generator
	// Sleep waits out the recording; nil means time.Sleep.
	Sleep func(time.Duration)

	mu    sync.Mutex
	frame int64
}

var _ detector.Recorder = (*Synthetic)(nil)

// Record waits for duration and returns duration's worth of samples.
func (s *Synthetic) Record(duration time.Duration) ([]float32, error) {
	n := int(duration.Seconds() * s.SampleRate)
	if n <= 0 {
		return nil, fmt.Errorf("recorder: duration %v too short", duration)
	}
	sleep := s.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(duration)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float32, n)
	if s.Generator != nil {
		s.Generator(out, 1, s.frame)
	}
	s.frame += int64(n)
	return out, nil
}
