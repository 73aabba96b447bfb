//go:build headless

package stream

import (
	"errors"
	"testing"
)

func TestHeadlessPortAudioIsUnavailable(t *testing.T) {
	if _, err := NewPortAudio(); !errors.Is(err, ErrHeadless) {
		t.Fatalf("expected ErrHeadless, got %v", err)
	}
	var pa PortAudio
	if _, err := pa.Open(Params{SampleRate: 44100, BlockSize: 256, Channels: 1}, nil); !errors.Is(err, ErrHeadless) {
		t.Fatalf("open: expected ErrHeadless, got %v", err)
	}

	// The simulated backend still serves the same interface.
	var b Backend = &Simulated{}
	if _, err := b.Devices(); err != nil {
		t.Fatalf("simulated devices: %v", err)
	}
}
