//go:build !headless

package recorder

import (
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/stream"
)

// errInputOverflowed is the read error PortAudio reports when captured
// frames were lost. Recording carries on.
var errInputOverflowed = portaudio.InputOverflowed

func (r *PortAudio) openDevice(buf []float32) (inputStream, error) {
	var (
		dev *portaudio.DeviceInfo
		err error
	)
	if r.Device == stream.DefaultDevice {
		dev, err = portaudio.DefaultInputDevice()
	} else {
		var devices []*portaudio.DeviceInfo
		devices, err = portaudio.Devices()
		if err == nil {
			if r.Device < 0 || r.Device >= len(devices) {
				return nil, fmt.Errorf("device index %d out of range (%d devices)", r.Device, len(devices))
			}
			dev = devices[r.Device]
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve input device: %w", err)
	}
	p := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultHighInputLatency,
		},
		SampleRate:      r.SampleRate,
		FramesPerBuffer: len(buf),
	}
	return portaudio.OpenStream(p, buf)
}
