//go:build !headless

package stream

import (
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// PortAudio opens full-duplex callback streams through PortAudio.
type PortAudio struct{}

// NewPortAudio initialises the PortAudio library. Call Terminate when done.
func NewPortAudio() (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudio{}, nil
}

// Terminate releases the PortAudio library.
func (*PortAudio) Terminate() error {
	return portaudio.Terminate()
}

// Devices lists every device PortAudio can see.
func (*PortAudio) Devices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(devices))
	for i, d := range devices {
		out = append(out, DeviceInfo{
			ID:                i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}

// Open opens one duplex stream with low-latency parameters on the selected
// devices. Buffers are interleaved float32.
func (*PortAudio) Open(p Params, fn ProcessFunc) (Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	inputDev, err := resolveDevice(devices, p.InputDevice, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, fmt.Errorf("resolve input device: %w", err)
	}
	outputDev, err := resolveDevice(devices, p.OutputDevice, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, fmt.Errorf("resolve output device: %w", err)
	}
	if inputDev.MaxInputChannels < p.Channels {
		return nil, fmt.Errorf("input device %q supports %d channels, need %d", inputDev.Name, inputDev.MaxInputChannels, p.Channels)
	}
	if outputDev.MaxOutputChannels < p.Channels {
		return nil, fmt.Errorf("output device %q supports %d channels, need %d", outputDev.Name, outputDev.MaxOutputChannels, p.Channels)
	}

	sp := portaudio.LowLatencyParameters(inputDev, outputDev)
	sp.Input.Channels = p.Channels
	sp.Output.Channels = p.Channels
	sp.SampleRate = p.SampleRate
	sp.FramesPerBuffer = p.BlockSize

	cb := func(in, out []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		fn(in, out, statusFromFlags(flags))
	}
	st, err := portaudio.OpenStream(sp, cb)
	if err != nil {
		return nil, err
	}
	slog.Info("portaudio duplex stream opened", "input", inputDev.Name, "output", outputDev.Name)
	return st, nil
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	if idx != DefaultDevice {
		return nil, fmt.Errorf("device index %d out of range (%d devices)", idx, len(devices))
	}
	return fallback()
}

func statusFromFlags(f portaudio.StreamCallbackFlags) Status {
	var s Status
	if f&portaudio.InputUnderflow != 0 {
		s |= InputUnderflow
	}
	if f&portaudio.InputOverflow != 0 {
		s |= InputOverflow
	}
	if f&portaudio.OutputUnderflow != 0 {
		s |= OutputUnderflow
	}
	if f&portaudio.OutputOverflow != 0 {
		s |= OutputOverflow
	}
	if f&portaudio.PrimingOutput != 0 {
		s |= PrimingOutput
	}
	return s
}
