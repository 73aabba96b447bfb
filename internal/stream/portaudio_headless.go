//go:build headless

package stream

import "errors"

// ErrHeadless is returned by the PortAudio backend in builds without audio
// device support. Use the Simulated backend instead.
var ErrHeadless = errors.New("stream: built without portaudio (headless)")

// PortAudio is unavailable in headless builds.
type PortAudio struct{}

// NewPortAudio always fails in headless builds.
func NewPortAudio() (*PortAudio, error) { return nil, ErrHeadless }

func (*PortAudio) Terminate() error { return nil }

func (*PortAudio) Devices() ([]DeviceInfo, error) { return nil, ErrHeadless }

func (*PortAudio) Open(Params, ProcessFunc) (Device, error) { return nil, ErrHeadless }
