package stream

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Generator fills one block of interleaved capture frames. frame is the
// index of the block's first frame since the stream started.
type Generator func(buf []float32, channels int, frame int64)

// Simulated is a Backend with no hardware behind it. A goroutine paced by a
// ticker at the block period plays the driver's role: it fills the capture
// buffer from Generator, invokes the callback and hands the playback buffer
// to Sink.
type Simulated struct {
	Generator Generator
	// Sink, if set, receives each playback block after the callback. The
	// slice is reused; copy it to keep it.
	Sink func(out []float32)
	// Status, if set, returns the flags reported for block n.
	Status func(n int64) Status
}

// Devices reports a single virtual device.
func (*Simulated) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{
		ID:                0,
		Name:              "simulated",
		MaxInputChannels:  8,
		MaxOutputChannels: 8,
		DefaultSampleRate: 44100,
	}}, nil
}

// Open returns a stopped virtual device.
func (s *Simulated) Open(p Params, fn ProcessFunc) (Device, error) {
	gen := s.Generator
	if gen == nil {
		gen = func(buf []float32, _ int, _ int64) { clear(buf) }
	}
	return &simDevice{
		params: p,
		fn:     fn,
		gen:    gen,
		sink:   s.Sink,
		status: s.Status,
		in:     make([]float32, p.BlockSize*p.Channels),
		out:    make([]float32, p.BlockSize*p.Channels),
	}, nil
}

type simDevice struct {
	params Params
	fn     ProcessFunc
	gen    Generator
	sink   func([]float32)
	status func(int64) Status

	in, out []float32

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
	frame  int64
	closed bool
}

func (d *simDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("simulated device closed")
	}
	if d.stopCh != nil {
		return errors.New("simulated device already started")
	}
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer d.wg.Done()
		d.loop(stop)
	}(d.stopCh)
	return nil
}

func (d *simDevice) loop(stop <-chan struct{}) {
	period := d.params.Period()
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var n int64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		d.gen(d.in, d.params.Channels, d.frame)
		var st Status
		if d.status != nil {
			st = d.status(n)
		}
		d.fn(d.in, d.out, st)
		if d.sink != nil {
			d.sink(d.out)
		}
		d.frame += int64(d.params.BlockSize)
		n++
	}
}

// Stop returns after the driving goroutine has exited, so no callback is in
// flight afterwards.
func (d *simDevice) Stop() error {
	d.mu.Lock()
	stop := d.stopCh
	d.stopCh = nil
	d.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	d.wg.Wait()
	return nil
}

func (d *simDevice) Close() error {
	err := d.Stop()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}

// ToneWithNoise returns a Generator producing a sine tone plus uniform white
// noise on every channel. It is used for running the pipeline without audio
// hardware.
func ToneWithNoise(sampleRate, freq, toneAmp, noiseAmp float64, seed int64) Generator {
	r := rand.New(rand.NewSource(seed))
	return func(buf []float32, channels int, frame int64) {
		frames := len(buf) / channels
		for i := range frames {
			t := float64(frame+int64(i)) / sampleRate
			tone := toneAmp * math.Sin(2*math.Pi*freq*t)
			for ch := range channels {
				buf[i*channels+ch] = float32(tone + noiseAmp*(2*r.Float64()-1))
			}
		}
	}
}
