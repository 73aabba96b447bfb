package main

import (
	"math"
	"math/rand"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/stream"
)

// segmentSeconds is how long each simulated scene lasts.
const segmentSeconds = 8

// scenarioGenerator cycles through three scenes so --simulate exercises
// both the cancelling and the muted paths:
//
//	0: broadband equipment hum
//	1: speech-like bursts at a syllable rate
//	2: a quiet room
//
// Every channel carries the same signal. Each generator owns its random
// source, so use one per consumer.
func scenarioGenerator(sampleRate float64, seed int64) stream.Generator {
	r := rand.New(rand.NewSource(seed))
	return func(buf []float32, channels int, frame int64) {
		frames := len(buf) / channels
		for i := range frames {
			t := float64(frame+int64(i)) / sampleRate
			v := scene(t, r)
			for ch := range channels {
				buf[i*channels+ch] = float32(v)
			}
		}
	}
}

func scene(t float64, r *rand.Rand) float64 {
	noise := 2*r.Float64() - 1
	switch int(t/segmentSeconds) % 3 {
	case 0:
		return 0.2 * noise
	case 1:
		env := 0.5 + 0.5*math.Sin(2*math.Pi*4*t)
		env *= env
		env *= env
		return 0.3*env*math.Sin(2*math.Pi*220*t) + 0.01*noise
	default:
		return 0.001 * noise
	}
}
