package cnn

import (
	"math"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/detector"
)

// Energy is a model-free classifier used when no ONNX model is configured.
// It looks at loudness, level modulation across 20 ms frames, crest factor
// and zero-crossing rate:
//
//	quiet clip                       -> Normal
//	sharp transients (high crest)    -> Walk
//	strongly modulated level         -> Talk
//	steady, few zero crossings       -> Warning (tonal alarm)
//	steady, many zero crossings      -> Machine (broadband hum/noise)
//
// It reports the chosen class with Confidence and splits the remainder over
// the other classes. Output order follows detector.Labels.
type Energy struct {
	SampleRate int
	Confidence float32

	QuietDB    float64 // clip RMS below this is Normal
	Crest      float64 // peak/RMS above this is Walk
	Modulation float64 // frame-level std dev (dB) above this is Talk
	ToneZCR    float64 // zero-crossing rate below this is Warning
}

var _ detector.Classifier = (*Energy)(nil)

// NewEnergy returns an Energy classifier with stock thresholds.
func NewEnergy(sampleRate int) *Energy {
	return &Energy{
		SampleRate: sampleRate,
		Confidence: 0.9,
		QuietDB:    -50,
		Crest:      10,
		Modulation: 6,
		ToneZCR:    0.3,
	}
}

// Classify never fails.
func (e *Energy) Classify(samples []float32) ([]float32, error) {
	return e.probs(e.pick(samples)), nil
}

func (e *Energy) pick(samples []float32) string {
	if len(samples) == 0 {
		return detector.Normal
	}
	var sum, peak float64
	crossings := 0
	for i, s := range samples {
		v := float64(s)
		sum += v * v
		peak = math.Max(peak, math.Abs(v))
		if i > 0 && (samples[i-1] < 0) != (s < 0) {
			crossings++
		}
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if 20*math.Log10(rms+1e-6) < e.QuietDB {
		return detector.Normal
	}
	if peak/rms > e.Crest {
		return detector.Walk
	}
	if e.modulation(samples) > e.Modulation {
		return detector.Talk
	}
	if zcr := float64(crossings) / float64(len(samples)); zcr < e.ToneZCR {
		return detector.Warning
	}
	return detector.Machine
}

// modulation is the standard deviation of per-frame levels in dB.
func (e *Energy) modulation(samples []float32) float64 {
	frame := max(e.SampleRate/50, 1)
	n := len(samples) / frame
	if n < 2 {
		return 0
	}
	levels := make([]float64, n)
	var mean float64
	for f := range n {
		var sum float64
		for _, s := range samples[f*frame : (f+1)*frame] {
			sum += float64(s) * float64(s)
		}
		levels[f] = 20 * math.Log10(math.Sqrt(sum/float64(frame))+1e-6)
		mean += levels[f]
	}
	mean /= float64(n)
	var variance float64
	for _, l := range levels {
		variance += (l - mean) * (l - mean)
	}
	return math.Sqrt(variance / float64(n))
}

func (e *Energy) probs(label string) []float32 {
	out := make([]float32, len(detector.Labels))
	rest := (1 - e.Confidence) / float32(len(out)-1)
	for i, l := range detector.Labels {
		if l == label {
			out[i] = e.Confidence
		} else {
			out[i] = rest
		}
	}
	return out
}
