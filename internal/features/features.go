// Package features turns a mono clip into the log-mel spectrogram image the
// source classifier expects.
//
// The pipeline is a Hann-windowed STFT with centred, zero-padded frames, a
// Slaney-style triangular mel filterbank applied to the power spectrum, a
// conversion to decibels referenced to the loudest bin, and a bilinear resize
// to a fixed image size.
package features

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// TopDB is the dynamic range kept by PowerToDB.
const TopDB = 80.0

// amin keeps log10 away from zero.
const amin = 1e-10

// ErrEmpty is returned when there are no samples to analyse.
var ErrEmpty = errors.New("features: empty input")

// Params describes the spectrogram image.
type Params struct {
	SampleRate int
	NFFT       int
	Hop        int
	Mels       int
	Rows       int // output height (mel axis)
	Cols       int // output width (time axis)
}

// DefaultParams matches the classifier's training setup.
func DefaultParams() Params {
	return Params{SampleRate: 44100, NFFT: 2048, Hop: 512, Mels: 128, Rows: 128, Cols: 128}
}

// Validate reports unusable parameters.
func (p Params) Validate() error {
	var errs []error
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be > 0, got %d", p.SampleRate))
	}
	if p.NFFT < 2 || p.NFFT%2 != 0 {
		errs = append(errs, fmt.Errorf("n_fft must be even and >= 2, got %d", p.NFFT))
	}
	if p.Hop <= 0 {
		errs = append(errs, fmt.Errorf("hop must be > 0, got %d", p.Hop))
	}
	if p.Mels <= 0 {
		errs = append(errs, fmt.Errorf("mel bands must be > 0, got %d", p.Mels))
	}
	if p.Rows <= 0 || p.Cols <= 0 {
		errs = append(errs, fmt.Errorf("image size must be positive, got %dx%d", p.Rows, p.Cols))
	}
	return errors.Join(errs...)
}

// Size returns Rows*Cols.
func (p Params) Size() int { return p.Rows * p.Cols }

// Hann returns a periodic Hann window of length n, suitable for STFT.
func Hann(n int) []float64 {
	w := make([]float64, n+1)
	for i := range w {
		w[i] = 1
	}
	return window.Hann(w)[:n]
}

// HzToMel converts using the Slaney scale: linear below 1 kHz, logarithmic
// above.
func HzToMel(hz float64) float64 {
	const (
		fSP       = 200.0 / 3
		minLogHz  = 1000.0
		minLogMel = minLogHz / fSP
	)
	logStep := math.Log(6.4) / 27
	if hz < minLogHz {
		return hz / fSP
	}
	return minLogMel + math.Log(hz/minLogHz)/logStep
}

// MelToHz is the inverse of HzToMel.
func MelToHz(mel float64) float64 {
	const (
		fSP       = 200.0 / 3
		minLogHz  = 1000.0
		minLogMel = minLogHz / fSP
	)
	logStep := math.Log(6.4) / 27
	if mel < minLogMel {
		return mel * fSP
	}
	return minLogHz * math.Exp(logStep*(mel-minLogMel))
}

// MelFilterbank returns nMels area-normalised triangular filters over the
// nFFT/2+1 FFT bins, spanning 0 Hz to the Nyquist frequency.
func MelFilterbank(sampleRate, nFFT, nMels int) [][]float64 {
	bins := nFFT/2 + 1
	fftFreqs := make([]float64, bins)
	for k := range fftFreqs {
		fftFreqs[k] = float64(k) * float64(sampleRate) / float64(nFFT)
	}

	lo, hi := HzToMel(0), HzToMel(float64(sampleRate)/2)
	edges := make([]float64, nMels+2)
	floats.Span(edges, lo, hi)
	for i, m := range edges {
		edges[i] = MelToHz(m)
	}

	fb := make([][]float64, nMels)
	for m := range fb {
		row := make([]float64, bins)
		left, centre, right := edges[m], edges[m+1], edges[m+2]
		norm := 2 / (right - left)
		for k, f := range fftFreqs {
			up := (f - left) / (centre - left)
			down := (right - f) / (right - centre)
			if w := math.Min(up, down); w > 0 {
				row[k] = w * norm
			}
		}
		fb[m] = row
	}
	return fb
}

// MelSpectrogram returns the mel power spectrogram of samples as
// [mel band][frame]. Frames are centred on multiples of hop, with nFFT/2
// zeros of padding at each end.
func MelSpectrogram(samples []float32, sampleRate, nFFT, hop, nMels int) ([][]float64, error) {
	if len(samples) == 0 {
		return nil, ErrEmpty
	}
	if nFFT < 2 || nFFT%2 != 0 || hop <= 0 || nMels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("features: invalid stft parameters n_fft=%d hop=%d mels=%d sr=%d", nFFT, hop, nMels, sampleRate)
	}

	pad := nFFT / 2
	padded := make([]float64, len(samples)+2*pad)
	for i, s := range samples {
		padded[pad+i] = float64(s)
	}
	frames := 1 + (len(padded)-nFFT)/hop

	win := Hann(nFFT)
	fb := MelFilterbank(sampleRate, nFFT, nMels)
	fft := fourier.NewFFT(nFFT)

	out := make([][]float64, nMels)
	for m := range out {
		out[m] = make([]float64, frames)
	}
	buf := make([]float64, nFFT)
	power := make([]float64, nFFT/2+1)
	var coeffs []complex128
	for t := range frames {
		floats.MulTo(buf, padded[t*hop:t*hop+nFFT], win)
		coeffs = fft.Coefficients(coeffs, buf)
		for k, c := range coeffs {
			power[k] = real(c)*real(c) + imag(c)*imag(c)
		}
		for m, filter := range fb {
			out[m][t] = floats.Dot(filter, power)
		}
	}
	return out, nil
}

// PowerToDB converts a power spectrogram to decibels relative to its
// maximum, so the loudest bin is 0 dB and nothing is below -TopDB.
func PowerToDB(spec [][]float64) [][]float64 {
	ref := amin
	for _, row := range spec {
		if len(row) > 0 {
			ref = math.Max(ref, floats.Max(row))
		}
	}
	refDB := 10 * math.Log10(ref)

	out := make([][]float64, len(spec))
	for i, row := range spec {
		r := make([]float64, len(row))
		for j, v := range row {
			r[j] = 10*math.Log10(math.Max(v, amin)) - refDB
		}
		out[i] = r
	}
	floor := -TopDB
	for _, row := range out {
		for j, v := range row {
			if v < floor {
				row[j] = floor
			}
		}
	}
	return out
}

// Resize scales src to rows x cols with bilinear interpolation, sampling at
// pixel centres and clamping at the borders.
func Resize(src [][]float64, rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
	}
	srcRows := len(src)
	if srcRows == 0 || len(src[0]) == 0 {
		return out
	}
	srcCols := len(src[0])

	ry := float64(srcRows) / float64(rows)
	rx := float64(srcCols) / float64(cols)
	for y := range rows {
		y0, y1, fy := sampleAt(y, ry, srcRows)
		for x := range cols {
			x0, x1, fx := sampleAt(x, rx, srcCols)
			top := src[y0][x0]*(1-fx) + src[y0][x1]*fx
			bottom := src[y1][x0]*(1-fx) + src[y1][x1]*fx
			out[y][x] = top*(1-fy) + bottom*fy
		}
	}
	return out
}

// sampleAt maps destination index i to the two neighbouring source indices
// and the weight of the second.
func sampleAt(i int, scale float64, n int) (int, int, float64) {
	pos := (float64(i)+0.5)*scale - 0.5
	if pos <= 0 {
		return 0, 0, 0
	}
	if pos >= float64(n-1) {
		return n - 1, n - 1, 0
	}
	lo := int(pos)
	return lo, lo + 1, pos - float64(lo)
}

// Extract computes the classifier input for samples: a Rows x Cols log-mel
// image flattened row-major.
func Extract(samples []float32, p Params) ([]float32, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	mel, err := MelSpectrogram(samples, p.SampleRate, p.NFFT, p.Hop, p.Mels)
	if err != nil {
		return nil, err
	}
	img := Resize(PowerToDB(mel), p.Rows, p.Cols)
	flat := make([]float32, 0, p.Size())
	for _, row := range img {
		for _, v := range row {
			flat = append(flat, float32(v))
		}
	}
	return flat, nil
}
