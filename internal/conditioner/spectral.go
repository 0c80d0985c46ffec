package conditioner

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
)

const (
	frameSize       = 1024
	hopSize         = frameSize / 2
	noiseWindowSecs = 0.5
	minNoiseSamples = frameSize
	windowNormFloor = 1e-8
)

var errInsufficientNoise = errors.New("insufficient noise sample for spectral estimate")

// hann returns a symmetric Hann window of length n.
func hann(n int) []float64 {
	w := make([]float64, n)
	floats.AddConst(1, w)
	return window.Hann(w)
}

// noiseSegmentLen is the leading span used as the noise estimate: half a
// second, capped at a quarter of the clip so speech dominates the remainder.
func noiseSegmentLen(n, sampleRate int) int {
	seg := int(noiseWindowSecs * float64(sampleRate))
	if q := n / 4; q < seg {
		seg = q
	}
	return seg
}

// estimateNoisePower returns the one-sided power spectrum of the leading
// noise segment, scaled to the energy of a Hann-windowed analysis frame: for
// white noise of variance s2 each bin is about s2 * sum(w^2).
func estimateNoisePower(data []float64, sampleRate int, window []float64) ([]float64, error) {
	seg := noiseSegmentLen(len(data), sampleRate)
	if seg < minNoiseSamples {
		return nil, errInsufficientNoise
	}
	fft := fourier.NewFFT(seg)
	coeff := fft.Coefficients(nil, data[:seg])

	scale := floats.Dot(window, window) / float64(seg)

	power := make([]float64, len(coeff))
	for i, c := range coeff {
		m := cmplx.Abs(c)
		power[i] = m * m * scale
	}
	return power, nil
}

// resizeSpectrum linearly interpolates src onto n evenly spaced bins
// spanning the same frequency range.
func resizeSpectrum(src []float64, n int) ([]float64, error) {
	if len(src) == n {
		return src, nil
	}
	if len(src) == 0 {
		return nil, errors.New("empty noise spectrum")
	}
	out := make([]float64, n)
	if len(src) < 2 {
		for i := range out {
			out[i] = src[0]
		}
		return out, nil
	}
	xs := make([]float64, len(src))
	for i := range xs {
		xs[i] = float64(i) / float64(len(src)-1)
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, src); err != nil {
		return nil, fmt.Errorf("fit noise spectrum: %w", err)
	}
	for i := range out {
		out[i] = pl.Predict(float64(i) / float64(n-1))
	}
	return out, nil
}

// spectralSubtract suppresses stationary noise by subtracting alpha times
// the noise power from each frame's power spectrum, flooring the result at
// beta times the frame power, and resynthesising with the original phase by
// weighted overlap-add. Frames start one hop before the signal so every
// output sample lies under two windows and the squared-window sum stays
// at or above one half.
func spectralSubtract(data []float64, sampleRate int, alpha, beta float64) ([]float64, error) {
	window := hann(frameSize)
	noisePower, err := estimateNoisePower(data, sampleRate, window)
	if err != nil {
		return nil, err
	}
	bins := frameSize/2 + 1
	noisePower, err = resizeSpectrum(noisePower, bins)
	if err != nil {
		return nil, err
	}

	n := len(data)
	acc := make([]float64, n+frameSize+hopSize)
	norm := make([]float64, n+frameSize+hopSize)
	frame := make([]float64, frameSize)
	coeff := make([]complex128, bins)
	fft := fourier.NewFFT(frameSize)

	for start := -hopSize; start < n; start += hopSize {
		for i := range frame {
			var v float64
			if j := start + i; j >= 0 && j < n {
				v = data[j]
			}
			frame[i] = v * window[i]
		}
		fft.Coefficients(coeff, frame)

		for k, c := range coeff {
			mag := cmplx.Abs(c)
			power := mag * mag
			clean := power - alpha*noisePower[k]
			if floor := beta * power; clean < floor {
				clean = floor
			}
			coeff[k] = cmplx.Rect(math.Sqrt(clean), cmplx.Phase(c))
		}
		fft.Sequence(frame, coeff)

		for i, v := range frame {
			w := window[i]
			acc[start+hopSize+i] += v / frameSize * w
			norm[start+hopSize+i] += w * w
		}
	}

	out := make([]float64, n)
	for i := range out {
		if nw := norm[i+hopSize]; nw > windowNormFloor {
			out[i] = acc[i+hopSize] / nw
		}
	}
	for _, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errNonFiniteOutput
		}
	}
	return out, nil
}
