package conditioner

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
)

// downmix averages interleaved channels into a single channel.
func downmix(data []float64, channels int) []float64 {
	if channels <= 1 {
		out := make([]float64, len(data))
		copy(out, data)
		return out
	}
	frames := len(data) / channels
	out := make([]float64, frames)
	for f := 0; f < frames; f++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += data[f*channels+c]
		}
		out[f] = sum / float64(channels)
	}
	return out
}

// resample converts mono samples from one rate to another by linear
// interpolation on the time axis.
func resample(data []float64, from, to int) ([]float64, error) {
	if from == to || len(data) == 0 {
		return data, nil
	}
	outLen := int(math.Round(float64(len(data)) * float64(to) / float64(from)))
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float64, outLen)
	if len(data) == 1 {
		for i := range out {
			out[i] = data[0]
		}
		return out, nil
	}

	xs := make([]float64, len(data))
	for i := range xs {
		xs[i] = float64(i) / float64(from)
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, data); err != nil {
		return nil, fmt.Errorf("fit resampler: %w", err)
	}
	for i := range out {
		out[i] = pl.Predict(float64(i) / float64(to))
	}
	return out, nil
}

func peak(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return math.Max(floats.Max(data), -floats.Min(data))
}

// normalizePeak scales data so its absolute peak equals ceiling. Silent
// input is returned unchanged.
func normalizePeak(data []float64, ceiling float64) []float64 {
	p := peak(data)
	if p == 0 || p == ceiling {
		return data
	}
	out := make([]float64, len(data))
	copy(out, data)
	floats.Scale(ceiling/p, out)
	return out
}

// quantize16 clips to [-1, 1] and converts to signed 16-bit samples.
func quantize16(data []float64) []int16 {
	out := make([]int16, len(data))
	for i, v := range data {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(math.Round(v * math.MaxInt16))
	}
	return out
}
