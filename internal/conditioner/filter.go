package conditioner

import (
	"errors"
	"fmt"
	"math"
)

var (
	errCutoffOutOfRange = errors.New("cutoff must lie strictly between 0 and the Nyquist frequency")
	errInvalidOrder     = errors.New("filter order must be positive")
	errUnstableSection  = errors.New("filter section has no DC steady state")
	errSignalTooShort   = errors.New("signal shorter than filter padding")
	errNonFiniteOutput  = errors.New("filter produced non-finite samples")
)

type filterKind int

const (
	lowPass filterKind = iota
	highPass
)

func (k filterKind) String() string {
	if k == highPass {
		return "high-pass"
	}
	return "low-pass"
}

// section is one biquad (or first-order section when b2 == a2 == 0) in
// transposed direct form II, normalised so a0 == 1.
type section struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// butterworth designs a digital Butterworth filter as a cascade of
// second-order sections using the bilinear transform with pre-warping.
func butterworth(kind filterKind, order int, cutoff float64, sampleRate int) ([]section, error) {
	if order <= 0 {
		return nil, errInvalidOrder
	}
	nyquist := float64(sampleRate) / 2
	if cutoff <= 0 || cutoff >= nyquist {
		return nil, fmt.Errorf("%s %.0f Hz at %d Hz: %w", kind, cutoff, sampleRate, errCutoffOutOfRange)
	}

	k := math.Tan(math.Pi * cutoff / float64(sampleRate))
	k2 := k * k
	sections := make([]section, 0, (order+1)/2)

	for i := 1; i <= order/2; i++ {
		psi := math.Pi * float64(2*i-1) / float64(2*order)
		c := 2 * math.Sin(psi) * k
		a0 := 1 + c + k2
		s := section{
			a1: 2 * (k2 - 1) / a0,
			a2: (1 - c + k2) / a0,
		}
		switch kind {
		case lowPass:
			s.b0, s.b1, s.b2 = k2/a0, 2*k2/a0, k2/a0
		case highPass:
			s.b0, s.b1, s.b2 = 1/a0, -2/a0, 1/a0
		}
		sections = append(sections, s)
	}
	if order%2 == 1 {
		a0 := 1 + k
		s := section{a1: (k - 1) / a0}
		switch kind {
		case lowPass:
			s.b0, s.b1 = k/a0, k/a0
		case highPass:
			s.b0, s.b1 = 1/a0, -1/a0
		}
		sections = append(sections, s)
	}
	return sections, nil
}

// steadyState returns the DC gain of the section and the delay-line state
// that yields a constant output for a unit step input.
func (s section) steadyState() (gain, z1, z2 float64, err error) {
	den := 1 + s.a1 + s.a2
	if math.Abs(den) < 1e-12 {
		return 0, 0, 0, errUnstableSection
	}
	gain = (s.b0 + s.b1 + s.b2) / den
	z2 = s.b2 - s.a2*gain
	z1 = s.b1 - s.a1*gain + z2
	return gain, z1, z2, nil
}

func (s section) run(x []float64, z1, z2 float64) {
	for i, in := range x {
		out := s.b0*in + z1
		z1 = s.b1*in - s.a1*out + z2
		z2 = s.b2*in - s.a2*out
		x[i] = out
	}
}

// cascade filters x in place, seeding every section at the steady state of
// the first sample so the edges do not ring.
func cascade(sections []section, x []float64) error {
	if len(x) == 0 {
		return nil
	}
	level := x[0]
	for _, s := range sections {
		gain, z1, z2, err := s.steadyState()
		if err != nil {
			return err
		}
		s.run(x, z1*level, z2*level)
		level *= gain
	}
	return nil
}

// filtfilt applies the cascade forward and backward for zero net phase.
// The signal is extended at both ends by odd reflection of padLen samples.
func filtfilt(sections []section, order int, data []float64) ([]float64, error) {
	padLen := 3 * (order + 1)
	n := len(data)
	if n <= padLen {
		return nil, fmt.Errorf("%d samples, need more than %d: %w", n, padLen, errSignalTooShort)
	}

	ext := make([]float64, n+2*padLen)
	first, last := data[0], data[n-1]
	for i := 0; i < padLen; i++ {
		ext[i] = 2*first - data[padLen-i]
		ext[padLen+n+i] = 2*last - data[n-2-i]
	}
	copy(ext[padLen:], data)

	if err := cascade(sections, ext); err != nil {
		return nil, err
	}
	reverse(ext)
	if err := cascade(sections, ext); err != nil {
		return nil, err
	}
	reverse(ext)

	out := make([]float64, n)
	copy(out, ext[padLen:padLen+n])
	for _, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errNonFiniteOutput
		}
	}
	return out, nil
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
