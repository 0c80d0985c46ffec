package conditioner

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/go-audio/audio"
)

// Stage names reported in Result.Stages.
const (
	StageHighPass = "high_pass"
	StageSpectral = "spectral_subtraction"
	StageLowPass  = "low_pass"
)

var (
	ErrEmptyBuffer    = errors.New("audio buffer is empty")
	ErrInvalidFormat  = errors.New("audio buffer format is invalid")
	ErrNonFiniteInput = errors.New("audio buffer contains non-finite samples")
)

// ConditionError is returned when a clip cannot be conditioned at all. Stage
// level failures never produce it; they are reported in Result.Stages.
type ConditionError struct {
	Err    error
	Detail string
}

func (e *ConditionError) Error() string {
	if e.Detail == "" {
		return "condition audio: " + e.Err.Error()
	}
	return fmt.Sprintf("condition audio: %s: %s", e.Err, e.Detail)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// Options controls the conditioning chain.
type Options struct {
	TargetSampleRate int
	NoiseReduction   bool
	Normalize        bool
	// HeadroomDB is the distance of the normalisation ceiling below full scale.
	HeadroomDB     float64
	HighPassCutoff float64
	LowPassCutoff  float64
	FilterOrder    int
	Alpha          float64
	Beta           float64
}

// DefaultOptions mirrors the voice-band settings used for call audio.
func DefaultOptions() Options {
	return Options{
		TargetSampleRate: 16000,
		NoiseReduction:   true,
		Normalize:        true,
		HighPassCutoff:   80,
		LowPassCutoff:    8000,
		FilterOrder:      5,
		Alpha:            2.0,
		Beta:             0.01,
	}
}

// StageReport records whether a noise-suppression stage ran.
type StageReport struct {
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// Result is a conditioned mono clip.
type Result struct {
	Samples    []int16
	SampleRate int
	Stages     []StageReport
}

// PCM returns the samples as little-endian 16-bit PCM.
func (r Result) PCM() []byte {
	out := make([]byte, len(r.Samples)*2)
	for i, s := range r.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// IntBuffer exposes the result as a go-audio buffer for encoders.
func (r Result) IntBuffer() *audio.IntBuffer {
	data := make([]int, len(r.Samples))
	for i, s := range r.Samples {
		data[i] = int(s)
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: r.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
}

// Skipped lists the stages that fell back to pass-through.
func (r Result) Skipped() []StageReport {
	var out []StageReport
	for _, s := range r.Stages {
		if !s.Applied {
			out = append(out, s)
		}
	}
	return out
}

// Conditioner prepares caller audio for transcription. It holds only
// read-only settings and is safe for concurrent use.
type Conditioner struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options, log *slog.Logger) *Conditioner {
	if log == nil {
		log = slog.Default()
	}
	return &Conditioner{opts: opts, log: log.With(slog.String("component", "conditioner"))}
}

// Condition collapses buf to mono, resamples it to the target rate,
// normalises loudness and suppresses noise, returning 16-bit samples.
func (c *Conditioner) Condition(buf *audio.FloatBuffer) (Result, error) {
	if buf == nil || buf.Format == nil {
		return Result{}, &ConditionError{Err: ErrInvalidFormat, Detail: "missing format"}
	}
	channels, rate := buf.Format.NumChannels, buf.Format.SampleRate
	if channels <= 0 || rate <= 0 {
		return Result{}, &ConditionError{Err: ErrInvalidFormat, Detail: fmt.Sprintf("channels=%d sample_rate=%d", channels, rate)}
	}
	if len(buf.Data) == 0 {
		return Result{}, &ConditionError{Err: ErrEmptyBuffer}
	}
	if len(buf.Data)%channels != 0 {
		return Result{}, &ConditionError{Err: ErrInvalidFormat, Detail: fmt.Sprintf("%d samples not divisible by %d channels", len(buf.Data), channels)}
	}
	for _, v := range buf.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Result{}, &ConditionError{Err: ErrNonFiniteInput}
		}
	}

	samples := downmix(buf.Data, channels)

	target := c.opts.TargetSampleRate
	if target <= 0 {
		target = rate
	}
	if rate != target {
		var err error
		samples, err = resample(samples, rate, target)
		if err != nil {
			return Result{}, &ConditionError{Err: ErrInvalidFormat, Detail: err.Error()}
		}
		c.log.Debug("resampled audio", slog.Int("from", rate), slog.Int("to", target))
	}

	if c.opts.Normalize {
		samples = normalizePeak(samples, math.Pow(10, -c.opts.HeadroomDB/20))
	}

	var stages []StageReport
	if c.opts.NoiseReduction {
		samples, stages = c.suppressNoise(samples, target)
	}

	return Result{
		Samples:    quantize16(samples),
		SampleRate: target,
		Stages:     stages,
	}, nil
}

func (c *Conditioner) suppressNoise(samples []float64, rate int) ([]float64, []StageReport) {
	stages := make([]StageReport, 0, 3)
	run := func(name string, fn func([]float64) ([]float64, error)) {
		out, err := fn(samples)
		if err != nil {
			c.log.Warn("conditioning stage skipped", slog.String("stage", name), slog.String("reason", err.Error()))
			stages = append(stages, StageReport{Name: name, Reason: err.Error()})
			return
		}
		samples = out
		stages = append(stages, StageReport{Name: name, Applied: true})
	}

	run(StageHighPass, c.bandFilter(highPass, c.opts.HighPassCutoff, rate))
	run(StageSpectral, func(x []float64) ([]float64, error) {
		return spectralSubtract(x, rate, c.opts.Alpha, c.opts.Beta)
	})
	run(StageLowPass, c.bandFilter(lowPass, c.opts.LowPassCutoff, rate))
	return samples, stages
}

func (c *Conditioner) bandFilter(kind filterKind, cutoff float64, rate int) func([]float64) ([]float64, error) {
	return func(x []float64) ([]float64, error) {
		sections, err := butterworth(kind, c.opts.FilterOrder, cutoff, rate)
		if err != nil {
			return nil, err
		}
		return filtfilt(sections, c.opts.FilterOrder, x)
	}
}
