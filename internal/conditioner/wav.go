package conditioner

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var errInvalidWAV = errors.New("not a valid wav stream")

// DecodeWAV reads a PCM wav stream into a float buffer scaled to [-1, 1].
func DecodeWAV(r io.ReadSeeker) (*audio.FloatBuffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, &ConditionError{Err: ErrInvalidFormat, Detail: errInvalidWAV.Error()}
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &ConditionError{Err: ErrInvalidFormat, Detail: fmt.Sprintf("decode wav: %v", err)}
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = pcm.SourceBitDepth
	}
	maxValue := float64(audio.IntMaxSignedValue(bitDepth))
	if maxValue <= 0 {
		return nil, &ConditionError{Err: ErrInvalidFormat, Detail: fmt.Sprintf("unsupported bit depth %d", bitDepth)}
	}

	out := &audio.FloatBuffer{
		Format: &audio.Format{NumChannels: int(dec.NumChans), SampleRate: int(dec.SampleRate)},
		Data:   make([]float64, len(pcm.Data)),
	}
	for i, v := range pcm.Data {
		out.Data[i] = float64(v) / maxValue
	}
	return out, nil
}

// EncodeWAV writes a conditioned clip as a mono 16-bit wav stream.
func EncodeWAV(w io.WriteSeeker, res Result) error {
	enc := wav.NewEncoder(w, res.SampleRate, 16, 1, 1)
	if err := enc.Write(res.IntBuffer()); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// FromPCM16 converts interleaved little-endian 16-bit PCM into a float buffer.
func FromPCM16(pcm []byte, sampleRate, channels int) (*audio.FloatBuffer, error) {
	if len(pcm)%2 != 0 {
		return nil, &ConditionError{Err: ErrInvalidFormat, Detail: "pcm payload not aligned"}
	}
	data := make([]float64, len(pcm)/2)
	for i := range data {
		data[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32767
	}
	return &audio.FloatBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   data,
	}, nil
}

// ToPCM16 clips buf to full scale and packs it as interleaved little-endian
// 16-bit PCM without any conditioning.
func ToPCM16(buf *audio.FloatBuffer) []byte {
	if buf == nil {
		return nil
	}
	return Result{Samples: quantize16(buf.Data)}.PCM()
}
