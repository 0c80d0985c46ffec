package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-triage/internal/bus"
	"github.com/loqalabs/loqa-triage/internal/conditioner"
	"github.com/loqalabs/loqa-triage/internal/config"
	"github.com/loqalabs/loqa-triage/internal/natsserver"
	"github.com/loqalabs/loqa-triage/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type call struct {
	bytes      int
	sampleRate int
	channels   int
}

type recordingRecognizer struct {
	mu    sync.Mutex
	calls []call
	text  string
}

func (r *recordingRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{bytes: len(pcm), sampleRate: sampleRate, channels: channels})
	return TranscriptResult{Text: r.text, Confidence: 0.9}, nil
}

func tone(n, rate int, freq float64) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func sttConfig() config.STTConfig {
	cfg := config.Default().STT
	cfg.Enabled = true
	return cfg
}

func newTestService(t *testing.T, client *bus.Client, rec Recognizer) *Service {
	t.Helper()
	svc := NewService(context.Background(), sttConfig(), client, rec, conditioner.New(conditioner.DefaultOptions(), newLogger()), newLogger())
	t.Cleanup(svc.Close)
	return svc
}

func TestServicePublishesFinalTranscript(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	rec := &recordingRecognizer{text: "there is a fire in the kitchen"}
	svc := newTestService(t, client, rec)
	require.NoError(t, svc.Start())
	require.True(t, svc.Healthy())

	got := make(chan protocol.Transcript, 1)
	sub, err := client.Subscribe(protocol.SubjectTranscriptFinal, func(_ context.Context, msg *nats.Msg) {
		var tr protocol.Transcript
		if json.Unmarshal(msg.Data, &tr) == nil {
			got <- tr
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	pcm := tone(8000, 8000, 440)
	loc := &protocol.Location{Latitude: 47.6, Longitude: -122.3}
	frames := []protocol.AudioFrame{
		{SessionID: "call-7", Sequence: 0, SampleRate: 8000, Channels: 1, PCM: pcm[:8000]},
		{SessionID: "call-7", Sequence: 1, SampleRate: 8000, Channels: 1, PCM: pcm[8000:], Final: true, Location: loc},
	}
	for _, f := range frames {
		data, err := json.Marshal(f)
		require.NoError(t, err)
		require.NoError(t, client.Publish(context.Background(), protocol.AudioFrameSubject("call-7"), data))
	}

	select {
	case tr := <-got:
		assert.Equal(t, "call-7", tr.SessionID)
		assert.Equal(t, "there is a fire in the kitchen", tr.Text)
		assert.True(t, tr.Conditioned)
		require.NotNil(t, tr.Location)
		assert.Equal(t, 47.6, tr.Location.Latitude)
	case <-time.After(5 * time.Second):
		t.Fatal("transcript not published")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.calls, 1)
	assert.Equal(t, 16000, rec.calls[0].sampleRate)
	assert.Equal(t, 1, rec.calls[0].channels)
	// one second at 16 kHz, 16 bit
	assert.Equal(t, 32000, rec.calls[0].bytes)
}

func TestTranscribeFallsBackToRawAudio(t *testing.T) {
	rec := &recordingRecognizer{text: "help"}
	svc := newTestService(t, nil, rec)

	clip := Clip{
		SessionID: "raw",
		Audio: &audio.FloatBuffer{
			Format: &audio.Format{NumChannels: 1, SampleRate: 8000},
			Data:   []float64{0.1, math.NaN(), 0.2},
		},
	}
	tr, err := svc.Transcribe(context.Background(), clip)
	require.NoError(t, err)
	assert.False(t, tr.Conditioned)
	assert.Equal(t, "help", tr.Text)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, 8000, rec.calls[0].sampleRate)
	assert.Equal(t, 6, rec.calls[0].bytes)
}

func TestTranscribeRecognizerError(t *testing.T) {
	rec := RecognizerFunc(func(ctx context.Context, _ []byte, _ int, _ int) (TranscriptResult, error) {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "recognizer call should carry a deadline")
		return TranscriptResult{}, errors.New("backend down")
	})
	svc := newTestService(t, nil, rec)

	buf, err := conditioner.FromPCM16(tone(4000, 16000, 300), 16000, 1)
	require.NoError(t, err)
	_, err = svc.Transcribe(context.Background(), Clip{SessionID: "x", Audio: buf})
	assert.ErrorContains(t, err, "backend down")
}

func TestDisabledServiceIsHealthy(t *testing.T) {
	cfg := sttConfig()
	cfg.Enabled = false
	svc := NewService(context.Background(), cfg, nil, NewMockRecognizer(""), conditioner.New(conditioner.DefaultOptions(), newLogger()), newLogger())
	require.NoError(t, svc.Start())
	assert.True(t, svc.Healthy())
	svc.Close()
}

func TestMockRecognizer(t *testing.T) {
	res, err := NewMockRecognizer("").Transcribe(context.Background(), make([]byte, 10), 16000, 1)
	require.NoError(t, err)
	assert.Equal(t, "[transcript bytes=10 rate=16000]", res.Text)

	res, err = NewMockRecognizer("fixed").Transcribe(context.Background(), nil, 16000, 1)
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.Text)
}

func TestExecRecognizer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script recognizer")
	}
	script := filepath.Join(t.TempDir(), "fake-stt.sh")
	body := "#!/bin/sh\necho '{\"text\": \"  someone is bleeding \", \"confidence\": 0.8}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	rec, err := NewExecRecognizer(config.STTConfig{Mode: "exec", Command: script + " --fast"})
	require.NoError(t, err)
	res, err := rec.Transcribe(context.Background(), tone(160, 16000, 200), 16000, 1)
	require.NoError(t, err)
	assert.Equal(t, "someone is bleeding", res.Text)
	assert.Equal(t, 0.8, res.Confidence)

	_, err = NewExecRecognizer(config.STTConfig{Command: "   "})
	assert.ErrorIs(t, err, errEmptyCommand)
}

func TestWritePCMToWavRejectsOddPayload(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "odd_*.wav")
	require.NoError(t, err)
	defer f.Close()
	assert.Error(t, writePCMToWav(f, []byte{1, 2, 3}, 16000, 1))
}
