package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-triage/internal/bus"
	"github.com/loqalabs/loqa-triage/internal/conditioner"
	"github.com/loqalabs/loqa-triage/internal/config"
	"github.com/loqalabs/loqa-triage/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Clip is one complete caller utterance awaiting recognition.
type Clip struct {
	SessionID string
	Audio     *audio.FloatBuffer
	Location  *protocol.Location
}

// Service buffers audio frames per session, conditions each finished clip
// and publishes the final transcript.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	cond       *conditioner.Conditioner
	logger     *slog.Logger
	tracer     trace.Tracer

	transcriptions metric.Int64Counter
	skippedStages  metric.Int64Counter

	sessions map[string]*sessionState
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup
	ready    bool
}

type sessionState struct {
	Buffer     []byte
	SampleRate int
	Channels   int
	Location   *protocol.Location
	Truncated  bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, cond *conditioner.Conditioner, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("loqa-triage/stt")
	transcriptions, _ := meter.Int64Counter("stt.transcriptions",
		metric.WithDescription("Recognizer calls by outcome"))
	skipped, _ := meter.Int64Counter("conditioner.stage.skipped",
		metric.WithDescription("Noise suppression stages that fell back to pass-through"))
	return &Service{
		cfg:            cfg,
		bus:            busClient,
		recognizer:     recognizer,
		cond:           cond,
		logger:         logger.With(slog.String("component", "stt")),
		tracer:         otel.Tracer("loqa-triage/stt"),
		transcriptions: transcriptions,
		skippedStages:  skipped,
		sessions:       make(map[string]*sessionState),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(ctx context.Context, msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.logger.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}
		s.sessions[frame.SessionID] = state
	}
	if frame.SampleRate > 0 {
		state.SampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		state.Channels = frame.Channels
	}
	if frame.Location != nil {
		state.Location = frame.Location
	}
	limit := s.cfg.MaxClipSeconds * state.SampleRate * state.Channels * 2
	if room := limit - len(state.Buffer); limit > 0 && room < len(frame.PCM) {
		if !state.Truncated {
			s.logger.Warn("audio clip exceeds limit, truncating",
				slog.String("session_id", frame.SessionID), slog.Int("max_clip_seconds", s.cfg.MaxClipSeconds))
		}
		state.Truncated = true
		if room > 0 {
			state.Buffer = append(state.Buffer, frame.PCM[:room&^1]...)
		}
	} else {
		state.Buffer = append(state.Buffer, frame.PCM...)
	}
	if !frame.Final {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, frame.SessionID)
	s.mu.Unlock()

	buf, err := conditioner.FromPCM16(state.Buffer, state.SampleRate, state.Channels)
	if err != nil {
		s.logger.Warn("dropping malformed clip", slog.String("session_id", frame.SessionID), slogError(err))
		return
	}
	clip := Clip{SessionID: frame.SessionID, Audio: buf, Location: state.Location}

	// Keep the remote parent span but bound the work by the service lifetime.
	jobCtx := trace.ContextWithSpanContext(s.ctx, trace.SpanContextFromContext(ctx))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		transcript, err := s.Transcribe(jobCtx, clip)
		if err != nil {
			s.logger.Warn("stt transcription failed", slog.String("session_id", clip.SessionID), slogError(err))
			return
		}
		s.publishTranscript(jobCtx, transcript)
	}()
}

// Transcribe conditions clip and runs the recognizer over it. When the clip
// cannot be conditioned the raw audio is recognized instead.
func (s *Service) Transcribe(ctx context.Context, clip Clip) (protocol.Transcript, error) {
	ctx, span := s.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(attribute.String("session.id", clip.SessionID)))
	defer span.End()

	pcm, rate, channels, conditioned := s.prepare(ctx, clip)

	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.recognizer.Transcribe(rctx, pcm, rate, channels)
	if err != nil {
		s.count(ctx, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "recognizer failed")
		return protocol.Transcript{}, fmt.Errorf("recognize: %w", err)
	}
	outcome := "ok"
	if result.Text == "" {
		outcome = "empty"
	}
	s.count(ctx, outcome)

	return protocol.Transcript{
		SessionID:   clip.SessionID,
		Text:        result.Text,
		Timestamp:   time.Now().UTC(),
		Confidence:  result.Confidence,
		Location:    clip.Location,
		Conditioned: conditioned,
	}, nil
}

func (s *Service) prepare(ctx context.Context, clip Clip) ([]byte, int, int, bool) {
	_, span := s.tracer.Start(ctx, "conditioner.condition")
	defer span.End()

	res, err := s.cond.Condition(clip.Audio)
	if err != nil {
		var cerr *conditioner.ConditionError
		if errors.As(err, &cerr) {
			span.SetAttributes(attribute.String("condition.error", cerr.Err.Error()))
		}
		span.RecordError(err)
		s.logger.Warn("conditioning failed, using raw audio", slog.String("session_id", clip.SessionID), slogError(err))
		rate, channels := 0, 0
		if clip.Audio != nil && clip.Audio.Format != nil {
			rate, channels = clip.Audio.Format.SampleRate, clip.Audio.Format.NumChannels
		}
		return conditioner.ToPCM16(clip.Audio), rate, channels, false
	}
	for _, stage := range res.Skipped() {
		s.skippedStages.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage.Name)))
	}
	span.SetAttributes(
		attribute.Int("audio.samples", len(res.Samples)),
		attribute.Int("audio.sample_rate", res.SampleRate),
		attribute.Int("stages.skipped", len(res.Skipped())),
	)
	return res.PCM(), res.SampleRate, 1, true
}

func (s *Service) count(ctx context.Context, outcome string) {
	s.transcriptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (s *Service) publishTranscript(ctx context.Context, msg protocol.Transcript) {
	if msg.Text == "" {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Publish(ctx, protocol.SubjectTranscriptFinal, data); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
