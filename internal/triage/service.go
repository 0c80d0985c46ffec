package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-triage/internal/bus"
	"github.com/loqalabs/loqa-triage/internal/config"
	"github.com/loqalabs/loqa-triage/internal/eventstore"
	"github.com/loqalabs/loqa-triage/internal/protocol"
	"github.com/loqalabs/loqa-triage/internal/risk"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DispatchStream is the JetStream stream holding dispatch requests.
const DispatchStream = "TRIAGE_DISPATCH"

var tierRank = map[risk.Tier]int{risk.TierLow: 0, risk.TierMedium: 1, risk.TierHigh: 2}

// Intake is one transcript awaiting classification.
type Intake struct {
	SessionID string
	Text      string
	Location  *protocol.Location
}

// Outcome is everything produced for one intake.
type Outcome struct {
	Verdict  risk.Verdict
	Message  protocol.VerdictMessage
	Dispatch *protocol.DispatchRequest
}

// Service classifies final transcripts, records them and hands dispatch
// requests to the dispatch collaborator over the bus.
type Service struct {
	cfg        config.TriageConfig
	bus        *bus.Client
	store      *eventstore.Store
	classifier *risk.Classifier
	logger     *slog.Logger
	tracer     trace.Tracer
	minTier    risk.Tier
	durable    bool

	verdicts metric.Int64Counter
	scores   metric.Float64Histogram

	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	clock  func() time.Time
}

func NewService(parent context.Context, cfg config.TriageConfig, busClient *bus.Client, store *eventstore.Store, classifier *risk.Classifier, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if classifier == nil {
		classifier = risk.New()
	}
	meter := otel.Meter("loqa-triage/triage")
	verdicts, _ := meter.Int64Counter("triage.verdicts",
		metric.WithDescription("Verdicts produced by tier and emergency category"))
	scores, _ := meter.Float64Histogram("triage.risk_score",
		metric.WithDescription("Distribution of risk scores"))
	minTier := risk.Tier(strings.ToUpper(cfg.DispatchMinTier))
	if _, ok := tierRank[minTier]; !ok {
		minTier = risk.TierLow
	}
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		store:      store,
		classifier: classifier,
		logger:     logger.With(slog.String("component", "triage")),
		tracer:     otel.Tracer("loqa-triage/triage"),
		minTier:    minTier,
		verdicts:   verdicts,
		scores:     scores,
		ctx:        ctx,
		cancel:     cancel,
		clock:      time.Now,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	if s.cfg.Dispatch {
		if err := s.bus.EnsureStream(DispatchStream, protocol.SubjectDispatch); err != nil {
			s.logger.Warn("jetstream unavailable, dispatch requests are not persisted", slogError(err))
		} else {
			s.durable = true
		}
	}
	sub, err := s.bus.Subscribe(protocol.SubjectTranscriptFinal, s.handleTranscript)
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled || s.bus == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

func (s *Service) handleTranscript(ctx context.Context, msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("triage failed to decode transcript", slogError(err))
		return
	}
	if transcript.SessionID == "" {
		s.logger.Warn("transcript without session id dropped")
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	if _, err := s.Assess(ctx, Intake{
		SessionID: transcript.SessionID,
		Text:      transcript.Text,
		Location:  transcript.Location,
	}); err != nil {
		s.logger.Warn("triage assessment incomplete", slog.String("session_id", transcript.SessionID), slogError(err))
	}
}

// Assess classifies one transcript, records the outcome and publishes the
// verdict and, when the tier qualifies, a dispatch request. The returned
// Outcome is valid even when err reports a recording or publishing failure.
func (s *Service) Assess(ctx context.Context, in Intake) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "triage.assess", trace.WithAttributes(attribute.String("session.id", in.SessionID)))
	defer span.End()

	verdict := s.classifier.Classify(in.Text)
	span.SetAttributes(
		attribute.String("risk.tier", string(verdict.Tier)),
		attribute.Float64("risk.score", verdict.Score),
		attribute.String("risk.emergency_type", verdict.EmergencyCategory),
	)
	s.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", string(verdict.Tier)),
		attribute.String("category", verdict.EmergencyCategory),
	))
	s.scores.Record(ctx, verdict.Score)

	now := s.clock().UTC()
	out := Outcome{Verdict: verdict, Message: verdictMessage(uuid.NewString(), in, verdict, now)}
	if s.cfg.Dispatch && tierRank[verdict.Tier] >= tierRank[s.minTier] {
		req := dispatchRequest(out.Message, now)
		out.Dispatch = &req
	}

	s.logger.Info("transcript classified",
		slog.String("session_id", in.SessionID),
		slog.String("tier", string(verdict.Tier)),
		slog.Float64("score", verdict.Score),
		slog.String("emergency_type", verdict.EmergencyCategory),
		slog.Int("factors", len(verdict.Factors)),
	)

	var errs []error
	traceID := span.SpanContext().TraceID().String()
	if err := s.store.Record(ctx, in.SessionID, traceID, eventstore.TypeTranscript, map[string]string{"text": in.Text}); err != nil {
		errs = append(errs, fmt.Errorf("record transcript: %w", err))
	}
	if err := s.store.Record(ctx, in.SessionID, traceID, eventstore.TypeVerdict, out.Message); err != nil {
		errs = append(errs, fmt.Errorf("record verdict: %w", err))
	}
	if err := s.publish(ctx, protocol.SubjectVerdict, out.Message, false); err != nil {
		errs = append(errs, fmt.Errorf("publish verdict: %w", err))
	}
	if out.Dispatch != nil {
		if err := s.store.Record(ctx, in.SessionID, traceID, eventstore.TypeDispatch, out.Dispatch); err != nil {
			errs = append(errs, fmt.Errorf("record dispatch: %w", err))
		}
		if err := s.publish(ctx, protocol.SubjectDispatch, out.Dispatch, s.durable); err != nil {
			errs = append(errs, fmt.Errorf("publish dispatch: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assessment incomplete")
	}
	return out, err
}

func (s *Service) publish(ctx context.Context, subject string, v any, durable bool) error {
	if s.bus == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if durable {
		return s.bus.PublishDurable(ctx, subject, data)
	}
	return s.bus.Publish(ctx, subject, data)
}

func verdictMessage(id string, in Intake, v risk.Verdict, now time.Time) protocol.VerdictMessage {
	factors := make([]protocol.Factor, len(v.Factors))
	for i, f := range v.Factors {
		factors[i] = protocol.Factor{Word: f.Keyword, Category: f.Category, RiskLevel: string(f.Severity), Weight: f.Weight}
	}
	return protocol.VerdictMessage{
		ID:                id,
		SessionID:         in.SessionID,
		RiskLevel:         string(v.Tier),
		RiskScore:         v.Score,
		EmergencyType:     v.EmergencyCategory,
		Factors:           factors,
		Recommendations:   v.Recommendations,
		Sentiment:         v.Sentiment,
		UrgencyIndicators: v.UrgencyIndicators,
		WordCount:         v.WordCount,
		Text:              v.OriginalText,
		Location:          in.Location,
		Timestamp:         now,
	}
}

func dispatchRequest(msg protocol.VerdictMessage, now time.Time) protocol.DispatchRequest {
	return protocol.DispatchRequest{
		ID:            uuid.NewString(),
		VerdictID:     msg.ID,
		SessionID:     msg.SessionID,
		PatientName:   protocol.DefaultPatientName,
		ContactNumber: protocol.DefaultContactNumber,
		Category:      msg.EmergencyType,
		Priority:      msg.RiskLevel,
		Description:   msg.Text,
		Location:      msg.Location,
		RiskScore:     msg.RiskScore,
		RiskLevel:     msg.RiskLevel,
		Status:        protocol.DispatchStatusPending,
		CreatedAt:     now,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
