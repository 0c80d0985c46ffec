package triage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-triage/internal/bus"
	"github.com/loqalabs/loqa-triage/internal/config"
	"github.com/loqalabs/loqa-triage/internal/eventstore"
	"github.com/loqalabs/loqa-triage/internal/natsserver"
	"github.com/loqalabs/loqa-triage/internal/protocol"
	"github.com/loqalabs/loqa-triage/internal/risk"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *eventstore.Store {
	t.Helper()
	es, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "persistent",
	}, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func triageConfig() config.TriageConfig {
	return config.Default().Triage
}

func TestAssessBuildsVerdictAndDispatch(t *testing.T) {
	store := openStore(t)
	svc := NewService(context.Background(), triageConfig(), nil, store, nil, newLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return fixed }
	t.Cleanup(svc.Close)

	loc := &protocol.Location{Latitude: 19.07, Longitude: 72.87}
	out, err := svc.Assess(context.Background(), Intake{SessionID: "call-1", Text: "Please help, there is bleeding", Location: loc})
	require.NoError(t, err)

	assert.Equal(t, risk.TierHigh, out.Verdict.Tier)
	assert.Equal(t, "HIGH", out.Message.RiskLevel)
	assert.Equal(t, 10.0, out.Message.RiskScore)
	assert.Equal(t, "Medical Emergency", out.Message.EmergencyType)
	assert.NotEmpty(t, out.Message.ID)
	assert.Equal(t, fixed, out.Message.Timestamp)

	require.NotNil(t, out.Dispatch)
	d := out.Dispatch
	assert.Equal(t, out.Message.ID, d.VerdictID)
	assert.Equal(t, "Voice Caller", d.PatientName)
	assert.Equal(t, "0000000000", d.ContactNumber)
	assert.Equal(t, "Medical Emergency", d.Category)
	assert.Equal(t, "HIGH", d.Priority)
	assert.Equal(t, "Please help, there is bleeding", d.Description)
	assert.Equal(t, "pending", d.Status)
	assert.Same(t, loc, d.Location)

	events, err := store.ListSessionEvents(context.Background(), "call-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, eventstore.TypeTranscript, events[0].Type)
	assert.Equal(t, eventstore.TypeVerdict, events[1].Type)
	assert.Equal(t, eventstore.TypeDispatch, events[2].Type)

	var stored protocol.VerdictMessage
	require.NoError(t, json.Unmarshal(events[1].Payload, &stored))
	assert.Equal(t, out.Message.ID, stored.ID)
}

func TestAssessRespectsDispatchThreshold(t *testing.T) {
	cfg := triageConfig()
	cfg.DispatchMinTier = "high"
	svc := NewService(context.Background(), cfg, nil, nil, nil, newLogger())
	t.Cleanup(svc.Close)

	out, err := svc.Assess(context.Background(), Intake{SessionID: "s", Text: "Great day at work"})
	require.NoError(t, err)
	assert.Equal(t, risk.TierLow, out.Verdict.Tier)
	assert.Nil(t, out.Dispatch)

	cfg.Dispatch = false
	off := NewService(context.Background(), cfg, nil, nil, nil, newLogger())
	t.Cleanup(off.Close)
	out, err = off.Assess(context.Background(), Intake{SessionID: "s", Text: "there is a fire"})
	require.NoError(t, err)
	assert.Nil(t, out.Dispatch)
}

func TestAssessEmptyTranscript(t *testing.T) {
	svc := NewService(context.Background(), triageConfig(), nil, nil, nil, newLogger())
	t.Cleanup(svc.Close)

	out, err := svc.Assess(context.Background(), Intake{SessionID: "quiet", Text: "   "})
	require.NoError(t, err)
	assert.Equal(t, "LOW", out.Message.RiskLevel)
	assert.Equal(t, risk.UnknownCategory, out.Message.EmergencyType)
	assert.Equal(t, []string{"No text provided for analysis"}, out.Message.Recommendations)
	assert.Empty(t, out.Message.Factors)
}

func TestServiceConsumesTranscriptsFromBus(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), triageConfig(), client, openStore(t), nil, newLogger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.True(t, svc.Healthy())

	verdicts := make(chan protocol.VerdictMessage, 1)
	dispatches := make(chan protocol.DispatchRequest, 1)
	vsub, err := client.Subscribe(protocol.SubjectVerdict, func(_ context.Context, msg *nats.Msg) {
		var v protocol.VerdictMessage
		if json.Unmarshal(msg.Data, &v) == nil {
			verdicts <- v
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vsub.Unsubscribe() })
	dsub, err := client.Subscribe(protocol.SubjectDispatch, func(_ context.Context, msg *nats.Msg) {
		var d protocol.DispatchRequest
		if json.Unmarshal(msg.Data, &d) == nil {
			dispatches <- d
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dsub.Unsubscribe() })

	data, err := json.Marshal(protocol.Transcript{
		SessionID: "call-9",
		Text:      "I can't go on, I feel hopeless and suicidal",
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, client.Publish(context.Background(), protocol.SubjectTranscriptFinal, data))

	select {
	case v := <-verdicts:
		assert.Equal(t, "call-9", v.SessionID)
		assert.Equal(t, "HIGH", v.RiskLevel)
		assert.Equal(t, 4.35, v.RiskScore)
		assert.Equal(t, "Mental Health Crisis", v.EmergencyType)
	case <-time.After(5 * time.Second):
		t.Fatal("verdict not published")
	}
	select {
	case d := <-dispatches:
		assert.Equal(t, "Mental Health Crisis", d.Category)
		assert.Equal(t, "pending", d.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch not published")
	}

	info, err := client.JetStream().StreamInfo(DispatchStream)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}
