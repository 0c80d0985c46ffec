package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-triage/internal/conditioner"
	"github.com/loqalabs/loqa-triage/internal/eventstore"
	"github.com/loqalabs/loqa-triage/internal/protocol"
	"github.com/loqalabs/loqa-triage/internal/stt"
)

// Transcriber turns a caller clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, clip stt.Clip) (protocol.Transcript, error)
}

// Handler serves the synchronous intake API.
type Handler struct {
	svc          *Service
	transcriber  Transcriber
	store        *eventstore.Store
	maxBodyBytes int64
	logger       *slog.Logger
}

type textRequest struct {
	Text      string             `json:"text"`
	SessionID string             `json:"session_id"`
	Location  *protocol.Location `json:"location"`
}

type assessResponse struct {
	Success       bool                      `json:"success"`
	Error         string                    `json:"error,omitempty"`
	RiskLevel     string                    `json:"risk_level,omitempty"`
	RiskScore     float64                   `json:"risk_score"`
	EmergencyType string                    `json:"emergency_type,omitempty"`
	Transcript    *protocol.Transcript      `json:"transcript,omitempty"`
	Verdict       *protocol.VerdictMessage  `json:"verdict,omitempty"`
	Dispatch      *protocol.DispatchRequest `json:"dispatch,omitempty"`
}

func NewHandler(svc *Service, transcriber Transcriber, store *eventstore.Store, maxBodyBytes int64, logger *slog.Logger) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 16 << 20
	}
	return &Handler{
		svc:          svc,
		transcriber:  transcriber,
		store:        store,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With(slog.String("component", "triage-http")),
	}
}

// Register mounts the intake routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/triage/text", h.handleText)
	mux.HandleFunc("POST /v1/triage/audio", h.handleAudio)
	mux.HandleFunc("GET /v1/triage/sessions/{id}/events", h.handleEvents)
}

func (h *Handler) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, assessResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	h.respond(r.Context(), w, Intake{SessionID: req.SessionID, Text: req.Text, Location: req.Location}, nil)
}

func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	loc, ok := parseLocation(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, assessResponse{Error: "Latitude and Longitude required"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, assessResponse{Error: "read audio: " + err.Error()})
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, assessResponse{Error: "No audio file provided"})
		return
	}
	buf, err := conditioner.DecodeWAV(bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, assessResponse{Error: err.Error()})
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	transcript, err := h.transcriber.Transcribe(r.Context(), stt.Clip{SessionID: sessionID, Audio: buf, Location: loc})
	if err != nil {
		h.logger.Warn("audio intake transcription failed", slog.String("session_id", sessionID), slogError(err))
		writeJSON(w, http.StatusBadGateway, assessResponse{Error: err.Error()})
		return
	}
	if transcript.Text == "" {
		writeJSON(w, http.StatusUnprocessableEntity, assessResponse{Error: "speech not recognized", Transcript: &transcript})
		return
	}
	h.respond(r.Context(), w, Intake{SessionID: sessionID, Text: transcript.Text, Location: loc}, &transcript)
}

func (h *Handler) respond(ctx context.Context, w http.ResponseWriter, in Intake, transcript *protocol.Transcript) {
	out, err := h.svc.Assess(ctx, in)
	resp := assessResponse{
		Success:       err == nil,
		RiskLevel:     out.Message.RiskLevel,
		RiskScore:     math.Round(out.Verdict.Score*10) / 10,
		EmergencyType: out.Message.EmergencyType,
		Transcript:    transcript,
		Verdict:       &out.Message,
		Dispatch:      out.Dispatch,
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.store.ListSessionEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func parseLocation(r *http.Request) (*protocol.Location, bool) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errors.Join(errLat, errLng) != nil {
		return nil, false
	}
	return &protocol.Location{Latitude: lat, Longitude: lng, Address: q.Get("address")}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
