package protocol

import "time"

// Location is an optional caller position attached to intake.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Address   string  `json:"address,omitempty"`
}

// AudioFrame represents PCM audio data streamed from a call leg.
type AudioFrame struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	Final      bool      `json:"final"`
	Location   *Location `json:"location,omitempty"`
}

// Transcript represents recognizer output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	Location   *Location `json:"location,omitempty"`
	// Conditioned is false when the recognizer was fed the raw clip.
	Conditioned bool `json:"conditioned"`
}

// VerdictMessage carries a classification result for one session.
type VerdictMessage struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	RiskLevel         string    `json:"risk_level"`
	RiskScore         float64   `json:"risk_score"`
	EmergencyType     string    `json:"emergency_type"`
	Factors           []Factor  `json:"risk_factors"`
	Recommendations   []string  `json:"recommendations"`
	Sentiment         float64   `json:"sentiment_score"`
	UrgencyIndicators []string  `json:"urgency_indicators"`
	WordCount         int       `json:"word_count"`
	Text              string    `json:"text"`
	Location          *Location `json:"location,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Factor mirrors a matched keyword on the wire.
type Factor struct {
	Word      string  `json:"word"`
	Category  string  `json:"category"`
	RiskLevel string  `json:"risk_level"`
	Weight    float64 `json:"weight"`
}

// DispatchRequest is handed to the dispatch collaborator.
type DispatchRequest struct {
	ID            string    `json:"id"`
	VerdictID     string    `json:"verdict_id"`
	SessionID     string    `json:"session_id"`
	PatientName   string    `json:"patient_name"`
	ContactNumber string    `json:"contact_number"`
	Category      string    `json:"category"`
	Priority      string    `json:"priority"`
	Description   string    `json:"description"`
	Location      *Location `json:"location,omitempty"`
	RiskScore     float64   `json:"risk_score"`
	RiskLevel     string    `json:"risk_level"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	DefaultPatientName    = "Voice Caller"
	DefaultContactNumber  = "0000000000"
	DispatchStatusPending = "pending"
)

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptFinal  = "stt.text.final"
	SubjectVerdict          = "triage.verdict"
	SubjectDispatch         = "triage.dispatch"
)

// AudioFrameSubject returns the per-session frame subject.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
