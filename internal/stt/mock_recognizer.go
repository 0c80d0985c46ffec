package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns a recognizer that reports the clip length, or
// text when it is non-empty.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, _ int) (TranscriptResult, error) {
	if m.text != "" {
		return TranscriptResult{Text: m.text, Confidence: 1}, nil
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[transcript bytes=%d rate=%d]", len(pcm), sampleRate),
		Confidence: 0,
	}, nil
}
