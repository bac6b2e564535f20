package stt

import (
	"context"
	"strings"
)

// Transcriber defines the contract for any STT vendor implementation. A single
// call is one attempt; retry policy lives in the caller.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Transcribe converts wav to text. An empty lang asks the service to
	// detect the language.
	Transcribe(ctx context.Context, wav []byte, lang string) (Result, error)
}

// Result is one transcription outcome.
type Result struct {
	Text             string
	DetectedLanguage string
}

// Empty reports whether the transcript carries no words.
func (r Result) Empty() bool {
	return strings.TrimSpace(r.Text) == ""
}
