package deepgram

import (
	"errors"
	"testing"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing api key error")
	}
}

func TestOptionsLanguageHint(t *testing.T) {
	s, err := New(Config{APIKey: "key"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	opts := s.options(" EN ")
	if !opts.DetectLanguage || opts.Language != "" {
		t.Fatalf("expected auto-detect for default language, got %+v", opts)
	}
	opts = s.options("hi")
	if opts.DetectLanguage || opts.Language != "hi" {
		t.Fatalf("expected explicit hint, got %+v", opts)
	}
	if opts.Model != "nova-2" {
		t.Fatalf("expected default model, got %s", opts.Model)
	}
}

func TestResultFrom(t *testing.T) {
	if _, err := resultFrom(nil); !errors.Is(err, ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}
	res := &msginterfaces.PreRecordedResponse{
		Results: &msginterfaces.Result{
			Channels: []msginterfaces.Channel{{
				DetectedLanguage: "es",
				Alternatives:     []msginterfaces.Alternative{{Transcript: " hola "}},
			}},
		},
	}
	out, err := resultFrom(res)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if out.Text != "hola" || out.DetectedLanguage != "es" {
		t.Fatalf("unexpected result %+v", out)
	}
}
