package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/holorelay/pkg/adapters/stt"
)

// STTStep is one scripted transcription attempt.
type STTStep struct {
	Result stt.Result
	Err    error
}

type STTConfig struct {
	// Script is consumed one step per call; the last step repeats.
	Script []STTStep
}

type Transcriber struct {
	cfg   STTConfig
	mu    sync.Mutex
	calls int
	langs []string
}

func NewTranscriber(cfg STTConfig) *Transcriber {
	if len(cfg.Script) == 0 {
		cfg.Script = []STTStep{{Result: stt.Result{Text: "mock transcript"}}}
	}
	return &Transcriber{cfg: cfg}
}

func (s *Transcriber) Name() string { return "mock_stt" }

func (s *Transcriber) Transcribe(ctx context.Context, wav []byte, lang string) (stt.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step := s.cfg.Script[min(s.calls, len(s.cfg.Script)-1)]
	s.calls++
	s.langs = append(s.langs, lang)
	return step.Result, step.Err
}

func (s *Transcriber) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Langs returns the language hints seen, in call order.
func (s *Transcriber) Langs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.langs...)
}

var _ stt.Transcriber = (*Transcriber)(nil)
