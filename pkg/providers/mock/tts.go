package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/holorelay/pkg/adapters/tts"
)

type TTSConfig struct {
	Chunks [][]byte
	// Delay is waited before each chunk; a cancelled context stops the stream.
	Delay time.Duration
	// FailAfter returns Err after that many chunks when Err is set.
	FailAfter int
	Err       error
}

type Synthesizer struct {
	cfg   TTSConfig
	mu    sync.Mutex
	texts []string
}

func NewSynthesizer(cfg TTSConfig) *Synthesizer {
	if len(cfg.Chunks) == 0 {
		cfg.Chunks = [][]byte{[]byte("mock-audio")}
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Stream(ctx context.Context, text string, sink tts.ChunkSink) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	for i, chunk := range s.cfg.Chunks {
		if s.cfg.Err != nil && i == s.cfg.FailAfter {
			return s.cfg.Err
		}
		if s.cfg.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.Delay):
			}
		}
		sink(append([]byte(nil), chunk...))
	}
	if s.cfg.Err != nil && s.cfg.FailAfter >= len(s.cfg.Chunks) {
		return s.cfg.Err
	}
	return nil
}

// Texts returns every text synthesized, in call order.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
