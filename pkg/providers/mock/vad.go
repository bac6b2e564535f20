package mock

import (
	"context"
	"sync/atomic"

	"github.com/harunnryd/holorelay/pkg/adapters/vad"
)

type GateConfig struct {
	Speech bool
}

// Gate returns a fixed speech decision.
type Gate struct {
	cfg   GateConfig
	calls atomic.Int64
}

func NewGate(cfg GateConfig) *Gate {
	return &Gate{cfg: cfg}
}

func (g *Gate) Name() string { return "mock_vad" }

func (g *Gate) HasSpeech(ctx context.Context, wav []byte) bool {
	g.calls.Add(1)
	return g.cfg.Speech
}

func (g *Gate) Calls() int { return int(g.calls.Load()) }

var _ vad.Gate = (*Gate)(nil)
