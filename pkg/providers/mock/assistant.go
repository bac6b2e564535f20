package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/holorelay/pkg/adapters/assistant"
)

type AssistantConfig struct {
	Answer string
	Err    error
	Reply  *assistant.Reply
}

type Assistant struct {
	cfg     AssistantConfig
	mu      sync.Mutex
	queries []assistant.Query
}

func NewAssistant(cfg AssistantConfig) *Assistant {
	if cfg.Answer == "" {
		cfg.Answer = "mock response"
	}
	return &Assistant{cfg: cfg}
}

func (a *Assistant) Name() string { return "mock_assistant" }

func (a *Assistant) Ask(ctx context.Context, q assistant.Query) (assistant.Reply, error) {
	a.mu.Lock()
	a.queries = append(a.queries, q)
	a.mu.Unlock()
	if a.cfg.Err != nil {
		return assistant.Reply{}, a.cfg.Err
	}
	if a.cfg.Reply != nil {
		return *a.cfg.Reply, nil
	}
	return assistant.Reply{Answer: a.cfg.Answer}, nil
}

// Queries returns every query received, in order.
func (a *Assistant) Queries() []assistant.Query {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]assistant.Query(nil), a.queries...)
}

var _ assistant.Client = (*Assistant)(nil)
