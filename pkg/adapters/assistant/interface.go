package assistant

import "context"

// Client asks the language-model backend for an answer.
type Client interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Ask(ctx context.Context, q Query) (Reply, error)
}

type Query struct {
	Text      string
	Lang      string
	Name      string
	SessionID string
}

// Reply carries the answer and the backend's own timings in seconds. Timings
// the backend did not report are nil.
type Reply struct {
	Answer            string
	RetrievalDuration *float64
	RerankDuration    *float64
	GPTDuration       *float64
	TotalDuration     *float64
	Tokens            int
}
