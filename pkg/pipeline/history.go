package pipeline

import (
	"sync"
	"time"
)

// Exchange is one answered request.
type Exchange struct {
	SessionID string
	RequestID string
	Human     string
	Bot       string
	At        time.Time
}

// History is the process-wide, append-only conversation log.
type History struct {
	mu      sync.RWMutex
	entries []Exchange
}

func NewHistory() *History {
	return &History{}
}

func (h *History) Append(ex Exchange) {
	if ex.At.IsZero() {
		ex.At = time.Now()
	}
	h.mu.Lock()
	h.entries = append(h.entries, ex)
	h.mu.Unlock()
}

func (h *History) All() []Exchange {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Exchange(nil), h.entries...)
}

// Session returns the exchanges of one client session, oldest first.
func (h *History) Session(sessionID string) []Exchange {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Exchange
	for _, ex := range h.entries {
		if ex.SessionID == sessionID {
			out = append(out, ex)
		}
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
