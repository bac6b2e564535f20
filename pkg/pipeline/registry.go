package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDraining = errors.New("pipeline: draining, not accepting requests")

// Request is one in-flight submission.
type Request struct {
	ID        string
	SessionID string
	Ctx       context.Context
	Cancel    context.CancelFunc
	Created   time.Time
}

// RequestRegistry tracks in-flight requests so shutdown can wait for them.
type RequestRegistry struct {
	requests sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewRequestRegistry() *RequestRegistry {
	return &RequestRegistry{}
}

// Begin registers a request. It fails once draining started.
func (r *RequestRegistry) Begin(parent context.Context, requestID, sessionID string) (*Request, error) {
	if r.draining.Load() {
		return nil, ErrDraining
	}
	ctx, cancel := context.WithCancel(parent)
	req := &Request{
		ID:        requestID,
		SessionID: sessionID,
		Ctx:       ctx,
		Cancel:    cancel,
		Created:   time.Now(),
	}
	if _, loaded := r.requests.LoadOrStore(requestID, req); loaded {
		cancel()
		return nil, errors.New("pipeline: duplicate request id " + requestID)
	}
	r.count.Add(1)
	return req, nil
}

func (r *RequestRegistry) Get(requestID string) (*Request, bool) {
	if v, ok := r.requests.Load(requestID); ok {
		return v.(*Request), true
	}
	return nil, false
}

func (r *RequestRegistry) End(requestID string) {
	if v, ok := r.requests.LoadAndDelete(requestID); ok {
		req := v.(*Request)
		if req.Cancel != nil {
			req.Cancel()
		}
		r.count.Add(-1)
	}
}

// Active counts the in-flight requests of one session.
func (r *RequestRegistry) Active(sessionID string) int {
	n := 0
	r.requests.Range(func(_, value any) bool {
		if value.(*Request).SessionID == sessionID {
			n++
		}
		return true
	})
	return n
}

// CancelAll cancels every in-flight request.
func (r *RequestRegistry) CancelAll() {
	r.requests.Range(func(_, value any) bool {
		if req := value.(*Request); req.Cancel != nil {
			req.Cancel()
		}
		return true
	})
}

func (r *RequestRegistry) Count() int64 {
	return r.count.Load()
}

func (r *RequestRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *RequestRegistry) Draining() bool {
	return r.draining.Load()
}

func (r *RequestRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
