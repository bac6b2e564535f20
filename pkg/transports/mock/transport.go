package mock

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/harunnryd/holorelay/pkg/transports"
)

// Transport is an in-memory transport for local testing and integration.
// It implements the client and control contracts without any network dependency.
type Transport struct {
	recvCh  chan events.Inbound
	closed  atomic.Bool
	mu      sync.Mutex
	sent    events.Recorder
	signals []events.ControlSignal
}

func New() *Transport {
	return &Transport{recvCh: make(chan events.Inbound, 256)}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan events.Inbound { return t.recvCh }

func (t *Transport) Publish(ev events.Event) {
	if t.closed.Load() {
		return
	}
	t.sent.Publish(ev)
}

func (t *Transport) Signal(ctx context.Context, sig events.ControlSignal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = append(t.signals, sig)
	return nil
}

// Push injects an inbound message into the transport.
func (t *Transport) Push(in events.Inbound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}
	select {
	case t.recvCh <- in:
	default:
	}
}

// PushJSON injects an inbound event with data marshalled from v.
func (t *Transport) PushJSON(sessionID string, name events.Name, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.Push(events.Inbound{SessionID: sessionID, Event: name, Data: data})
	return nil
}

// Sent exposes outbound events for inspection.
func (t *Transport) Sent() []events.Event { return t.sent.Events() }

// SentNamed returns outbound events with the given name.
func (t *Transport) SentNamed(name events.Name) []events.Event { return t.sent.Named(name) }

// Signals returns control signals in send order.
func (t *Transport) Signals() []events.ControlSignal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]events.ControlSignal(nil), t.signals...)
}

var (
	_ transports.ClientTransport = (*Transport)(nil)
	_ transports.ControlSender   = (*Transport)(nil)
)
