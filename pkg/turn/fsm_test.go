package turn

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/holorelay/pkg/errorsx"
	"github.com/harunnryd/holorelay/pkg/metrics"
)

type captureListener struct {
	mu      sync.Mutex
	changes []StateChange
}

func (c *captureListener) OnStateChange(ev StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, ev)
}

func (c *captureListener) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func TestMachineHappyPath(t *testing.T) {
	listener := &captureListener{}
	m := NewMachine("req-1", "sess-1", listener)

	for _, s := range []State{StateConverted, StateGatePassed, StateTranscribed, StateAnswered, StateComplete} {
		if err := m.Transition(s, "test"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if m.State() != StateComplete {
		t.Fatalf("expected COMPLETE, got %s", m.State())
	}
	if listener.Count() != 5 {
		t.Fatalf("expected 5 changes, got %d", listener.Count())
	}
	if listener.changes[0].RequestID != "req-1" || listener.changes[0].SessionID != "sess-1" {
		t.Fatalf("expected ids on state change, got %+v", listener.changes[0])
	}
}

func TestMachineRejectsSkippedStates(t *testing.T) {
	m := NewMachine("r", "s")
	err := m.Transition(StateTranscribed, "skip")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != StateReceived || invalid.To != StateTranscribed {
		t.Fatalf("unexpected error fields: %+v", invalid)
	}
}

func TestMachineAbortFromAnyNonTerminalState(t *testing.T) {
	m := NewMachine("r", "s")
	_ = m.Transition(StateConverted, "")
	if err := m.Abort(errorsx.ReasonNoSpeech, "gate closed"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if m.State() != StateAborted || m.AbortReason() != errorsx.ReasonNoSpeech {
		t.Fatalf("unexpected state %s reason %s", m.State(), m.AbortReason())
	}
	if err := m.Abort(errorsx.ReasonInternal, ""); err == nil {
		t.Fatalf("expected second abort to be rejected")
	}
	if err := m.Transition(StateComplete, ""); err == nil {
		t.Fatalf("expected transition out of ABORTED to be rejected")
	}
}

func TestMachineElapsedPerState(t *testing.T) {
	base := time.Unix(0, 0)
	clock := base
	listener := &captureListener{}
	m := newMachine("r", "s", func() time.Time { return clock }, listener)

	clock = base.Add(40 * time.Millisecond)
	_ = m.Transition(StateConverted, "")
	clock = base.Add(100 * time.Millisecond)
	_ = m.Transition(StateGatePassed, "")

	if listener.changes[1].Elapsed != 60*time.Millisecond {
		t.Fatalf("expected 60ms in CONVERTED, got %v", listener.changes[1].Elapsed)
	}
	if m.Elapsed() != 100*time.Millisecond {
		t.Fatalf("expected 100ms total, got %v", m.Elapsed())
	}
}

func TestMetricsListenerRecordsTransitions(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	m := NewMachine("r", "s", NewMetricsListener(mem))
	_ = m.Transition(StateConverted, "")
	_ = m.Abort(errorsx.ReasonNoSpeech, "")

	evs := mem.Named(metrics.EventStateChange)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[1].Tags["to"] != "ABORTED" || evs[1].Fields["reason"] != "no_speech" {
		t.Fatalf("unexpected event: %+v", evs[1])
	}
}

func TestStateStrings(t *testing.T) {
	if StateGatePassed.String() != "GATE_PASSED" || State(99).String() != "UNKNOWN" {
		t.Fatalf("unexpected state names")
	}
	if !StateAborted.Terminal() || StateAnswered.Terminal() {
		t.Fatalf("unexpected terminal flags")
	}
}
