package turn

import (
	"sync"
	"time"

	"github.com/harunnryd/holorelay/pkg/errorsx"
)

// StateChange represents a state transition event.
type StateChange struct {
	RequestID string
	SessionID string
	FromState State
	ToState   State
	Timestamp time.Time
	Elapsed   time.Duration
	Reason    string
}

// StateListener observes request state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

type ListenerFunc func(event StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateReceived:    {StateConverted},
	StateConverted:   {StateGatePassed},
	StateGatePassed:  {StateTranscribed},
	StateTranscribed: {StateAnswered},
	StateAnswered:    {StateComplete},
}

// Machine tracks one audio submission from RECEIVED to COMPLETE or ABORTED.
// Every non-terminal state may move to ABORTED.
type Machine struct {
	requestID string
	sessionID string
	now       func() time.Time

	mu          sync.RWMutex
	current     State
	started     time.Time
	enteredAt   time.Time
	abortReason errorsx.ReasonCode
	listeners   []StateListener
}

// NewMachine creates a machine in StateReceived.
func NewMachine(requestID, sessionID string, listeners ...StateListener) *Machine {
	return newMachine(requestID, sessionID, time.Now, listeners...)
}

func newMachine(requestID, sessionID string, now func() time.Time, listeners ...StateListener) *Machine {
	start := now()
	m := &Machine{
		requestID: requestID,
		sessionID: sessionID,
		now:       now,
		current:   StateReceived,
		started:   start,
		enteredAt: start,
	}
	for _, l := range listeners {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
	return m
}

func (m *Machine) RequestID() string { return m.requestID }
func (m *Machine) SessionID() string { return m.sessionID }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// AbortReason returns the reason the request was aborted, if it was.
func (m *Machine) AbortReason() errorsx.ReasonCode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.abortReason
}

// Elapsed returns the time since the request was received.
func (m *Machine) Elapsed() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now().Sub(m.started)
}

// transitionValid checks if a state transition is valid (must be called with lock held).
func transitionValid(from, to State) bool {
	if to == StateAborted {
		return !from.Terminal()
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *Machine) Transition(state State, reason string) error {
	return m.transition(state, reason, "")
}

// Abort moves the request to StateAborted.
func (m *Machine) Abort(code errorsx.ReasonCode, detail string) error {
	reason := string(code)
	if detail != "" {
		reason += ": " + detail
	}
	return m.transition(StateAborted, reason, code)
}

func (m *Machine) transition(state State, reason string, code errorsx.ReasonCode) error {
	m.mu.Lock()
	if !transitionValid(m.current, state) {
		from := m.current
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}

	now := m.now()
	event := StateChange{
		RequestID: m.requestID,
		SessionID: m.sessionID,
		FromState: m.current,
		ToState:   state,
		Timestamp: now,
		Elapsed:   now.Sub(m.enteredAt),
		Reason:    reason,
	}
	m.current = state
	m.enteredAt = now
	if state == StateAborted {
		m.abortReason = code
	}
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	// Listeners run without the lock so they may read State.
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(listener StateListener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
