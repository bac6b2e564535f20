package turn

type State int

const (
	StateReceived State = iota
	StateConverted
	StateGatePassed
	StateTranscribed
	StateAnswered
	StateComplete
	StateAborted
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateConverted:
		return "CONVERTED"
	case StateGatePassed:
		return "GATE_PASSED"
	case StateTranscribed:
		return "TRANSCRIBED"
	case StateAnswered:
		return "ANSWERED"
	case StateComplete:
		return "COMPLETE"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateAborted
}
