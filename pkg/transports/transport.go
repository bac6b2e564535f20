package transports

import (
	"context"

	"github.com/harunnryd/holorelay/pkg/events"
)

// Transport defines a network boundary that yields decoded inbound messages.
// Implementations are responsible for their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan events.Inbound
}

// ClientTransport also delivers outbound events to connected clients.
type ClientTransport interface {
	Transport
	events.Publisher
}

// ControlSender carries thinking signals on an auxiliary channel.
type ControlSender interface {
	Signal(ctx context.Context, sig events.ControlSignal) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., listen URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
