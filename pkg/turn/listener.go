package turn

import (
	"log/slog"

	"github.com/harunnryd/holorelay/pkg/metrics"
)

// NewMetricsListener records every transition as a state_change event with
// the time spent in the previous state.
func NewMetricsListener(obs metrics.Observer) StateListener {
	obs = metrics.OrNoop(obs)
	return ListenerFunc(func(ev StateChange) {
		obs.RecordEvent(metrics.NewEvent(metrics.EventStateChange, ev.RequestID, ev.SessionID).
			WithDuration(ev.Elapsed).
			WithTag("from", ev.FromState.String()).
			WithTag("to", ev.ToState.String()).
			WithField("reason", ev.Reason))
	})
}

// NewLogListener logs transitions at debug level.
func NewLogListener(log *slog.Logger) StateListener {
	if log == nil {
		log = slog.Default()
	}
	return ListenerFunc(func(ev StateChange) {
		log.Debug("request_state",
			"request_id", ev.RequestID,
			"session_id", ev.SessionID,
			"from", ev.FromState.String(),
			"to", ev.ToState.String(),
			"elapsed_ms", ev.Elapsed.Milliseconds(),
			"reason", ev.Reason,
		)
	})
}
