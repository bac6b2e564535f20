package observers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/harunnryd/holorelay/pkg/metrics"
)

// LoggerObserver mirrors metrics events into the debug log.
type LoggerObserver struct {
	log   *slog.Logger
	level slog.Level
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log, level: slog.LevelDebug}
}

// WithLevel returns a copy of o logging at level. Aborted requests are
// always logged at warn or above.
func (o *LoggerObserver) WithLevel(level slog.Level) *LoggerObserver {
	return &LoggerObserver{log: o.log, level: level}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := o.level
	if ev.Name == metrics.EventRequestAborted && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	o.log.LogAttrs(context.TODO(), level, "metrics", attrs...)
}

// MultiObserver fans an event out to every non-nil observer.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Close closes every observer that supports it.
func (m *MultiObserver) Close() error {
	var errs []error
	for _, obs := range m.list {
		switch c := obs.(type) {
		case interface{ Close() error }:
			errs = append(errs, c.Close())
		case interface{ Close() }:
			c.Close()
		}
	}
	return errors.Join(errs...)
}
