package metrics

import (
	"context"
	"io"
	"log/slog"
)

// JSONLObserver writes one JSON object per event to w.
type JSONLObserver struct {
	logger *slog.Logger
	closer io.Closer
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		return &JSONLObserver{logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
	}
	obs := &JSONLObserver{logger: slog.New(slog.NewJSONHandler(w, nil))}
	if c, ok := w.(io.Closer); ok {
		obs.closer = c
	}
	return obs
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
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
	o.logger.LogAttrs(context.TODO(), slog.LevelInfo, "metrics", attrs...)
}

// Close closes the underlying writer when it is closable.
func (o *JSONLObserver) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}
