package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/holorelay/pkg/metrics"
)

// LatencyObserver logs one stage breakdown per finished request.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	start     time.Time
	vad       time.Time
	stt       time.Time
	llm       time.Time
	ttsFirst  time.Time
	tts       time.Time
	sessionID string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	requestID := ev.Tags[metrics.TagRequestID]
	if requestID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[requestID]
	if t == nil {
		t = &trace{sessionID: ev.Tags[metrics.TagSessionID]}
		o.traces[requestID] = t
	}
	switch ev.Name {
	case metrics.EventRequestStart:
		t.start = ev.Time
	case metrics.EventVAD:
		t.vad = ev.Time
	case metrics.EventSTT:
		t.stt = ev.Time
	case metrics.EventLLM:
		t.llm = ev.Time
	case metrics.EventTTSFirstAudio:
		if t.ttsFirst.IsZero() {
			t.ttsFirst = ev.Time
		}
	case metrics.EventTTSDone:
		t.tts = ev.Time
	case metrics.EventRequestDone:
		o.logLocked(requestID, t, ev.Time)
		delete(o.traces, requestID)
	case metrics.EventRequestAborted:
		delete(o.traces, requestID)
	}
}

// Pending reports how many requests are still being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func (o *LatencyObserver) logLocked(requestID string, t *trace, done time.Time) {
	o.log.Info("latency",
		"request_id", requestID,
		"session_id", t.sessionID,
		"vad_ms", durationMs(t.start, t.vad),
		"stt_ms", durationMs(t.vad, t.stt),
		"llm_ms", durationMs(t.stt, t.llm),
		"tts_first_audio_ms", durationMs(t.llm, t.ttsFirst),
		"tts_ms", durationMs(t.llm, t.tts),
		"total_ms", durationMs(t.start, done),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
