package metrics

import "time"

// Event names recorded by the relay.
const (
	EventVAD            = "vad_done"
	EventSTT            = "stt_done"
	EventSTTAttempt     = "stt_attempt"
	EventLLM            = "llm_done"
	EventTTSFirstAudio  = "tts_first_audio"
	EventTTSDone        = "tts_done"
	EventTranscode      = "transcode_done"
	EventRequestStart   = "request_start"
	EventRequestDone    = "request_done"
	EventRequestAborted = "request_aborted"
	EventStateChange    = "state_change"
	EventSentence       = "sentence_flushed"
)

// Tag keys shared by observers.
const (
	TagRequestID = "request_id"
	TagSessionID = "session_id"
	TagComponent = "component"
	TagReason    = "reason"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// NewEvent builds an event stamped with the current time and tagged with the
// request and session it belongs to.
func NewEvent(name, requestID, sessionID string) MetricsEvent {
	tags := map[string]string{}
	if requestID != "" {
		tags[TagRequestID] = requestID
	}
	if sessionID != "" {
		tags[TagSessionID] = sessionID
	}
	return MetricsEvent{Name: name, Time: time.Now(), Tags: tags}
}

// WithDuration sets Value to d in milliseconds.
func (ev MetricsEvent) WithDuration(d time.Duration) MetricsEvent {
	ev.Value = float64(d) / float64(time.Millisecond)
	return ev
}

// WithField returns ev with an extra field.
func (ev MetricsEvent) WithField(key string, value any) MetricsEvent {
	fields := make(map[string]any, len(ev.Fields)+1)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	fields[key] = value
	ev.Fields = fields
	return ev
}

// WithTag returns ev with an extra tag.
func (ev MetricsEvent) WithTag(key, value string) MetricsEvent {
	tags := make(map[string]string, len(ev.Tags)+1)
	for k, v := range ev.Tags {
		tags[k] = v
	}
	tags[key] = value
	ev.Tags = tags
	return ev
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// OrNoop returns obs, or a NoopObserver when obs is nil.
func OrNoop(obs Observer) Observer {
	if obs == nil {
		return NoopObserver{}
	}
	return obs
}
