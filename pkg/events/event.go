package events

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

type Name string

const (
	SendAudio      Name = "send_audio"
	ChatResponse   Name = "chat_response"
	Audio          Name = "audio"
	AudioStream    Name = "audio_stream"
	AudioStreamEnd Name = "audio_stream_end"
	Connected      Name = "connected"
	Message        Name = "message"
	JSONObj        Name = "json_obj"
)

// ControlSignal is sent on the upstream control channel around assistant calls.
type ControlSignal string

const (
	StartThinking ControlSignal = "START_THINKING"
	StopThinking  ControlSignal = "STOP_THINKING"
)

var ErrMissingEvent = errors.New("events: envelope has no event name")

// Event is one outbound message. Stream events (full audio, chunks and the
// end marker) may be fanned out to every connection; the rest are addressed
// to SessionID only.
type Event struct {
	Name      Name
	SessionID string
	RequestID string
	Payload   any
	Stream    bool
}

// Envelope is the JSON frame exchanged with clients.
type Envelope struct {
	Event     Name            `json:"event"`
	RequestID string          `json:"request_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Encode renders ev as an Envelope.
func Encode(ev Event) ([]byte, error) {
	env := Envelope{Event: ev.Name, RequestID: ev.RequestID, SessionID: ev.SessionID}
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses an inbound envelope.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, err
	}
	env.Event = Name(strings.TrimSpace(string(env.Event)))
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Inbound is a decoded message received from a transport.
type Inbound struct {
	SessionID  string
	Event      Name
	Data       json.RawMessage
	ReceivedAt time.Time
}

type SendAudioData struct {
	Audio      []byte `json:"audio"`
	SampleRate int    `json:"sample_rate"`
	Lang       string `json:"lang"`
	Name       string `json:"name"`
}

// ChatResult mirrors the assistant reply as clients expect it. Durations the
// backend did not report are omitted.
type ChatResult struct {
	Script            string   `json:"script"`
	Answer            string   `json:"answer"`
	RetrievalDuration *float64 `json:"retrievalDuration,omitempty"`
	RerankDuration    *float64 `json:"rerankDuration,omitempty"`
	LLMDuration       *float64 `json:"LLM Duration,omitempty"`
	RAGDuration       *float64 `json:"RAG Duration,omitempty"`
}

// ChatResponseData is the success payload. Audio is null when synthesis
// produced nothing.
type ChatResponseData struct {
	Transcript string     `json:"transcript"`
	Chat       ChatResult `json:"chat"`
	Audio      []byte     `json:"audio"`
}

type ErrorData struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type AudioData struct {
	Audio []byte `json:"audio"`
}

type ChunkData struct {
	Chunk []byte `json:"chunk"`
	Seq   int    `json:"seq"`
}

type StreamEndData struct {
	Chunks int `json:"chunks"`
	Bytes  int `json:"bytes"`
}

type ConnectedData struct {
	SessionID string `json:"session_id"`
}

// Publisher delivers outbound events. Implementations must not block on slow
// consumers.
type Publisher interface {
	Publish(ev Event)
}

type PublisherFunc func(ev Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns recorded events with the given name, in publish order.
func (r *Recorder) Named(name Name) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
