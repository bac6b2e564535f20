package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/holorelay/pkg/adapters/assistant"
	"github.com/harunnryd/holorelay/pkg/adapters/vad"
	"github.com/harunnryd/holorelay/pkg/errorsx"
	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/harunnryd/holorelay/pkg/logging"
	"github.com/harunnryd/holorelay/pkg/metrics"
	"github.com/harunnryd/holorelay/pkg/redact"
	"github.com/harunnryd/holorelay/pkg/turn"
)

// Submission is one recorded clip sent by a client.
type Submission struct {
	Audio      []byte
	SampleRate int
	Lang       string
	Name       string
	RequestID  string
	SessionID  string
}

type Deps struct {
	Converter   Converter
	Gate        vad.Gate
	Transcriber Transcriber
	Assistant   assistant.Client
	Speaker     Speaker
	Publisher   events.Publisher
	Controller  Controller
	History     *History
	Observer    metrics.Observer
	Listeners   []turn.StateListener
}

// Orchestrator drives each submission through
// convert, gate, transcribe, ask and speak, and answers the client with
// exactly one chat_response.
type Orchestrator struct {
	deps      Deps
	cfg       Config
	registry  *RequestRegistry
	obs       metrics.Observer
	logger    *slog.Logger
	afterFunc func(d time.Duration, f func())
	timers    sync.WaitGroup

	langMu   sync.RWMutex
	lastLang string
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if deps.Publisher == nil {
		deps.Publisher = events.PublisherFunc(func(events.Event) {})
	}
	if deps.Controller == nil {
		deps.Controller = ControllerFunc(func(context.Context, events.ControlSignal) error { return nil })
	}
	if deps.History == nil {
		deps.History = NewHistory()
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		registry: NewRequestRegistry(),
		obs:      metrics.OrNoop(deps.Observer),
		logger:   logging.NewComponentLogger(slog.Default(), "orchestrator"),
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// WithSession attaches a client session id to ctx.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return events.WithSession(ctx, sessionID)
}

func (o *Orchestrator) History() *History { return o.deps.History }

func (o *Orchestrator) Registry() *RequestRegistry { return o.registry }

// LastLanguage returns the working language of the most recent transcribed
// request.
func (o *Orchestrator) LastLanguage() string {
	o.langMu.RLock()
	defer o.langMu.RUnlock()
	return o.lastLang
}

func (o *Orchestrator) setLastLanguage(lang string) {
	if lang == "" {
		return
	}
	o.langMu.Lock()
	o.lastLang = lang
	o.langMu.Unlock()
}

// HandleInbound routes a decoded client message. Only send_audio starts work.
func (o *Orchestrator) HandleInbound(ctx context.Context, in events.Inbound) error {
	if in.Event != events.SendAudio {
		o.logger.Debug("inbound_ignored", "event", in.Event, "session_id", in.SessionID)
		return nil
	}
	sub := Submission{RequestID: uuid.NewString(), SessionID: in.SessionID}
	var data events.SendAudioData
	if len(in.Data) > 0 {
		if err := json.Unmarshal(in.Data, &data); err != nil {
			err = errorsx.Wrap(fmt.Errorf("decode send_audio: %w", err), errorsx.ReasonTransportDecode)
			o.logger.Warn("inbound_decode_failed", "session_id", in.SessionID, "error", err)
			o.reject(sub, err)
			return err
		}
	}
	sub.Audio = data.Audio
	sub.SampleRate = data.SampleRate
	sub.Lang = data.Lang
	sub.Name = data.Name
	return o.Dispatch(ctx, sub)
}

// Dispatch runs sub on its own goroutine. Cancelling ctx does not stop the
// request; a disconnecting client still gets its work finished.
func (o *Orchestrator) Dispatch(ctx context.Context, sub Submission) error {
	if sub.RequestID == "" {
		sub.RequestID = uuid.NewString()
	}
	req, err := o.registry.Begin(context.WithoutCancel(ctx), sub.RequestID, sub.SessionID)
	if err != nil {
		o.reject(sub, err)
		return err
	}
	go func() {
		defer o.registry.End(req.ID)
		o.Handle(req.Ctx, sub)
	}()
	return nil
}

// Drain stops accepting submissions and waits for in-flight requests and
// pending STOP_THINKING signals.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.registry.SetDraining(true)
	if !o.registry.WaitForEmpty(ctx, 20*time.Millisecond) {
		return fmt.Errorf("pipeline: %d requests still running: %w", o.registry.Count(), ctx.Err())
	}
	done := make(chan struct{})
	go func() {
		o.timers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: pending control signals: %w", ctx.Err())
	}
}

// Handle runs one submission to completion and returns its terminal state.
func (o *Orchestrator) Handle(ctx context.Context, sub Submission) (final turn.State) {
	if sub.RequestID == "" {
		sub.RequestID = uuid.NewString()
	}
	ctx = events.WithRequest(events.WithSession(ctx, sub.SessionID), sub.RequestID)
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}
	r := &requestRun{
		o:     o,
		sub:   sub,
		m:     turn.NewMachine(sub.RequestID, sub.SessionID, o.deps.Listeners...),
		start: time.Now(),
		log:   o.logger.With("request_id", sub.RequestID, "session_id", sub.SessionID),
	}
	defer func() {
		if p := recover(); p != nil {
			r.abort(ctx, errorsx.Errorf(errorsx.ReasonInternal, "panic: %v", p))
		}
		final = r.m.State()
	}()

	o.obs.RecordEvent(metrics.NewEvent(metrics.EventRequestStart, sub.RequestID, sub.SessionID).
		WithField("audio_bytes", len(sub.Audio)).
		WithField("sample_rate", sub.SampleRate))
	r.log.Info("request_received",
		"audio_bytes", len(sub.Audio),
		"sample_rate", sub.SampleRate,
		"lang", sub.Lang)

	if err := r.run(ctx); err != nil {
		r.abort(ctx, err)
	}
	return r.m.State()
}

type requestRun struct {
	o        *Orchestrator
	sub      Submission
	m        *turn.Machine
	start    time.Time
	log      *slog.Logger
	thinking bool
}

func (r *requestRun) run(ctx context.Context) error {
	o, sub := r.o, r.sub
	if len(sub.Audio) == 0 {
		return errorsx.Wrap(fmt.Errorf("submission %s: empty audio", sub.RequestID), errorsx.ReasonNoAudio)
	}

	stageStart := time.Now()
	wav, err := o.deps.Converter.Convert(ctx, sub.Audio)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTranscode)
	}
	o.obs.RecordEvent(r.event(metrics.EventTranscode).
		WithDuration(time.Since(stageStart)).
		WithField("audio_bytes", len(wav)))
	if err := r.m.Transition(turn.StateConverted, ""); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonInternal)
	}

	stageStart = time.Now()
	speech := o.deps.Gate.HasSpeech(ctx, wav)
	o.obs.RecordEvent(r.event(metrics.EventVAD).
		WithDuration(time.Since(stageStart)).
		WithField("speech", speech))
	if !speech {
		return errorsx.Errorf(errorsx.ReasonNoSpeech, "no speech segments")
	}
	if err := r.m.Transition(turn.StateGatePassed, ""); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonInternal)
	}

	res := o.deps.Transcriber.Transcribe(ctx, wav, sub.Lang)
	if res.Empty() {
		return errorsx.Errorf(errorsx.ReasonTranscriptionFailed, "no transcript")
	}
	lang := strings.TrimSpace(res.DetectedLanguage)
	if lang == "" {
		lang = strings.TrimSpace(sub.Lang)
	}
	o.setLastLanguage(lang)
	if err := r.m.Transition(turn.StateTranscribed, lang); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonInternal)
	}

	r.signal(ctx, events.StartThinking)
	r.thinking = true
	// The backend gets the language the client asked in; the detected one
	// only gates synthesis.
	query := assistant.Query{
		Text:      res.Text,
		Lang:      strings.TrimSpace(sub.Lang),
		Name:      sub.Name,
		SessionID: o.cfg.AssistantSessionID,
	}
	stageStart = time.Now()
	replies, err := Gather(ctx, func(ctx context.Context) (assistant.Reply, error) {
		return o.deps.Assistant.Ask(ctx, query)
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAssistant)
	}
	reply := replies[0]
	o.obs.RecordEvent(r.event(metrics.EventLLM).
		WithDuration(time.Since(stageStart)).
		WithField("tokens", reply.Tokens))
	if err := r.m.Transition(turn.StateAnswered, ""); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonInternal)
	}

	audio := o.deps.Speaker.Synthesize(ctx, reply.Answer, lang)
	if len(audio) > 0 {
		o.deps.Publisher.Publish(events.Addressed(ctx, events.Event{
			Name:    events.Audio,
			Payload: events.AudioData{Audio: audio},
			Stream:  true,
		}))
	}
	r.scheduleStopThinking(ctx)

	o.deps.History.Append(Exchange{
		SessionID: sub.SessionID,
		RequestID: sub.RequestID,
		Human:     res.Text,
		Bot:       reply.Answer,
	})
	if err := r.m.Transition(turn.StateComplete, ""); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonInternal)
	}
	o.deps.Publisher.Publish(events.Addressed(ctx, events.Event{
		Name: events.ChatResponse,
		Payload: events.ChatResponseData{
			Transcript: res.Text,
			Chat: events.ChatResult{
				Script:            "done",
				Answer:            reply.Answer,
				RetrievalDuration: reply.RetrievalDuration,
				RerankDuration:    reply.RerankDuration,
				LLMDuration:       reply.GPTDuration,
				RAGDuration:       reply.TotalDuration,
			},
			Audio: audio,
		},
	}))
	o.obs.RecordEvent(r.event(metrics.EventRequestDone).WithDuration(time.Since(r.start)))
	r.log.Info("request_done",
		"total_ms", time.Since(r.start).Milliseconds(),
		"lang", lang,
		"transcript", redact.Preview(res.Text, 80),
		"answer", redact.Preview(reply.Answer, 80),
		"audio_bytes", len(audio))
	return nil
}

func (r *requestRun) event(name string) metrics.MetricsEvent {
	return metrics.NewEvent(name, r.sub.RequestID, r.sub.SessionID)
}

// abort ends the request with one error chat_response. A request that already
// reached a terminal state is left alone.
func (r *requestRun) abort(ctx context.Context, err error) {
	reason := errorsx.Reason(err)
	if reason == errorsx.ReasonUnknown || !errorsx.Fatal(reason) {
		// Non-fatal reasons are handled inside their stage; one that escapes
		// is a bug.
		reason = errorsx.ReasonInternal
	}
	if r.m.State().Terminal() {
		r.log.Error("error_after_terminal_state", "state", r.m.State().String(), "error", err)
		return
	}
	_ = r.m.Abort(reason, err.Error())
	if r.thinking {
		r.thinking = false
		r.signal(ctx, events.StopThinking)
	}

	payload := events.ErrorData{Error: errorsx.ClientMessage(reason)}
	switch reason {
	case errorsx.ReasonTranscode, errorsx.ReasonAssistant, errorsx.ReasonInternal:
		payload.Details = err.Error()
	}
	r.o.deps.Publisher.Publish(events.Addressed(ctx, events.Event{
		Name:    events.ChatResponse,
		Payload: payload,
	}))
	r.o.obs.RecordEvent(r.event(metrics.EventRequestAborted).
		WithDuration(time.Since(r.start)).
		WithTag(metrics.TagReason, string(reason)))

	level := slog.LevelWarn
	if reason == errorsx.ReasonInternal || reason == errorsx.ReasonTranscode {
		level = slog.LevelError
	}
	r.log.Log(ctx, level, "request_aborted",
		"reason", string(reason),
		"total_ms", time.Since(r.start).Milliseconds(),
		"error", err)
}

func (r *requestRun) signal(ctx context.Context, sig events.ControlSignal) {
	if err := r.o.deps.Controller.Signal(context.WithoutCancel(ctx), sig); err != nil {
		r.log.Warn("control_signal_failed",
			"signal", string(sig),
			"reason", string(errorsx.ReasonUpstreamSignal),
			"error", err)
	}
}

// scheduleStopThinking sends STOP_THINKING after the configured delay without
// holding up the reply.
func (r *requestRun) scheduleStopThinking(ctx context.Context) {
	r.thinking = false
	ctx = context.WithoutCancel(ctx)
	r.o.timers.Add(1)
	r.o.afterFunc(r.o.cfg.StopThinkingDelay, func() {
		defer r.o.timers.Done()
		r.signal(ctx, events.StopThinking)
	})
}

// reject answers a submission that never started.
func (o *Orchestrator) reject(sub Submission, err error) {
	o.deps.Publisher.Publish(events.Event{
		Name:      events.ChatResponse,
		SessionID: sub.SessionID,
		RequestID: sub.RequestID,
		Payload: events.ErrorData{
			Error:   errorsx.ClientMessage(errorsx.ReasonInternal),
			Details: err.Error(),
		},
	})
	o.obs.RecordEvent(metrics.NewEvent(metrics.EventRequestAborted, sub.RequestID, sub.SessionID).
		WithTag(metrics.TagReason, string(errorsx.ReasonInternal)))
}
