package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/holorelay/pkg/adapters/stt"
	"github.com/harunnryd/holorelay/pkg/audio"
	"github.com/harunnryd/holorelay/pkg/errorsx"
	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/harunnryd/holorelay/pkg/metrics"
	"github.com/harunnryd/holorelay/pkg/processors"
	"github.com/harunnryd/holorelay/pkg/providers/mock"
	"github.com/harunnryd/holorelay/pkg/turn"
)

type signalRecorder struct {
	mu      sync.Mutex
	signals []events.ControlSignal
}

func (s *signalRecorder) Signal(ctx context.Context, sig events.ControlSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return nil
}

func (s *signalRecorder) Signals() []events.ControlSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.ControlSignal(nil), s.signals...)
}

type pendingTimer struct {
	delay time.Duration
	fn    func()
}

type harnessConfig struct {
	speech     bool
	script     []mock.STTStep
	assistant  mock.AssistantConfig
	tts        mock.TTSConfig
	ttsTimeout time.Duration
	convErr    error
}

type harness struct {
	dir       string
	convCalls atomic.Int64
	gate      *mock.Gate
	stt       *mock.Transcriber
	asst      *mock.Assistant
	synth     *mock.Synthesizer
	pub       *events.Recorder
	ctrl      *signalRecorder
	obs       *metrics.MemoryObserver
	orch      *Orchestrator

	mu     sync.Mutex
	sleeps []time.Duration
	timers []pendingTimer
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	h := &harness{
		dir:   t.TempDir(),
		gate:  mock.NewGate(mock.GateConfig{Speech: cfg.speech}),
		stt:   mock.NewTranscriber(mock.STTConfig{Script: cfg.script}),
		asst:  mock.NewAssistant(cfg.assistant),
		synth: mock.NewSynthesizer(cfg.tts),
		pub:   &events.Recorder{},
		ctrl:  &signalRecorder{},
		obs:   metrics.NewMemoryObserver(),
	}
	conv := audio.NewConverter(audio.Config{FFmpegPath: "ffmpeg", TempDir: h.dir}, nil).
		WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
			h.convCalls.Add(1)
			if cfg.convErr != nil {
				return []byte("invalid data found when processing input"), cfg.convErr
			}
			return nil, os.WriteFile(args[len(args)-1], []byte("RIFFwav"), 0o600)
		})
	transcriber := processors.NewTranscriber(h.stt, processors.TranscriberConfig{
		MaxAttempts: 3,
		RetryDelay:  300 * time.Millisecond,
	})
	transcriber.SetSleep(func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return nil
	})
	speaker := processors.NewSpeaker(h.synth, h.pub, processors.SpeakerConfig{
		Language: "en",
		Timeout:  cfg.ttsTimeout,
	})

	orch, err := NewRelayBuilder().
		WithConverter(conv).
		WithGate(h.gate).
		WithTranscriber(transcriber).
		WithAssistant(h.asst).
		WithSpeaker(speaker).
		WithPublisher(h.pub).
		WithController(h.ctrl).
		WithObserver(h.obs).
		WithListener(turn.NewMetricsListener(h.obs)).
		Build(Config{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	orch.afterFunc = func(d time.Duration, f func()) {
		h.mu.Lock()
		h.timers = append(h.timers, pendingTimer{delay: d, fn: f})
		h.mu.Unlock()
	}
	h.orch = orch
	return h
}

func (h *harness) submission() Submission {
	return Submission{
		Audio:      []byte("webm-bytes"),
		SampleRate: 48000,
		Lang:       "en",
		Name:       "Ana",
		RequestID:  "req-1",
		SessionID:  "sess-1",
	}
}

func (h *harness) fireTimers() {
	h.mu.Lock()
	timers := h.timers
	h.timers = nil
	h.mu.Unlock()
	for _, timer := range timers {
		timer.fn()
	}
}

func onlyChatResponse(t *testing.T, pub *events.Recorder) events.Event {
	t.Helper()
	got := pub.Named(events.ChatResponse)
	if len(got) != 1 {
		t.Fatalf("expected exactly one chat_response, got %d", len(got))
	}
	return got[0]
}

func errorPayload(t *testing.T, ev events.Event) events.ErrorData {
	t.Helper()
	data, ok := ev.Payload.(events.ErrorData)
	if !ok {
		t.Fatalf("expected error payload, got %T", ev.Payload)
	}
	return data
}

func TestSilentClipNeverReachesTranscriber(t *testing.T) {
	h := newHarness(t, harnessConfig{speech: false})

	state := h.orch.Handle(context.Background(), h.submission())

	if state != turn.StateAborted {
		t.Fatalf("expected aborted, got %s", state)
	}
	data := errorPayload(t, onlyChatResponse(t, h.pub))
	if data.Error != "No speech detected in audio." || data.Details != "" {
		t.Fatalf("unexpected payload %+v", data)
	}
	if h.stt.Calls() != 0 {
		t.Fatalf("transcriber should not be called, got %d calls", h.stt.Calls())
	}
	if len(h.asst.Queries()) != 0 {
		t.Fatal("assistant should not be called")
	}
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp files removed, found %d", len(entries))
	}
	aborted := h.obs.Named(metrics.EventRequestAborted)
	if len(aborted) != 1 || aborted[0].Tags[metrics.TagReason] != string(errorsx.ReasonNoSpeech) {
		t.Fatalf("unexpected abort metrics %+v", aborted)
	}
}

func TestTranscriptionRetriesThenAnswers(t *testing.T) {
	boom := errors.New("stt unavailable")
	h := newHarness(t, harnessConfig{
		speech: true,
		script: []mock.STTStep{
			{Err: boom},
			{Err: boom},
			{Result: stt.Result{Text: "hello"}},
		},
		assistant: mock.AssistantConfig{Answer: "hi"},
		tts:       mock.TTSConfig{Chunks: [][]byte{[]byte("ab"), []byte("cd")}},
	})

	state := h.orch.Handle(context.Background(), h.submission())

	if state != turn.StateComplete {
		t.Fatalf("expected complete, got %s", state)
	}
	if h.stt.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.stt.Calls())
	}
	if len(h.sleeps) != 2 || h.sleeps[0] != 300*time.Millisecond || h.sleeps[1] != 300*time.Millisecond {
		t.Fatalf("expected two fixed waits, got %v", h.sleeps)
	}
	queries := h.asst.Queries()
	if len(queries) != 1 || queries[0].Text != "hello" || queries[0].Lang != "en" || queries[0].Name != "Ana" {
		t.Fatalf("unexpected assistant queries %+v", queries)
	}
	ev := onlyChatResponse(t, h.pub)
	if ev.RequestID != "req-1" || ev.SessionID != "sess-1" || ev.Stream {
		t.Fatalf("chat_response not addressed to origin: %+v", ev)
	}
	data, ok := ev.Payload.(events.ChatResponseData)
	if !ok {
		t.Fatalf("unexpected payload %T", ev.Payload)
	}
	if data.Transcript != "hello" || data.Chat.Answer != "hi" || data.Chat.Script != "done" {
		t.Fatalf("unexpected response %+v", data)
	}
	if string(data.Audio) != "abcd" {
		t.Fatalf("expected assembled audio, got %q", data.Audio)
	}
	if h.orch.History().Len() != 1 || h.orch.History().Session("sess-1")[0].Bot != "hi" {
		t.Fatalf("unexpected history %+v", h.orch.History().All())
	}
}

func TestStreamEventsPrecedeChatResponse(t *testing.T) {
	h := newHarness(t, harnessConfig{
		speech:    true,
		script:    []mock.STTStep{{Result: stt.Result{Text: "hello"}}},
		assistant: mock.AssistantConfig{Answer: "hi"},
		tts:       mock.TTSConfig{Chunks: [][]byte{[]byte("a"), []byte("b")}},
	})

	h.orch.Handle(context.Background(), h.submission())

	var names []string
	for _, ev := range h.pub.Events() {
		names = append(names, string(ev.Name))
		if ev.RequestID != "req-1" || ev.SessionID != "sess-1" {
			t.Fatalf("event %s missing ids: %+v", ev.Name, ev)
		}
	}
	want := "audio_stream,audio_stream,audio_stream_end,audio,chat_response"
	if strings.Join(names, ",") != want {
		t.Fatalf("unexpected order %v", names)
	}
}

func TestSynthesisTimeoutStillAnswers(t *testing.T) {
	h := newHarness(t, harnessConfig{
		speech:     true,
		script:     []mock.STTStep{{Result: stt.Result{Text: "hello"}}},
		assistant:  mock.AssistantConfig{Answer: "hi"},
		tts:        mock.TTSConfig{Delay: time.Second},
		ttsTimeout: 20 * time.Millisecond,
	})

	state := h.orch.Handle(context.Background(), h.submission())

	if state != turn.StateComplete {
		t.Fatalf("expected complete, got %s", state)
	}
	ev := onlyChatResponse(t, h.pub)
	data := ev.Payload.(events.ChatResponseData)
	if data.Audio != nil {
		t.Fatalf("expected nil audio, got %q", data.Audio)
	}
	raw, err := events.Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(raw), `"audio":null`) {
		t.Fatalf("expected audio null in %s", raw)
	}
	if len(h.pub.Named(events.Audio)) != 0 || len(h.pub.Named(events.AudioStreamEnd)) != 0 {
		t.Fatal("no audio events expected after a timed out stream")
	}
}

func TestTranscriptionExhaustedAborts(t *testing.T) {
	h := newHarness(t, harnessConfig{
		speech: true,
		script: []mock.STTStep{{Result: stt.Result{Text: "   "}}},
	})

	h.orch.Handle(context.Background(), h.submission())

	data := errorPayload(t, onlyChatResponse(t, h.pub))
	if data.Error != "Transcription failed" {
		t.Fatalf("unexpected payload %+v", data)
	}
	if h.stt.Calls() != 3 || len(h.asst.Queries()) != 0 {
		t.Fatalf("unexpected calls: stt=%d assistant=%d", h.stt.Calls(), len(h.asst.Queries()))
	}
	if len(h.ctrl.Signals()) != 0 {
		t.Fatalf("no control signals expected, got %v", h.ctrl.Signals())
	}
}

func TestAssistantFailureReportsDetails(t *testing.T) {
	h := newHarness(t, harnessConfig{
		speech:    true,
		script:    []mock.STTStep{{Result: stt.Result{Text: "hello"}}},
		assistant: mock.AssistantConfig{Err: errors.New("connection refused")},
	})

	state := h.orch.Handle(context.Background(), h.submission())

	if state != turn.StateAborted {
		t.Fatalf("expected aborted, got %s", state)
	}
	data := errorPayload(t, onlyChatResponse(t, h.pub))
	if data.Error != "LLM failed" || !strings.Contains(data.Details, "connection refused") {
		t.Fatalf("unexpected payload %+v", data)
	}
	signals := h.ctrl.Signals()
	if len(signals) != 2 || signals[0] != events.StartThinking || signals[1] != events.StopThinking {
		t.Fatalf("expected balanced thinking signals, got %v", signals)
	}
	if len(h.timers) != 0 {
		t.Fatal("aborted request must not schedule a delayed signal")
	}
}

func TestEmptyAudioRejectedBeforeTranscode(t *testing.T) {
	h := newHarness(t, harnessConfig{speech: true})
	sub := h.submission()
	sub.Audio = nil

	h.orch.Handle(context.Background(), sub)

	data := errorPayload(t, onlyChatResponse(t, h.pub))
	if data.Error != "No audio data" {
		t.Fatalf("unexpected payload %+v", data)
	}
	if h.convCalls.Load() != 0 {
		t.Fatal("transcoder should not run for empty audio")
	}
}

func TestTranscodeFailureAbortsBeforeGate(t *testing.T) {
	h := newHarness(t, harnessConfig{
		speech:  true,
		convErr: errors.New("exit status 1"),
	})

	state := h.orch.Handle(context.Background(), h.submission())

	if state != turn.StateAborted {
		t.Fatalf("expected aborted, got %s", state)
	}
	ev := onlyChatResponse(t, h.pub)
	if ev.RequestID != "req-1" || ev.SessionID != "sess-1" {
		t.Fatalf("error not addressed to origin: %+v", ev)
	}
	data := errorPayload(t, ev)
	if data.Error != "Transcription failed" || data.Details == "" {
		t.Fatalf("unexpected payload %+v", data)
	}
	if h.convCalls.Load() != 1 {
		t.Fatalf("expected one transcoder run, got %d", h.convCalls.Load())
	}
	if h.gate.Calls() != 0 || h.stt.Calls() != 0 || len(h.asst.Queries()) != 0 {
		t.Fatalf("no stage after transcoding may run: gate=%d stt=%d assistant=%d",
			h.gate.Calls(), h.stt.Calls(), len(h.asst.Queries()))
	}
	if len(h.ctrl.Signals()) != 0 {
		t.Fatalf("no control signals expected, got %v", h.ctrl.Signals())
	}
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp files removed, found %d", len(entries))
	}
	aborted := h.obs.Named(metrics.EventRequestAborted)
	if len(aborted) != 1 || aborted[0].Tags[metrics.TagReason] != string(errorsx.ReasonTranscode) {
		t.Fatalf("unexpected abort metrics %+v", aborted)
	}
}

func TestEscapedNonFatalReasonReportsInternal(t *testing.T) {
	h := newHarness(t, harnessConfig{speech: true})
	sub := h.submission()
	r := &requestRun{
		o:     h.orch,
		sub:   sub,
		m:     turn.NewMachine(sub.RequestID, sub.SessionID),
		start: time.Now(),
		log:   h.orch.logger,
	}

	r.abort(context.Background(), errorsx.Wrap(errors.New("vendor answered 429"), errorsx.ReasonSynthesisRateLimit))

	data := errorPayload(t, onlyChatResponse(t, h.pub))
	if data.Error != "Internal server error" || !strings.Contains(data.Details, "429") {
		t.Fatalf("unexpected payload %+v", data)
	}
	aborted := h.obs.Named(metrics.EventRequestAborted)
	if len(aborted) != 1 || aborted[0].Tags[metrics.TagReason] != string(errorsx.ReasonInternal) {
		t.Fatalf("unexpected abort metrics %+v", aborted)
	}
}

type panicGate struct{}

func (panicGate) Name() string { return "panic" }

func (panicGate) HasSpeech(ctx context.Context, wav []byte) bool { panic("vad exploded") }

func TestPanicBecomesInternalError(t *testing.T) {
	h := newHarness(t, harnessConfig{speech: true})
	h.orch.deps.Gate = panicGate{}

	state := h.orch.Handle(context.Background(), h.submission())

	if state != turn.StateAborted {
		t.Fatalf("expected aborted, got %s", state)
	}
	data := errorPayload(t, onlyChatResponse(t, h.pub))
	if data.Error != "Internal server error" || !strings.Contains(data.Details, "vad exploded") {
		t.Fatalf("unexpected payload %+v", data)
	}

	h.orch.deps.Gate = h.gate
	sub := h.submission()
	sub.RequestID = "req-2"
	if got := h.orch.Handle(context.Background(), sub); got != turn.StateComplete {
		t.Fatalf("orchestrator should keep serving after a panic, got %s", got)
	}
}

func TestStopThinkingIsDelayed(t *testing.T) {
	h := newHarness(t, harnessConfig{
		speech:    true,
		script:    []mock.STTStep{{Result: stt.Result{Text: "hello"}}},
		assistant: mock.AssistantConfig{Answer: "hi"},
	})

	h.orch.Handle(context.Background(), h.submission())

	signals := h.ctrl.Signals()
	if len(signals) != 1 || signals[0] != events.StartThinking {
		t.Fatalf("expected only START_THINKING before the delay, got %v", signals)
	}
	if len(h.timers) != 1 || h.timers[0].delay != 1850*time.Millisecond {
		t.Fatalf("expected one 1850ms timer, got %+v", h.timers)
	}
	if len(h.pub.Named(events.ChatResponse)) != 1 {
		t.Fatal("reply must not wait for STOP_THINKING")
	}
	h.fireTimers()
	signals = h.ctrl.Signals()
	if len(signals) != 2 || signals[1] != events.StopThinking {
		t.Fatalf("expected STOP_THINKING after the delay, got %v", signals)
	}
}

func TestDetectedLanguageGatesOnlySynthesis(t *testing.T) {
	h := newHarness(t, harnessConfig{
		speech:    true,
		script:    []mock.STTStep{{Result: stt.Result{Text: "halo", DetectedLanguage: "id"}}},
		assistant: mock.AssistantConfig{Answer: "hai"},
	})

	h.orch.Handle(context.Background(), h.submission())

	if h.orch.LastLanguage() != "id" {
		t.Fatalf("expected working language id, got %q", h.orch.LastLanguage())
	}
	if q := h.asst.Queries(); len(q) != 1 || q[0].Lang != "en" {
		t.Fatalf("unexpected query %+v", q)
	}
	if len(h.synth.Texts()) != 0 {
		t.Fatal("synthesizer should not be called for an unsupported language")
	}
	data := onlyChatResponse(t, h.pub).Payload.(events.ChatResponseData)
	if data.Audio != nil || data.Chat.Answer != "hai" {
		t.Fatalf("unexpected response %+v", data)
	}
}

func TestDispatchAndDrain(t *testing.T) {
	h := newHarness(t, harnessConfig{
		speech:     true,
		script:     []mock.STTStep{{Result: stt.Result{Text: "hello"}}},
		assistant:  mock.AssistantConfig{Answer: "hi"},
		tts:        mock.TTSConfig{Delay: 30 * time.Millisecond},
		ttsTimeout: time.Second,
	})
	h.orch.afterFunc = func(d time.Duration, f func()) { go f() }

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.orch.Dispatch(ctx, h.submission()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := h.orch.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	data, ok := onlyChatResponse(t, h.pub).Payload.(events.ChatResponseData)
	if !ok || data.Chat.Answer != "hi" {
		t.Fatal("cancelled client context must not stop the request")
	}
	if signals := h.ctrl.Signals(); len(signals) != 2 {
		t.Fatalf("drain should wait for STOP_THINKING, got %v", signals)
	}

	sub := h.submission()
	sub.RequestID = "req-late"
	if err := h.orch.Dispatch(context.Background(), sub); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
	rejected := h.pub.Named(events.ChatResponse)
	if len(rejected) != 2 || rejected[1].RequestID != "req-late" {
		t.Fatalf("expected a rejection for the late request, got %+v", rejected)
	}
}

func TestHandleInboundDecodesSendAudio(t *testing.T) {
	h := newHarness(t, harnessConfig{
		speech:    true,
		script:    []mock.STTStep{{Result: stt.Result{Text: "hello"}}},
		assistant: mock.AssistantConfig{Answer: "hi"},
	})
	h.orch.afterFunc = func(d time.Duration, f func()) { go f() }
	data, _ := json.Marshal(events.SendAudioData{Audio: []byte("webm"), SampleRate: 48000, Lang: "en", Name: "Ana"})

	err := h.orch.HandleInbound(context.Background(), events.Inbound{
		SessionID: "sess-9",
		Event:     events.SendAudio,
		Data:      data,
	})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.orch.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	ev := onlyChatResponse(t, h.pub)
	if ev.SessionID != "sess-9" || ev.RequestID == "" {
		t.Fatalf("unexpected addressing %+v", ev)
	}
}

func TestHandleInboundRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t, harnessConfig{speech: true})

	err := h.orch.HandleInbound(context.Background(), events.Inbound{
		SessionID: "sess-9",
		Event:     events.SendAudio,
		Data:      json.RawMessage(`{"audio": 5}`),
	})
	if !errorsx.HasReason(err, errorsx.ReasonTransportDecode) {
		t.Fatalf("expected decode reason, got %v", err)
	}
	if data := errorPayload(t, onlyChatResponse(t, h.pub)); data.Error != "Internal server error" {
		t.Fatalf("unexpected payload %+v", data)
	}

	if err := h.orch.HandleInbound(context.Background(), events.Inbound{Event: events.Name("ping")}); err != nil {
		t.Fatalf("unknown events are ignored, got %v", err)
	}
}

func TestBuildRequiresStages(t *testing.T) {
	if _, err := NewRelayBuilder().Build(Config{}); err == nil {
		t.Fatal("expected missing stage error")
	}
}
