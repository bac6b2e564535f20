package relay

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/harunnryd/holorelay/pkg/metrics"
	"github.com/harunnryd/holorelay/pkg/runner"
	mocktransport "github.com/harunnryd/holorelay/pkg/transports/mock"
)

func init() {
	runner.BannerOutput = nil
}

type fakeConverter struct{}

func (fakeConverter) Convert(ctx context.Context, raw []byte) ([]byte, error) {
	return []byte("RIFFwav"), nil
}

type harness struct {
	engine   *Engine
	client   *mocktransport.Transport
	upstream *mocktransport.Transport
	obs      *metrics.MemoryObserver
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Vendors: VendorsConfig{
			VAD:       VendorConfig{Provider: "mock"},
			STT:       VendorConfig{Provider: "mock"},
			Assistant: VendorConfig{Provider: "mock"},
			TTS:       VendorConfig{Provider: "mock", Settings: map[string]any{"chunks": []any{"a", "b"}}},
		},
		Upstream:      UpstreamConfig{SessionID: "upstream"},
		Pipeline:      PipelineConfig{StopThinkingDelayMS: 10, DrainTimeoutMS: 2000},
		Observability: ObservabilityConfig{ArtifactsDir: dir, MetricsJSONL: true, SampleRate: 1},
	}
	h := &harness{
		client:   mocktransport.New(),
		upstream: mocktransport.New(),
		obs:      metrics.NewMemoryObserver(),
		dir:      dir,
	}
	e, err := NewEngine(EngineOptions{
		Config:    cfg,
		Transport: h.client,
		Upstream:  h.upstream,
		Converter: fakeConverter{},
		Observer:  h.obs,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = e
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "engine running", func() bool { return e.State() == runner.StateRunning })
	t.Cleanup(func() { _ = e.Stop() })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineRelaysRequest(t *testing.T) {
	h := newHarness(t)
	if err := h.client.PushJSON("s1", events.SendAudio, events.SendAudioData{Audio: []byte("webm"), SampleRate: 48000, Lang: "en"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	waitFor(t, "chat_response", func() bool { return len(h.client.SentNamed(events.ChatResponse)) == 1 })

	resp := h.client.SentNamed(events.ChatResponse)[0]
	data, ok := resp.Payload.(events.ChatResponseData)
	if !ok {
		t.Fatalf("unexpected payload %T: %+v", resp.Payload, resp.Payload)
	}
	if data.Transcript != "mock transcript" || data.Chat.Answer != "mock response" || string(data.Audio) != "ab" {
		t.Fatalf("unexpected response %+v", data)
	}
	if resp.SessionID != "s1" || resp.RequestID == "" {
		t.Fatalf("response not addressed: %+v", resp)
	}
	if n := len(h.client.SentNamed(events.AudioStream)); n != 2 {
		t.Fatalf("expected 2 audio_stream chunks, got %d", n)
	}
	waitFor(t, "STOP_THINKING", func() bool { return len(h.upstream.Signals()) == 2 })
	if sigs := h.upstream.Signals(); sigs[0] != events.StartThinking || sigs[1] != events.StopThinking {
		t.Fatalf("unexpected signals %v", sigs)
	}
	if h.engine.Orchestrator().History().Len() != 1 {
		t.Fatal("expected one exchange in history")
	}
	waitFor(t, "request_done metric", func() bool { return len(h.obs.Named(metrics.EventRequestDone)) == 1 })
}

func TestEngineSpeaksUpstreamSentences(t *testing.T) {
	h := newHarness(t)
	for _, fragment := range []string{"Hello", " ", "world."} {
		data, _ := json.Marshal(fragment)
		h.upstream.Push(events.Inbound{SessionID: "upstream", Event: events.Message, Data: data})
	}
	waitFor(t, "upstream audio", func() bool { return len(h.client.SentNamed(events.Audio)) == 1 })

	ev := h.client.SentNamed(events.Audio)[0]
	if ev.SessionID != "upstream" || !ev.Stream {
		t.Fatalf("unexpected audio event %+v", ev)
	}
	if got := h.engine.Accumulator().History(); len(got) != 1 || got[0] != "Hello world." {
		t.Fatalf("unexpected sentence history %v", got)
	}
}

func TestEngineStopDrainsAndWritesArtifacts(t *testing.T) {
	h := newHarness(t)
	_ = h.client.PushJSON("s1", events.SendAudio, events.SendAudioData{Audio: []byte("webm")})
	waitFor(t, "chat_response", func() bool { return len(h.client.SentNamed(events.ChatResponse)) == 1 })

	if err := h.engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.engine.State() != runner.StateStopped {
		t.Fatalf("expected stopped state, got %v", h.engine.State())
	}
	if _, ok := <-h.client.Recv(); ok {
		t.Fatal("expected client transport to be stopped")
	}
	if err := h.engine.Health(); err == nil {
		t.Fatal("expected unhealthy engine after drain")
	}
	for _, name := range []string{"metrics.jsonl", "s1.jsonl", "s1.usage.json"} {
		if _, err := os.Stat(filepath.Join(h.dir, name)); err != nil {
			t.Fatalf("expected artifact %s: %v", name, err)
		}
	}
	usage, ok := h.engine.Usage("s1")
	if !ok || usage.Requests != 1 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestEngineAnswersMalformedSendAudio(t *testing.T) {
	h := newHarness(t)
	h.client.Push(events.Inbound{SessionID: "s2", Event: events.SendAudio, Data: json.RawMessage(`{"audio": 5}`)})
	waitFor(t, "error chat_response", func() bool { return len(h.client.SentNamed(events.ChatResponse)) == 1 })

	ev := h.client.SentNamed(events.ChatResponse)[0]
	data, ok := ev.Payload.(events.ErrorData)
	if !ok || ev.SessionID != "s2" || data.Error != "Internal server error" {
		t.Fatalf("unexpected rejection %+v", ev)
	}
	if err := h.engine.Health(); err != nil {
		t.Fatalf("engine should stay healthy: %v", err)
	}
}

func TestNewEngineFailsOnUnknownProvider(t *testing.T) {
	_, err := NewEngine(EngineOptions{
		Config: Config{Vendors: VendorsConfig{
			VAD:       VendorConfig{Provider: "mock"},
			STT:       VendorConfig{Provider: "nope"},
			Assistant: VendorConfig{Provider: "mock"},
			TTS:       VendorConfig{Provider: "mock"},
		}},
		Transport: mocktransport.New(),
		Converter: fakeConverter{},
	})
	if err == nil {
		t.Fatal("expected provider error")
	}
}
