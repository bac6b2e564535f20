package observers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/holorelay/pkg/metrics"
	"github.com/harunnryd/holorelay/pkg/redact"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.NewEvent(metrics.EventVAD, "req-1", "sess/1").WithDuration(20 * time.Millisecond))
	obs.RecordEvent(metrics.NewEvent(metrics.EventRequestDone, "req-1", "sess/1"))
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "sess_1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var entry timelineEvent
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Event != metrics.EventVAD || entry.RequestID != "req-1" || entry.ValueMs != 20 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestTimelineObserverRedactsFields(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)

	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.NewEvent(metrics.EventSTT, "r", "s").WithField("transcript", "mail me at a@b.com"))
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "s.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Contains(string(b), "a@b.com") {
		t.Fatalf("expected email to be redacted: %s", b)
	}
}

func TestTimelineObserverIgnoresEventsWithoutSession(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.NewEvent(metrics.EventVAD, "r", ""))
	_ = obs.Close()
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %d", len(entries))
	}
}

func TestLatencyObserverLogsOnDone(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	obs := NewLatencyObserver(log)

	base := time.Now()
	for i, name := range []string{metrics.EventRequestStart, metrics.EventVAD, metrics.EventSTT, metrics.EventLLM, metrics.EventRequestDone} {
		ev := metrics.NewEvent(name, "req-1", "s")
		ev.Time = base.Add(time.Duration(i) * 10 * time.Millisecond)
		obs.RecordEvent(ev)
	}
	if obs.Pending() != 0 {
		t.Fatalf("expected trace to be released")
	}
	out := buf.String()
	if !strings.Contains(out, "total_ms=40") || !strings.Contains(out, "stt_ms=10") {
		t.Fatalf("unexpected log: %s", out)
	}
}

func TestLatencyObserverDropsAborted(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	obs.RecordEvent(metrics.NewEvent(metrics.EventRequestStart, "req-2", "s"))
	obs.RecordEvent(metrics.NewEvent(metrics.EventRequestAborted, "req-2", "s"))
	if obs.Pending() != 0 || buf.Len() != 0 {
		t.Fatalf("expected aborted request to be dropped silently")
	}
}

func TestUsageObserverAccumulatesAndWrites(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	obs.RecordEvent(metrics.NewEvent(metrics.EventRequestStart, "r1", "s1"))
	obs.RecordEvent(metrics.NewEvent(metrics.EventTranscode, "r1", "s1").WithField("audio_bytes", 44+32000))
	obs.RecordEvent(metrics.NewEvent(metrics.EventLLM, "r1", "s1").WithField("tokens", 12))
	obs.RecordEvent(metrics.NewEvent(metrics.EventTTSDone, "r1", "s1").WithField("audio_bytes", 100))
	obs.RecordEvent(metrics.NewEvent(metrics.EventRequestAborted, "r2", "s1"))

	sum, ok := obs.Summary("s1")
	if !ok {
		t.Fatalf("expected summary")
	}
	if sum.Requests != 1 || sum.Aborted != 1 || sum.STTAudioSec != 1 || sum.LLMTokenCount != 12 || sum.TTSAudioBytes != 100 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1.usage.json")); err != nil {
		t.Fatalf("expected usage file: %v", err)
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a := metrics.NewMemoryObserver()
	b := metrics.NewMemoryObserver()
	m := NewMultiObserver(a, nil, b)
	m.RecordEvent(metrics.NewEvent(metrics.EventVAD, "r", "s"))
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("expected both observers to receive the event")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPurgeArtifactsOnlyRemovesOldArtifacts(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-2 * time.Hour)
	for _, name := range []string{"a.jsonl", "b.usage.json", "keep.txt"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = os.Chtimes(path, old, old)
	}
	if err := os.WriteFile(filepath.Join(dir, "fresh.jsonl"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	removed, err := PurgeArtifacts(dir, time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Fatalf("expected non-artifact to survive")
	}
}
