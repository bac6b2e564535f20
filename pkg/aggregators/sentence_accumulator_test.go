package aggregators

import (
	"context"
	"sync"
	"testing"

	"github.com/harunnryd/holorelay/pkg/events"
)

type fakeSpeaker struct {
	mu        sync.Mutex
	sentences []string
	langs     []string
	audio     []byte
}

func (f *fakeSpeaker) Synthesize(ctx context.Context, text, lang string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentences = append(f.sentences, text)
	f.langs = append(f.langs, lang)
	return f.audio
}

func (f *fakeSpeaker) Sentences() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentences...)
}

func TestIsSentenceEnd(t *testing.T) {
	cases := map[string]bool{
		"Hello.":      true,
		"Really!":     true,
		"Why?":        true,
		"a | b |":     true,
		"Note:":       true,
		"Hello Dr.":   true,
		"Smt.":        true,
		"Hello":       false,
		"Hello. ":     false,
		"Hello,":      false,
		"":            false,
		"Dr":          false,
		"etc;":        false,
		"Mrs. Smith":  false,
		"3.14 is pi.": true,
	}
	for in, want := range cases {
		if got := IsSentenceEnd(in); got != want {
			t.Fatalf("IsSentenceEnd(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAccumulatorFlushesCompletedSentence(t *testing.T) {
	speaker := &fakeSpeaker{audio: []byte("pcm")}
	rec := &events.Recorder{}
	acc := NewSentenceAccumulator(speaker, rec, AccumulatorConfig{Language: func() string { return "en" }})

	ctx := context.Background()
	acc.OnTextFragment(ctx, "up", "Hello ")
	acc.OnTextFragment(ctx, "up", "Dr.")
	if acc.Buffer("up") != "" {
		t.Fatalf("expected buffer reset, got %q", acc.Buffer("up"))
	}
	acc.OnTextFragment(ctx, "up", " How are")
	acc.Close()

	got := speaker.Sentences()
	if len(got) != 1 || got[0] != "Hello Dr." {
		t.Fatalf("unexpected sentences %q", got)
	}
	if speaker.langs[0] != "en" {
		t.Fatalf("expected working language, got %q", speaker.langs[0])
	}
	audio := rec.Named(events.Audio)
	if len(audio) != 1 || !audio[0].Stream || audio[0].SessionID != "up" || audio[0].RequestID == "" {
		t.Fatalf("unexpected audio events %+v", audio)
	}
	if string(audio[0].Payload.(events.AudioData).Audio) != "pcm" {
		t.Fatalf("unexpected audio payload")
	}
}

func TestAccumulatorKeepsWhitespaceOnlyBuffer(t *testing.T) {
	speaker := &fakeSpeaker{}
	acc := NewSentenceAccumulator(speaker, nil, AccumulatorConfig{})
	defer acc.Close()
	acc.OnTextFragment(context.Background(), "s", "   ")
	if acc.Buffer("s") != "   " {
		t.Fatalf("expected whitespace to stay buffered, got %q", acc.Buffer("s"))
	}
}

func TestAccumulatorSessionsAreIsolated(t *testing.T) {
	speaker := &fakeSpeaker{}
	acc := NewSentenceAccumulator(speaker, nil, AccumulatorConfig{})
	ctx := context.Background()
	acc.OnTextFragment(ctx, "a", "One ")
	acc.OnTextFragment(ctx, "b", "Two.")
	acc.OnTextFragment(ctx, "a", "three.")
	acc.Close()

	got := map[string]bool{}
	for _, s := range speaker.Sentences() {
		got[s] = true
	}
	if !got["Two."] || !got["One three."] || len(got) != 2 {
		t.Fatalf("unexpected sentences %v", speaker.Sentences())
	}
}

func TestAccumulatorPreservesOrderWithinSession(t *testing.T) {
	speaker := &fakeSpeaker{}
	acc := NewSentenceAccumulator(speaker, nil, AccumulatorConfig{QueueSize: 64})
	want := []string{"First.", "Second!", "Third?", "Fourth:"}
	for _, s := range want {
		acc.OnTextFragment(context.Background(), "s", s)
	}
	acc.Close()
	got := speaker.Sentences()
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if h := acc.History(); len(h) != 4 || h[3] != "Fourth:" {
		t.Fatalf("unexpected history %v", h)
	}
}

func TestAccumulatorNoAudioPublishesNothing(t *testing.T) {
	rec := &events.Recorder{}
	acc := NewSentenceAccumulator(&fakeSpeaker{}, rec, AccumulatorConfig{})
	acc.OnTextFragment(context.Background(), "s", "Hi.")
	acc.Close()
	if len(rec.Events()) != 0 {
		t.Fatalf("expected no events, got %+v", rec.Events())
	}
}

func TestAccumulatorIgnoresFragmentsAfterClose(t *testing.T) {
	speaker := &fakeSpeaker{}
	acc := NewSentenceAccumulator(speaker, nil, AccumulatorConfig{})
	acc.Close()
	acc.OnTextFragment(context.Background(), "s", "Late.")
	if len(speaker.Sentences()) != 0 || acc.Buffer("s") != "" {
		t.Fatalf("expected fragments after close to be ignored")
	}
}
