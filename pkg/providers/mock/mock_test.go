package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/holorelay/pkg/adapters/stt"
)

func TestTranscriberScriptRepeatsLastStep(t *testing.T) {
	boom := errors.New("boom")
	s := NewTranscriber(STTConfig{Script: []STTStep{{Err: boom}, {Result: stt.Result{Text: "hello"}}}})
	if _, err := s.Transcribe(context.Background(), nil, "es"); err != boom {
		t.Fatalf("expected scripted error, got %v", err)
	}
	for i := 0; i < 2; i++ {
		res, err := s.Transcribe(context.Background(), nil, "")
		if err != nil || res.Text != "hello" {
			t.Fatalf("unexpected step %d: %+v %v", i, res, err)
		}
	}
	if s.Calls() != 3 || s.Langs()[0] != "es" {
		t.Fatalf("unexpected bookkeeping: calls=%d langs=%v", s.Calls(), s.Langs())
	}
}

func TestSynthesizerFailAfter(t *testing.T) {
	boom := errors.New("boom")
	s := NewSynthesizer(TTSConfig{Chunks: [][]byte{[]byte("a"), []byte("b")}, Err: boom, FailAfter: 1})
	var n int
	if err := s.Stream(context.Background(), "x", func([]byte) { n++ }); err != boom {
		t.Fatalf("expected boom, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one chunk before failure, got %d", n)
	}
}

func TestSynthesizerDelayHonorsContext(t *testing.T) {
	s := NewSynthesizer(TTSConfig{Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Stream(ctx, "x", func([]byte) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
