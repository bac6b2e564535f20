package processors

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/holorelay/pkg/adapters/tts"
	"github.com/harunnryd/holorelay/pkg/errorsx"
	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/harunnryd/holorelay/pkg/logging"
	"github.com/harunnryd/holorelay/pkg/metrics"
	"github.com/harunnryd/holorelay/pkg/redact"
	"github.com/harunnryd/holorelay/pkg/resilience"
)

type SpeakerConfig struct {
	// Language is the only working language synthesis runs for.
	Language string
	Timeout  time.Duration
	// BreakerThreshold rate-limit answers open the breaker for BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Speaker gates, streams and assembles synthesized speech. Every failure
// resolves to nil audio.
type Speaker struct {
	tts      tts.Synthesizer
	pub      events.Publisher
	language string
	timeout  time.Duration
	breaker  *resilience.CircuitBreaker
	obs      metrics.Observer
	logger   *slog.Logger
}

func NewSpeaker(s tts.Synthesizer, pub events.Publisher, cfg SpeakerConfig) *Speaker {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 1
	}
	if pub == nil {
		pub = events.PublisherFunc(func(events.Event) {})
	}
	return &Speaker{
		tts:      s,
		pub:      pub,
		language: cfg.Language,
		timeout:  cfg.Timeout,
		breaker:  resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		obs:      metrics.NoopObserver{},
		logger:   logging.NewComponentLogger(slog.Default(), "speaker"),
	}
}

func (s *Speaker) Name() string { return "speaker" }

func (s *Speaker) SetObserver(obs metrics.Observer) { s.obs = metrics.OrNoop(obs) }

// Supports reports whether lang is the synthesis language.
func (s *Speaker) Supports(lang string) bool {
	return strings.EqualFold(strings.TrimSpace(lang), s.language)
}

// Synthesize streams text as audio_stream events and returns the full buffer.
// It returns nil without any vendor call when text is blank or lang is not the
// synthesis language.
func (s *Speaker) Synthesize(ctx context.Context, text, lang string) []byte {
	text = strings.TrimSpace(text)
	requestID, sessionID := events.RequestFrom(ctx), events.SessionFrom(ctx)
	if text == "" {
		return nil
	}
	if !s.Supports(lang) {
		s.logger.Debug("tts_skipped_language", "request_id", requestID, "lang", lang)
		return nil
	}
	if !s.breaker.Allow() {
		s.logger.Warn("tts_skipped_breaker_open",
			"request_id", requestID,
			"reason", errorsx.ReasonSynthesisRateLimit)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	var buf []byte
	seq := 0
	err := s.tts.Stream(ctx, text, func(chunk []byte) {
		if len(chunk) == 0 {
			return
		}
		if seq == 0 {
			s.obs.RecordEvent(metrics.NewEvent(metrics.EventTTSFirstAudio, requestID, sessionID).
				WithDuration(time.Since(start)))
		}
		buf = append(buf, chunk...)
		s.pub.Publish(events.Addressed(ctx, events.Event{
			Name:    events.AudioStream,
			Payload: events.ChunkData{Chunk: chunk, Seq: seq},
			Stream:  true,
		}))
		seq++
	})
	if err != nil {
		s.breaker.OnError(err)
		reason := errorsx.ReasonSynthesis
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonSynthesisRateLimit
		}
		s.logger.Warn("tts_failed",
			"request_id", requestID,
			"reason", reason,
			"chunks", seq,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return nil
	}
	s.breaker.OnSuccess()

	s.pub.Publish(events.Addressed(ctx, events.Event{
		Name:    events.AudioStreamEnd,
		Payload: events.StreamEndData{Chunks: seq, Bytes: len(buf)},
		Stream:  true,
	}))
	s.obs.RecordEvent(metrics.NewEvent(metrics.EventTTSDone, requestID, sessionID).
		WithDuration(time.Since(start)).
		WithField("chunks", seq).
		WithField("audio_bytes", len(buf)))
	s.logger.Info("tts_stream_done",
		"request_id", requestID,
		"chunks", seq,
		"bytes", len(buf),
		"duration_ms", time.Since(start).Milliseconds(),
		"text", redact.Preview(text, 60))
	if len(buf) == 0 {
		return nil
	}
	return buf
}
