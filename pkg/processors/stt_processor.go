package processors

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/holorelay/pkg/adapters/stt"
	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/harunnryd/holorelay/pkg/logging"
	"github.com/harunnryd/holorelay/pkg/metrics"
	"github.com/harunnryd/holorelay/pkg/redact"
	"github.com/harunnryd/holorelay/pkg/resilience"
)

var errEmptyTranscript = errors.New("empty transcript")

type TranscriberConfig struct {
	MaxAttempts     int
	RetryDelay      time.Duration
	DefaultLanguage string
}

// Transcriber applies the language-hint and retry policy around one STT
// vendor.
type Transcriber struct {
	stt         stt.Transcriber
	retry       resilience.RetryPolicy
	defaultLang string
	normalizer  *TextNormalizer
	obs         metrics.Observer
	logger      *slog.Logger
}

func NewTranscriber(s stt.Transcriber, cfg TranscriberConfig) *Transcriber {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	return &Transcriber{
		stt:         s,
		retry:       resilience.NewRetryPolicy(cfg.MaxAttempts, cfg.RetryDelay),
		defaultLang: cfg.DefaultLanguage,
		obs:         metrics.NoopObserver{},
		logger:      logging.NewComponentLogger(slog.Default(), "transcriber"),
	}
}

func (t *Transcriber) Name() string { return "transcriber" }

func (t *Transcriber) SetObserver(obs metrics.Observer) { t.obs = metrics.OrNoop(obs) }

func (t *Transcriber) SetNormalizer(n *TextNormalizer) { t.normalizer = n }

// SetSleep replaces the wait between attempts.
func (t *Transcriber) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	t.retry.Sleep = fn
}

// LanguageHint returns the hint forwarded to the vendor: empty for blanks and
// the default language, which the service detects itself.
func (t *Transcriber) LanguageHint(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" || strings.EqualFold(lang, t.defaultLang) {
		return ""
	}
	return lang
}

// Transcribe returns the first non-empty transcript, or an empty Result once
// every attempt failed. Blank transcripts count as failed attempts.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte, hint string) stt.Result {
	requestID, sessionID := events.RequestFrom(ctx), events.SessionFrom(ctx)
	lang := t.LanguageHint(hint)
	start := time.Now()
	var out stt.Result
	attempts := 0
	err := t.retry.Do(ctx, func(attempt int) error {
		attempts = attempt
		attemptStart := time.Now()
		res, err := t.stt.Transcribe(ctx, wav, lang)
		if err == nil && res.Empty() {
			err = errEmptyTranscript
		}
		t.obs.RecordEvent(metrics.NewEvent(metrics.EventSTTAttempt, requestID, sessionID).
			WithDuration(time.Since(attemptStart)).
			WithField("attempt", attempt).
			WithField("ok", err == nil))
		if err != nil {
			t.logger.Warn("stt_attempt_failed",
				"request_id", requestID,
				"attempt", attempt,
				"max_attempts", t.retry.MaxAttempts,
				"error", err)
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		t.logger.Error("stt_exhausted",
			"request_id", requestID,
			"attempts", attempts,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return stt.Result{}
	}
	out.Text = strings.TrimSpace(t.normalizer.Normalize(out.Text))
	t.obs.RecordEvent(metrics.NewEvent(metrics.EventSTT, requestID, sessionID).
		WithDuration(time.Since(start)).
		WithField("attempts", attempts).
		WithField("detected_language", out.DetectedLanguage))
	t.logger.Info("stt_done",
		"request_id", requestID,
		"attempts", attempts,
		"duration_ms", time.Since(start).Milliseconds(),
		"transcript", redact.Preview(out.Text, 80),
		"detected_language", out.DetectedLanguage)
	return out
}
