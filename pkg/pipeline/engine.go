package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/holorelay/pkg/adapters/stt"
	"github.com/harunnryd/holorelay/pkg/events"
)

// Converter produces canonical wav from client audio.
type Converter interface {
	Convert(ctx context.Context, raw []byte) ([]byte, error)
}

// Transcriber is the retrying STT policy; it never fails, an empty Result
// means every attempt failed.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, hint string) stt.Result
}

// Speaker synthesizes text best-effort; nil means no audio.
type Speaker interface {
	Synthesize(ctx context.Context, text, lang string) []byte
}

// Controller carries thinking signals to the upstream control channel.
type Controller interface {
	Signal(ctx context.Context, sig events.ControlSignal) error
}

type ControllerFunc func(ctx context.Context, sig events.ControlSignal) error

func (f ControllerFunc) Signal(ctx context.Context, sig events.ControlSignal) error {
	return f(ctx, sig)
}

type Config struct {
	StopThinkingDelay time.Duration `mapstructure:"stop_thinking_delay"`
	// RequestTimeout bounds a whole request; zero means no deadline.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// AssistantSessionID overrides the assistant's configured session when set.
	AssistantSessionID string `mapstructure:"assistant_session_id"`
}

func (c Config) withDefaults() Config {
	if c.StopThinkingDelay <= 0 {
		c.StopThinkingDelay = 1850 * time.Millisecond
	}
	if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	}
	return c
}

func LogConfiguration(cfg Config) {
	cfg = cfg.withDefaults()
	slog.Info("pipeline_config",
		"stop_thinking_delay_ms", cfg.StopThinkingDelay.Milliseconds(),
		"request_timeout_ms", cfg.RequestTimeout.Milliseconds(),
		"assistant_session_id", cfg.AssistantSessionID,
	)
}
