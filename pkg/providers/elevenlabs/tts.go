package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/harunnryd/holorelay/pkg/adapters/tts"
	"github.com/harunnryd/holorelay/pkg/resilience"
)

const defaultBaseURL = "https://api.elevenlabs.io/v1"

type VoiceSettings struct {
	Speed           float64 `json:"speed"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type Config struct {
	APIKey                   string
	VoiceID                  string
	ModelID                  string
	BaseURL                  string
	OptimizeStreamingLatency int
	Accept                   string
	ChunkSize                int
	Voice                    VoiceSettings
}

// DefaultVoiceSettings returns the tuning used for kiosk playback.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{Speed: 1.2, Stability: 1, SimilarityBoost: 1}
}

// ElevenLabsTTS streams synthesized audio over HTTP.
type ElevenLabsTTS struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *ElevenLabsTTS {
	return NewWithClient(cfg, nil)
}

// NewWithClient creates a synthesizer with a custom HTTP client. Timeouts are
// driven by the caller's context.
func NewWithClient(cfg Config, httpClient *http.Client) *ElevenLabsTTS {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_flash_v2_5"
	}
	if cfg.Accept == "" {
		cfg.Accept = "audio/wav"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
	}
	if cfg.Voice == (VoiceSettings{}) {
		cfg.Voice = DefaultVoiceSettings()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ElevenLabsTTS{cfg: cfg, httpClient: httpClient}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

type streamRequest struct {
	Text                     string        `json:"text"`
	ModelID                  string        `json:"model_id"`
	OptimizeStreamingLatency int           `json:"optimize_streaming_latency"`
	VoiceSettings            VoiceSettings `json:"voice_settings"`
}

// Stream posts text to the voice's /stream endpoint and forwards the body to
// sink as it arrives.
func (s *ElevenLabsTTS) Stream(ctx context.Context, text string, sink tts.ChunkSink) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing elevenlabs config")
	}
	body, err := json.Marshal(streamRequest{
		Text:                     text,
		ModelID:                  s.cfg.ModelID,
		OptimizeStreamingLatency: s.cfg.OptimizeStreamingLatency,
		VoiceSettings:            s.cfg.Voice,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	u := s.cfg.BaseURL + "/text-to-speech/" + s.cfg.VoiceID + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("xi-api-key", s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", s.cfg.Accept)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Error("failed to reach ElevenLabs",
			slog.String("voice_id", s.cfg.VoiceID),
			slog.String("error", err.Error()))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		slog.Error("ElevenLabs rate limit exceeded",
			slog.String("voice_id", s.cfg.VoiceID),
			slog.String("status", resp.Status))
		return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("elevenlabs bad status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	buf := make([]byte, s.cfg.ChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink(chunk)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read stream: %w", rerr)
		}
	}
}

var _ tts.Synthesizer = (*ElevenLabsTTS)(nil)
