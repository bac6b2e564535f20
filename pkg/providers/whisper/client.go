package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/holorelay/pkg/adapters/stt"
	"github.com/harunnryd/holorelay/pkg/adapters/vad"
)

const defaultBaseURL = "http://localhost:5010"

type Config struct {
	BaseURL string
	// DefaultLanguage is never sent as a hint; the service detects it.
	DefaultLanguage string
	Timeout         time.Duration
}

// Client talks to the local speech service that exposes /vad and /transcribe.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Client {
	return NewWithClient(cfg, nil, logger)
}

// NewWithClient creates a client with a custom HTTP client.
func NewWithClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger, now: time.Now}
}

func (c *Client) Name() string { return "whisper" }

// Segment shapes differ between VAD backends; only the count matters.
type vadResponse struct {
	SpeechTimestamps []json.RawMessage `json:"speech_timestamps"`
}

type transcribeResponse struct {
	Transcript       string `json:"transcript"`
	DetectedLanguage string `json:"detected_language"`
}

// HasSpeech posts wav to /vad. Any failure counts as no speech.
func (c *Client) HasSpeech(ctx context.Context, wav []byte) bool {
	start := time.Now()
	var out vadResponse
	if err := c.postAudio(ctx, "/vad", wav, nil, &out); err != nil {
		c.logger.Warn("vad_failed",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return false
	}
	c.logger.Info("vad_result",
		"segments", len(out.SpeechTimestamps),
		"duration_ms", time.Since(start).Milliseconds())
	return len(out.SpeechTimestamps) > 0
}

// Transcribe posts wav to /transcribe once. The lang field is only sent for
// a non-default language.
func (c *Client) Transcribe(ctx context.Context, wav []byte, lang string) (stt.Result, error) {
	fields := map[string]string{}
	if hint := c.LanguageHint(lang); hint != "" {
		fields["lang"] = hint
	}
	start := time.Now()
	var out transcribeResponse
	if err := c.postAudio(ctx, "/transcribe", wav, fields, &out); err != nil {
		return stt.Result{}, err
	}
	c.logger.Debug("stt_response",
		"duration_ms", time.Since(start).Milliseconds(),
		"detected_language", out.DetectedLanguage,
		"empty", strings.TrimSpace(out.Transcript) == "")
	return stt.Result{
		Text:             strings.TrimSpace(out.Transcript),
		DetectedLanguage: strings.TrimSpace(out.DetectedLanguage),
	}, nil
}

// LanguageHint returns the hint to forward for lang, or "" for auto-detect.
func (c *Client) LanguageHint(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" || strings.EqualFold(lang, c.cfg.DefaultLanguage) {
		return ""
	}
	return lang
}

func (c *Client) postAudio(ctx context.Context, path string, wav []byte, fields map[string]string, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	filename := "audio_" + strconv.FormatInt(c.now().UnixMilli(), 10) + ".wav"
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, filename))
	h.Set("Content-Type", "audio/wav")
	fw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return fmt.Errorf("write audio data: %w", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("whisper error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var (
	_ vad.Gate        = (*Client)(nil)
	_ stt.Transcriber = (*Client)(nil)
)
