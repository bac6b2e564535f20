package deepgram

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/holorelay/pkg/adapters/stt"
	"github.com/harunnryd/holorelay/pkg/logging"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

var ErrNoResults = errors.New("deepgram: response has no results")

type Config struct {
	APIKey string
	Model  string
	// Host overrides the API host, mainly for self-hosted deployments.
	Host            string
	SmartFormat     bool
	DefaultLanguage string
}

// Transcriber sends whole clips to Deepgram's pre-recorded endpoint.
type Transcriber struct {
	cfg    Config
	dg     *api.Client
	logger *slog.Logger
}

func New(cfg Config) (*Transcriber, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing deepgram api key")
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}

	clientOptions := &interfaces.ClientOptions{Host: cfg.Host}
	c := client.NewREST(cfg.APIKey, clientOptions)

	return &Transcriber{
		cfg:    cfg,
		dg:     api.New(c),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}, nil
}

func (s *Transcriber) Name() string { return "deepgram_prerecorded" }

func (s *Transcriber) Transcribe(ctx context.Context, wav []byte, lang string) (stt.Result, error) {
	start := time.Now()
	res, err := s.dg.FromStream(ctx, bytes.NewReader(wav), s.options(lang))
	if err != nil {
		s.logger.Warn("deepgram request failed",
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
		return stt.Result{}, err
	}
	out, err := resultFrom(res)
	if err != nil {
		return stt.Result{}, err
	}
	s.logger.Debug("deepgram transcript",
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.String("detected_language", out.DetectedLanguage))
	return out, nil
}

// options maps the language hint the same way the local service does: the
// default language and blanks mean auto-detect.
func (s *Transcriber) options(lang string) *interfaces.PreRecordedTranscriptionOptions {
	opts := &interfaces.PreRecordedTranscriptionOptions{
		Model:       s.cfg.Model,
		SmartFormat: s.cfg.SmartFormat,
		Punctuate:   true,
	}
	lang = strings.TrimSpace(lang)
	if lang == "" || strings.EqualFold(lang, s.cfg.DefaultLanguage) {
		opts.DetectLanguage = true
	} else {
		opts.Language = lang
	}
	return opts
}

func resultFrom(res *msginterfaces.PreRecordedResponse) (stt.Result, error) {
	if res == nil || res.Results == nil || len(res.Results.Channels) == 0 {
		return stt.Result{}, ErrNoResults
	}
	ch := res.Results.Channels[0]
	out := stt.Result{DetectedLanguage: strings.TrimSpace(ch.DetectedLanguage)}
	if len(ch.Alternatives) > 0 {
		out.Text = strings.TrimSpace(ch.Alternatives[0].Transcript)
	}
	return out, nil
}

var _ stt.Transcriber = (*Transcriber)(nil)
