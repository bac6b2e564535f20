package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/holorelay/pkg/errorsx"
)

var ErrEmptyAudio = errorsx.Wrap(errors.New("audio: empty input"), errorsx.ReasonNoAudio)

// Runner executes the transcoder. It returns the combined output so failures
// can be logged.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Config struct {
	FFmpegPath string `mapstructure:"ffmpeg_path"`
	TempDir    string `mapstructure:"temp_dir"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
}

// Converter turns arbitrary client audio into mono 16 kHz PCM wav using an
// external ffmpeg binary. Both temp files are removed before Convert returns.
type Converter struct {
	cfg    Config
	run    Runner
	logger *slog.Logger
}

func NewConverter(cfg Config, logger *slog.Logger) *Converter {
	if strings.TrimSpace(cfg.FFmpegPath) == "" {
		cfg.FFmpegPath = FindFFmpeg()
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{cfg: cfg, run: execRunner, logger: logger}
}

// WithRunner replaces the command runner.
func (c *Converter) WithRunner(run Runner) *Converter {
	if run != nil {
		c.run = run
	}
	return c
}

func (c *Converter) Config() Config { return c.cfg }

// Convert writes raw to input_<id>.webm, transcodes it to output_<id>.wav and
// returns the wav bytes.
func (c *Converter) Convert(ctx context.Context, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyAudio
	}
	id := uuid.NewString()
	in := filepath.Join(c.cfg.TempDir, "input_"+id+".webm")
	out := filepath.Join(c.cfg.TempDir, "output_"+id+".wav")
	defer removeQuietly(c.logger, in)
	defer removeQuietly(c.logger, out)

	if err := os.WriteFile(in, raw, 0o600); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("write input: %w", err), errorsx.ReasonTranscode)
	}

	start := time.Now()
	args := []string{
		"-y", "-i", in,
		"-ac", strconv.Itoa(c.cfg.Channels),
		"-ar", strconv.Itoa(c.cfg.SampleRate),
		"-f", "wav", out,
	}
	if output, err := c.run(ctx, c.cfg.FFmpegPath, args...); err != nil {
		c.logger.Error("transcode_failed",
			"error", err,
			"output", tail(string(output), 512),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, errorsx.Wrap(fmt.Errorf("ffmpeg: %w", err), errorsx.ReasonTranscode)
	}

	wav, err := os.ReadFile(out)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("read output: %w", err), errorsx.ReasonTranscode)
	}
	if len(wav) == 0 {
		return nil, errorsx.Wrap(errors.New("ffmpeg produced no output"), errorsx.ReasonTranscode)
	}
	c.logger.Debug("transcode_done",
		"input_bytes", len(raw),
		"output_bytes", len(wav),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return wav, nil
}

// FindFFmpeg returns the ffmpeg binary on PATH, or "ffmpeg" when none is found.
func FindFFmpeg() string {
	for _, name := range []string{"ffmpeg", "ffmpeg.exe"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return "ffmpeg"
}

func removeQuietly(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("temp_cleanup_failed", "path", path, "error", err)
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
