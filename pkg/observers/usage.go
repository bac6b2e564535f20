package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/holorelay/pkg/metrics"
)

// Bytes per second of the 16 kHz mono 16-bit wav the converter produces.
const wavBytesPerSecond = 16000 * 2

type UsageSummary struct {
	SessionID     string  `json:"session_id"`
	Requests      int     `json:"requests"`
	Aborted       int     `json:"aborted"`
	STTAudioSec   float64 `json:"stt_audio_seconds"`
	TTSAudioBytes int     `json:"tts_audio_bytes"`
	LLMTokenCount int     `json:"llm_tokens"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// UsageObserver accumulates per-session usage and writes one
// <session>.usage.json file per session on Close.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags[metrics.TagSessionID]
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[sessionID]
	if stat == nil {
		stat = &UsageSummary{SessionID: sessionID}
		o.stats[sessionID] = stat
	}
	switch ev.Name {
	case metrics.EventRequestStart:
		stat.Requests++
	case metrics.EventRequestAborted:
		stat.Aborted++
	case metrics.EventTranscode:
		if n := intField(ev.Fields, "audio_bytes"); n > 44 {
			stat.STTAudioSec += float64(n-44) / wavBytesPerSecond
		}
	case metrics.EventTTSDone:
		stat.TTSAudioBytes += intField(ev.Fields, "audio_bytes")
	case metrics.EventLLM:
		stat.LLMTokenCount += intField(ev.Fields, "tokens")
	}
}

// Summary returns a copy of the usage for sessionID.
func (o *UsageObserver) Summary(sessionID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[sessionID]
	if stat == nil {
		return UsageSummary{}, false
	}
	return *stat, true
}

func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*UsageObserver)(nil)
