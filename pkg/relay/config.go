package relay

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/holorelay/pkg/audio"
	"github.com/harunnryd/holorelay/pkg/configutil"
	"github.com/harunnryd/holorelay/pkg/pipeline"
	"github.com/harunnryd/holorelay/pkg/transports/socket"
	"github.com/harunnryd/holorelay/pkg/transports/upstream"
)

type Config struct {
	Server        socket.Config       `mapstructure:"server"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	Audio         audio.Config        `mapstructure:"audio"`
	STT           STTConfig           `mapstructure:"stt"`
	TTS           TTSConfig           `mapstructure:"tts"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Assistant     AssistantConfig     `mapstructure:"assistant"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Languages     LanguageConfig      `mapstructure:"languages"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	VAD       VendorConfig `mapstructure:"vad"`
	STT       VendorConfig `mapstructure:"stt"`
	Assistant VendorConfig `mapstructure:"assistant"`
	TTS       VendorConfig `mapstructure:"tts"`
}

type UpstreamConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	URL         string `mapstructure:"url"`
	ReconnectMS int    `mapstructure:"reconnect_ms"`
	SessionID   string `mapstructure:"session_id"`
	// Language fixes the working language of upstream sentences. Empty
	// follows the language of the latest transcribed request.
	Language string `mapstructure:"language"`
	// QueueSize bounds the sentences waiting for synthesis.
	QueueSize int `mapstructure:"queue_size"`
}

type STTConfig struct {
	MaxAttempts  int               `mapstructure:"max_attempts"`
	RetryDelayMS int               `mapstructure:"retry_delay_ms"`
	Replacements map[string]string `mapstructure:"replacements"`
}

type TTSConfig struct {
	Language          string `mapstructure:"language"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	BreakerThreshold  int    `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int    `mapstructure:"breaker_cooldown_ms"`
}

type PipelineConfig struct {
	StopThinkingDelayMS int `mapstructure:"stop_thinking_delay_ms"`
	RequestTimeoutMS    int `mapstructure:"request_timeout_ms"`
	DrainTimeoutMS      int `mapstructure:"drain_timeout_ms"`
}

type AssistantConfig struct {
	SessionID string `mapstructure:"session_id"`
}

type LanguageConfig struct {
	Default string `mapstructure:"default"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	SampleRate    float64 `mapstructure:"sample_rate"`
	MetricsJSONL  bool    `mapstructure:"metrics_jsonl"`
	ObserverQueue int     `mapstructure:"observer_queue"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3005")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.delivery", socket.DeliveryBroadcast)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.inbound_buffer", 512)
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.ping_interval", "20s")
	v.SetDefault("upstream.enabled", true)
	v.SetDefault("upstream.url", "ws://localhost:7006/ws")
	v.SetDefault("upstream.reconnect_ms", 2000)
	v.SetDefault("upstream.session_id", "upstream")
	v.SetDefault("upstream.language", "")
	v.SetDefault("upstream.queue_size", 16)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("stt.max_attempts", 3)
	v.SetDefault("stt.retry_delay_ms", 300)
	v.SetDefault("tts.language", "en")
	v.SetDefault("tts.timeout_ms", 15000)
	v.SetDefault("tts.breaker_threshold", 1)
	v.SetDefault("tts.breaker_cooldown_ms", 30000)
	v.SetDefault("pipeline.stop_thinking_delay_ms", 1850)
	v.SetDefault("pipeline.request_timeout_ms", 0)
	v.SetDefault("pipeline.drain_timeout_ms", 20000)
	v.SetDefault("assistant.session_id", "testing")
	v.SetDefault("vendors.vad.provider", "whisper")
	v.SetDefault("vendors.stt.provider", "whisper")
	v.SetDefault("vendors.assistant.provider", "chatbot")
	v.SetDefault("vendors.tts.provider", "elevenlabs")
	v.SetDefault("languages.default", "en")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.metrics_jsonl", false)
	v.SetDefault("observability.observer_queue", 2048)
	v.SetDefault("privacy.redact_pii", true)
}

func (c *Config) Validate() error {
	var errs []error
	for path, provider := range map[string]string{
		"vendors.vad.provider":       c.Vendors.VAD.Provider,
		"vendors.stt.provider":       c.Vendors.STT.Provider,
		"vendors.assistant.provider": c.Vendors.Assistant.Provider,
		"vendors.tts.provider":       c.Vendors.TTS.Provider,
	} {
		if err := configutil.RequireString(provider, path); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Upstream.Enabled {
		if err := configutil.RequireString(c.Upstream.URL, "upstream.url"); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.Delivery)) {
	case "", socket.DeliveryBroadcast, socket.DeliveryOrigin:
	default:
		errs = append(errs, fmt.Errorf("server.delivery must be %q or %q", socket.DeliveryBroadcast, socket.DeliveryOrigin))
	}
	if c.STT.MaxAttempts < 0 {
		errs = append(errs, errors.New("stt.max_attempts must not be negative"))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, errors.New("observability.sample_rate must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// PipelineSettings converts the millisecond keys into the orchestrator config.
func (c Config) PipelineSettings() pipeline.Config {
	return pipeline.Config{
		StopThinkingDelay:  configutil.Millis(c.Pipeline.StopThinkingDelayMS, 1850*time.Millisecond),
		RequestTimeout:     configutil.Millis(c.Pipeline.RequestTimeoutMS, 0),
		AssistantSessionID: c.Assistant.SessionID,
	}
}

// UpstreamSettings converts the upstream keys into the client config.
func (c Config) UpstreamSettings() upstream.Config {
	return upstream.Config{
		URL:            c.Upstream.URL,
		ReconnectDelay: configutil.Millis(c.Upstream.ReconnectMS, 2*time.Second),
		SessionID:      c.Upstream.SessionID,
	}
}

// DefaultLanguage is the language the transcription service detects itself.
func (c Config) DefaultLanguage() string {
	if lang := strings.TrimSpace(c.Languages.Default); lang != "" {
		return lang
	}
	return "en"
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.VAD.Settings = expandSettings(cfg.Vendors.VAD.Settings)
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.Assistant.Settings = expandSettings(cfg.Vendors.Assistant.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
