package relay

import (
	"errors"
	"log/slog"
	"time"

	"github.com/harunnryd/holorelay/pkg/adapters/assistant"
	"github.com/harunnryd/holorelay/pkg/adapters/stt"
	"github.com/harunnryd/holorelay/pkg/adapters/tts"
	"github.com/harunnryd/holorelay/pkg/adapters/vad"
	"github.com/harunnryd/holorelay/pkg/configutil"
	"github.com/harunnryd/holorelay/pkg/logging"
	"github.com/harunnryd/holorelay/pkg/providers/chatbot"
	"github.com/harunnryd/holorelay/pkg/providers/deepgram"
	"github.com/harunnryd/holorelay/pkg/providers/elevenlabs"
	"github.com/harunnryd/holorelay/pkg/providers/mock"
	"github.com/harunnryd/holorelay/pkg/providers/openai"
	"github.com/harunnryd/holorelay/pkg/providers/whisper"
)

type whisperSettings struct {
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

type deepgramSettings struct {
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	Host        string `mapstructure:"host"`
	SmartFormat *bool  `mapstructure:"smart_format"`
}

type chatbotSettings struct {
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

type openAISettings struct {
	APIKey       string   `mapstructure:"api_key"`
	BaseURL      string   `mapstructure:"base_url"`
	Model        string   `mapstructure:"model"`
	SystemPrompt string   `mapstructure:"system_prompt"`
	Temperature  *float64 `mapstructure:"temperature"`
	MaxTokens    int      `mapstructure:"max_tokens"`
	MemoryWindow *int     `mapstructure:"memory_window"`
}

type elevenlabsSettings struct {
	APIKey                   string   `mapstructure:"api_key"`
	VoiceID                  string   `mapstructure:"voice_id"`
	ModelID                  string   `mapstructure:"model_id"`
	BaseURL                  string   `mapstructure:"base_url"`
	OptimizeStreamingLatency *int     `mapstructure:"optimize_streaming_latency"`
	Accept                   string   `mapstructure:"accept"`
	ChunkSize                int      `mapstructure:"chunk_size"`
	Speed                    *float64 `mapstructure:"speed"`
	Stability                *float64 `mapstructure:"stability"`
	SimilarityBoost          *float64 `mapstructure:"similarity_boost"`
}

type mockVADSettings struct {
	Speech *bool `mapstructure:"speech"`
}

type mockSTTSettings struct {
	Transcript       string `mapstructure:"transcript"`
	DetectedLanguage string `mapstructure:"detected_language"`
}

type mockAssistantSettings struct {
	Answer string `mapstructure:"answer"`
}

type mockTTSSettings struct {
	Chunks       []string `mapstructure:"chunks"`
	ChunkDelayMS int      `mapstructure:"chunk_delay_ms"`
}

// DefaultProviders returns a registry with every bundled vendor.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	RegisterProviders(reg)
	return reg
}

func RegisterProviders(reg *ProviderRegistry) {
	reg.RegisterVAD("whisper", func(cfg Config) (vad.Gate, error) {
		return newWhisper("vendors.vad.settings", cfg.Vendors.VAD.Settings, cfg)
	})

	reg.RegisterSTT("whisper", func(cfg Config) (stt.Transcriber, error) {
		return newWhisper("vendors.stt.settings", cfg.Vendors.STT.Settings, cfg)
	})

	reg.RegisterSTT("deepgram", func(cfg Config) (stt.Transcriber, error) {
		var settings deepgramSettings
		if err := configutil.Decode("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "host", "smart_format"},
		}, &settings); err != nil {
			return nil, err
		}
		return deepgram.New(deepgram.Config{
			APIKey:          settings.APIKey,
			Model:           settings.Model,
			Host:            settings.Host,
			SmartFormat:     configutil.BoolValue(settings.SmartFormat, true),
			DefaultLanguage: cfg.DefaultLanguage(),
		})
	})

	reg.RegisterAssistant("chatbot", func(cfg Config) (assistant.Client, error) {
		var settings chatbotSettings
		if err := configutil.Decode("vendors.assistant.settings", cfg.Vendors.Assistant.Settings, configutil.Schema{
			Optional: []string{"base_url", "timeout_ms"},
		}, &settings); err != nil {
			return nil, err
		}
		return chatbot.New(chatbot.Config{
			BaseURL:   settings.BaseURL,
			SessionID: cfg.Assistant.SessionID,
			Timeout:   configutil.Millis(settings.TimeoutMS, 0),
		}, logging.NewComponentLogger(slog.Default(), "chatbot")), nil
	})

	reg.RegisterAssistant("openai", func(cfg Config) (assistant.Client, error) {
		var settings openAISettings
		if err := configutil.Decode("vendors.assistant.settings", cfg.Vendors.Assistant.Settings, configutil.Schema{
			Optional: []string{"api_key", "base_url", "model", "system_prompt", "temperature", "max_tokens", "memory_window"},
		}, &settings); err != nil {
			return nil, err
		}
		if settings.APIKey == "" && settings.BaseURL == "" {
			return nil, errors.New("vendors.assistant.settings: api_key or base_url is required")
		}
		return openai.New(openai.Config{
			APIKey:       settings.APIKey,
			BaseURL:      settings.BaseURL,
			Model:        settings.Model,
			SystemPrompt: settings.SystemPrompt,
			Temperature:  float32(configutil.FloatValue(settings.Temperature, 0.1)),
			MaxTokens:    settings.MaxTokens,
			MemoryWindow: configutil.IntValue(settings.MemoryWindow, 2),
		}, logging.NewComponentLogger(slog.Default(), "openai"))
	})

	reg.RegisterTTS("elevenlabs", func(cfg Config) (tts.Synthesizer, error) {
		var settings elevenlabsSettings
		if err := configutil.Decode("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "base_url", "optimize_streaming_latency", "accept", "chunk_size", "speed", "stability", "similarity_boost"},
		}, &settings); err != nil {
			return nil, err
		}
		voice := elevenlabs.DefaultVoiceSettings()
		return elevenlabs.New(elevenlabs.Config{
			APIKey:                   settings.APIKey,
			VoiceID:                  settings.VoiceID,
			ModelID:                  settings.ModelID,
			BaseURL:                  settings.BaseURL,
			OptimizeStreamingLatency: configutil.IntValue(settings.OptimizeStreamingLatency, 4),
			Accept:                   settings.Accept,
			ChunkSize:                settings.ChunkSize,
			Voice: elevenlabs.VoiceSettings{
				Speed:           configutil.FloatValue(settings.Speed, voice.Speed),
				Stability:       configutil.FloatValue(settings.Stability, voice.Stability),
				SimilarityBoost: configutil.FloatValue(settings.SimilarityBoost, voice.SimilarityBoost),
			},
		}), nil
	})

	registerMockProviders(reg)
}

func registerMockProviders(reg *ProviderRegistry) {
	reg.RegisterVAD("mock", func(cfg Config) (vad.Gate, error) {
		var settings mockVADSettings
		if err := configutil.Decode("vendors.vad.settings", cfg.Vendors.VAD.Settings, configutil.Schema{
			Optional: []string{"speech"},
		}, &settings); err != nil {
			return nil, err
		}
		return mock.NewGate(mock.GateConfig{Speech: configutil.BoolValue(settings.Speech, true)}), nil
	})

	reg.RegisterSTT("mock", func(cfg Config) (stt.Transcriber, error) {
		var settings mockSTTSettings
		if err := configutil.Decode("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"transcript", "detected_language"},
		}, &settings); err != nil {
			return nil, err
		}
		var script []mock.STTStep
		if settings.Transcript != "" {
			script = []mock.STTStep{{Result: stt.Result{
				Text:             settings.Transcript,
				DetectedLanguage: settings.DetectedLanguage,
			}}}
		}
		return mock.NewTranscriber(mock.STTConfig{Script: script}), nil
	})

	reg.RegisterAssistant("mock", func(cfg Config) (assistant.Client, error) {
		var settings mockAssistantSettings
		if err := configutil.Decode("vendors.assistant.settings", cfg.Vendors.Assistant.Settings, configutil.Schema{
			Optional: []string{"answer"},
		}, &settings); err != nil {
			return nil, err
		}
		return mock.NewAssistant(mock.AssistantConfig{Answer: settings.Answer}), nil
	})

	reg.RegisterTTS("mock", func(cfg Config) (tts.Synthesizer, error) {
		var settings mockTTSSettings
		if err := configutil.Decode("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"chunks", "chunk_delay_ms"},
		}, &settings); err != nil {
			return nil, err
		}
		chunks := make([][]byte, 0, len(settings.Chunks))
		for _, c := range settings.Chunks {
			chunks = append(chunks, []byte(c))
		}
		return mock.NewSynthesizer(mock.TTSConfig{
			Chunks: chunks,
			Delay:  time.Duration(settings.ChunkDelayMS) * time.Millisecond,
		}), nil
	})
}

func newWhisper(path string, input map[string]any, cfg Config) (*whisper.Client, error) {
	var settings whisperSettings
	if err := configutil.Decode(path, input, configutil.Schema{
		Optional: []string{"base_url", "timeout_ms"},
	}, &settings); err != nil {
		return nil, err
	}
	return whisper.New(whisper.Config{
		BaseURL:         settings.BaseURL,
		DefaultLanguage: cfg.DefaultLanguage(),
		Timeout:         configutil.Millis(settings.TimeoutMS, 0),
	}, logging.NewComponentLogger(slog.Default(), "whisper")), nil
}
