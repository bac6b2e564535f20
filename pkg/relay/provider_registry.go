package relay

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/holorelay/pkg/adapters/assistant"
	"github.com/harunnryd/holorelay/pkg/adapters/stt"
	"github.com/harunnryd/holorelay/pkg/adapters/tts"
	"github.com/harunnryd/holorelay/pkg/adapters/vad"
)

type VADFactory func(cfg Config) (vad.Gate, error)
type STTFactory func(cfg Config) (stt.Transcriber, error)
type AssistantFactory func(cfg Config) (assistant.Client, error)
type TTSFactory func(cfg Config) (tts.Synthesizer, error)

type ProviderRegistry struct {
	vad       map[string]VADFactory
	stt       map[string]STTFactory
	assistant map[string]AssistantFactory
	tts       map[string]TTSFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		vad:       make(map[string]VADFactory),
		stt:       make(map[string]STTFactory),
		assistant: make(map[string]AssistantFactory),
		tts:       make(map[string]TTSFactory),
	}
}

func (r *ProviderRegistry) RegisterVAD(name string, factory VADFactory) {
	r.vad[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterAssistant(name string, factory AssistantFactory) {
	r.assistant[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildVAD(provider string, cfg Config) (vad.Gate, error) {
	fn := r.vad[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("vad provider not registered: %s (known: %s)", provider, known(r.vad))
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildSTT(provider string, cfg Config) (stt.Transcriber, error) {
	fn := r.stt[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s (known: %s)", provider, known(r.stt))
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildAssistant(provider string, cfg Config) (assistant.Client, error) {
	fn := r.assistant[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("assistant provider not registered: %s (known: %s)", provider, known(r.assistant))
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTTS(provider string, cfg Config) (tts.Synthesizer, error) {
	fn := r.tts[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s (known: %s)", provider, known(r.tts))
	}
	return fn(cfg)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func known[F any](m map[string]F) string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
