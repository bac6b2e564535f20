package pipeline

import (
	"errors"

	"github.com/harunnryd/holorelay/pkg/adapters/assistant"
	"github.com/harunnryd/holorelay/pkg/adapters/vad"
	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/harunnryd/holorelay/pkg/metrics"
	"github.com/harunnryd/holorelay/pkg/turn"
)

type RelayBuilder struct {
	deps Deps
}

func NewRelayBuilder() *RelayBuilder {
	return &RelayBuilder{}
}

func (b *RelayBuilder) WithConverter(c Converter) *RelayBuilder {
	b.deps.Converter = c
	return b
}

func (b *RelayBuilder) WithGate(g vad.Gate) *RelayBuilder {
	b.deps.Gate = g
	return b
}

func (b *RelayBuilder) WithTranscriber(t Transcriber) *RelayBuilder {
	b.deps.Transcriber = t
	return b
}

func (b *RelayBuilder) WithAssistant(a assistant.Client) *RelayBuilder {
	b.deps.Assistant = a
	return b
}

func (b *RelayBuilder) WithSpeaker(s Speaker) *RelayBuilder {
	b.deps.Speaker = s
	return b
}

func (b *RelayBuilder) WithPublisher(p events.Publisher) *RelayBuilder {
	b.deps.Publisher = p
	return b
}

func (b *RelayBuilder) WithController(c Controller) *RelayBuilder {
	b.deps.Controller = c
	return b
}

func (b *RelayBuilder) WithHistory(h *History) *RelayBuilder {
	b.deps.History = h
	return b
}

func (b *RelayBuilder) WithObserver(obs metrics.Observer) *RelayBuilder {
	b.deps.Observer = obs
	return b
}

func (b *RelayBuilder) WithListener(l turn.StateListener) *RelayBuilder {
	if l != nil {
		b.deps.Listeners = append(b.deps.Listeners, l)
	}
	return b
}

// Build checks that every stage is present.
func (b *RelayBuilder) Build(cfg Config) (*Orchestrator, error) {
	var errs []error
	if b.deps.Converter == nil {
		errs = append(errs, errors.New("pipeline: converter is required"))
	}
	if b.deps.Gate == nil {
		errs = append(errs, errors.New("pipeline: vad gate is required"))
	}
	if b.deps.Transcriber == nil {
		errs = append(errs, errors.New("pipeline: transcriber is required"))
	}
	if b.deps.Assistant == nil {
		errs = append(errs, errors.New("pipeline: assistant is required"))
	}
	if b.deps.Speaker == nil {
		errs = append(errs, errors.New("pipeline: speaker is required"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return NewOrchestrator(b.deps, cfg), nil
}
