package tts

import "context"

// Synthesizer defines the contract for any streaming TTS vendor
// implementation.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Stream synthesizes text and hands each audio chunk to sink in arrival
	// order. It returns after the last chunk or on the first error.
	Stream(ctx context.Context, text string, sink ChunkSink) error
}

// ChunkSink receives audio chunks. The slice is owned by the sink.
type ChunkSink func(chunk []byte)
