package vad

import "context"

// Gate decides whether a canonical wav clip contains speech. Implementations
// fail closed: any error reports false.
type Gate interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// HasSpeech reports whether wav contains at least one speech segment.
	HasSpeech(ctx context.Context, wav []byte) bool
}
