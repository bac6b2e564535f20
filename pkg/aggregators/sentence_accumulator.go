package aggregators

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/harunnryd/holorelay/pkg/logging"
	"github.com/harunnryd/holorelay/pkg/metrics"
	"github.com/harunnryd/holorelay/pkg/redact"
)

// Dr. and Smt. already end in a period; they are listed because the boundary
// rule names them explicitly.
var sentenceEndRe = regexp.MustCompile(`(?:[.!?|:]|Dr\.|Smt\.)$`)

// IsSentenceEnd reports whether buffered text ends a sentence.
func IsSentenceEnd(text string) bool {
	return sentenceEndRe.MatchString(text)
}

// Synthesizer turns a sentence into audio. processors.Speaker satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, lang string) []byte
}

type AccumulatorConfig struct {
	// Language returns the working language for upstream sentences.
	Language func() string
	// QueueSize bounds the sentences waiting per session.
	QueueSize  int
	MaxHistory int
}

// SentenceAccumulator buffers upstream text fragments per session and
// synthesizes each completed sentence. Sentences of one session are spoken in
// order on a dedicated worker so fragment intake never blocks.
type SentenceAccumulator struct {
	mu      sync.Mutex
	cfg     AccumulatorConfig
	buffers map[string]*strings.Builder
	workers map[string]chan string
	history []string
	closed  bool

	speaker Synthesizer
	pub     events.Publisher
	obs     metrics.Observer
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSentenceAccumulator(speaker Synthesizer, pub events.Publisher, cfg AccumulatorConfig) *SentenceAccumulator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}
	if cfg.Language == nil {
		cfg.Language = func() string { return "" }
	}
	if pub == nil {
		pub = events.PublisherFunc(func(events.Event) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SentenceAccumulator{
		cfg:     cfg,
		buffers: make(map[string]*strings.Builder),
		workers: make(map[string]chan string),
		speaker: speaker,
		pub:     pub,
		obs:     metrics.NoopObserver{},
		logger:  logging.NewComponentLogger(slog.Default(), "sentence_accumulator"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (a *SentenceAccumulator) Name() string { return "sentence_accumulator" }

func (a *SentenceAccumulator) SetObserver(obs metrics.Observer) { a.obs = metrics.OrNoop(obs) }

// OnTextFragment appends fragment to the session buffer. When the buffer ends
// a sentence, the trimmed buffer is queued for synthesis and the buffer is
// reset. A buffer that trims to nothing is left as is.
func (a *SentenceAccumulator) OnTextFragment(ctx context.Context, sessionID, fragment string) {
	if ctx != nil && ctx.Err() != nil {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	sb := a.buffers[sessionID]
	if sb == nil {
		sb = &strings.Builder{}
		a.buffers[sessionID] = sb
	}
	sb.WriteString(fragment)
	text := sb.String()
	if !IsSentenceEnd(text) {
		a.mu.Unlock()
		return
	}
	sentence := strings.TrimSpace(text)
	if sentence == "" {
		a.mu.Unlock()
		return
	}
	sb.Reset()
	a.appendHistoryLocked(sentence)
	queued := true
	select {
	case a.workerLocked(sessionID) <- sentence:
	default:
		queued = false
	}
	a.mu.Unlock()

	a.obs.RecordEvent(metrics.NewEvent(metrics.EventSentence, "", sessionID).
		WithField("chars", len(sentence)).
		WithField("queued", queued))
	if !queued {
		a.logger.Warn("sentence_dropped",
			"session_id", sessionID,
			"sentence", redact.Preview(sentence, 60))
	}
}

// Buffer returns the pending text for sessionID.
func (a *SentenceAccumulator) Buffer(sessionID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sb := a.buffers[sessionID]; sb != nil {
		return sb.String()
	}
	return ""
}

// History returns the most recent completed sentences across sessions.
func (a *SentenceAccumulator) History() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}

// Close stops accepting fragments, lets queued sentences finish and waits for
// the workers.
func (a *SentenceAccumulator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for id, queue := range a.workers {
		close(queue)
		delete(a.workers, id)
	}
	a.mu.Unlock()
	a.wg.Wait()
	a.cancel()
}

func (a *SentenceAccumulator) workerLocked(sessionID string) chan string {
	if queue := a.workers[sessionID]; queue != nil {
		return queue
	}
	queue := make(chan string, a.cfg.QueueSize)
	a.workers[sessionID] = queue
	a.wg.Add(1)
	go a.run(sessionID, queue)
	return queue
}

func (a *SentenceAccumulator) run(sessionID string, queue <-chan string) {
	defer a.wg.Done()
	for sentence := range queue {
		a.speak(sessionID, sentence)
	}
}

func (a *SentenceAccumulator) speak(sessionID, sentence string) {
	requestID := uuid.NewString()
	ctx := events.WithRequest(events.WithSession(a.ctx, sessionID), requestID)
	lang := a.cfg.Language()
	audio := a.speaker.Synthesize(ctx, sentence, lang)
	if len(audio) == 0 {
		a.logger.Debug("sentence_without_audio",
			"session_id", sessionID,
			"request_id", requestID,
			"lang", lang)
		return
	}
	a.pub.Publish(events.Addressed(ctx, events.Event{
		Name:    events.Audio,
		Payload: events.AudioData{Audio: audio},
		Stream:  true,
	}))
}

func (a *SentenceAccumulator) appendHistoryLocked(text string) {
	a.history = append(a.history, text)
	if len(a.history) > a.cfg.MaxHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
	}
}
