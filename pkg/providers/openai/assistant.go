package openai

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/holorelay/pkg/adapters/assistant"
	"github.com/harunnryd/holorelay/pkg/resilience"
)

const (
	defaultModel        = "Qwen/Qwen2.5-14B-Instruct-AWQ"
	defaultSystemPrompt = "You are a helpful voice assistant. Answer briefly in the user's language."
)

type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	// MemoryWindow is how many past exchanges per session are replayed.
	MemoryWindow int
	HTTPClient   *http.Client
}

// Exchange is one remembered question and answer.
type Exchange struct {
	Human string
	Bot   string
}

// Assistant answers through any OpenAI-compatible chat completions endpoint
// and keeps a short per-session memory.
type Assistant struct {
	cfg    Config
	client *openai.Client
	logger *slog.Logger

	mu     sync.Mutex
	memory map[string][]Exchange
}

func New(cfg Config, logger *slog.Logger) (*Assistant, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("missing API key")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 60
	}
	if cfg.MemoryWindow < 0 {
		cfg.MemoryWindow = 0
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	} else {
		config.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{
		cfg:    cfg,
		client: openai.NewClientWithConfig(config),
		logger: logger,
		memory: make(map[string][]Exchange),
	}, nil
}

func (a *Assistant) Name() string { return "openai" }

func (a *Assistant) Ask(ctx context.Context, q assistant.Query) (assistant.Reply, error) {
	req := openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Messages:    a.messages(q),
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}
	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return assistant.Reply{}, resilience.RateLimitError{Provider: "openai", Message: apiErr.Message}
		}
		return assistant.Reply{}, err
	}
	if len(resp.Choices) == 0 {
		return assistant.Reply{}, errors.New("no choices")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	elapsed := roundSeconds(time.Since(start))
	a.remember(q.SessionID, q.Text, answer)

	a.logger.Info("openai_reply",
		"model", a.cfg.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"tokens", resp.Usage.TotalTokens)
	return assistant.Reply{
		Answer:        answer,
		GPTDuration:   &elapsed,
		TotalDuration: &elapsed,
		Tokens:        resp.Usage.TotalTokens,
	}, nil
}

func (a *Assistant) messages(q assistant.Query) []openai.ChatCompletionMessage {
	system := a.cfg.SystemPrompt
	if lang := strings.TrimSpace(q.Lang); lang != "" {
		system += "\nReply in language: " + lang + "."
	}
	if name := strings.TrimSpace(q.Name); name != "" {
		system += "\nThe user's name is " + name + "."
	}
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}
	for _, ex := range a.History(q.SessionID) {
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ex.Human},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: ex.Bot},
		)
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: q.Text})
}

// History returns the remembered exchanges for sessionID, oldest first.
func (a *Assistant) History(sessionID string) []Exchange {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Exchange, len(a.memory[sessionID]))
	copy(out, a.memory[sessionID])
	return out
}

func (a *Assistant) remember(sessionID, human, bot string) {
	if a.cfg.MemoryWindow == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	list := append(a.memory[sessionID], Exchange{Human: human, Bot: bot})
	if len(list) > a.cfg.MemoryWindow {
		list = list[len(list)-a.cfg.MemoryWindow:]
	}
	a.memory[sessionID] = list
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

var _ assistant.Client = (*Assistant)(nil)
