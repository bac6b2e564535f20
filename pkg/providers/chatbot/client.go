package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/holorelay/pkg/adapters/assistant"
)

const defaultBaseURL = "http://127.0.0.1:5009"

type Config struct {
	BaseURL   string
	SessionID string
	Timeout   time.Duration
}

// Client calls the retrieval-augmented chatbot backend once per question.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	return NewWithClient(cfg, nil, logger)
}

func NewWithClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "testing"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

func (c *Client) Name() string { return "chatbot" }

type request struct {
	Query     string `json:"query"`
	Lang      string `json:"lang"`
	Name      string `json:"name"`
	HoloboxID string `json:"holoboxId"`
}

type response struct {
	Answer   string `json:"answer"`
	Metadata struct {
		RetrievalDuration *float64 `json:"retrievalDuration"`
		RerankDuration    *float64 `json:"rerankDuration"`
		GPTDuration       *float64 `json:"gptDuration"`
		TotalDuration     *float64 `json:"totalDuration"`
	} `json:"metadata"`
}

// Ask posts the question to /chatbot. The session id from the query wins over
// the configured one.
func (c *Client) Ask(ctx context.Context, q assistant.Query) (assistant.Reply, error) {
	sessionID := q.SessionID
	if sessionID == "" {
		sessionID = c.cfg.SessionID
	}
	body, err := json.Marshal(request{Query: q.Text, Lang: q.Lang, Name: q.Name, HoloboxID: sessionID})
	if err != nil {
		return assistant.Reply{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chatbot", bytes.NewReader(body))
	if err != nil {
		return assistant.Reply{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return assistant.Reply{}, fmt.Errorf("chatbot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return assistant.Reply{}, fmt.Errorf("chatbot error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return assistant.Reply{}, fmt.Errorf("decode response: %w", err)
	}
	c.logger.Info("chatbot_reply", "duration_ms", time.Since(start).Milliseconds())
	return assistant.Reply{
		Answer:            out.Answer,
		RetrievalDuration: out.Metadata.RetrievalDuration,
		RerankDuration:    out.Metadata.RerankDuration,
		GPTDuration:       out.Metadata.GPTDuration,
		TotalDuration:     out.Metadata.TotalDuration,
	}, nil
}

var _ assistant.Client = (*Client)(nil)
