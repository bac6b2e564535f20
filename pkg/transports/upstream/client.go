package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/holorelay/pkg/errorsx"
	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/harunnryd/holorelay/pkg/logging"
	"github.com/harunnryd/holorelay/pkg/resilience"
	"github.com/harunnryd/holorelay/pkg/transports"
)

type Config struct {
	URL              string        `mapstructure:"url"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	// SessionID keys the sentence buffer fed by this stream.
	SessionID string `mapstructure:"session_id"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "ws://localhost:7006/ws"
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SessionID == "" {
		c.SessionID = "upstream"
	}
	return c
}

// Client keeps a connection to the upstream text source open, reconnecting
// after a fixed delay. Text fragments arrive on Recv as message events whose
// data is a JSON string.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	recvCh chan events.Inbound

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	connects atomic.Int64
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logging.NewComponentLogger(slog.Default(), "upstream"),
		recvCh: make(chan events.Inbound, 256),
		done:   make(chan struct{}),
	}
}

func (c *Client) Name() string { return "upstream" }

func (c *Client) Recv() <-chan events.Inbound { return c.recvCh }

func (c *Client) SessionID() string { return c.cfg.SessionID }

func (c *Client) ReadyFields() map[string]any {
	return map[string]any{"upstream_url": c.cfg.URL}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool { return c.current() != nil }

// Connects counts successful dials.
func (c *Client) Connects() int64 { return c.connects.Load() }

func (c *Client) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.loop(ctx)
	return nil
}

func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			if conn := c.current(); conn != nil {
				c.writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				c.writeMu.Unlock()
				_ = conn.Close()
			}
			<-c.done
		}
		close(c.recvCh)
	})
	return nil
}

// Signal sends a control signal as a json_obj event.
func (c *Client) Signal(ctx context.Context, sig events.ControlSignal) error {
	conn := c.current()
	if conn == nil {
		return errorsx.Errorf(errorsx.ReasonUpstreamSignal, "upstream: not connected, dropping %s", sig)
	}
	msg, err := events.Encode(events.Event{Name: events.JSONObj, Payload: string(sig)})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUpstreamSignal)
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return errorsx.Wrap(fmt.Errorf("upstream: send %s: %w", sig, err), errorsx.ReasonUpstreamSignal)
	}
	return nil
}

func (c *Client) loop(ctx context.Context) {
	defer close(c.done)
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("upstream_connect_failed",
				"url", c.cfg.URL,
				"reason_code", string(errorsx.ReasonUpstreamConnect),
				"retry_in_ms", c.cfg.ReconnectDelay.Milliseconds(),
				"error", err)
			if resilience.SleepContext(ctx, c.cfg.ReconnectDelay) != nil {
				return
			}
			continue
		}
		c.connects.Add(1)
		c.setConn(conn)
		c.logger.Info("upstream_connected", "url", c.cfg.URL)

		c.read(ctx, conn)

		c.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("upstream_disconnected", "retry_in_ms", c.cfg.ReconnectDelay.Milliseconds())
		if resilience.SleepContext(ctx, c.cfg.ReconnectDelay) != nil {
			return
		}
	}
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("upstream_read_failed", "error", err)
			}
			return
		}
		fragment, ok := ParseFragment(msg)
		if !ok {
			continue
		}
		data, _ := json.Marshal(fragment)
		select {
		case c.recvCh <- events.Inbound{
			SessionID:  c.cfg.SessionID,
			Event:      events.Message,
			Data:       data,
			ReceivedAt: time.Now(),
		}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// ParseFragment extracts the text of one upstream frame. Frames are either
// {"event":"message","data":"..."} envelopes or raw text; other events are
// ignored. Raw text is kept as sent, whitespace included, so deltas such as
// " " still separate words in the sentence buffer.
func ParseFragment(msg []byte) (string, bool) {
	if len(msg) == 0 {
		return "", false
	}
	if !strings.HasPrefix(strings.TrimSpace(string(msg)), "{") {
		return string(msg), true
	}
	env, err := events.Decode(msg)
	if err != nil {
		return string(msg), true
	}
	if env.Event != events.Message {
		return "", false
	}
	var text string
	if err := json.Unmarshal(env.Data, &text); err != nil {
		return string(env.Data), len(env.Data) > 0
	}
	return text, true
}

// Fragment returns the text carried by an inbound message event.
func Fragment(in events.Inbound) string {
	var text string
	if err := json.Unmarshal(in.Data, &text); err != nil {
		return string(in.Data)
	}
	return text
}

var (
	_ transports.Transport     = (*Client)(nil)
	_ transports.ControlSender = (*Client)(nil)
)
