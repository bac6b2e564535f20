package socket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/holorelay/pkg/errorsx"
	"github.com/harunnryd/holorelay/pkg/events"
	"github.com/harunnryd/holorelay/pkg/logging"
	"github.com/harunnryd/holorelay/pkg/transports"
)

const (
	DeliveryBroadcast = "broadcast"
	DeliveryOrigin    = "origin"
)

type Config struct {
	Addr          string `mapstructure:"addr"`
	WebsocketPath string `mapstructure:"ws_path"`
	// Delivery controls stream events: broadcast sends them to every client,
	// origin only to the client that caused them.
	Delivery       string        `mapstructure:"delivery"`
	AllowAnyOrigin bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	InboundBuffer  int           `mapstructure:"inbound_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	// MaxMessageBytes bounds one inbound frame; recorded clips are large.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":3005"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	c.Delivery = strings.ToLower(strings.TrimSpace(c.Delivery))
	if c.Delivery != DeliveryOrigin {
		c.Delivery = DeliveryBroadcast
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 512
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 32 << 20
	}
	return c
}

// Transport serves client websockets and fans outbound events out to them.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	recvMu sync.RWMutex
	recvCh chan events.Inbound
	closed bool

	mu       sync.Mutex
	sessions map[string]*session

	draining atomic.Bool
	dropped  atomic.Int64
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:   logging.NewComponentLogger(slog.Default(), "socket"),
		recvCh:   make(chan events.Inbound, cfg.InboundBuffer),
		sessions: make(map[string]*session),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "socket" }

func (t *Transport) Recv() <-chan events.Inbound { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	addr := t.cfg.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return map[string]any{
		"ws_url":   "ws://" + addr + t.cfg.WebsocketPath,
		"delivery": t.cfg.Delivery,
	}
}

// Handler returns the HTTP routes: the websocket endpoint and /health.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if t.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{
		Addr:              t.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("socket_server_error", "error", err.Error())
		}
	}()
	return nil
}

// SetDraining makes the server refuse new connections and report 503 on
// /health while existing clients keep receiving events.
func (t *Transport) SetDraining(v bool) { t.draining.Store(v) }

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, sess := range t.sessions {
		_ = sess.close()
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()

	t.recvMu.Lock()
	if !t.closed {
		t.closed = true
		close(t.recvCh)
	}
	t.recvMu.Unlock()
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(t.cfg.MaxMessageBytes)

	sessionID := uuid.NewString()
	sess := t.attach(sessionID, conn)
	defer t.detach(sessionID)
	t.logger.Info("client_connected", "session_id", sessionID, "remote", r.RemoteAddr, "clients", t.Clients())
	t.sendTo(sess, events.Event{
		Name:      events.Connected,
		SessionID: sessionID,
		Payload:   events.ConnectedData{SessionID: sessionID},
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("client_read_failed", "session_id", sessionID, "error", err)
			}
			break
		}
		env, err := events.Decode(msg)
		if err != nil {
			t.logger.Warn("client_message_invalid",
				"session_id", sessionID,
				"reason_code", string(errorsx.ReasonTransportDecode),
				"error", err)
			continue
		}
		t.deliver(events.Inbound{
			SessionID:  sessionID,
			Event:      env.Event,
			Data:       env.Data,
			ReceivedAt: time.Now(),
		})
	}
	t.logger.Info("client_disconnected", "session_id", sessionID)
}

// Publish delivers ev without blocking. Requests addressed to a session that
// has gone away are dropped; stream events fall back to every client.
func (t *Transport) Publish(ev events.Event) {
	b, err := events.Encode(ev)
	if err != nil {
		t.logger.Error("event_encode_failed",
			"event", ev.Name,
			"reason_code", string(errorsx.ReasonTransportSend),
			"error", err)
		return
	}
	for _, sess := range t.targets(ev) {
		if !sess.enqueue(b) {
			t.dropped.Add(1)
			t.logger.Warn("client_queue_full", "session_id", sess.id, "event", ev.Name)
		}
	}
}

func (t *Transport) targets(ev events.Event) []*session {
	t.mu.Lock()
	defer t.mu.Unlock()
	origin := t.sessions[ev.SessionID]
	if !ev.Stream {
		if origin == nil {
			return nil
		}
		return []*session{origin}
	}
	if t.cfg.Delivery == DeliveryOrigin && origin != nil {
		return []*session{origin}
	}
	out := make([]*session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, sess)
	}
	return out
}

// Clients returns the number of connected clients.
func (t *Transport) Clients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Dropped counts outbound messages discarded on full client queues.
func (t *Transport) Dropped() int64 { return t.dropped.Load() }

func (t *Transport) sendTo(sess *session, ev events.Event) {
	b, err := events.Encode(ev)
	if err != nil {
		return
	}
	sess.enqueue(b)
}

func (t *Transport) deliver(in events.Inbound) {
	t.recvMu.RLock()
	defer t.recvMu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.recvCh <- in:
	default:
		t.logger.Warn("inbound_queue_full", "session_id", in.SessionID, "event", in.Event)
		if in.Event == events.SendAudio {
			t.rejectBusy(in.SessionID)
		}
	}
}

// rejectBusy answers a send_audio that never reached the pipeline so the
// client still gets its terminal chat_response.
func (t *Transport) rejectBusy(sessionID string) {
	t.Publish(events.Event{
		Name:      events.ChatResponse,
		SessionID: sessionID,
		RequestID: uuid.NewString(),
		Payload: events.ErrorData{
			Error:   errorsx.ClientMessage(errorsx.ReasonInternal),
			Details: "server busy: inbound queue full",
		},
	})
}

func (t *Transport) attach(sessionID string, conn *websocket.Conn) *session {
	sess := &session{
		id:           sessionID,
		conn:         conn,
		sendCh:       make(chan []byte, t.cfg.SendBuffer),
		writeTimeout: t.cfg.WriteTimeout,
		pingInterval: t.cfg.PingInterval,
	}
	t.mu.Lock()
	t.sessions[sessionID] = sess
	t.mu.Unlock()
	go sess.loop()
	return sess
}

func (t *Transport) detach(sessionID string) {
	t.mu.Lock()
	sess := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

var _ transports.ClientTransport = (*Transport)(nil)
