package socket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// session owns one client connection. loop is the only writer.
type session struct {
	id           string
	conn         *websocket.Conn
	sendCh       chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	closed bool
}

// enqueue reports false when the message was dropped.
func (s *session) enqueue(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.sendCh <- b:
		return true
	default:
		return false
	}
}

func (s *session) loop() {
	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-s.sendCh:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(s.writeTimeout))
				_ = s.conn.Close()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = s.conn.Close()
				s.drain()
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.writeTimeout)); err != nil {
				_ = s.conn.Close()
				s.drain()
				return
			}
		}
	}
}

// drain discards queued messages after a write failure until close.
func (s *session) drain() {
	for range s.sendCh {
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.mu.Unlock()
	return nil
}
