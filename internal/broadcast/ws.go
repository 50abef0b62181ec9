package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// WSSession serializes writes to one websocket connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSSession(conn *websocket.Conn) *WSSession { return &WSSession{conn: conn} }

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// KeepAlive pings the peer every 9/10 of wait until done is closed or a
// ping fails. The read deadline is held at wait and pushed forward by every
// pong; the returned touch pushes it forward for other inbound frames.
// wait <= 0 uses the default pong wait. Reads must stay on the caller's
// goroutine.
func (s *WSSession) KeepAlive(done <-chan struct{}, wait time.Duration) (touch func()) {
	if wait <= 0 {
		wait = pongWait
	}
	touch = func() { _ = s.conn.SetReadDeadline(time.Now().Add(wait)) }
	touch()
	s.conn.SetPongHandler(func(string) error { touch(); return nil })
	go func() {
		ticker := time.NewTicker(wait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.ping(); err != nil {
					return
				}
			}
		}
	}()
	return touch
}

// Serve pumps the subscriber's events to conn until the client goes away,
// a write fails, or ctx is done. It always unsubscribes before returning.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, sub *Subscriber) {
	defer h.Unsubscribe(sub)
	sess := NewWSSession(conn)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			// observers are receive-only; anything they send is discarded
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
					h.logger.Debug("subscriber read ended", "ride_id", sub.rideID, "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := sess.Send(ev); err != nil {
				h.logger.Warn("subscriber write failed", "ride_id", sub.rideID, "error", err)
				return
			}
		}
	}
}
