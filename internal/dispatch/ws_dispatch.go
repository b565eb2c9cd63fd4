package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const writeWait = 5 * time.Second

// WSSession represents a connected driver or rider
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds live sessions keyed by participant id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for id, closing any connection it replaces.
func (r *WSRegistry) Add(id string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session for id if it is still bound to conn.
func (r *WSRegistry) Remove(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.conn == conn {
		delete(r.sessions, id)
	}
}

func (r *WSRegistry) Connected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (r *WSRegistry) NotifyOffer(ctx context.Context, n models.OfferNotice) error {
	return r.send(n.Offer.DriverID, wsMessage{Type: "ride_offer", Data: n})
}

// NotifyOutcome tells the rider, and the matched driver if there is one.
// A participant that is not connected is not an error.
func (r *WSRegistry) NotifyOutcome(ctx context.Context, o models.Outcome) error {
	msg := wsMessage{Type: "ride_outcome", Data: o}
	if err := r.send(o.RiderID, msg); err != nil && err != ErrNoSession {
		return err
	}
	if o.DriverID != "" {
		if err := r.send(o.DriverID, msg); err != nil && err != ErrNoSession {
			return err
		}
	}
	return nil
}

func (r *WSRegistry) send(id string, msg any) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(msg)
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
