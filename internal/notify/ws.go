package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame write when the caller's context has no
// earlier deadline. Upgrade clears the server's deadlines, so without it a
// peer that stops reading blocks the writer forever.
const writeWait = 5 * time.Second

var errSessionBroken = errors.New("ws session broken")

// WSSession is one connected client; writes are serialized.
type WSSession struct {
	conn *websocket.Conn
	turn chan struct{}
}

// WriteJSON writes v as one text frame before ctx's deadline or writeWait,
// whichever comes first. A failed write closes the connection: gorilla
// connections are unusable after a write error.
func (s *WSSession) WriteJSON(ctx context.Context, v any) error {
	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.turn }()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		_ = s.conn.Close()
		return fmt.Errorf("%w: %w", errSessionBroken, err)
	}
	if err := s.conn.WriteJSON(v); err != nil {
		_ = s.conn.Close()
		return fmt.Errorf("%w: %w", errSessionBroken, err)
	}
	return nil
}

// WSRegistry holds the latest session per user.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for userID, replacing any older session, and returns it.
func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn, turn: make(chan struct{}, 1)}
	r.mu.Lock()
	r.sessions[userID] = s
	r.mu.Unlock()
	return s
}

// Remove drops the session only if it is still the registered one.
func (r *WSRegistry) Remove(userID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] == s {
		delete(r.sessions, userID)
	}
}

// Send pushes n to the user's live session. A session whose write failed is
// dropped so the next Send falls through to ErrNoSession and the push path.
func (r *WSRegistry) Send(ctx context.Context, userID string, n Notification) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	err := s.WriteJSON(ctx, n)
	if errors.Is(err, errSessionBroken) {
		r.Remove(userID, s)
	}
	return err
}
