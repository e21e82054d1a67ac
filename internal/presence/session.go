// Package presence tracks live sessions per identity and derives each
// identity's online status from them.
package presence

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatcanvas/internal/protocol"
)

// Identity is a verified identity bound to a session.
type Identity struct {
	ID   string
	Name string
}

// Sender is the transport side of a session. Send must not block; it reports
// whether the payload was queued.
type Sender interface {
	Send(payload []byte) bool
}

// Session is one live authenticated connection. It owns two independent room
// slots, one for chat and one for canvas.
type Session struct {
	id       string
	identity Identity
	sender   Sender
	alive    atomic.Bool

	mu         sync.Mutex
	chatRoom   string
	canvasRoom string
}

// NewSession creates a live session with a fresh connection id.
func NewSession(identity Identity, sender Sender) *Session {
	s := &Session{
		id:       uuid.NewString(),
		identity: identity,
		sender:   sender,
	}
	s.alive.Store(true)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Identity() Identity { return s.identity }

// Alive reports whether the session is still registered. Continuations that
// resume after a store call check this before delivering results.
func (s *Session) Alive() bool { return s.alive.Load() }

func (s *Session) ChatRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatRoom
}

// SetChatRoom replaces the chat-room slot and returns the previous value.
func (s *Session) SetChatRoom(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.chatRoom
	s.chatRoom = roomID
	return prev
}

func (s *Session) CanvasRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canvasRoom
}

// SetCanvasRoom replaces the canvas-room slot and returns the previous value.
func (s *Session) SetCanvasRoom(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.canvasRoom
	s.canvasRoom = roomID
	return prev
}

// Emit encodes ev and hands it to the transport. Nothing is sent once the
// session has been removed.
func (s *Session) Emit(ev protocol.Outbound) bool {
	if !s.Alive() {
		return false
	}
	payload, err := ev.Encode()
	if err != nil {
		return false
	}
	return s.sender.Send(payload)
}

func (s *Session) kill() bool {
	return s.alive.CompareAndSwap(true, false)
}
