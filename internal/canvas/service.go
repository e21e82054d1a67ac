// Package canvas holds the in-memory state of collaborative drawing
// sessions: per room, an ordered action history, an undo stack and the
// member roster.
//
// Every mutation and the broadcast it triggers happen under one lock, so all
// members observe a room's changes in the same order. Two undos racing on
// the same room are applied in arrival order; the later one simply undoes
// one more action.
package canvas

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
	"github.com/Tyrowin/chatcanvas/internal/presence"
	"github.com/Tyrowin/chatcanvas/internal/protocol"
)

// DefaultMaxHistory caps a room's history when no limit is configured.
const DefaultMaxHistory = 5000

// Gate decides whether an identity may join the canvas of a room.
type Gate interface {
	AuthorizeCanvas(ctx context.Context, identityID, roomID string) error
}

type room struct {
	id      string
	history []protocol.DrawingAction
	undone  []protocol.DrawingAction
	members map[string]*presence.Session
}

// Service owns every live canvas room.
type Service struct {
	gate       Gate
	maxHistory int
	log        *zap.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// New returns a Service. A nil gate admits everyone; maxHistory <= 0 uses
// DefaultMaxHistory.
func New(gate Gate, maxHistory int, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Service{
		gate:       gate,
		maxHistory: maxHistory,
		log:        log.Named("canvas"),
		rooms:      make(map[string]*room),
	}
}

// Join adds s to the canvas of roomID, leaving any canvas it was in. The
// joiner receives the full current state and every member receives the new
// roster.
func (c *Service) Join(ctx context.Context, s *presence.Session, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return apperr.Validation("room id is required")
	}
	if c.gate != nil {
		if err := c.gate.AuthorizeCanvas(ctx, s.Identity().ID, roomID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !s.Alive() {
		return apperr.NotConnected("connection closed")
	}
	if prev := s.CanvasRoom(); prev != "" && prev != roomID {
		c.leaveLocked(s, prev)
	}

	r, ok := c.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[string]*presence.Session)}
		c.rooms[roomID] = r
		c.log.Debug("canvas room created", zap.String("room_id", roomID))
	}
	r.members[s.ID()] = s
	s.SetCanvasRoom(roomID)

	s.Emit(protocol.New(protocol.TypeCanvasHistory, protocol.CanvasHistoryPayload{
		RoomID:  r.id,
		History: clone(r.history),
		Undone:  clone(r.undone),
	}))
	c.broadcastLocked(r, nil, rosterEvent(r))
	return nil
}

// Leave removes s from its canvas room. The room's state is discarded when
// its last member leaves.
func (c *Service) Leave(s *presence.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if roomID := s.CanvasRoom(); roomID != "" {
		c.leaveLocked(s, roomID)
	}
}

func (c *Service) leaveLocked(s *presence.Session, roomID string) {
	s.SetCanvasRoom("")
	r, ok := c.rooms[roomID]
	if !ok {
		return
	}
	delete(r.members, s.ID())
	if len(r.members) == 0 {
		delete(c.rooms, roomID)
		c.log.Debug("canvas room discarded",
			zap.String("room_id", roomID),
			zap.Int("history", len(r.history)))
		return
	}
	c.broadcastLocked(r, nil, rosterEvent(r))
}

// Append records action in the session's canvas room and relays it to the
// other members. Any undone actions are dropped.
func (c *Service) Append(s *presence.Session, action protocol.DrawingAction) error {
	if err := action.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.roomOfLocked(s)
	if err != nil {
		return err
	}
	r.history = append(r.history, action)
	if over := len(r.history) - c.maxHistory; over > 0 {
		r.history = r.history[over:]
	}
	r.undone = nil

	c.broadcastLocked(r, s, protocol.New(protocol.TypeCanvasDraw, protocol.CanvasDrawPayload{
		RoomID: r.id,
		Action: action,
		By:     s.Identity().Name,
	}))
	return nil
}

// Undo moves the latest action to the undo stack and sends the full state to
// every member. With nothing to undo it fails and broadcasts nothing.
func (c *Service) Undo(s *presence.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.roomOfLocked(s)
	if err != nil {
		return err
	}
	if len(r.history) == 0 {
		return apperr.NothingToUndo()
	}
	last := r.history[len(r.history)-1]
	r.history = r.history[:len(r.history)-1]
	r.undone = append(r.undone, last)

	c.snapshotLocked(r, s, "undo")
	return nil
}

// Redo moves the latest undone action back onto the history and sends the
// full state to every member. With nothing to redo it fails and broadcasts
// nothing.
func (c *Service) Redo(s *presence.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.roomOfLocked(s)
	if err != nil {
		return err
	}
	if len(r.undone) == 0 {
		return apperr.NothingToRedo()
	}
	last := r.undone[len(r.undone)-1]
	r.undone = r.undone[:len(r.undone)-1]
	r.history = append(r.history, last)

	c.snapshotLocked(r, s, "redo")
	return nil
}

// Clear empties the history and the undo stack and sends the empty state to
// every member.
func (c *Service) Clear(s *presence.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.roomOfLocked(s)
	if err != nil {
		return err
	}
	r.history = nil
	r.undone = nil

	c.snapshotLocked(r, s, "clear")
	return nil
}

// Snapshot returns copies of a room's history, undo stack and roster. ok is
// false if the room has no members.
func (c *Service) Snapshot(roomID string) (history, undone []protocol.DrawingAction, roster []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rooms[roomID]
	if !ok {
		return nil, nil, nil, false
	}
	return clone(r.history), clone(r.undone), rosterOf(r), true
}

func (c *Service) roomOfLocked(s *presence.Session) (*room, error) {
	roomID := s.CanvasRoom()
	if roomID == "" {
		return nil, apperr.NotAuthorized("join a canvas first")
	}
	r, ok := c.rooms[roomID]
	if !ok || r.members[s.ID()] == nil {
		return nil, apperr.NotAuthorized("join a canvas first")
	}
	return r, nil
}

func (c *Service) snapshotLocked(r *room, by *presence.Session, op string) {
	c.broadcastLocked(r, nil, protocol.New(protocol.TypeCanvasSnapshot, protocol.CanvasSnapshotPayload{
		RoomID:  r.id,
		Op:      op,
		History: clone(r.history),
		Undone:  clone(r.undone),
		By:      by.Identity().Name,
	}))
}

func (c *Service) broadcastLocked(r *room, skip *presence.Session, ev protocol.Outbound) {
	for id, member := range r.members {
		if skip != nil && id == skip.ID() {
			continue
		}
		member.Emit(ev)
	}
}

func rosterEvent(r *room) protocol.Outbound {
	return protocol.New(protocol.TypeCanvasRoster, protocol.CanvasRosterPayload{
		RoomID:  r.id,
		Members: rosterOf(r),
	})
}

// rosterOf lists the distinct member names in order.
func rosterOf(r *room) []string {
	seen := make(map[string]bool, len(r.members))
	names := make([]string, 0, len(r.members))
	for _, s := range r.members {
		name := s.Identity().Name
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func clone(actions []protocol.DrawingAction) []protocol.DrawingAction {
	out := make([]protocol.DrawingAction, len(actions))
	copy(out, actions)
	return out
}
