// Package rooms resolves chat targets to durable rooms, enforces who may
// enter them, and tracks which sessions are attached to which room.
package rooms

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
	"github.com/Tyrowin/chatcanvas/internal/notify"
	"github.com/Tyrowin/chatcanvas/internal/presence"
	"github.com/Tyrowin/chatcanvas/internal/protocol"
	"github.com/Tyrowin/chatcanvas/internal/store"
)

// MinGroupNameLength is the shortest accepted group name, in characters.
const MinGroupNameLength = 3

// Selector names the room a session wants to join: a peer's display name
// for a direct room, or a group name.
type Selector struct {
	Target  string
	IsGroup bool
}

// Joined describes the room a session was attached to.
type Joined struct {
	RoomID      string
	DisplayName string
	IsGroup     bool
}

// Store is the slice of the durable store the coordinator needs.
type Store interface {
	store.Users
	store.Rooms
	store.Requests
}

// Coordinator is the room service.
type Coordinator struct {
	store    Store
	presence *presence.Registry
	notify   *notify.Fanout
	log      *zap.Logger

	mu       sync.RWMutex
	attached map[string]map[string]*presence.Session
}

// New returns a Coordinator.
func New(st Store, reg *presence.Registry, fan *notify.Fanout, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:    st,
		presence: reg,
		notify:   fan,
		log:      log.Named("rooms"),
		attached: make(map[string]map[string]*presence.Session),
	}
}

// Join resolves sel, checks that the session's identity may enter the room,
// and attaches the session to it, detaching it from any previous chat room.
// Joining the room the session is already in is a no-op.
func (c *Coordinator) Join(ctx context.Context, s *presence.Session, sel Selector) (Joined, error) {
	target := strings.TrimSpace(sel.Target)
	if target == "" {
		return Joined{}, apperr.Validation("join target is required")
	}

	var (
		joined Joined
		err    error
	)
	if sel.IsGroup {
		joined, err = c.resolveGroup(ctx, s.Identity(), target)
	} else {
		joined, err = c.resolveDirect(ctx, s.Identity(), target)
	}
	if err != nil {
		return Joined{}, err
	}

	if !c.attach(s, joined.RoomID) {
		return Joined{}, apperr.NotConnected("connection closed")
	}
	c.log.Debug("session joined room",
		zap.String("conn_id", s.ID()),
		zap.String("user_id", s.Identity().ID),
		zap.String("room_id", joined.RoomID))
	return joined, nil
}

func (c *Coordinator) resolveGroup(ctx context.Context, caller presence.Identity, name string) (Joined, error) {
	room, err := c.store.FindGroupByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Joined{}, apperr.NotAuthorized("you are not a member of group %q", name)
		}
		return Joined{}, apperr.Server("failed to load group", err)
	}
	if !room.HasMember(caller.ID) {
		return Joined{}, apperr.NotAuthorized("you are not a member of group %q", name)
	}
	return Joined{RoomID: room.ID, DisplayName: room.Name, IsGroup: true}, nil
}

func (c *Coordinator) resolveDirect(ctx context.Context, caller presence.Identity, peerName string) (Joined, error) {
	peer, err := c.store.FindUserByName(ctx, peerName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Joined{}, apperr.NotFound("user %q not found", peerName)
		}
		return Joined{}, apperr.Server("failed to load user", err)
	}
	if peer.ID == caller.ID {
		return Joined{}, apperr.Validation("cannot open a direct chat with yourself")
	}

	room, err := c.store.FindDirectRoom(ctx, caller.ID, peer.ID)
	if err == nil {
		return Joined{RoomID: room.ID, DisplayName: peer.Name}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Joined{}, apperr.Server("failed to load direct room", err)
	}

	req, err := c.store.FindRequestBetween(ctx, caller.ID, peer.ID)
	switch {
	case err == nil && req.Status == store.RequestPending:
		return Joined{}, apperr.PendingRequest("a request with %s is still pending", peer.Name)
	case err == nil, errors.Is(err, store.ErrNotFound):
		return Joined{}, apperr.NotConnected("send %s a request before chatting", peer.Name)
	default:
		return Joined{}, apperr.Server("failed to load request", err)
	}
}

// attach moves s into roomID. It fails if the session has been removed in
// the meantime; removal always precedes Detach, so a dead session is never
// attached after its cleanup.
func (c *Coordinator) attach(s *presence.Session, roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !s.Alive() {
		return false
	}
	prev := s.SetChatRoom(roomID)
	if prev == roomID {
		return true
	}
	if prev != "" {
		c.removeLocked(prev, s)
	}
	set, ok := c.attached[roomID]
	if !ok {
		set = make(map[string]*presence.Session)
		c.attached[roomID] = set
	}
	set[s.ID()] = s
	return true
}

func (c *Coordinator) removeLocked(roomID string, s *presence.Session) {
	set := c.attached[roomID]
	delete(set, s.ID())
	if len(set) == 0 {
		delete(c.attached, roomID)
	}
}

// Leave detaches s from roomID. It fails if s is not in that room.
func (c *Coordinator) Leave(s *presence.Session, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if roomID == "" || s.ChatRoom() != roomID {
		return apperr.NotAuthorized("not in room %s", roomID)
	}
	s.SetChatRoom("")
	c.removeLocked(roomID, s)
	return nil
}

// Detach clears the session's chat slot, whatever it holds. It returns the
// room the session was in.
func (c *Coordinator) Detach(s *presence.Session) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := s.SetChatRoom("")
	if prev != "" {
		c.removeLocked(prev, s)
	}
	return prev
}

// Members returns the sessions currently attached to roomID.
func (c *Coordinator) Members(roomID string) []*presence.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := c.attached[roomID]
	out := make([]*presence.Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// CreateGroup creates a group room with the creator and the named members.
// Every other member is notified.
func (c *Coordinator) CreateGroup(ctx context.Context, creator presence.Identity, name string, memberNames []string) (store.Room, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < MinGroupNameLength {
		return store.Room{}, apperr.Validation("group name must be at least %d characters long", MinGroupNameLength)
	}

	names := make([]string, 0, len(memberNames))
	seen := map[string]bool{creator.Name: true}
	for _, n := range memberNames {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	if len(names) == 0 {
		return store.Room{}, apperr.Validation("select at least one member for the group")
	}

	users, err := c.store.FindUsersByNames(ctx, names)
	if err != nil {
		return store.Room{}, apperr.Server("failed to resolve group members", err)
	}
	if len(users) != len(names) {
		return store.Room{}, apperr.NotFound("one or more selected users were not found")
	}

	members := make([]string, 0, len(users)+1)
	members = append(members, creator.ID)
	for _, u := range users {
		members = append(members, u.ID)
	}

	room, err := c.store.CreateRoom(ctx, store.Room{
		Kind:      store.RoomGroup,
		Name:      name,
		Members:   members,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.Room{}, apperr.Conflict("a group named %q already exists", name)
		}
		return store.Room{}, apperr.Server("failed to create group", err)
	}

	c.log.Info("group created",
		zap.String("room_id", room.ID),
		zap.String("user_id", creator.ID),
		zap.Int("members", len(members)))

	for _, u := range users {
		if _, err := c.notify.Emit(ctx, u.ID, notify.KindGroupCreated,
			creator.Name+` added you to the group "`+name+`".`,
			notify.Ref{Kind: store.RefRoom, ID: room.ID}); err != nil {
			c.log.Warn("group notification failed", zap.String("user_id", u.ID), zap.Error(err))
		}
	}
	c.SignalPartners(members...)
	return room, nil
}

// SignalPartners tells every live session of the given identities to
// refresh their partner list.
func (c *Coordinator) SignalPartners(identityIDs ...string) {
	ev := protocol.New(protocol.TypePartnerListUpdate, nil)
	for _, id := range identityIDs {
		c.presence.EmitTo(id, ev)
	}
}

// AuthorizeCanvas checks that identityID is a member of the durable room
// roomID.
func (c *Coordinator) AuthorizeCanvas(ctx context.Context, identityID, roomID string) error {
	room, err := c.store.FindRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("room not found")
		}
		return apperr.Server("failed to load room", err)
	}
	if !room.HasMember(identityID) {
		return apperr.NotAuthorized("you are not a member of this room")
	}
	return nil
}

var statusRank = map[string]int{
	protocol.StatusChatting:        0,
	protocol.StatusRequestReceived: 1,
	protocol.StatusRequestSent:     2,
	protocol.StatusNone:            3,
}

// Partners builds the caller's contact list: rooms they chat in, pending
// requests in both directions, and every other identity.
func (c *Coordinator) Partners(ctx context.Context, caller presence.Identity) ([]protocol.Partner, error) {
	users, err := c.store.ListUsers(ctx)
	if err != nil {
		return nil, apperr.Server("failed to load users", err)
	}
	rooms, err := c.store.ListRoomsForUser(ctx, caller.ID)
	if err != nil {
		return nil, apperr.Server("failed to load rooms", err)
	}
	pending, err := c.store.ListPendingRequests(ctx, caller.ID)
	if err != nil {
		return nil, apperr.Server("failed to load requests", err)
	}

	peers := make(map[string]*protocol.Partner, len(users))
	for _, u := range users {
		if u.ID == caller.ID {
			continue
		}
		peers[u.ID] = &protocol.Partner{ID: u.ID, Name: u.Name, Status: protocol.StatusNone}
	}

	var groups []protocol.Partner
	for _, room := range rooms {
		if room.Kind == store.RoomGroup {
			groups = append(groups, protocol.Partner{
				ID:      room.ID,
				Name:    room.Name,
				IsGroup: true,
				Status:  protocol.StatusChatting,
				RoomID:  room.ID,
			})
			continue
		}
		for _, m := range room.Members {
			if p, ok := peers[m]; ok {
				p.Status = protocol.StatusChatting
				p.RoomID = room.ID
			}
		}
	}
	for _, req := range pending {
		status, peerID := protocol.StatusRequestSent, req.ReceiverID
		if req.ReceiverID == caller.ID {
			status, peerID = protocol.StatusRequestReceived, req.SenderID
		}
		if p, ok := peers[peerID]; ok && p.Status == protocol.StatusNone {
			p.Status = status
			p.RequestID = req.ID
		}
	}

	out := make([]protocol.Partner, 0, len(peers)+len(groups))
	for _, p := range peers {
		p.Online = c.presence.IsOnline(p.ID)
		out = append(out, *p)
	}
	out = append(out, groups...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := statusRank[out[i].Status], statusRank[out[j].Status]
		if ri != rj {
			return ri < rj
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// Users lists every identity except the caller.
func (c *Coordinator) Users(ctx context.Context, caller presence.Identity) ([]protocol.UserRef, error) {
	users, err := c.store.ListUsers(ctx)
	if err != nil {
		return nil, apperr.Server("failed to load users", err)
	}
	out := make([]protocol.UserRef, 0, len(users))
	for _, u := range users {
		if u.ID == caller.ID {
			continue
		}
		out = append(out, protocol.UserRef{ID: u.ID, Name: u.Name})
	}
	return out, nil
}
