package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatcanvas/internal/protocol"
)

// Registry maps identities to their live sessions. An identity is online iff
// it has at least one registered session. Presence events are broadcast only
// on the empty/non-empty edges.
//
// Broadcasts are delivered while the registry lock is held so observers see
// transitions in the order they happened. Sender.Send never blocks, so this
// does not stall the registry.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[string]map[string]*Session
	log        *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]map[string]*Session),
		log:        log.Named("presence"),
	}
}

// Register adds s. It returns true when the identity went online, in which
// case a presence event has been sent to every session.
func (r *Registry) Register(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; exists {
		return false
	}
	r.sessions[s.ID()] = s

	id := s.Identity()
	set, ok := r.byIdentity[id.ID]
	if !ok {
		set = make(map[string]*Session)
		r.byIdentity[id.ID] = set
	}
	set[s.ID()] = s
	if len(set) > 1 {
		r.log.Debug("additional session registered",
			zap.String("user_id", id.ID), zap.String("conn_id", s.ID()), zap.Int("sessions", len(set)))
		return false
	}

	r.log.Info("identity online", zap.String("user_id", id.ID), zap.String("username", id.Name))
	r.broadcastLocked(presenceEvent(id, true))
	return true
}

// Remove marks s dead and drops it. It returns true when the identity went
// offline, in which case a presence event has been sent to every remaining
// session.
func (r *Registry) Remove(s *Session) bool {
	s.kill()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; !exists {
		return false
	}
	delete(r.sessions, s.ID())

	id := s.Identity()
	set := r.byIdentity[id.ID]
	delete(set, s.ID())
	if len(set) > 0 {
		r.log.Debug("session removed",
			zap.String("user_id", id.ID), zap.String("conn_id", s.ID()), zap.Int("sessions", len(set)))
		return false
	}
	delete(r.byIdentity, id.ID)

	r.log.Info("identity offline", zap.String("user_id", id.ID), zap.String("username", id.Name))
	r.broadcastLocked(presenceEvent(id, false))
	return true
}

// IsOnline reports whether the identity has any live session.
func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}

// OnlineSet returns the online identities ordered by name.
func (r *Registry) OnlineSet() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Identity, 0, len(r.byIdentity))
	for _, set := range r.byIdentity {
		for _, s := range set {
			out = append(out, s.Identity())
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SessionsOf returns a snapshot of the identity's live sessions.
func (r *Registry) SessionsOf(identityID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byIdentity[identityID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// EmitTo delivers ev to every live session of the identity and returns the
// number of sessions that accepted it.
func (r *Registry) EmitTo(identityID string, ev protocol.Outbound) int {
	delivered := 0
	for _, s := range r.SessionsOf(identityID) {
		if s.Emit(ev) {
			delivered++
		}
	}
	return delivered
}

// Broadcast delivers ev to every registered session.
func (r *Registry) Broadcast(ev protocol.Outbound) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broadcastLocked(ev)
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) broadcastLocked(ev protocol.Outbound) int {
	delivered := 0
	for _, s := range r.sessions {
		if s.Emit(ev) {
			delivered++
		}
	}
	return delivered
}

func presenceEvent(id Identity, online bool) protocol.Outbound {
	return protocol.New(protocol.TypePresence, protocol.PresencePayload{
		UserID:   id.ID,
		Username: id.Name,
		Online:   online,
	})
}

// OnlineUsersEvent builds the snapshot sent to a session right after it
// registers.
func (r *Registry) OnlineUsersEvent() protocol.Outbound {
	set := r.OnlineSet()
	users := make([]protocol.UserRef, 0, len(set))
	for _, id := range set {
		users = append(users, protocol.UserRef{ID: id.ID, Name: id.Name})
	}
	return protocol.New(protocol.TypeOnlineUsers, protocol.OnlineUsersPayload{Users: users})
}
