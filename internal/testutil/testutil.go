// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatcanvas/internal/auth"
	"github.com/Tyrowin/chatcanvas/internal/presence"
	"github.com/Tyrowin/chatcanvas/internal/protocol"
	"github.com/Tyrowin/chatcanvas/internal/store"
	"github.com/Tyrowin/chatcanvas/internal/store/sqlite"
)

// Recorder is a presence.Sender that keeps every frame it is handed.
type Recorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
	refuse bool
}

// Send records payload unless the recorder has been set to refuse.
func (r *Recorder) Send(payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse {
		return false
	}
	var f protocol.Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		panic("testutil: recorder got invalid frame: " + err.Error())
	}
	r.frames = append(r.frames, f)
	return true
}

// Refuse makes subsequent sends fail, as a full send buffer would.
func (r *Recorder) Refuse() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refuse = true
}

// Frames returns a copy of the recorded frames.
func (r *Recorder) Frames() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Frame(nil), r.frames...)
}

// Types returns the recorded frame types in order.
func (r *Recorder) Types() []string {
	frames := r.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

// Count returns how many frames of the given type were recorded.
func (r *Recorder) Count(typ string) int {
	n := 0
	for _, f := range r.Frames() {
		if f.Type == typ {
			n++
		}
	}
	return n
}

// Reset forgets every recorded frame.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

// Last decodes the payload of the most recent frame of type typ into v and
// fails the test if there is none.
func (r *Recorder) Last(t testing.TB, typ string, v any) {
	t.Helper()
	frames := r.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type != typ {
			continue
		}
		if v == nil {
			return
		}
		if err := json.Unmarshal(frames[i].Data, v); err != nil {
			t.Fatalf("decode %s payload: %v", typ, err)
		}
		return
	}
	t.Fatalf("no %s frame recorded; got %v", typ, r.Types())
}

// OpenStore opens a SQLite store in a temporary directory and closes it when
// the test ends.
func OpenStore(t testing.TB) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(sqlite.Config{
		Path:     filepath.Join(t.TempDir(), "chatcanvas.db"),
		PoolSize: 2,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return st
}

// Context returns a context that is canceled when the test ends.
func Context(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// CreateUser adds an identity to st.
func CreateUser(t testing.TB, st store.Users, name string) presence.Identity {
	t.Helper()
	u, err := st.CreateUser(Context(t), store.User{Name: name})
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return presence.Identity{ID: u.ID, Name: u.Name}
}

// Connect creates a session for id backed by a Recorder and registers it.
func Connect(reg *presence.Registry, id presence.Identity) (*presence.Session, *Recorder) {
	rec := &Recorder{}
	s := presence.NewSession(id, rec)
	reg.Register(s)
	return s, rec
}

// DirectRoom creates a direct room between a and b as an accepted request
// would.
func DirectRoom(t testing.TB, st store.Rooms, a, b presence.Identity) store.Room {
	t.Helper()
	room, err := st.CreateRoom(Context(t), store.Room{Kind: store.RoomDirect, Members: []string{a.ID, b.ID}})
	if err != nil {
		t.Fatalf("create direct room: %v", err)
	}
	return room
}

// Token mints a credential for id signed with secret, valid for ttl.
func Token(t testing.TB, secret string, ttl time.Duration, id presence.Identity) string {
	t.Helper()
	token, err := auth.NewIssuer(secret, ttl).Issue(id)
	if err != nil {
		t.Fatalf("issue token for %s: %v", id.Name, err)
	}
	return token
}
