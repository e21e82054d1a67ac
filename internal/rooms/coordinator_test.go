package rooms_test

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
	"github.com/Tyrowin/chatcanvas/internal/notify"
	"github.com/Tyrowin/chatcanvas/internal/presence"
	"github.com/Tyrowin/chatcanvas/internal/protocol"
	"github.com/Tyrowin/chatcanvas/internal/rooms"
	"github.com/Tyrowin/chatcanvas/internal/store"
	"github.com/Tyrowin/chatcanvas/internal/store/sqlite"
	"github.com/Tyrowin/chatcanvas/internal/testutil"
)

type fixture struct {
	st    *sqlite.Store
	reg   *presence.Registry
	fan   *notify.Fanout
	rooms *rooms.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	st := testutil.OpenStore(t)
	reg := presence.NewRegistry(log)
	fan := notify.New(st, reg, log)
	return &fixture{st: st, reg: reg, fan: fan, rooms: rooms.New(st, reg, fan, log)}
}

func TestJoinDirectRules(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	alice := testutil.CreateUser(t, f.st, "alice")
	bob := testutil.CreateUser(t, f.st, "bob")
	carol := testutil.CreateUser(t, f.st, "carol")
	s, _ := testutil.Connect(f.reg, alice)

	if _, err := f.rooms.Join(ctx, s, rooms.Selector{Target: "nobody"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("join unknown user = %v, want not found", err)
	}
	if _, err := f.rooms.Join(ctx, s, rooms.Selector{Target: "bob"}); !errors.Is(err, apperr.ErrNotConnected) {
		t.Fatalf("join without relationship = %v, want not connected", err)
	}

	// A pending request blocks the chat in either direction.
	if _, err := f.st.CreateRequest(ctx, store.Request{SenderID: carol.ID, ReceiverID: alice.ID}); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := f.rooms.Join(ctx, s, rooms.Selector{Target: "carol"}); !errors.Is(err, apperr.ErrPendingRequest) {
		t.Fatalf("join with pending request = %v, want pending request", err)
	}
	if s.ChatRoom() != "" {
		t.Fatalf("failed joins must not fill the chat slot, got %q", s.ChatRoom())
	}

	room := testutil.DirectRoom(t, f.st, alice, bob)
	joined, err := f.rooms.Join(ctx, s, rooms.Selector{Target: "bob"})
	if err != nil {
		t.Fatalf("join direct room: %v", err)
	}
	if joined.RoomID != room.ID || joined.DisplayName != "bob" || joined.IsGroup {
		t.Fatalf("unexpected join result %+v", joined)
	}
	if s.ChatRoom() != room.ID {
		t.Fatalf("chat slot = %q, want %q", s.ChatRoom(), room.ID)
	}

	if _, err := f.rooms.Join(ctx, s, rooms.Selector{Target: "bob"}); err != nil {
		t.Fatalf("rejoining the same room should be idempotent: %v", err)
	}
	if got := len(f.rooms.Members(room.ID)); got != 1 {
		t.Fatalf("room has %d attached sessions, want 1", got)
	}
}

func TestJoinGroupRequiresMembership(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	alice := testutil.CreateUser(t, f.st, "alice")
	bob := testutil.CreateUser(t, f.st, "bob")
	carol := testutil.CreateUser(t, f.st, "carol")

	group, err := f.rooms.CreateGroup(ctx, alice, "writers", []string{"bob"})
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}

	sb, _ := testutil.Connect(f.reg, bob)
	joined, err := f.rooms.Join(ctx, sb, rooms.Selector{Target: "writers", IsGroup: true})
	if err != nil {
		t.Fatalf("member join returned error: %v", err)
	}
	if joined.RoomID != group.ID || !joined.IsGroup || joined.DisplayName != "writers" {
		t.Fatalf("unexpected join result %+v", joined)
	}

	sc, _ := testutil.Connect(f.reg, carol)
	if _, err := f.rooms.Join(ctx, sc, rooms.Selector{Target: "writers", IsGroup: true}); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("non-member join = %v, want not authorized", err)
	}
	if _, err := f.rooms.Join(ctx, sc, rooms.Selector{Target: "no-such-group", IsGroup: true}); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("unknown group join = %v, want not authorized", err)
	}
}

func TestJoinSwitchesRoomsAndDetach(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	alice := testutil.CreateUser(t, f.st, "alice")
	bob := testutil.CreateUser(t, f.st, "bob")
	carol := testutil.CreateUser(t, f.st, "carol")
	r1 := testutil.DirectRoom(t, f.st, alice, bob)
	r2 := testutil.DirectRoom(t, f.st, alice, carol)

	s, _ := testutil.Connect(f.reg, alice)
	if _, err := f.rooms.Join(ctx, s, rooms.Selector{Target: "bob"}); err != nil {
		t.Fatalf("join r1: %v", err)
	}
	if _, err := f.rooms.Join(ctx, s, rooms.Selector{Target: "carol"}); err != nil {
		t.Fatalf("join r2: %v", err)
	}
	if len(f.rooms.Members(r1.ID)) != 0 || len(f.rooms.Members(r2.ID)) != 1 {
		t.Fatal("joining a second room must detach the session from the first")
	}

	if err := f.rooms.Leave(s, r1.ID); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("leaving a room the session is not in = %v, want not authorized", err)
	}
	if prev := f.rooms.Detach(s); prev != r2.ID {
		t.Fatalf("Detach returned %q, want %q", prev, r2.ID)
	}
	if len(f.rooms.Members(r2.ID)) != 0 || s.ChatRoom() != "" {
		t.Fatal("Detach must clear both the slot and the attachment")
	}
}

func TestJoinRefusesRemovedSession(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	alice := testutil.CreateUser(t, f.st, "alice")
	bob := testutil.CreateUser(t, f.st, "bob")
	room := testutil.DirectRoom(t, f.st, alice, bob)

	s, _ := testutil.Connect(f.reg, alice)
	f.reg.Remove(s)

	if _, err := f.rooms.Join(ctx, s, rooms.Selector{Target: "bob"}); err == nil {
		t.Fatal("a removed session must not be attached")
	}
	if len(f.rooms.Members(room.ID)) != 0 {
		t.Fatal("removed session leaked into the room")
	}
}

func TestCreateGroupValidation(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	alice := testutil.CreateUser(t, f.st, "alice")
	testutil.CreateUser(t, f.st, "bob")

	tests := []struct {
		name    string
		group   string
		members []string
		want    error
	}{
		{"short name", "ab", []string{"bob"}, apperr.ErrValidation},
		{"blank name", "    ", []string{"bob"}, apperr.ErrValidation},
		{"no members", "team", nil, apperr.ErrValidation},
		{"only creator", "team", []string{"alice"}, apperr.ErrValidation},
		{"unknown member", "team", []string{"bob", "ghost"}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.rooms.CreateGroup(ctx, alice, tt.group, tt.members); !errors.Is(err, tt.want) {
				t.Fatalf("CreateGroup = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := f.rooms.CreateGroup(ctx, alice, "team", []string{"bob"}); err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	if _, err := f.rooms.CreateGroup(ctx, alice, "team", []string{"bob"}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("duplicate group = %v, want conflict", err)
	}
}

func TestCreateGroupNotifiesMembers(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	alice := testutil.CreateUser(t, f.st, "alice")
	bob := testutil.CreateUser(t, f.st, "bob")
	_, aliceRec := testutil.Connect(f.reg, alice)
	_, bobRec := testutil.Connect(f.reg, bob)
	aliceRec.Reset()
	bobRec.Reset()

	group, err := f.rooms.CreateGroup(ctx, alice, "  painters ", []string{"bob", "bob"})
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	if group.Name != "painters" || len(group.Members) != 2 || group.Members[0] != alice.ID {
		t.Fatalf("unexpected group %+v", group)
	}

	var n protocol.NotificationPayload
	bobRec.Last(t, protocol.TypeNotification, &n)
	if n.Kind != notify.KindGroupCreated || n.RefID != group.ID {
		t.Fatalf("unexpected notification %+v", n)
	}
	if aliceRec.Count(protocol.TypeNotification) != 0 {
		t.Fatal("the creator must not be notified")
	}
	if aliceRec.Count(protocol.TypePartnerListUpdate) != 1 || bobRec.Count(protocol.TypePartnerListUpdate) != 1 {
		t.Fatal("every member should be told to refresh their partner list")
	}
}

func TestAuthorizeCanvas(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	alice := testutil.CreateUser(t, f.st, "alice")
	bob := testutil.CreateUser(t, f.st, "bob")
	carol := testutil.CreateUser(t, f.st, "carol")
	room := testutil.DirectRoom(t, f.st, alice, bob)

	if err := f.rooms.AuthorizeCanvas(ctx, bob.ID, room.ID); err != nil {
		t.Fatalf("member should be authorized: %v", err)
	}
	if err := f.rooms.AuthorizeCanvas(ctx, carol.ID, room.ID); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("non-member = %v, want not authorized", err)
	}
	if err := f.rooms.AuthorizeCanvas(ctx, alice.ID, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown room = %v, want not found", err)
	}
}

func TestPartnersOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	alice := testutil.CreateUser(t, f.st, "alice")
	bob := testutil.CreateUser(t, f.st, "bob")
	carol := testutil.CreateUser(t, f.st, "carol")
	dave := testutil.CreateUser(t, f.st, "dave")
	testutil.CreateUser(t, f.st, "erin")

	testutil.DirectRoom(t, f.st, alice, dave)
	if _, err := f.st.CreateRequest(ctx, store.Request{SenderID: bob.ID, ReceiverID: alice.ID}); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := f.st.CreateRequest(ctx, store.Request{SenderID: alice.ID, ReceiverID: carol.ID}); err != nil {
		t.Fatalf("create request: %v", err)
	}
	testutil.Connect(f.reg, dave)

	partners, err := f.rooms.Partners(ctx, alice)
	if err != nil {
		t.Fatalf("Partners returned error: %v", err)
	}

	want := []struct {
		name   string
		status string
	}{
		{"dave", protocol.StatusChatting},
		{"bob", protocol.StatusRequestReceived},
		{"carol", protocol.StatusRequestSent},
		{"erin", protocol.StatusNone},
	}
	if len(partners) != len(want) {
		t.Fatalf("got %d partners, want %d: %+v", len(partners), len(want), partners)
	}
	for i, w := range want {
		if partners[i].Name != w.name || partners[i].Status != w.status {
			t.Fatalf("partner %d = %s/%s, want %s/%s", i, partners[i].Name, partners[i].Status, w.name, w.status)
		}
	}
	if !partners[0].Online || partners[0].RoomID == "" {
		t.Fatalf("dave should be online with a room id: %+v", partners[0])
	}
	if partners[1].RequestID == "" {
		t.Fatal("received request should carry its id")
	}

	users, err := f.rooms.Users(ctx, alice)
	if err != nil {
		t.Fatalf("Users returned error: %v", err)
	}
	if len(users) != 4 {
		t.Fatalf("Users returned %d identities, want 4", len(users))
	}
}
