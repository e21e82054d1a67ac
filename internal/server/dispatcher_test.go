package server

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
	"github.com/Tyrowin/chatcanvas/internal/notify"
	"github.com/Tyrowin/chatcanvas/internal/protocol"
	"github.com/Tyrowin/chatcanvas/internal/store"
	"github.com/Tyrowin/chatcanvas/internal/testutil"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Services, store.Store) {
	t.Helper()
	log := zaptest.NewLogger(t)
	st := testutil.OpenStore(t)
	svc := NewServices(testConfig(), st, log)
	return NewDispatcher(svc, log), svc, st
}

func TestErrorTypeFor(t *testing.T) {
	tests := []struct {
		ev   protocol.Event
		want string
	}{
		{&protocol.JoinRoom{}, protocol.TypeChatError},
		{&protocol.LeaveRoom{}, protocol.TypeChatError},
		{&protocol.LoadHistory{}, protocol.TypeChatError},
		{&protocol.CreateGroup{}, protocol.TypeChatError},
		{&protocol.SendMessage{}, protocol.TypeMessageError},
		{&protocol.StartCanvas{}, protocol.TypeMessageError},
		{&protocol.CanvasJoin{}, protocol.TypeCanvasError},
		{&protocol.CanvasDraw{}, protocol.TypeCanvasError},
		{&protocol.CanvasUndo{}, protocol.TypeCanvasError},
		{&protocol.CanvasRedo{}, protocol.TypeCanvasError},
		{&protocol.CanvasClear{}, protocol.TypeCanvasError},
		{&protocol.SendRequest{}, protocol.TypeError},
		{&protocol.MarkNotificationRead{}, protocol.TypeError},
	}

	for _, tt := range tests {
		if got := errorTypeFor(tt.ev); got != tt.want {
			t.Errorf("errorTypeFor(%s) = %s, want %s", tt.ev.Type(), got, tt.want)
		}
	}
}

func TestDispatchUndecodableFrame(t *testing.T) {
	d, svc, st := newTestDispatcher(t)
	s, rec := testutil.Connect(svc.Presence, testutil.CreateUser(t, st, "alice"))

	d.Dispatch(context.Background(), s, []byte(`{"type":"join_room","data":"nope"}`))

	var got protocol.ErrorPayload
	rec.Last(t, protocol.TypeError, &got)
	if got.Code != apperr.CodeValidation || got.Request != protocol.TypeJoinRoom {
		t.Fatalf("unexpected refusal %+v", got)
	}
}

func TestDispatchMarkNotificationRead(t *testing.T) {
	d, svc, st := newTestDispatcher(t)
	alice := testutil.CreateUser(t, st, "alice")
	s, rec := testutil.Connect(svc.Presence, alice)

	ctx := testutil.Context(t)
	first, err := svc.Notify.Emit(ctx, alice.ID, notify.KindNewChatMessage, "one", notify.Ref{})
	if err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}
	if _, err := svc.Notify.Emit(ctx, alice.ID, notify.KindNewChatMessage, "two", notify.Ref{}); err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}
	rec.Reset()

	d.Dispatch(ctx, s, []byte(`{"type":"mark_notification_read","data":{"notificationId":"`+first.ID+`"}}`))

	if got := rec.Types(); !reflect.DeepEqual(got, []string{protocol.TypeNotificationRead, protocol.TypeUnreadCount}) {
		t.Fatalf("frames = %v", got)
	}
	var count protocol.UnreadCountPayload
	rec.Last(t, protocol.TypeUnreadCount, &count)
	if count.Count != 1 {
		t.Fatalf("unread = %d, want 1", count.Count)
	}
}

func TestDispatchListPartnersFollowedByUnreadCount(t *testing.T) {
	d, svc, st := newTestDispatcher(t)
	alice := testutil.CreateUser(t, st, "alice")
	bob := testutil.CreateUser(t, st, "bob")
	carol := testutil.CreateUser(t, st, "carol")
	testutil.DirectRoom(t, st, alice, bob)
	s, rec := testutil.Connect(svc.Presence, alice)
	testutil.Connect(svc.Presence, carol)
	rec.Reset()

	d.Dispatch(testutil.Context(t), s, []byte(`{"type":"list_partners"}`))

	if got := rec.Types(); !reflect.DeepEqual(got, []string{protocol.TypePartners, protocol.TypeUnreadCount}) {
		t.Fatalf("frames = %v", got)
	}
	var payload protocol.PartnersPayload
	rec.Last(t, protocol.TypePartners, &payload)
	if len(payload.Partners) != 2 {
		t.Fatalf("partners = %+v", payload.Partners)
	}
	if p := payload.Partners[0]; p.Name != "bob" || p.Status != protocol.StatusChatting || p.Online {
		t.Fatalf("first partner = %+v", p)
	}
	if p := payload.Partners[1]; p.Name != "carol" || p.Status != protocol.StatusNone || !p.Online {
		t.Fatalf("second partner = %+v", p)
	}
}

func TestDispatchStartCanvasRequiresRoom(t *testing.T) {
	d, svc, st := newTestDispatcher(t)
	alice := testutil.CreateUser(t, st, "alice")
	bob := testutil.CreateUser(t, st, "bob")
	room := testutil.DirectRoom(t, st, alice, bob)
	s, rec := testutil.Connect(svc.Presence, alice)

	d.Dispatch(testutil.Context(t), s, []byte(`{"type":"start_canvas","data":{"roomId":"`+room.ID+`"}}`))

	var got protocol.ErrorPayload
	rec.Last(t, protocol.TypeMessageError, &got)
	if got.Code != apperr.CodeNotAuthorized {
		t.Fatalf("start_canvas outside the room = %+v", got)
	}
}

func TestDispatchAfterRemovalEmitsNothing(t *testing.T) {
	d, svc, st := newTestDispatcher(t)
	s, rec := testutil.Connect(svc.Presence, testutil.CreateUser(t, st, "alice"))
	svc.Presence.Remove(s)
	rec.Reset()

	d.Dispatch(testutil.Context(t), s, []byte(`{"type":"list_users"}`))

	if n := len(rec.Frames()); n != 0 {
		t.Fatalf("removed session received %d frames", n)
	}
}
