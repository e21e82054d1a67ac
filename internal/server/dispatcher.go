package server

import (
	"context"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
	"github.com/Tyrowin/chatcanvas/internal/presence"
	"github.com/Tyrowin/chatcanvas/internal/protocol"
	"github.com/Tyrowin/chatcanvas/internal/rooms"
)

// Dispatcher routes decoded inbound events to the services. Every refusal is
// reported to the originating session only.
type Dispatcher struct {
	svc *Services
	log *zap.Logger
}

// NewDispatcher returns a Dispatcher over svc.
func NewDispatcher(svc *Services, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{svc: svc, log: log.Named("dispatch")}
}

// Dispatch decodes raw and handles it on behalf of s.
func (d *Dispatcher) Dispatch(ctx context.Context, s *presence.Session, raw []byte) {
	ev, err := protocol.Decode(raw)
	if err != nil {
		d.refuse(s, protocol.TypeError, gjson.GetBytes(raw, "type").String(), err)
		return
	}

	if err := d.handle(ctx, s, ev); err != nil {
		d.refuse(s, errorTypeFor(ev), ev.Type(), err)
	}
}

func (d *Dispatcher) handle(ctx context.Context, s *presence.Session, ev protocol.Event) error {
	identity := s.Identity()

	switch ev := ev.(type) {
	case *protocol.JoinRoom:
		joined, err := d.svc.Rooms.Join(ctx, s, rooms.Selector{Target: ev.Target, IsGroup: ev.IsGroup})
		if err != nil {
			return err
		}
		s.Emit(protocol.New(protocol.TypeRoomJoined, protocol.RoomJoinedPayload{
			RoomID:      joined.RoomID,
			DisplayName: joined.DisplayName,
			IsGroup:     joined.IsGroup,
		}))

	case *protocol.LeaveRoom:
		if err := d.svc.Rooms.Leave(s, ev.RoomID); err != nil {
			return err
		}
		s.Emit(protocol.New(protocol.TypeRoomLeft, protocol.RoomLeftPayload{RoomID: ev.RoomID}))

	case *protocol.SendMessage:
		_, err := d.svc.Chat.Send(ctx, s, ev.RoomID, ev.Content)
		return err

	case *protocol.LoadHistory:
		msgs, err := d.svc.Chat.LoadHistory(ctx, s, ev.RoomID)
		if err != nil {
			return err
		}
		payload := protocol.HistoryPayload{RoomID: ev.RoomID, Messages: make([]protocol.MessagePayload, 0, len(msgs))}
		for _, m := range msgs {
			payload.Messages = append(payload.Messages, protocol.MessageFrom(m))
		}
		s.Emit(protocol.New(protocol.TypeHistory, payload))

	case *protocol.Typing:
		d.svc.Chat.Typing(s, ev.RoomID, ev.Text)

	case *protocol.SendRequest:
		res, err := d.svc.Requests.Send(ctx, identity, ev.TargetName)
		if err != nil {
			return err
		}
		s.Emit(requestStatus(res.Request.ID, string(res.Request.Status), res.Peer.Name, res.RoomID))

	case *protocol.AcceptRequest:
		res, err := d.svc.Requests.Accept(ctx, identity, ev.RequestID)
		if err != nil {
			return err
		}
		s.Emit(requestStatus(res.Request.ID, string(res.Request.Status), res.Peer.Name, res.RoomID))

	case *protocol.RejectRequest:
		res, err := d.svc.Requests.Reject(ctx, identity, ev.RequestID)
		if err != nil {
			return err
		}
		s.Emit(requestStatus(res.Request.ID, string(res.Request.Status), res.Peer.Name, res.RoomID))

	case *protocol.CancelRequest:
		res, err := d.svc.Requests.Cancel(ctx, identity, ev.RequestID)
		if err != nil {
			return err
		}
		s.Emit(requestStatus(res.Request.ID, string(res.Request.Status), res.Peer.Name, res.RoomID))

	case *protocol.CreateGroup:
		room, err := d.svc.Rooms.CreateGroup(ctx, identity, ev.Name, ev.Members)
		if err != nil {
			return err
		}
		s.Emit(protocol.New(protocol.TypeGroupCreated, protocol.GroupCreatedPayload{
			GroupID: room.ID,
			Name:    room.Name,
			Members: room.Members,
		}))

	case *protocol.GetNotifications:
		list, err := d.svc.Notify.List(ctx, identity.ID)
		if err != nil {
			return err
		}
		payload := protocol.NotificationsPayload{Notifications: make([]protocol.NotificationPayload, 0, len(list))}
		for _, n := range list {
			payload.Notifications = append(payload.Notifications, protocol.NotificationFrom(n))
		}
		s.Emit(protocol.New(protocol.TypeNotifications, payload))

	case *protocol.MarkNotificationRead:
		unread, err := d.svc.Notify.MarkRead(ctx, identity.ID, ev.NotificationID)
		if err != nil {
			return err
		}
		s.Emit(protocol.New(protocol.TypeNotificationRead, protocol.NotificationReadPayload{
			NotificationID: ev.NotificationID,
			Unread:         unread,
		}))
		s.Emit(protocol.New(protocol.TypeUnreadCount, protocol.UnreadCountPayload{Count: unread}))

	case *protocol.ListPartners:
		partners, err := d.svc.Rooms.Partners(ctx, identity)
		if err != nil {
			return err
		}
		s.Emit(protocol.New(protocol.TypePartners, protocol.PartnersPayload{Partners: partners}))

		unread, err := d.svc.Notify.UnreadCount(ctx, identity.ID)
		if err != nil {
			return err
		}
		s.Emit(protocol.New(protocol.TypeUnreadCount, protocol.UnreadCountPayload{Count: unread}))

	case *protocol.ListUsers:
		users, err := d.svc.Rooms.Users(ctx, identity)
		if err != nil {
			return err
		}
		s.Emit(protocol.New(protocol.TypeUsers, protocol.UsersPayload{Users: users}))

	case *protocol.StartCanvas:
		_, err := d.svc.Chat.StartCanvas(ctx, s, ev.RoomID)
		return err

	case *protocol.CanvasJoin:
		return d.svc.Canvas.Join(ctx, s, ev.RoomID)

	case *protocol.CanvasLeave:
		d.svc.Canvas.Leave(s)

	case *protocol.CanvasDraw:
		return d.svc.Canvas.Append(s, ev.Action)

	case *protocol.CanvasUndo:
		return d.svc.Canvas.Undo(s)

	case *protocol.CanvasRedo:
		return d.svc.Canvas.Redo(s)

	case *protocol.CanvasClear:
		return d.svc.Canvas.Clear(s)

	default:
		return apperr.Validation("unsupported event type %q", ev.Type())
	}
	return nil
}

func (d *Dispatcher) refuse(s *presence.Session, typ, request string, err error) {
	fields := []zap.Field{
		zap.String("conn_id", s.ID()),
		zap.String("user_id", s.Identity().ID),
		zap.String("request", request),
		zap.Error(err),
	}
	if apperr.KindOf(err) == apperr.KindServer {
		d.log.Error("request failed", fields...)
	} else {
		d.log.Debug("request refused", fields...)
	}
	s.Emit(protocol.ErrorEvent(typ, request, err))
}

func requestStatus(id, status, peer, roomID string) protocol.Outbound {
	return protocol.New(protocol.TypeRequestStatus, protocol.RequestStatusPayload{
		RequestID: id,
		Status:    status,
		Peer:      peer,
		RoomID:    roomID,
	})
}

// errorTypeFor names the outbound error event for a refused request.
func errorTypeFor(ev protocol.Event) string {
	switch ev.(type) {
	case *protocol.JoinRoom, *protocol.LeaveRoom, *protocol.LoadHistory, *protocol.CreateGroup:
		return protocol.TypeChatError
	case *protocol.SendMessage, *protocol.StartCanvas:
		return protocol.TypeMessageError
	case *protocol.CanvasJoin, *protocol.CanvasLeave, *protocol.CanvasDraw,
		*protocol.CanvasUndo, *protocol.CanvasRedo, *protocol.CanvasClear:
		return protocol.TypeCanvasError
	default:
		return protocol.TypeError
	}
}
