// Package protocol defines the wire frames exchanged over a connection: a
// closed set of inbound event variants and the outbound event envelopes.
//
// Every frame is a JSON object of the form {"type": "...", "data": {...}}.
package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
)

// Inbound event types.
const (
	TypeJoinRoom             = "join_room"
	TypeLeaveRoom            = "leave_room"
	TypeSendMessage          = "send_message"
	TypeLoadHistory          = "load_history"
	TypeTyping               = "typing"
	TypeSendRequest          = "send_request"
	TypeAcceptRequest        = "accept_request"
	TypeRejectRequest        = "reject_request"
	TypeCancelRequest        = "cancel_request"
	TypeCreateGroup          = "create_group"
	TypeGetNotifications     = "get_notifications"
	TypeMarkNotificationRead = "mark_notification_read"
	TypeListPartners         = "list_partners"
	TypeListUsers            = "list_users"
	TypeStartCanvas          = "start_canvas"
	TypeCanvasJoin           = "canvas_join"
	TypeCanvasLeave          = "canvas_leave"
	TypeCanvasDraw           = "canvas_draw"
	TypeCanvasUndo           = "canvas_undo"
	TypeCanvasRedo           = "canvas_redo"
	TypeCanvasClear          = "canvas_clear"
)

// Event is an inbound event variant. The set of implementations is closed.
type Event interface {
	Type() string
	event()
}

type JoinRoom struct {
	Target  string `json:"target"`
	IsGroup bool   `json:"isGroup"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type SendMessage struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

type LoadHistory struct {
	RoomID string `json:"roomId"`
}

// Typing carries a client-supplied sender name which is ignored; the relay
// always names the session's own identity.
type Typing struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

type SendRequest struct {
	TargetName string `json:"targetName"`
}

type AcceptRequest struct {
	RequestID string `json:"requestId"`
}

type RejectRequest struct {
	RequestID string `json:"requestId"`
}

type CancelRequest struct {
	RequestID string `json:"requestId"`
}

type CreateGroup struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type GetNotifications struct{}

type MarkNotificationRead struct {
	NotificationID string `json:"notificationId"`
}

type ListPartners struct{}

type ListUsers struct{}

type StartCanvas struct {
	RoomID string `json:"roomId"`
}

type CanvasJoin struct {
	RoomID string `json:"roomId"`
}

type CanvasLeave struct {
	RoomID string `json:"roomId,omitempty"`
}

type CanvasDraw struct {
	Action DrawingAction `json:"action"`
}

type CanvasUndo struct{}

type CanvasRedo struct{}

type CanvasClear struct{}

func (*JoinRoom) Type() string             { return TypeJoinRoom }
func (*LeaveRoom) Type() string            { return TypeLeaveRoom }
func (*SendMessage) Type() string          { return TypeSendMessage }
func (*LoadHistory) Type() string          { return TypeLoadHistory }
func (*Typing) Type() string               { return TypeTyping }
func (*SendRequest) Type() string          { return TypeSendRequest }
func (*AcceptRequest) Type() string        { return TypeAcceptRequest }
func (*RejectRequest) Type() string        { return TypeRejectRequest }
func (*CancelRequest) Type() string        { return TypeCancelRequest }
func (*CreateGroup) Type() string          { return TypeCreateGroup }
func (*GetNotifications) Type() string     { return TypeGetNotifications }
func (*MarkNotificationRead) Type() string { return TypeMarkNotificationRead }
func (*ListPartners) Type() string         { return TypeListPartners }
func (*ListUsers) Type() string            { return TypeListUsers }
func (*StartCanvas) Type() string          { return TypeStartCanvas }
func (*CanvasJoin) Type() string           { return TypeCanvasJoin }
func (*CanvasLeave) Type() string          { return TypeCanvasLeave }
func (*CanvasDraw) Type() string           { return TypeCanvasDraw }
func (*CanvasUndo) Type() string           { return TypeCanvasUndo }
func (*CanvasRedo) Type() string           { return TypeCanvasRedo }
func (*CanvasClear) Type() string          { return TypeCanvasClear }

func (*JoinRoom) event()             {}
func (*LeaveRoom) event()            {}
func (*SendMessage) event()          {}
func (*LoadHistory) event()          {}
func (*Typing) event()               {}
func (*SendRequest) event()          {}
func (*AcceptRequest) event()        {}
func (*RejectRequest) event()        {}
func (*CancelRequest) event()        {}
func (*CreateGroup) event()          {}
func (*GetNotifications) event()     {}
func (*MarkNotificationRead) event() {}
func (*ListPartners) event()         {}
func (*ListUsers) event()            {}
func (*StartCanvas) event()          {}
func (*CanvasJoin) event()           {}
func (*CanvasLeave) event()          {}
func (*CanvasDraw) event()           {}
func (*CanvasUndo) event()           {}
func (*CanvasRedo) event()           {}
func (*CanvasClear) event()          {}

func newEvent(typ string) Event {
	switch typ {
	case TypeJoinRoom:
		return &JoinRoom{}
	case TypeLeaveRoom:
		return &LeaveRoom{}
	case TypeSendMessage:
		return &SendMessage{}
	case TypeLoadHistory:
		return &LoadHistory{}
	case TypeTyping:
		return &Typing{}
	case TypeSendRequest:
		return &SendRequest{}
	case TypeAcceptRequest:
		return &AcceptRequest{}
	case TypeRejectRequest:
		return &RejectRequest{}
	case TypeCancelRequest:
		return &CancelRequest{}
	case TypeCreateGroup:
		return &CreateGroup{}
	case TypeGetNotifications:
		return &GetNotifications{}
	case TypeMarkNotificationRead:
		return &MarkNotificationRead{}
	case TypeListPartners:
		return &ListPartners{}
	case TypeListUsers:
		return &ListUsers{}
	case TypeStartCanvas:
		return &StartCanvas{}
	case TypeCanvasJoin:
		return &CanvasJoin{}
	case TypeCanvasLeave:
		return &CanvasLeave{}
	case TypeCanvasDraw:
		return &CanvasDraw{}
	case TypeCanvasUndo:
		return &CanvasUndo{}
	case TypeCanvasRedo:
		return &CanvasRedo{}
	case TypeCanvasClear:
		return &CanvasClear{}
	default:
		return nil
	}
}

// Decode parses one inbound frame. It peeks the type tag first so an unknown
// or missing type is rejected before the payload is decoded. All failures
// are validation errors.
func Decode(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, apperr.Validation("frame is not valid JSON")
	}
	tag := gjson.GetBytes(raw, "type")
	if tag.Type != gjson.String || tag.Str == "" {
		return nil, apperr.Validation("frame has no type")
	}
	ev := newEvent(tag.Str)
	if ev == nil {
		return nil, apperr.Validation("unknown event type %q", tag.Str)
	}

	data := gjson.GetBytes(raw, "data")
	if !data.Exists() || data.Type == gjson.Null {
		return ev, nil
	}
	if !data.IsObject() {
		return nil, apperr.Validation("%s: data must be an object", tag.Str)
	}
	if err := json.Unmarshal([]byte(data.Raw), ev); err != nil {
		return nil, apperr.Validation("%s: %v", tag.Str, err)
	}
	return ev, nil
}
