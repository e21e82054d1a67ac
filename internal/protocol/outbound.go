package protocol

import (
	"encoding/json"
	"time"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
	"github.com/Tyrowin/chatcanvas/internal/store"
)

// Outbound event types.
const (
	TypeOnlineUsers       = "online_users"
	TypePresence          = "presence"
	TypeRoomJoined        = "room_joined"
	TypeRoomLeft          = "room_left"
	TypeChatError         = "chat_error"
	TypeMessage           = "message"
	TypeMessageError      = "message_error"
	TypeHistory           = "history"
	TypeRequestStatus     = "request_status"
	TypeGroupCreated      = "group_created"
	TypeNotification      = "notification"
	TypeNotifications     = "notifications"
	TypeNotificationRead  = "notification_read"
	TypeUnreadCount       = "unread_count"
	TypePartners          = "partners"
	TypeUsers             = "users"
	TypePartnerListUpdate = "partner_list_update"
	TypeCanvasHistory     = "canvas_history"
	TypeCanvasRoster      = "canvas_roster"
	TypeCanvasSnapshot    = "canvas_snapshot"
	TypeCanvasError       = "canvas_error"
	TypeError             = "error"
)

// Outbound is a frame pushed to a connection.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Encode marshals the frame.
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// Frame is a decoded outbound frame with its payload left raw.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type OnlineUsersPayload struct {
	Users []UserRef `json:"users"`
}

type PresencePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

type RoomJoinedPayload struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
	IsGroup     bool   `json:"isGroup"`
}

type RoomLeftPayload struct {
	RoomID string `json:"roomId"`
}

// ErrorPayload reports a refused request to the originating connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

type MessagePayload struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	Sender    string    `json:"sender"`
	SenderID  string    `json:"senderId"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type HistoryPayload struct {
	RoomID   string           `json:"roomId"`
	Messages []MessagePayload `json:"messages"`
}

type TypingPayload struct {
	RoomID string `json:"roomId"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type RequestStatusPayload struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Peer      string `json:"peer"`
	RoomID    string `json:"roomId,omitempty"`
}

type GroupCreatedPayload struct {
	GroupID string   `json:"groupId"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type NotificationPayload struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"isRead"`
	RefKind   string    `json:"refKind,omitempty"`
	RefID     string    `json:"refId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type NotificationsPayload struct {
	Notifications []NotificationPayload `json:"notifications"`
}

type NotificationReadPayload struct {
	NotificationID string `json:"notificationId"`
	Unread         int    `json:"unread"`
}

type UnreadCountPayload struct {
	Count int `json:"count"`
}

// Partner statuses, in display order.
const (
	StatusChatting        = "chatting"
	StatusRequestReceived = "requestReceived"
	StatusRequestSent     = "requestSent"
	StatusNone            = "none"
)

type Partner struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsGroup   bool   `json:"isGroup"`
	Status    string `json:"status"`
	Online    bool   `json:"online"`
	RoomID    string `json:"roomId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type PartnersPayload struct {
	Partners []Partner `json:"partners"`
}

type UsersPayload struct {
	Users []UserRef `json:"users"`
}

type CanvasHistoryPayload struct {
	RoomID  string          `json:"roomId"`
	History []DrawingAction `json:"history"`
	Undone  []DrawingAction `json:"undone"`
}

type CanvasRosterPayload struct {
	RoomID  string   `json:"roomId"`
	Members []string `json:"members"`
}

type CanvasDrawPayload struct {
	RoomID string        `json:"roomId"`
	Action DrawingAction `json:"action"`
	By     string        `json:"by"`
}

// CanvasSnapshotPayload carries the full state after undo, redo or clear.
type CanvasSnapshotPayload struct {
	RoomID  string          `json:"roomId"`
	Op      string          `json:"op"`
	History []DrawingAction `json:"history"`
	Undone  []DrawingAction `json:"undone"`
	By      string          `json:"by"`
}

// New wraps a payload in a frame.
func New(typ string, data any) Outbound {
	return Outbound{Type: typ, Data: data}
}

// ErrorEvent builds the refusal frame for err under the given error type.
func ErrorEvent(typ, request string, err error) Outbound {
	return New(typ, ErrorPayload{
		Code:    apperr.CodeOf(err),
		Message: apperr.MessageOf(err),
		Request: request,
	})
}

// MessageFrom converts a stored message.
func MessageFrom(m store.Message) MessagePayload {
	kind := m.Kind
	if kind == "" {
		kind = store.MessageText
	}
	return MessagePayload{
		MessageID: m.ID,
		RoomID:    m.RoomID,
		Sender:    m.SenderName,
		SenderID:  m.SenderID,
		Kind:      string(kind),
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	}
}

// NotificationFrom converts a stored notification.
func NotificationFrom(n store.Notification) NotificationPayload {
	return NotificationPayload{
		ID:        n.ID,
		Kind:      n.Kind,
		Message:   n.Message,
		IsRead:    n.IsRead,
		RefKind:   string(n.RefKind),
		RefID:     n.RefID,
		CreatedAt: n.CreatedAt,
	}
}
