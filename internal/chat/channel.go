// Package chat validates and relays chat messages and typing signals within
// a room and hands messages off to the store and the notification fan-out.
package chat

import (
	"context"
	"errors"
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

const (
	// MaxContentLength is the longest accepted message, in characters after
	// trimming.
	MaxContentLength = 500

	// MaxTypingLength is where typing previews are cut, in characters.
	MaxTypingLength = 100
)

// Store is the slice of the durable store the channel needs.
type Store interface {
	store.Rooms
	store.Messages
}

// Attachments lists the sessions currently attached to a room.
type Attachments interface {
	Members(roomID string) []*presence.Session
}

// Channel is the chat service.
type Channel struct {
	store    Store
	attached Attachments
	notify   *notify.Fanout
	log      *zap.Logger
	now      func() time.Time

	// order serializes store-then-relay per room so every observer sees a
	// room's messages in the order they were stored.
	orderMu sync.Mutex
	order   map[string]*sync.Mutex
}

// New returns a Channel.
func New(st Store, attached Attachments, fan *notify.Fanout, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		store:    st,
		attached: attached,
		notify:   fan,
		log:      log.Named("chat"),
		now:      func() time.Time { return time.Now().UTC() },
		order:    make(map[string]*sync.Mutex),
	}
}

func (c *Channel) roomOrder(roomID string) *sync.Mutex {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	mu, ok := c.order[roomID]
	if !ok {
		mu = &sync.Mutex{}
		c.order[roomID] = mu
	}
	return mu
}

// Send stores a message from s in roomID, relays it to every other session
// attached to the room, and notifies every other room member. The session
// must currently be attached to roomID.
func (c *Channel) Send(ctx context.Context, s *presence.Session, roomID, content string) (store.Message, error) {
	if roomID == "" || s.ChatRoom() != roomID {
		return store.Message{}, apperr.NotAuthorized("you are not in this room")
	}
	content = strings.TrimSpace(content)
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return store.Message{}, apperr.Validation("message cannot be empty")
	}
	if n > MaxContentLength {
		return store.Message{}, apperr.Validation("message cannot exceed %d characters", MaxContentLength)
	}

	room, err := c.room(ctx, roomID)
	if err != nil {
		return store.Message{}, err
	}
	order := c.roomOrder(room.ID)
	order.Lock()
	msg, err := c.persist(ctx, s.Identity(), room.ID, store.MessageText, content)
	if err != nil {
		order.Unlock()
		return store.Message{}, err
	}
	c.relay(room.ID, s, protocol.New(protocol.TypeMessage, protocol.MessageFrom(msg)))
	order.Unlock()

	sender := s.Identity()
	text := sender.Name + " sent you a message"
	if room.Kind == store.RoomGroup {
		text = sender.Name + " sent a message in " + room.Name
	}
	c.notifyMembers(ctx, room, sender.ID, notify.KindNewChatMessage, text)
	return msg, nil
}

// LoadHistory returns the room's messages oldest first and marks them all
// read by the caller.
func (c *Channel) LoadHistory(ctx context.Context, s *presence.Session, roomID string) ([]store.Message, error) {
	if roomID == "" {
		return nil, apperr.Validation("room id is required")
	}
	room, err := c.room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	caller := s.Identity()
	if !room.HasMember(caller.ID) {
		return nil, apperr.NotAuthorized("you are not a member of this room")
	}

	messages, err := c.store.ListMessages(ctx, room.ID)
	if err != nil {
		return nil, apperr.Server("failed to load messages", err)
	}
	marked, err := c.store.MarkMessagesRead(ctx, room.ID, caller.ID)
	if err != nil {
		return nil, apperr.Server("failed to mark messages read", err)
	}
	if marked > 0 {
		for i := range messages {
			if !contains(messages[i].ReadBy, caller.ID) {
				messages[i].ReadBy = append(messages[i].ReadBy, caller.ID)
			}
		}
	}
	return messages, nil
}

// Typing relays a typing preview to the other sessions in roomID. Previews
// from a session not attached to roomID are dropped. It returns the number
// of sessions reached.
func (c *Channel) Typing(s *presence.Session, roomID, text string) int {
	if roomID == "" || s.ChatRoom() != roomID {
		return 0
	}
	if utf8.RuneCountInString(text) > MaxTypingLength {
		text = string([]rune(text)[:MaxTypingLength])
	}
	return c.relay(roomID, s, protocol.New(protocol.TypeTyping, protocol.TypingPayload{
		RoomID: roomID,
		Sender: s.Identity().Name,
		Text:   text,
	}))
}

// StartCanvas posts a canvas invitation into roomID. Unlike ordinary
// messages it is relayed to the initiator too.
func (c *Channel) StartCanvas(ctx context.Context, s *presence.Session, roomID string) (store.Message, error) {
	if roomID == "" || s.ChatRoom() != roomID {
		return store.Message{}, apperr.NotAuthorized("you are not in this room")
	}
	room, err := c.room(ctx, roomID)
	if err != nil {
		return store.Message{}, err
	}

	initiator := s.Identity()
	title := room.Name
	if room.Kind == store.RoomDirect {
		title = "your chat"
	}
	order := c.roomOrder(room.ID)
	order.Lock()
	msg, err := c.persist(ctx, initiator, room.ID, store.MessageCanvasInvite,
		initiator.Name+" started a collaborative canvas")
	if err != nil {
		order.Unlock()
		return store.Message{}, err
	}
	c.relay(room.ID, nil, protocol.New(protocol.TypeMessage, protocol.MessageFrom(msg)))
	order.Unlock()
	c.notifyMembers(ctx, room, initiator.ID, notify.KindCanvasInvite,
		initiator.Name+` started a collaborative canvas in "`+title+`".`)
	return msg, nil
}

func (c *Channel) room(ctx context.Context, roomID string) (store.Room, error) {
	room, err := c.store.FindRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Room{}, apperr.NotFound("room not found")
		}
		return store.Room{}, apperr.Server("failed to load room", err)
	}
	return room, nil
}

func (c *Channel) persist(ctx context.Context, sender presence.Identity, roomID string, kind store.MessageKind, content string) (store.Message, error) {
	msg, err := c.store.CreateMessage(ctx, store.Message{
		RoomID:     roomID,
		SenderID:   sender.ID,
		SenderName: sender.Name,
		Kind:       kind,
		Content:    content,
		CreatedAt:  c.now(),
		ReadBy:     []string{sender.ID},
	})
	if err != nil {
		return store.Message{}, apperr.Server("failed to save message", err)
	}
	if err := c.store.SetLastMessage(ctx, roomID, msg.ID, msg.CreatedAt); err != nil {
		c.log.Warn("last message pointer not updated",
			zap.String("room_id", roomID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
	c.log.Debug("message stored",
		zap.String("room_id", roomID),
		zap.String("user_id", sender.ID),
		zap.String("kind", string(kind)))
	return msg, nil
}

// relay delivers ev to every session attached to roomID except skip.
func (c *Channel) relay(roomID string, skip *presence.Session, ev protocol.Outbound) int {
	delivered := 0
	for _, member := range c.attached.Members(roomID) {
		if skip != nil && member.ID() == skip.ID() {
			continue
		}
		if member.Emit(ev) {
			delivered++
		}
	}
	return delivered
}

func (c *Channel) notifyMembers(ctx context.Context, room store.Room, senderID, kind, text string) {
	for _, member := range room.Members {
		if member == senderID {
			continue
		}
		if _, err := c.notify.Emit(ctx, member, kind, text, notify.Ref{Kind: store.RefRoom, ID: room.ID}); err != nil {
			c.log.Warn("message notification failed",
				zap.String("room_id", room.ID),
				zap.String("user_id", member),
				zap.Error(err))
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
