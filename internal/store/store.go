// Package store declares the durable-store collaborator used by the
// coordination core and the record types it exchanges. The core only reads
// identities; rooms, messages, relationship requests and notifications are
// created and updated through this interface.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a uniqueness rule rejects a write: a second
// pending request for the same pair, a second group with the same name, or a
// second direct room for the same pair.
var ErrDuplicate = errors.New("store: duplicate")

// RoomKind distinguishes direct rooms from group rooms.
type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
)

// RequestStatus is the lifecycle state of a relationship request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
	RequestCanceled RequestStatus = "canceled"
)

// MessageKind separates ordinary chat content from structured payloads.
type MessageKind string

const (
	MessageText         MessageKind = "text"
	MessageCanvasInvite MessageKind = "canvas_invite"
)

// RefKind names what a notification's related reference points at.
type RefKind string

const (
	RefNone    RefKind = ""
	RefRoom    RefKind = "room"
	RefRequest RefKind = "request"
)

// User is an identity as known to the store.
type User struct {
	ID   string
	Name string
}

// Room is a durable direct or group room.
type Room struct {
	ID            string
	Kind          RoomKind
	Name          string
	Members       []string
	LastMessageID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasMember reports whether userID is in the room's member set.
func (r Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Message is an immutable chat message; only ReadBy grows.
type Message struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Kind       MessageKind
	Content    string
	CreatedAt  time.Time
	ReadBy     []string
}

// Request is a relationship request between two identities.
type Request struct {
	ID         string
	SenderID   string
	ReceiverID string
	Status     RequestStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Notification is a durable per-recipient event record.
type Notification struct {
	ID          string
	RecipientID string
	Kind        string
	Message     string
	IsRead      bool
	RefKind     RefKind
	RefID       string
	CreatedAt   time.Time
}

// Users resolves identities.
type Users interface {
	CreateUser(ctx context.Context, u User) (User, error)
	FindUserByID(ctx context.Context, id string) (User, error)
	FindUserByName(ctx context.Context, name string) (User, error)
	FindUsersByNames(ctx context.Context, names []string) ([]User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// Rooms persists direct and group rooms.
type Rooms interface {
	CreateRoom(ctx context.Context, r Room) (Room, error)
	FindRoom(ctx context.Context, id string) (Room, error)
	FindGroupByName(ctx context.Context, name string) (Room, error)
	FindDirectRoom(ctx context.Context, a, b string) (Room, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]Room, error)
	SetLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error
}

// Messages persists chat messages and their read sets.
type Messages interface {
	CreateMessage(ctx context.Context, m Message) (Message, error)
	ListMessages(ctx context.Context, roomID string) ([]Message, error)
	MarkMessagesRead(ctx context.Context, roomID, userID string) (int, error)
}

// Requests persists relationship requests.
type Requests interface {
	CreateRequest(ctx context.Context, r Request) (Request, error)
	FindRequest(ctx context.Context, id string) (Request, error)
	// FindRequestBetween returns the most recent request between a and b in
	// either direction.
	FindRequestBetween(ctx context.Context, a, b string) (Request, error)
	ListPendingRequests(ctx context.Context, userID string) ([]Request, error)
	// TransitionRequest moves a request from one status to another. It
	// returns ErrNotFound when no request with that id is in status from.
	TransitionRequest(ctx context.Context, id string, from, to RequestStatus, at time.Time) (Request, error)
}

// Notifications persists notification records.
type Notifications interface {
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	ListNotifications(ctx context.Context, recipientID string) ([]Notification, error)
	// MarkNotificationRead flips the read flag of a notification owned by
	// recipientID. It returns ErrNotFound when no such notification exists
	// for that recipient.
	MarkNotificationRead(ctx context.Context, id, recipientID string) error
	CountUnread(ctx context.Context, recipientID string) (int, error)
}

// Store is the full durable-store collaborator.
type Store interface {
	Users
	Rooms
	Messages
	Requests
	Notifications
	Close() error
}
