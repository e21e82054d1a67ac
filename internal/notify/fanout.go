// Package notify delivers per-identity notifications to live sessions and
// records them durably for offline retrieval.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
	"github.com/Tyrowin/chatcanvas/internal/protocol"
	"github.com/Tyrowin/chatcanvas/internal/store"
)

// Notification kinds.
const (
	KindNewChatMessage  = "newChatMessage"
	KindMessageRequest  = "messageRequest"
	KindRequestAccepted = "requestAccepted"
	KindRequestRejected = "requestRejected"
	KindRequestCanceled = "requestCanceled"
	KindGroupCreated    = "groupCreated"
	KindCanvasInvite    = "canvasInvite"
)

// Ref points a notification at a related room or request.
type Ref struct {
	Kind store.RefKind
	ID   string
}

// Emitter delivers a frame to every live session of an identity and reports
// how many accepted it.
type Emitter interface {
	EmitTo(identityID string, ev protocol.Outbound) int
}

// Fanout is the notification service. Delivery is at-least-once and does not
// depend on persistence; the record id is fixed before delivery so clients
// can deduplicate.
type Fanout struct {
	store   store.Notifications
	emitter Emitter
	log     *zap.Logger
	now     func() time.Time
}

// New returns a Fanout.
func New(st store.Notifications, emitter Emitter, log *zap.Logger) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{
		store:   st,
		emitter: emitter,
		log:     log.Named("notify"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Emit delivers a notification to the recipient's live sessions and then
// persists it. A persistence failure is logged and returned but does not
// retract the live delivery.
func (f *Fanout) Emit(ctx context.Context, recipientID, kind, message string, ref Ref) (store.Notification, error) {
	n := store.Notification{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Kind:        kind,
		Message:     message,
		RefKind:     ref.Kind,
		RefID:       ref.ID,
		CreatedAt:   f.now(),
	}

	delivered := f.emitter.EmitTo(recipientID, protocol.New(protocol.TypeNotification, protocol.NotificationFrom(n)))

	if _, err := f.store.CreateNotification(ctx, n); err != nil {
		f.log.Warn("notification delivered but not persisted",
			zap.String("user_id", recipientID),
			zap.String("kind", kind),
			zap.String("notification_id", n.ID),
			zap.Int("delivered", delivered),
			zap.Error(err))
		return n, apperr.Server("failed to record notification", err)
	}

	f.log.Debug("notification emitted",
		zap.String("user_id", recipientID),
		zap.String("kind", kind),
		zap.Int("delivered", delivered))
	return n, nil
}

// List returns the identity's notifications, most recent first.
func (f *Fanout) List(ctx context.Context, identityID string) ([]store.Notification, error) {
	list, err := f.store.ListNotifications(ctx, identityID)
	if err != nil {
		return nil, apperr.Server("failed to load notifications", err)
	}
	return list, nil
}

// MarkRead flips the read flag of a notification owned by identityID and
// returns the identity's new unread count. Marking an already-read
// notification succeeds.
func (f *Fanout) MarkRead(ctx context.Context, identityID, notificationID string) (int, error) {
	if notificationID == "" {
		return 0, apperr.Validation("notification id is required")
	}
	if err := f.store.MarkNotificationRead(ctx, notificationID, identityID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperr.NotFound("notification not found")
		}
		return 0, apperr.Server("failed to mark notification read", err)
	}
	return f.UnreadCount(ctx, identityID)
}

// UnreadCount returns the number of unread notifications for identityID.
func (f *Fanout) UnreadCount(ctx context.Context, identityID string) (int, error) {
	count, err := f.store.CountUnread(ctx, identityID)
	if err != nil {
		return 0, apperr.Server("failed to count unread notifications", err)
	}
	return count, nil
}
