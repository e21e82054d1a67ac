// Package requests implements the relationship-request workflow. An
// accepted request is the only way a direct room comes into existence.
package requests

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
	"github.com/Tyrowin/chatcanvas/internal/notify"
	"github.com/Tyrowin/chatcanvas/internal/presence"
	"github.com/Tyrowin/chatcanvas/internal/store"
)

// Store is the slice of the durable store the workflow needs.
type Store interface {
	store.Users
	store.Rooms
	store.Requests
}

// Signaler pushes a partner-list refresh to identities.
type Signaler interface {
	SignalPartners(identityIDs ...string)
}

// Result is the outcome of a workflow step.
type Result struct {
	Request store.Request
	Peer    store.User
	RoomID  string
}

// Service is the request workflow.
type Service struct {
	store    Store
	notify   *notify.Fanout
	signaler Signaler
	log      *zap.Logger
	now      func() time.Time
}

// New returns a Service.
func New(st Store, fan *notify.Fanout, signaler Signaler, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    st,
		notify:   fan,
		signaler: signaler,
		log:      log.Named("requests"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send opens a pending request from caller to the identity named
// targetName. At most one request per pair may be pending.
func (s *Service) Send(ctx context.Context, caller presence.Identity, targetName string) (Result, error) {
	targetName = strings.TrimSpace(targetName)
	if targetName == "" {
		return Result{}, apperr.Validation("target name is required")
	}
	peer, err := s.store.FindUserByName(ctx, targetName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, apperr.NotFound("user %q not found", targetName)
		}
		return Result{}, apperr.Server("failed to load user", err)
	}
	if peer.ID == caller.ID {
		return Result{}, apperr.Validation("cannot send a request to yourself")
	}

	if _, err := s.store.FindDirectRoom(ctx, caller.ID, peer.ID); err == nil {
		return Result{}, apperr.Conflict("you are already connected with %s", peer.Name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, apperr.Server("failed to load direct room", err)
	}

	req, err := s.store.CreateRequest(ctx, store.Request{
		SenderID:   caller.ID,
		ReceiverID: peer.ID,
		Status:     store.RequestPending,
		CreatedAt:  s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return Result{}, apperr.Conflict("a request with %s is already pending", peer.Name)
		}
		return Result{}, apperr.Server("failed to create request", err)
	}

	s.log.Info("request sent",
		zap.String("request_id", req.ID),
		zap.String("user_id", caller.ID),
		zap.String("peer_id", peer.ID))

	s.emit(ctx, peer.ID, notify.KindMessageRequest, caller.Name+" sent you a message request.",
		notify.Ref{Kind: store.RefRequest, ID: req.ID})
	s.signaler.SignalPartners(caller.ID, peer.ID)
	return Result{Request: req, Peer: peer}, nil
}

// Accept accepts a pending request addressed to caller and opens the direct
// room between the two identities.
func (s *Service) Accept(ctx context.Context, caller presence.Identity, requestID string) (Result, error) {
	req, err := s.transition(ctx, requestID, store.RequestAccepted, func(r store.Request) bool {
		return r.ReceiverID == caller.ID
	})
	if err != nil {
		return Result{}, err
	}

	room, err := s.directRoom(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		return Result{}, err
	}
	peer, err := s.peer(ctx, req.SenderID)
	if err != nil {
		return Result{}, err
	}

	s.log.Info("request accepted",
		zap.String("request_id", req.ID),
		zap.String("room_id", room.ID))

	s.emit(ctx, req.SenderID, notify.KindRequestAccepted, caller.Name+" accepted your message request.",
		notify.Ref{Kind: store.RefRoom, ID: room.ID})
	s.signaler.SignalPartners(req.SenderID, req.ReceiverID)
	return Result{Request: req, Peer: peer, RoomID: room.ID}, nil
}

// Reject rejects a pending request addressed to caller.
func (s *Service) Reject(ctx context.Context, caller presence.Identity, requestID string) (Result, error) {
	req, err := s.transition(ctx, requestID, store.RequestRejected, func(r store.Request) bool {
		return r.ReceiverID == caller.ID
	})
	if err != nil {
		return Result{}, err
	}
	peer, err := s.peer(ctx, req.SenderID)
	if err != nil {
		return Result{}, err
	}

	s.emit(ctx, req.SenderID, notify.KindRequestRejected, caller.Name+" rejected your message request.",
		notify.Ref{Kind: store.RefRequest, ID: req.ID})
	s.signaler.SignalPartners(req.SenderID, req.ReceiverID)
	return Result{Request: req, Peer: peer}, nil
}

// Cancel withdraws a pending request sent by caller.
func (s *Service) Cancel(ctx context.Context, caller presence.Identity, requestID string) (Result, error) {
	req, err := s.transition(ctx, requestID, store.RequestCanceled, func(r store.Request) bool {
		return r.SenderID == caller.ID
	})
	if err != nil {
		return Result{}, err
	}
	peer, err := s.peer(ctx, req.ReceiverID)
	if err != nil {
		return Result{}, err
	}

	s.emit(ctx, req.ReceiverID, notify.KindRequestCanceled, caller.Name+" canceled their message request.",
		notify.Ref{Kind: store.RefRequest, ID: req.ID})
	s.signaler.SignalPartners(req.SenderID, req.ReceiverID)
	return Result{Request: req, Peer: peer}, nil
}

// transition moves a pending request to status to. allowed decides whether
// the caller is the party entitled to make that move.
func (s *Service) transition(ctx context.Context, requestID string, to store.RequestStatus, allowed func(store.Request) bool) (store.Request, error) {
	if requestID == "" {
		return store.Request{}, apperr.Validation("request id is required")
	}
	req, err := s.store.FindRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Request{}, apperr.NotFound("request not found")
		}
		return store.Request{}, apperr.Server("failed to load request", err)
	}
	if !allowed(req) {
		return store.Request{}, apperr.NotAuthorized("you cannot %s this request", verb(to))
	}
	if req.Status != store.RequestPending {
		return store.Request{}, apperr.Conflict("request is already %s", req.Status)
	}

	updated, err := s.store.TransitionRequest(ctx, req.ID, store.RequestPending, to, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Request{}, apperr.Conflict("request is no longer pending")
		}
		return store.Request{}, apperr.Server("failed to update request", err)
	}
	return updated, nil
}

func verb(to store.RequestStatus) string {
	switch to {
	case store.RequestAccepted:
		return "accept"
	case store.RequestRejected:
		return "reject"
	case store.RequestCanceled:
		return "cancel"
	default:
		return "update"
	}
}

// directRoom returns the direct room for the pair, creating it if needed.
func (s *Service) directRoom(ctx context.Context, a, b string) (store.Room, error) {
	room, err := s.store.FindDirectRoom(ctx, a, b)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Room{}, apperr.Server("failed to load direct room", err)
	}

	room, err = s.store.CreateRoom(ctx, store.Room{
		Kind:      store.RoomDirect,
		Members:   []string{a, b},
		CreatedAt: s.now(),
	})
	if errors.Is(err, store.ErrDuplicate) {
		room, err = s.store.FindDirectRoom(ctx, a, b)
	}
	if err != nil {
		return store.Room{}, apperr.Server("failed to create direct room", err)
	}
	return room, nil
}

func (s *Service) peer(ctx context.Context, id string) (store.User, error) {
	u, err := s.store.FindUserByID(ctx, id)
	if err != nil {
		return store.User{}, apperr.Server("failed to load user", err)
	}
	return u, nil
}

func (s *Service) emit(ctx context.Context, recipientID, kind, message string, ref notify.Ref) {
	if _, err := s.notify.Emit(ctx, recipientID, kind, message, ref); err != nil {
		s.log.Warn("request notification failed",
			zap.String("user_id", recipientID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}
