package server

import (
	"go.uber.org/zap"

	"github.com/Tyrowin/chatcanvas/internal/auth"
	"github.com/Tyrowin/chatcanvas/internal/canvas"
	"github.com/Tyrowin/chatcanvas/internal/chat"
	"github.com/Tyrowin/chatcanvas/internal/notify"
	"github.com/Tyrowin/chatcanvas/internal/presence"
	"github.com/Tyrowin/chatcanvas/internal/requests"
	"github.com/Tyrowin/chatcanvas/internal/rooms"
	"github.com/Tyrowin/chatcanvas/internal/store"
)

// Services bundles the coordination services a hub dispatches to.
type Services struct {
	Auth     *auth.Authenticator
	Presence *presence.Registry
	Notify   *notify.Fanout
	Rooms    *rooms.Coordinator
	Requests *requests.Service
	Chat     *chat.Channel
	Canvas   *canvas.Service
}

// NewServices wires every service on top of st.
func NewServices(cfg Config, st store.Store, log *zap.Logger) *Services {
	if log == nil {
		log = zap.NewNop()
	}

	reg := presence.NewRegistry(log)
	fan := notify.New(st, reg, log)
	coord := rooms.New(st, reg, fan, log)

	return &Services{
		Auth:     auth.NewAuthenticator(cfg.Auth.Secret),
		Presence: reg,
		Notify:   fan,
		Rooms:    coord,
		Requests: requests.New(st, fan, coord, log),
		Chat:     chat.New(st, coord, fan, log),
		Canvas:   canvas.New(coord, cfg.Canvas.MaxHistory, log),
	}
}
