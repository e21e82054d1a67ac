// Package server exposes HTTP handlers, including authenticated WebSocket
// upgrades and health checks.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatcanvas/internal/auth"
)

func (h *Hub) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.checkOrigin,
	}
}

// WebSocketHandler authenticates the request, upgrades the HTTP connection
// to WebSocket and hands the new client to the hub. A refused credential is
// answered with 401 and the refusal reason as body; nothing is registered.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		identity, err := hub.services.Auth.Authenticate(auth.TokenFromRequest(r))
		if err != nil {
			reason := auth.ReasonOf(err)
			hub.log.Info("connection refused",
				zap.String("addr", r.RemoteAddr),
				zap.String("reason", string(reason)))
			http.Error(w, string(reason), http.StatusUnauthorized)
			return
		}

		upgrader := hub.upgrader()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("WebSocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
			return
		}

		client := NewClient(conn, hub, identity, r.RemoteAddr)

		// The hub launches the pump goroutines.
		if !hub.Register(client) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			_ = conn.Close()
		}
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "chatcanvas server is running! clients=%d online=%d",
			hub.ClientCount(), hub.services.Presence.Count())
	}
}
