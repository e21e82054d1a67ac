// Package server coordinates client registration, session release, and
// connection cleanup for the chatcanvas WebSocket system via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatcanvas/internal/protocol"
)

var (
	errClientGone     = errors.New("client is no longer registered")
	errSendBufferFull = errors.New("client send buffer is full")
)

// Hub manages all WebSocket client connections. It owns the clients map,
// starts each client's pumps on registration and releases the client's
// session from every service on unregistration.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	cfg        Config
	services   *Services
	dispatcher *Dispatcher
	origins    *originPolicy
	log        *zap.Logger
}

// NewHub creates a Hub dispatching to svc. The returned Hub is ready to
// manage WebSocket connections once Run is started.
func NewHub(cfg Config, svc *Services, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = sanitizeConfig(cfg)
	log = log.Named("hub")

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		cfg:        cfg,
		services:   svc,
		dispatcher: NewDispatcher(svc, log),
		origins:    newOriginPolicy(cfg.AllowedOrigins, log),
		log:        log,
	}
}

// Services returns the services the hub dispatches to.
func (h *Hub) Services() *Services {
	return h.services
}

// Register hands a client to the hub loop. It reports false once the hub
// has shut down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client. It is a no-op for unknown clients and never
// blocks after shutdown.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("recovered from panic in safeSend", zap.Any("panic", r))
			err = errClientGone
		}
	}()

	// Hold the lock during the entire send so the channel cannot be closed
	// underneath us.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client]; !exists || client.closed {
		return errClientGone
	}

	select {
	case client.send <- message:
		return nil
	default:
		return errSendBufferFull
	}
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	client.log.Info("client registered", zap.Int("clients", clientCount))

	// Presence goes first so the new session's own queue already holds the
	// online snapshot when the pumps start.
	h.services.Presence.Register(client.session)
	client.session.Emit(h.services.Presence.OnlineUsersEvent())

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) handleUnregister(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	h.release(client)
	client.log.Info("client unregistered", zap.Int("clients", clientCount))
}

// release detaches the client's session from every service. Presence is
// dropped first so in-flight handlers stop emitting to the session.
func (h *Hub) release(client *Client) {
	s := client.session
	offline := h.services.Presence.Remove(s)
	if room := h.services.Rooms.Detach(s); room != "" {
		client.log.Debug("detached from chat room", zap.String("room_id", room))
	}
	h.services.Canvas.Leave(s)

	if offline {
		h.services.Presence.Broadcast(protocol.New(protocol.TypePartnerListUpdate, nil))
	}
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.log.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
		client.closed = true
	}
	h.mutex.Unlock()

	for _, client := range clients {
		close(client.send)
		h.release(client)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				client.log.Warn("error closing client connection", zap.Error(err))
			}
		}
	}

	h.log.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
