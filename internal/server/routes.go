// Package server wires HTTP handlers into a ServeMux for the chatcanvas
// application via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
func SetupRoutes(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler(hub))
	mux.HandleFunc("/healthz", HealthHandler(hub))
	mux.HandleFunc("/ws", WebSocketHandler(hub))
	return mux
}
