// Package server implements the HTTP and WebSocket transport for chatcanvas.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, event dispatch, routing, and HTTP handlers. The
// hub owns connection lifecycles; every decoded event is handed to the
// Dispatcher, which calls into the coordination services.
package server
