// Package ws streams channel diagnostic events over WebSocket.
//
// Each connection subscribes to the kernel's event emitter and receives one
// JSON frame per event. The kinds query parameter narrows the stream, and a
// subscribe message replaces the filter on a live connection.
//
// Message Types (Client → Server):
//   - ping: Keep-alive ping, answered with pong
//   - subscribe: Replace the kind filter ({"type":"subscribe","kinds":["move"]})
//
// Message Types (Server → Client):
//   - system: Welcome message
//   - event: One diagnostic event
//   - pong: Reply to ping
//   - error: Malformed client message
//
// Example Usage:
//
//	handler := ws.NewHandler(emitter, metrics, logger)
//	router.GET("/events", handler.HandleConnection)
package ws
