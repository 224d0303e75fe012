package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// readWait bounds the silence between client messages. The client pings
	// well inside it and the bridge pings the client during preflight.
	readWait = 5 * time.Minute
	// MaxMessageSize fits a base64 webcam frame with headroom.
	MaxMessageSize = 4 << 20
)

// Prepare applies the read limit to a freshly upgraded connection.
func Prepare(conn *websocket.Conn) {
	conn.SetReadLimit(MaxMessageSize)
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
// Callers must serialize writes to conn.
func WriteTyped(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// ReadJSON reads and decodes the next client message, extending the read
// deadline first.
func ReadJSON(conn *websocket.Conn, v any) error {
	conn.SetReadDeadline(time.Now().Add(readWait))
	return conn.ReadJSON(v)
}

// WriteClose sends a normal-closure frame carrying reason. Control frames
// may be written concurrently with WriteTyped.
func WriteClose(conn *websocket.Conn, reason string, wait time.Duration) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait))
}

// NewError builds a typed ErrorResponse.
func NewError(errMsg string) ErrorResponse {
	return ErrorResponse{Event: EventError, Error: errMsg}
}
