package ports

import (
	"context"
	"time"
)

// StreamConn is one open streaming connection.
// *websocket.Conn from gorilla/websocket satisfies it.
type StreamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// StreamDialer performs the authenticated handshake.
// A rejected handshake is reported as *domain.ConnectionError.
type StreamDialer interface {
	Dial(ctx context.Context) (StreamConn, error)
}
