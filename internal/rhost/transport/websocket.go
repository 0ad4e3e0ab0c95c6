package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
)

const closeGracePeriod = time.Second

// WebSocket is a Transport over a gorilla/websocket connection. Each message
// is one text frame.
type WebSocket struct {
	conn *websocket.Conn

	mu sync.Mutex // serialises writes

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &WebSocket{conn: conn, closed: make(chan struct{})}
}

// Send writes msg as a single text frame, honouring the ctx deadline.
func (w *WebSocket) Send(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.isClosed() {
		return ErrClosed
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if w.isClosed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Receive reads the next text or binary frame. A normal close from the peer
// is reported as io.EOF.
func (w *WebSocket) Receive() (*protocol.Message, error) {
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			if w.isClosed() {
				return nil, ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		return protocol.Unmarshal(data)
	}
}

// Close sends a close frame and tears down the connection.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		// WriteControl may run concurrently with WriteMessage.
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

func (w *WebSocket) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}
