package channel

import (
	"context"
	"fmt"
	"io"

	"nhooyr.io/websocket"
)

// WebSocket adapts an accepted or dialed *websocket.Conn to Socket.
// Messages are written as Text frames.
type WebSocket struct {
	conn *websocket.Conn
}

var (
	_ Socket = (*WebSocket)(nil)
	_ Pinger = (*WebSocket)(nil)
)

// NewWebSocket wraps conn.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// Conn returns the underlying connection.
func (s *WebSocket) Conn() *websocket.Conn { return s.conn }

func (s *WebSocket) Writer(ctx context.Context) (io.WriteCloser, error) {
	w, err := s.conn.Writer(ctx, websocket.MessageText)
	if err != nil {
		return nil, wsError(err)
	}
	return &wsWriter{w: w}, nil
}

func (s *WebSocket) Reader(ctx context.Context) (io.Reader, error) {
	_, r, err := s.conn.Reader(ctx)
	if err != nil {
		return nil, wsError(err)
	}
	return &wsReader{r: r}, nil
}

func (s *WebSocket) Close(reason string) error {
	return wsError(s.conn.Close(websocket.StatusNormalClosure, reason))
}

func (s *WebSocket) CloseNow() error {
	return s.conn.CloseNow()
}

func (s *WebSocket) Ping(ctx context.Context) error {
	return wsError(s.conn.Ping(ctx))
}

type wsWriter struct{ w io.WriteCloser }

func (w *wsWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	return n, wsError(err)
}

func (w *wsWriter) Close() error { return wsError(w.w.Close()) }

type wsReader struct{ r io.Reader }

func (r *wsReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err == io.EOF {
		return n, err
	}
	return n, wsError(err)
}

// wsError marks errors caused by a received close frame with ErrPeerClosed.
func wsError(err error) error {
	if err == nil {
		return nil
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return fmt.Errorf("%w: status %d: %v", ErrPeerClosed, status, err)
	}
	return err
}
