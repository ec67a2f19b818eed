package channel

import (
	"context"
	"errors"
	"io"
)

// ErrPeerClosed is wrapped by Socket errors caused by the peer completing a close.
var ErrPeerClosed = errors.New("peer closed the socket")

// Socket is an already-upgraded duplex socket that frames logical messages.
type Socket interface {
	// Writer starts one logical message. Each Write emits a non-final frame and
	// Close emits the final frame.
	Writer(ctx context.Context) (io.WriteCloser, error)
	// Reader returns the next logical message; it reports io.EOF at end-of-message.
	Reader(ctx context.Context) (io.Reader, error)
	// Close performs the close handshake.
	Close(reason string) error
	// CloseNow tears the socket down without a handshake.
	CloseNow() error
}

// Pinger is implemented by sockets that support liveness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}
