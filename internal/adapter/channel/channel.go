// Package channel implements the transport-level duplex byte stream that a
// connection pushes and pulls raw frames through.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"morsel/internal/domain"
)

// DefaultBufferSize is the chunk size used when neither side overrides it.
const DefaultBufferSize = 8000

// Option configures a Channel.
type Option func(*Channel)

// WithBufferSize sets the chunk size for sends and receives. Non-positive values are ignored.
func WithBufferSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// Channel owns one Socket. Writes are serialized so frames of different
// messages never interleave.
type Channel struct {
	socket     Socket
	bufferSize int

	writeMu sync.Mutex
	readMu  sync.Mutex
	state   atomic.Int32
}

var _ domain.Channel = (*Channel)(nil)

// New wraps socket in an Open channel. A nil socket yields a channel in state None.
func New(socket Socket, opts ...Option) *Channel {
	c := &Channel{socket: socket, bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(c)
	}
	if socket != nil {
		c.state.Store(int32(domain.ChannelOpen))
	}
	return c
}

// State returns the current channel state, or None when there is no socket.
func (c *Channel) State() domain.ChannelState {
	if c.socket == nil {
		return domain.ChannelNone
	}
	return domain.ChannelState(c.state.Load())
}

// BufferSize returns the configured chunk size.
func (c *Channel) BufferSize() int { return c.bufferSize }

// Send copies r to the peer as one logical message, one frame per buffer-sized
// chunk. A final frame is always emitted once r reports io.EOF, even when the
// message is empty. If r fails partway the channel is aborted, so the peer
// never sees the truncated message as complete.
func (c *Channel) Send(ctx context.Context, r io.Reader) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if st := c.State(); st != domain.ChannelOpen {
		return fmt.Errorf("%w: send on %s channel", domain.ErrChannelClosed, st)
	}

	w, err := c.socket.Writer(ctx)
	if err != nil {
		return c.fault(err)
	}

	buf := make([]byte, c.bufferSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return c.fault(err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			c.Abort()
			return fmt.Errorf("%w: read message source: %w", domain.ErrChannelClosed, rerr)
		}
	}
	if err := w.Close(); err != nil {
		return c.fault(err)
	}
	return nil
}

// Receive yields the chunks of the next logical message. Each call reads a new
// message; stopping the iteration early discards the rest of that message.
func (c *Channel) Receive(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if st := c.State(); st != domain.ChannelOpen {
			yield(nil, fmt.Errorf("%w: receive on %s channel", domain.ErrChannelClosed, st))
			return
		}

		c.readMu.Lock()
		defer c.readMu.Unlock()

		r, err := c.socket.Reader(ctx)
		if err != nil {
			yield(nil, c.fault(err))
			return
		}

		buf := make([]byte, c.bufferSize)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					_, _ = io.Copy(io.Discard, r)
					return
				}
			}
			if errors.Is(rerr, io.EOF) {
				return
			}
			if rerr != nil {
				yield(nil, c.fault(rerr))
				return
			}
		}
	}
}

// ReadMessage concatenates the chunks of the next logical message.
func (c *Channel) ReadMessage(ctx context.Context) ([]byte, error) {
	return ReadMessage(ctx, c)
}

// ReadMessage concatenates the chunks of ch's next logical message.
func ReadMessage(ctx context.Context, ch domain.Channel) ([]byte, error) {
	var buf bytes.Buffer
	for chunk, err := range ch.Receive(ctx) {
		if err != nil {
			return nil, err
		}
		buf.Write(chunk)
	}
	return buf.Bytes(), nil
}

// Ping probes the peer when the socket supports it.
func (c *Channel) Ping(ctx context.Context) error {
	if st := c.State(); st != domain.ChannelOpen {
		return fmt.Errorf("%w: ping on %s channel", domain.ErrChannelClosed, st)
	}
	p, ok := c.socket.(Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return c.fault(err)
	}
	return nil
}

// Close performs the close handshake. Closing a channel that is not Open is a no-op.
func (c *Channel) Close(reason string) error {
	if !c.state.CompareAndSwap(int32(domain.ChannelOpen), int32(domain.ChannelCloseSent)) {
		return nil
	}
	err := c.socket.Close(reason)
	c.state.Store(int32(domain.ChannelClosed))
	if err != nil && !errors.Is(err, ErrPeerClosed) {
		return fmt.Errorf("channel close: %w", err)
	}
	return nil
}

// Abort tears the socket down without notifying the peer.
func (c *Channel) Abort() {
	if c.socket == nil {
		return
	}
	for {
		cur := domain.ChannelState(c.state.Load())
		if cur.Terminal() {
			return
		}
		if c.state.CompareAndSwap(int32(cur), int32(domain.ChannelAborted)) {
			break
		}
	}
	_ = c.socket.CloseNow()
}

// fault classifies a socket error and moves the channel toward a terminal state.
func (c *Channel) fault(err error) error {
	switch {
	case errors.Is(err, ErrPeerClosed):
		c.state.CompareAndSwap(int32(domain.ChannelOpen), int32(domain.ChannelCloseReceived))
		c.state.CompareAndSwap(int32(domain.ChannelCloseReceived), int32(domain.ChannelClosed))
		return fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
	case errors.Is(err, context.Canceled):
		if c.state.CompareAndSwap(int32(domain.ChannelOpen), int32(domain.ChannelClosed)) {
			_ = c.socket.CloseNow()
		}
		return fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
	}

	// A local close or abort already decided the outcome.
	st := c.State()
	if st == domain.ChannelCloseSent || st.Terminal() {
		return fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
	}
	c.Abort()
	return fmt.Errorf("%w: %v", domain.ErrTransportFault, err)
}
