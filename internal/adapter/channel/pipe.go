package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

const pipeFrameBuffer = 1024

var errPipeClosed = errors.New("pipe: use of closed socket")

type pipeFrame struct {
	data []byte
	fin  bool
}

type pipeSide struct {
	frames chan pipeFrame
	done   chan struct{}
	once   sync.Once
	reason string
}

func (s *pipeSide) close(reason string) {
	s.once.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// PipeSocket is one end of an in-memory linked socket pair.
type PipeSocket struct {
	local  *pipeSide
	remote *pipeSide
}

var (
	_ Socket = (*PipeSocket)(nil)
	_ Pinger = (*PipeSocket)(nil)
)

// Pipe returns two linked sockets. Frames written to one are read from the other
// in order.
func Pipe() (*PipeSocket, *PipeSocket) {
	a := &pipeSide{frames: make(chan pipeFrame, pipeFrameBuffer), done: make(chan struct{})}
	b := &pipeSide{frames: make(chan pipeFrame, pipeFrameBuffer), done: make(chan struct{})}
	return &PipeSocket{local: a, remote: b}, &PipeSocket{local: b, remote: a}
}

func (p *PipeSocket) Writer(ctx context.Context) (io.WriteCloser, error) {
	if err := p.closedErr(); err != nil {
		return nil, err
	}
	return &pipeWriter{p: p, ctx: ctx}, nil
}

func (p *PipeSocket) Reader(ctx context.Context) (io.Reader, error) {
	f, err := p.next(ctx)
	if err != nil {
		return nil, err
	}
	return &pipeReader{p: p, ctx: ctx, cur: f}, nil
}

func (p *PipeSocket) Close(reason string) error {
	p.local.close(reason)
	return nil
}

func (p *PipeSocket) CloseNow() error {
	p.local.close("")
	return nil
}

func (p *PipeSocket) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.closedErr()
}

func (p *PipeSocket) closedErr() error {
	select {
	case <-p.local.done:
		return errPipeClosed
	default:
	}
	select {
	case <-p.remote.done:
		return fmt.Errorf("%w: %s", ErrPeerClosed, p.remote.reason)
	default:
	}
	return nil
}

// send delivers f to the peer. Frames flow through the local side's queue.
func (p *PipeSocket) send(ctx context.Context, f pipeFrame) error {
	if err := p.closedErr(); err != nil {
		return err
	}
	select {
	case p.local.frames <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.local.done:
		return errPipeClosed
	case <-p.remote.done:
		return fmt.Errorf("%w: %s", ErrPeerClosed, p.remote.reason)
	}
}

// next reads the peer's next frame. Queued frames are drained before a peer
// close is reported.
func (p *PipeSocket) next(ctx context.Context) (pipeFrame, error) {
	select {
	case f := <-p.remote.frames:
		return f, nil
	default:
	}
	select {
	case f := <-p.remote.frames:
		return f, nil
	case <-ctx.Done():
		return pipeFrame{}, ctx.Err()
	case <-p.local.done:
		return pipeFrame{}, errPipeClosed
	case <-p.remote.done:
		select {
		case f := <-p.remote.frames:
			return f, nil
		default:
		}
		return pipeFrame{}, fmt.Errorf("%w: %s", ErrPeerClosed, p.remote.reason)
	}
}

type pipeWriter struct {
	p      *PipeSocket
	ctx    context.Context
	closed bool
}

func (w *pipeWriter) Write(b []byte) (int, error) {
	if w.closed {
		return 0, errors.New("pipe: write after message close")
	}
	data := make([]byte, len(b))
	copy(data, b)
	if err := w.p.send(w.ctx, pipeFrame{data: data}); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *pipeWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.p.send(w.ctx, pipeFrame{fin: true})
}

type pipeReader struct {
	p   *PipeSocket
	ctx context.Context
	cur pipeFrame
	off int
}

func (r *pipeReader) Read(b []byte) (int, error) {
	for r.off >= len(r.cur.data) {
		if r.cur.fin {
			return 0, io.EOF
		}
		f, err := r.p.next(r.ctx)
		if err != nil {
			return 0, err
		}
		r.cur, r.off = f, 0
	}
	n := copy(b, r.cur.data[r.off:])
	r.off += n
	return n, nil
}
