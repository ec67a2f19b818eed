// Package client connects to a morsel hub over WebSocket.
//
// A client invokes hub methods and can register its own methods for the
// server to call back:
//
//	c, err := client.Dial(ctx, "ws://localhost:8080/hub", client.WithToken(tok))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	c.On("Notify", func(ctx context.Context, args []json.RawMessage) (any, error) {
//		return nil, nil
//	})
//	greeting, err := client.InvokeAs[string](ctx, c, "Echo", "hello")
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"nhooyr.io/websocket"

	"morsel/internal/adapter/channel"
	"morsel/internal/domain"
	"morsel/internal/infra/tracer"
	"morsel/internal/usecase/hub"
)

// Handler runs a client method invoked by the server.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// Client is one hub connection.
type Client struct {
	conn    *hub.Connection
	methods *hub.Registry
	logger  *slog.Logger

	mu      sync.RWMutex
	onText  func(string)
	onError func(string)

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Dial opens a connection to the hub at url and waits for the server to
// assign a connection id.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ws, err := dial(ctx, url, o)
	if err != nil {
		return nil, err
	}
	if o.readLimit > 0 {
		ws.SetReadLimit(o.readLimit)
	}
	var chOpts []channel.Option
	if o.bufferSize > 0 {
		chOpts = append(chOpts, channel.WithBufferSize(o.bufferSize))
	}
	ch := channel.New(channel.NewWebSocket(ws), chOpts...)

	connOpts := hub.ConnOptions{Pipeline: o.pipeline, Timeout: o.timeout, Logger: o.logger}
	id, err := awaitConnectionID(ctx, hub.NewConnection("", ch, connOpts), o.handshake)
	if err != nil {
		ch.Abort()
		return nil, err
	}

	methods, _ := hub.NewRegistry()
	c := &Client{
		conn:    hub.NewConnection(id, ch, connOpts),
		methods: methods,
		logger:  o.logger.With("conn_id", id),
		done:    make(chan struct{}),
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.run(runCtx, o.onDisconnect)
	return c, nil
}

func dial(ctx context.Context, url string, o options) (*websocket.Conn, error) {
	header := o.header.Clone()
	if o.token != "" {
		if header == nil {
			header = make(http.Header)
		}
		header.Set("Authorization", "Bearer "+o.token)
	}

	b := &backoff.Backoff{Min: o.retryMin, Max: o.retryMax, Factor: 2, Jitter: true}
	for {
		ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
		if err == nil {
			return ws, nil
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", url, domain.ErrAuthInvalid)
		}
		attempt := int(b.Attempt())
		if attempt >= o.retries {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		d := b.Duration()
		o.logger.Info("dial failed, retrying", "url", url, "error", err, "attempt", attempt+1, "in", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", url, ctx.Err())
		}
	}
}

// awaitConnectionID reads the first envelope, which must be the
// ConnectionEvent.
func awaitConnectionID(ctx context.Context, boot *hub.Connection, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	env, err := boot.ReadEnvelope(ctx)
	if err != nil {
		return "", fmt.Errorf("await connection event: %w", err)
	}
	if env.MessageType != domain.MessageConnectionEvent || env.Data == "" {
		return "", fmt.Errorf("%w: first message is %s, want ConnectionEvent", domain.ErrProtocolDecode, env.MessageType)
	}
	return env.Data, nil
}

func (c *Client) run(ctx context.Context, onDisconnect func(error)) {
	err := c.conn.Run(ctx, hub.Handlers{
		OnInvocation: c.dispatch,
		OnText: func(_ context.Context, text string) {
			c.mu.RLock()
			fn := c.onText
			c.mu.RUnlock()
			if fn != nil {
				fn(text)
			}
		},
		OnError: func(_ context.Context, msg string) {
			c.mu.RLock()
			fn := c.onError
			c.mu.RUnlock()
			if fn != nil {
				fn(msg)
				return
			}
			c.logger.Warn("hub error", "message", msg)
		},
	})
	if errors.Is(err, domain.ErrChannelClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	c.err = err
	close(c.done)
	if onDisconnect != nil {
		onDisconnect(err)
	}
}

// dispatch answers a server invocation from the client's method registry.
func (c *Client) dispatch(ctx context.Context, d domain.InvocationDescriptor) {
	var (
		result json.RawMessage
		err    error
	)
	m, ok := c.methods.Lookup(d.MethodName)
	if !ok {
		err = fmt.Errorf("%w: %s", domain.ErrUnknownMethod, d.MethodName)
		c.logger.Warn("server invoked unknown method", "method", d.MethodName)
	} else {
		result, err = m.Invoke(ctx, d.Arguments)
	}
	if d.ID == "" {
		return
	}

	r := domain.InvocationResultDescriptor{ID: d.ID, Result: result}
	if err != nil {
		r = domain.InvocationResultDescriptor{ID: d.ID, Error: err.Error()}
	}
	env, eerr := domain.NewResultEnvelope(r)
	if eerr != nil {
		c.logger.Error("encode result", "error", eerr, "method", d.MethodName)
		return
	}
	if serr := c.conn.SendEnvelope(ctx, env); serr != nil {
		c.logger.Debug("result not delivered", "error", serr, "method", d.MethodName)
	}
}

// ID returns the connection id assigned by the server.
func (c *Client) ID() string { return c.conn.ID() }

// On registers a method the server may invoke. Names are case-sensitive and
// may be registered once.
func (c *Client) On(method string, h Handler) error {
	return c.methods.Register(hub.NewMethod(method, -1, hub.Handler(h)))
}

// OnText sets the callback for Text messages.
func (c *Client) OnText(fn func(text string)) {
	c.mu.Lock()
	c.onText = fn
	c.mu.Unlock()
}

// OnError sets the callback for Error messages that do not answer a call.
func (c *Client) OnError(fn func(message string)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Invoke calls a hub method and returns its raw JSON result.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) (result json.RawMessage, err error) {
	ctx, span := tracer.StartCall(ctx, method, c.conn.ID())
	defer func() { tracer.Finish(span, err) }()
	return c.conn.Invoke(ctx, method, args...)
}

// Notify calls a hub method without waiting for, or receiving, a result.
func (c *Client) Notify(ctx context.Context, method string, args ...any) error {
	return c.conn.Notify(ctx, method, args...)
}

// InvokeAs calls method and decodes the result into T.
func InvokeAs[T any](ctx context.Context, c *Client, method string, args ...any) (T, error) {
	var v T
	raw, err := c.Invoke(ctx, method, args...)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %s result: %v", domain.ErrProtocolDecode, method, err)
	}
	return v, nil
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil for a normal close. Only
// meaningful after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close performs a graceful close and waits for the receive loop to stop.
func (c *Client) Close() error {
	err := c.conn.Close("client closing")
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.conn.Abort()
		c.cancel()
		<-c.done
	}
	c.cancel()
	return err
}
