package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"morsel/internal/domain"
	"morsel/internal/infra/metrics"
	"morsel/internal/usecase/correlation"
	"morsel/internal/usecase/pipeline"
)

// DefaultMaxDecodeFailures is the number of consecutive malformed messages
// after which a stream is treated as corrupted.
const DefaultMaxDecodeFailures = 5

// ConnOptions configures a Connection.
type ConnOptions struct {
	Pipeline          *pipeline.Pipeline
	Timeout           time.Duration // per outgoing Invoke; 0 disables
	MaxDecodeFailures int
	// MaxQueued bounds invocations waiting behind the running one. Defaults
	// to DefaultMaxQueued.
	MaxQueued         int
	Logger            *slog.Logger
	Metrics           *metrics.Collectors
	// Gated holds outgoing traffic until Announce has sent the ConnectionEvent.
	Gated bool
}

// Handlers receive decoded inbound envelopes. Nil handlers drop the message.
type Handlers struct {
	// OnInvocation runs invocations one at a time, in arrival order.
	OnInvocation      func(ctx context.Context, d domain.InvocationDescriptor)
	OnConnectionEvent func(ctx context.Context, id string)
	OnText            func(ctx context.Context, text string)
	// OnError receives Error envelopes not attributable to a pending call.
	OnError func(ctx context.Context, message string)
}

// Connection is a logical session: an id, a Channel and the shared pipeline.
// It implements domain.Peer.
type Connection struct {
	id      string
	ch      domain.Channel
	pipe    *pipeline.Pipeline
	table   *correlation.Table
	timeout time.Duration
	maxBad  int
	queued  int
	logger  *slog.Logger
	metrics *metrics.Collectors

	gate     chan struct{}
	gateOnce sync.Once
}

var _ domain.Peer = (*Connection)(nil)

// NewConnection binds id to ch.
func NewConnection(id string, ch domain.Channel, opts ConnOptions) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBad := opts.MaxDecodeFailures
	if maxBad <= 0 {
		maxBad = DefaultMaxDecodeFailures
	}
	c := &Connection{
		id:      id,
		ch:      ch,
		pipe:    opts.Pipeline,
		timeout: opts.Timeout,
		maxBad:  maxBad,
		queued:  opts.MaxQueued,
		logger:  logger.With("conn_id", id),
		metrics: opts.Metrics,
	}
	c.table = correlation.NewTable(c.logger)
	if opts.Gated {
		c.gate = make(chan struct{})
	}
	return c
}

func (c *Connection) ID() string { return c.id }

// State reports the channel state.
func (c *Connection) State() domain.ChannelState { return c.ch.State() }

// Pending returns the number of outstanding outgoing calls.
func (c *Connection) Pending() int { return c.table.Len() }

// Announce sends the ConnectionEvent carrying the connection id and releases
// any traffic held behind it.
func (c *Connection) Announce(ctx context.Context) error {
	defer c.openGate()
	return c.write(ctx, domain.NewConnectionEnvelope(c.id))
}

func (c *Connection) openGate() {
	if c.gate != nil {
		c.gateOnce.Do(func() { close(c.gate) })
	}
}

// SendEnvelope encodes env, runs it through the send pipeline and writes it.
// A Disconnect envelope aborts the connection instead.
func (c *Connection) SendEnvelope(ctx context.Context, env domain.Envelope) error {
	if env.MessageType == domain.MessageDisconnect {
		c.logger.Info("disconnect requested")
		c.Abort()
		return nil
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.write(ctx, env)
}

func (c *Connection) write(ctx context.Context, env domain.Envelope) error {
	data, err := domain.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	return c.pipe.Send(ctx, &pipeline.Context{ConnectionID: c.id, Payload: data},
		func(ctx context.Context, mc *pipeline.Context) error {
			return c.ch.Send(ctx, bytes.NewReader(mc.Payload))
		})
}

// ReadEnvelope pulls the next full message and decodes it. Malformed
// messages yield errors wrapping domain.ErrProtocolDecode.
func (c *Connection) ReadEnvelope(ctx context.Context) (domain.Envelope, error) {
	var buf bytes.Buffer
	for chunk, err := range c.ch.Receive(ctx) {
		if err != nil {
			return domain.Envelope{}, err
		}
		buf.Write(chunk)
	}

	var env domain.Envelope
	err := c.pipe.Receive(ctx, &pipeline.Context{ConnectionID: c.id, Payload: buf.Bytes()},
		func(_ context.Context, mc *pipeline.Context) error {
			var err error
			env, err = domain.UnmarshalEnvelope(mc.Payload)
			return err
		})
	if errors.Is(err, domain.ErrPipelineStalled) {
		err = fmt.Errorf("%w: %v", domain.ErrProtocolDecode, err)
	}
	return env, err
}

// Invoke calls method on the peer and waits for its result. It returns the
// raw JSON result or an error wrapping one of domain.ErrInvocationFault,
// ErrInvocationTimeout or ErrInvocationCancelled.
func (c *Connection) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	return c.InvokeRaw(ctx, method, raw)
}

// InvokeRaw is Invoke with pre-serialized arguments.
func (c *Connection) InvokeRaw(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	p, err := c.table.Register(c.timeout)
	if err != nil {
		return nil, err
	}

	env, err := domain.NewInvocationEnvelope(domain.InvocationDescriptor{ID: p.ID(), MethodName: method, Arguments: nonNil(args)})
	if err != nil {
		c.table.Cancel(p.ID(), err)
		return nil, err
	}
	if err := c.SendEnvelope(ctx, env); err != nil {
		c.table.Cancel(p.ID(), err)
		return nil, fmt.Errorf("%w: send %s: %v", domain.ErrInvocationCancelled, method, err)
	}

	result, err := p.Wait(ctx)
	var remote *domain.RemoteError
	if errors.As(err, &remote) && remote.Method == "" {
		remote.Method = method
	}
	return result, err
}

// Notify sends a fire-and-forget invocation; the peer sends nothing back.
func (c *Connection) Notify(ctx context.Context, method string, args ...any) error {
	raw, err := encodeArgs(args)
	if err != nil {
		return err
	}
	env, err := domain.NewInvocationEnvelope(domain.InvocationDescriptor{MethodName: method, Arguments: raw})
	if err != nil {
		return err
	}
	return c.SendEnvelope(ctx, env)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping probes the peer when the channel supports liveness checks.
func (c *Connection) Ping(ctx context.Context) error {
	if st := c.ch.State(); st != domain.ChannelOpen {
		return fmt.Errorf("%w: ping on %s channel", domain.ErrChannelClosed, st)
	}
	if p, ok := c.ch.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close performs a graceful close of the channel.
func (c *Connection) Close(reason string) error {
	c.openGate()
	return c.ch.Close(reason)
}

// Abort closes the channel without notifying the peer.
func (c *Connection) Abort() {
	c.openGate()
	c.ch.Abort()
}

// Run is the receive loop. It returns when the channel leaves Open, ctx ends,
// or the stream is judged corrupted. Every call still pending on return is
// cancelled.
func (c *Connection) Run(ctx context.Context, h Handlers) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := newInbox(c.queued)
	var wg sync.WaitGroup
	wg.Go(func() {
		queue.drain(ctx, func(d domain.InvocationDescriptor) {
			if h.OnInvocation != nil {
				h.OnInvocation(ctx, d)
			}
		})
	})
	defer func() {
		cancel()
		if n := c.table.CancelAll(domain.ErrChannelClosed); n > 0 {
			c.logger.Debug("cancelled pending calls", "count", n)
		}
		queue.close()
		wg.Wait()
	}()

	failures := 0
	for {
		env, err := c.ReadEnvelope(ctx)
		if err == nil {
			var stop bool
			stop, err = c.route(ctx, env, h, queue)
			if stop {
				return nil
			}
		}
		if err == nil {
			failures = 0
			continue
		}
		if !errors.Is(err, domain.ErrProtocolDecode) {
			return err
		}

		failures++
		c.metrics.DecodeError()
		c.logger.Warn("dropping malformed message", "error", err, "consecutive", failures)
		if failures >= c.maxBad {
			c.Abort()
			return fmt.Errorf("%w: %d consecutive malformed messages", domain.ErrTransportFault, failures)
		}
	}
}

// route dispatches one envelope. stop reports a Disconnect directive.
func (c *Connection) route(ctx context.Context, env domain.Envelope, h Handlers, queue *inbox) (stop bool, err error) {
	switch env.MessageType {
	case domain.MessageClientMethodInvocation:
		d, err := env.Invocation()
		if err != nil {
			return false, err
		}
		if !queue.push(d) {
			c.refuse(ctx, d)
		}

	case domain.MessageInvocationResult:
		r, err := env.InvocationResult()
		if err != nil {
			return false, err
		}
		if r.Error != "" {
			c.table.Reject(r.ID, domain.NewRemoteError("", r.Error))
		} else {
			c.table.Resolve(r.ID, r.Result)
		}

	case domain.MessageError:
		if env.ID != "" && c.table.Reject(env.ID, domain.NewRemoteError("", env.Data)) {
			return false, nil
		}
		if h.OnError != nil {
			h.OnError(ctx, env.Data)
		}

	case domain.MessageConnectionEvent:
		if h.OnConnectionEvent != nil {
			h.OnConnectionEvent(ctx, env.Data)
		}

	case domain.MessageText:
		if h.OnText != nil {
			h.OnText(ctx, env.Data)
		}

	case domain.MessageDisconnect:
		c.Abort()
		return true, nil
	}
	return false, nil
}

// refuse answers an invocation the inbox had no room for. Fire-and-forget
// calls are dropped.
func (c *Connection) refuse(ctx context.Context, d domain.InvocationDescriptor) {
	c.metrics.Invocation(d.MethodName, metrics.OutcomeRateLimited, 0)
	c.logger.Warn("invocation queue full", "method", d.MethodName, "id", d.ID)
	if d.ID == "" {
		return
	}
	env, err := domain.NewResultEnvelope(domain.InvocationResultDescriptor{
		ID:    d.ID,
		Error: fmt.Sprintf("%v: %s queue full", domain.ErrRateLimit, d.MethodName),
	})
	if err != nil {
		return
	}
	if err := c.SendEnvelope(ctx, env); err != nil {
		c.logger.Debug("refusal not delivered", "error", err, "id", d.ID)
	}
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		raw[i] = data
	}
	return raw, nil
}

func nonNil(args []json.RawMessage) []json.RawMessage {
	if args == nil {
		return []json.RawMessage{}
	}
	return args
}
