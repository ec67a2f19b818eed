package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"morsel/internal/domain"
	"morsel/internal/infra/metrics"
	"morsel/internal/infra/tracer"
	"morsel/internal/usecase/pipeline"
)

// Options configures a Dispatcher.
type Options struct {
	Pipeline          *pipeline.Pipeline
	InvocationTimeout time.Duration
	MaxDecodeFailures int
	MaxQueued         int
	// RateLimit caps inbound invocations per connection. Zero disables it.
	RateLimit rate.Limit
	Burst     int
	Logger    *slog.Logger
	Metrics   *metrics.Collectors
	Bus       domain.EventBus
}

// Dispatcher is the server side of a hub: it accepts channels, runs their
// receive loops and answers invocations from the registry.
type Dispatcher struct {
	registry *Registry
	bp       domain.Backplane
	opts     Options
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionID returns a fresh opaque connection id.
func NewConnectionID() string { return uuid.NewString() }

// NewDispatcher builds a dispatcher serving registry over bp.
func NewDispatcher(registry *Registry, bp domain.Backplane, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RateLimit > 0 && opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Dispatcher{
		registry: registry,
		bp:       bp,
		opts:     opts,
		logger:   logger,
		conns:    make(map[string]*Connection),
	}
}

// Serve runs one connection over ch until it closes. The ConnectionEvent is
// always the first frame written. A normal close returns nil.
func (d *Dispatcher) Serve(ctx context.Context, ch domain.Channel) error {
	id := NewConnectionID()
	ctx = domain.ContextWithConnectionID(ctx, id)
	conn := NewConnection(id, ch, ConnOptions{
		Pipeline:          d.opts.Pipeline,
		Timeout:           d.opts.InvocationTimeout,
		MaxDecodeFailures: d.opts.MaxDecodeFailures,
		MaxQueued:         d.opts.MaxQueued,
		Logger:            d.logger,
		Metrics:           d.opts.Metrics,
		Gated:             true,
	})

	if err := d.bp.OnClientConnected(ctx, conn); err != nil {
		ch.Abort()
		return fmt.Errorf("register connection %s: %w", id, err)
	}
	d.track(conn)
	d.opts.Metrics.ConnectionOpened()

	caller := &Caller{conn: conn, bp: d.bp, clients: d.Clients()}
	announced := false
	defer func() { d.teardown(ctx, caller, announced) }()

	if err := conn.Announce(ctx); err != nil {
		return fmt.Errorf("announce connection %s: %w", id, err)
	}
	announced = true
	conn.logger.Info("client connected", "principal", domain.PrincipalFromContext(ctx))
	d.publish(ctx, domain.EventClientConnected, id, nil)

	for _, hook := range d.registry.connectedHooks() {
		hook(withCaller(ctx, caller), caller)
	}

	var limiter *rate.Limiter
	if d.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(d.opts.RateLimit, d.opts.Burst)
	}

	err := conn.Run(ctx, Handlers{
		OnInvocation: func(ctx context.Context, desc domain.InvocationDescriptor) {
			d.dispatch(ctx, caller, limiter, desc)
		},
		OnText: func(ctx context.Context, text string) {
			d.publish(ctx, domain.EventTextReceived, id, text)
		},
		OnError: func(ctx context.Context, message string) {
			conn.logger.Warn("client reported error", "error", message)
			d.publish(ctx, domain.EventErrorReceived, id, message)
		},
	})
	if err == nil || errors.Is(err, domain.ErrChannelClosed) {
		return nil
	}
	return err
}

// teardown releases everything a connection holds on this process.
func (d *Dispatcher) teardown(ctx context.Context, caller *Caller, announced bool) {
	ctx = context.WithoutCancel(ctx)
	conn := caller.conn

	d.untrack(conn.ID())
	if err := d.bp.OnClientDisconnected(ctx, conn.ID()); err != nil {
		conn.logger.Warn("backplane disconnect failed", "error", err)
	}
	conn.table.CancelAll(domain.ErrChannelClosed)
	if conn.State() == domain.ChannelOpen {
		_ = conn.Close("")
	}

	if announced {
		for _, hook := range d.registry.disconnectedHooks() {
			hook(withCaller(ctx, caller), caller)
		}
		d.publish(ctx, domain.EventClientDisconnected, conn.ID(), nil)
	}
	d.opts.Metrics.ConnectionClosed()
	conn.logger.Info("client disconnected", "state", conn.State().String())
}

func (d *Dispatcher) dispatch(ctx context.Context, caller *Caller, limiter *rate.Limiter, desc domain.InvocationDescriptor) {
	conn := caller.conn
	log := conn.logger.With("method", desc.MethodName)

	if limiter != nil && !limiter.Allow() {
		d.opts.Metrics.Invocation(desc.MethodName, metrics.OutcomeRateLimited, 0)
		log.Warn("invocation rate limited")
		d.reply(ctx, conn, desc.ID, nil, fmt.Errorf("%w: %s", domain.ErrRateLimit, desc.MethodName))
		return
	}

	m, ok := d.registry.Lookup(desc.MethodName)
	if !ok {
		d.opts.Metrics.Invocation(desc.MethodName, metrics.OutcomeUnknownMethod, 0)
		log.Warn("unknown method")
		notice := domain.NewErrorEnvelope("", fmt.Sprintf("cannot find method %q", desc.MethodName))
		if err := conn.SendEnvelope(ctx, notice); err != nil {
			log.Debug("error notice not delivered", "error", err)
		}
		d.reply(ctx, conn, desc.ID, nil, fmt.Errorf("%w: %s", domain.ErrUnknownMethod, desc.MethodName))
		return
	}

	ctx, span := tracer.StartInvocation(ctx, m.Name, conn.ID(), desc.ID)
	start := time.Now()
	result, err := d.call(withCaller(ctx, caller), m, desc.Arguments)
	elapsed := time.Since(start)
	tracer.Finish(span, err)

	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeFault
		log.Info("method failed", "error", err, "code", domain.ErrorCodeOf(err))
	}
	d.opts.Metrics.Invocation(m.Name, outcome, elapsed)
	d.publish(ctx, domain.EventInvocationCompleted, conn.ID(), map[string]any{
		"method":      m.Name,
		"outcome":     outcome,
		"duration_ms": elapsed.Milliseconds(),
	})

	d.reply(ctx, conn, desc.ID, result, err)
}

// call runs m, turning a panic into an invocation fault.
func (d *Dispatcher) call(ctx context.Context, m Method, args []json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in %s: %v", domain.ErrInvocationFault, m.Name, r)
		}
	}()
	return m.Invoke(ctx, args)
}

// reply sends the InvocationResult for id. Fire-and-forget calls (empty id)
// get nothing back.
func (d *Dispatcher) reply(ctx context.Context, conn *Connection, id string, result json.RawMessage, fault error) {
	if id == "" {
		return
	}
	r := domain.InvocationResultDescriptor{ID: id, Result: result}
	if fault != nil {
		r = domain.InvocationResultDescriptor{ID: id, Error: fault.Error()}
	}
	env, err := domain.NewResultEnvelope(r)
	if err != nil {
		conn.logger.Error("encode result", "error", err, "id", id)
		return
	}
	if err := conn.SendEnvelope(ctx, env); err != nil {
		conn.logger.Debug("result not delivered", "error", err, "id", id)
	}
}

func (d *Dispatcher) publish(ctx context.Context, t domain.EventType, connID string, payload any) {
	if d.opts.Bus != nil {
		d.opts.Bus.Publish(ctx, domain.NewEvent(t, connID, payload))
	}
}

// Clients addresses connections through the backplane.
func (d *Dispatcher) Clients() Clients { return Clients{bp: d.bp} }

// Registry returns the method registry being served.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Connection returns the locally owned connection with id.
func (d *Dispatcher) Connection(id string) (*Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conns[id]
	return c, ok
}

// Connections returns a snapshot of the locally owned connections.
func (d *Dispatcher) Connections() []*Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Connection, 0, len(d.conns))
	for _, c := range d.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of locally owned connections.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// PingAll probes every connection and aborts those that do not answer within
// timeout. It returns the number aborted.
func (d *Dispatcher) PingAll(ctx context.Context, timeout time.Duration) int {
	var failed atomic.Int32
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, c := range d.Connections() {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := c.Ping(pctx); err != nil {
				failed.Add(1)
				c.logger.Info("heartbeat failed", "error", err)
				c.Abort()
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

// CloseAll closes every local connection with a close handshake.
func (d *Dispatcher) CloseAll(reason string) {
	for _, c := range d.Connections() {
		if err := c.Close(reason); err != nil {
			c.logger.Debug("close failed", "error", err)
		}
	}
}

func (d *Dispatcher) track(c *Connection) {
	d.mu.Lock()
	d.conns[c.ID()] = c
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	delete(d.conns, id)
	d.mu.Unlock()
}
