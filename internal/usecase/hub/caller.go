package hub

import (
	"context"
	"encoding/json"

	"morsel/internal/domain"
)

type callerKey struct{}

// Caller is the connection on whose behalf a hub method or hook is running.
type Caller struct {
	conn    *Connection
	bp      domain.Backplane
	clients Clients
}

// CallerFromContext returns the caller attached by the dispatcher.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*Caller)
	return c, ok
}

func withCaller(ctx context.Context, c *Caller) context.Context {
	ctx = domain.ContextWithConnectionID(ctx, c.conn.ID())
	return context.WithValue(ctx, callerKey{}, c)
}

// ConnectionID returns the caller's connection id.
func (c *Caller) ConnectionID() string { return c.conn.ID() }

// Join adds the caller to group.
func (c *Caller) Join(ctx context.Context, group string) error {
	return c.bp.AddToGroup(ctx, c.conn.ID(), group)
}

// Leave removes the caller from group.
func (c *Caller) Leave(ctx context.Context, group string) error {
	return c.bp.RemoveFromGroup(ctx, c.conn.ID(), group)
}

// Clients addresses other connections through the backplane.
func (c *Caller) Clients() Clients { return c.clients }

// Invoke calls a method on the caller's own client and waits for the result.
func (c *Caller) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return c.conn.Invoke(ctx, method, args...)
}

// Disconnect aborts the caller's connection without a close handshake.
// The result of the running method is never delivered.
func (c *Caller) Disconnect(ctx context.Context) error {
	return c.conn.SendEnvelope(ctx, domain.NewDisconnectEnvelope())
}
