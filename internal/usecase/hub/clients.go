package hub

import (
	"context"

	"morsel/internal/domain"
)

// Clients builds backplane-routed proxies for pushing to connections.
type Clients struct {
	bp domain.Backplane
}

// Client addresses one connection, on whichever process owns it.
func (c Clients) Client(id string) ClientProxy {
	return ClientProxy{bp: c.bp, target: domain.ConnectionTarget(id)}
}

// Group addresses every member of group.
func (c Clients) Group(name string) ClientProxy {
	return ClientProxy{bp: c.bp, target: domain.GroupTarget(name)}
}

// All addresses every connection on every process.
func (c Clients) All() ClientProxy {
	return ClientProxy{bp: c.bp, target: domain.AllTarget()}
}

// ClientProxy sends fire-and-forget traffic to a target.
type ClientProxy struct {
	bp     domain.Backplane
	target domain.Target
}

// Target returns the proxy's selector.
func (p ClientProxy) Target() domain.Target { return p.target }

// Invoke pushes a ClientMethodInvocation without a correlation id.
func (p ClientProxy) Invoke(ctx context.Context, method string, args ...any) error {
	raw, err := encodeArgs(args)
	if err != nil {
		return err
	}
	env, err := domain.NewInvocationEnvelope(domain.InvocationDescriptor{MethodName: method, Arguments: raw})
	if err != nil {
		return err
	}
	return p.bp.Send(ctx, p.target, env)
}

// Text pushes an informational Text envelope.
func (p ClientProxy) Text(ctx context.Context, text string) error {
	return p.bp.Send(ctx, p.target, domain.NewTextEnvelope(text))
}

// Disconnect asks the owning process to abort the targeted connections.
func (p ClientProxy) Disconnect(ctx context.Context) error {
	return p.bp.Send(ctx, p.target, domain.NewDisconnectEnvelope())
}
