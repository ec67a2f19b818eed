package domain

import "context"

type ctxKey string

const (
	connectionCtxKey ctxKey = "connection_id"
	principalCtxKey  ctxKey = "principal"
)

// ContextWithConnectionID returns a new context carrying the connection id.
func ContextWithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionCtxKey, id)
}

// ConnectionIDFromContext extracts the connection id from the context.
// Returns empty string if not set.
func ConnectionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(connectionCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithPrincipal returns a new context carrying the authenticated client name.
func ContextWithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalCtxKey, name)
}

// PrincipalFromContext extracts the authenticated client name, if any.
func PrincipalFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(principalCtxKey).(string); ok {
		return v
	}
	return ""
}
