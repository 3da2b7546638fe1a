// ABOUTME: Client context for tracking the calling API client through handlers
// ABOUTME: Provides WithClient/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// ClientContext holds the authenticated API client extracted from a request.
type ClientContext struct {
	Name string // "sub" claim of the client token
}

// clientContextKey is the key type for storing ClientContext in context.Context.
type clientContextKey struct{}

// WithClient returns a new context with the ClientContext attached.
func WithClient(ctx context.Context, client *ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, client)
}

// FromContext retrieves the ClientContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *ClientContext {
	client, ok := ctx.Value(clientContextKey{}).(*ClientContext)
	if !ok {
		return nil
	}
	return client
}

// ClientName returns the authenticated client name, or "anonymous" when the
// request carried no client token.
func ClientName(ctx context.Context) string {
	if c := FromContext(ctx); c != nil {
		return c.Name
	}
	return "anonymous"
}
