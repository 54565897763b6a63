package admin

import "context"

type ctxKey struct{}

func WithCapability(ctx context.Context, c *Capability) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the capability set by the admin middleware, or nil.
func FromContext(ctx context.Context) *Capability {
	c, _ := ctx.Value(ctxKey{}).(*Capability)
	return c
}
