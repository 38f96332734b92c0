package auth

import (
	"context"
	"time"
)

// Context is the identity established by a verified bearer token.
type Context struct {
	UserID    string
	OrgID     string
	Roles     []string
	JWTID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type contextKey struct{}

// NewContext returns a new context carrying authCtx.
func NewContext(ctx context.Context, authCtx *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, authCtx)
}

// FromContext returns the identity stored in ctx, or nil.
func FromContext(ctx context.Context) *Context {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(contextKey{}).(*Context)
	return a
}
