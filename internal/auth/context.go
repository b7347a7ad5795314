package auth

import "context"

// Context is what the authorizer learned about the caller. Zero value means anonymous.
type Context struct {
	// PrincipalID is the subject the token was issued to.
	PrincipalID string
	// CanonicalID is the caller's stable identity, used for audit logging and rate limiting.
	CanonicalID string
	// Token is the raw bearer token as presented.
	Token string
}

// Anonymous reports whether no authenticated identity is present.
func (c Context) Anonymous() bool { return c.CanonicalID == "" && c.PrincipalID == "" }

type ctxKey struct{}

// WithContext stores the authorizer context on ctx.
func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// FromContext returns the authorizer context on ctx, or the anonymous zero value.
func FromContext(ctx context.Context) Context {
	ac, _ := ctx.Value(ctxKey{}).(Context)
	return ac
}
