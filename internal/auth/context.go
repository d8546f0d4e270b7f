// ABOUTME: Authenticated caller identity carried through request handlers
// ABOUTME: Provides WithClaims/FromContext for propagating token claims via context

package auth

import "context"

type claimsKey struct{}

// WithClaims returns a new context carrying the caller's claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext returns the caller's claims, or nil when the request was not
// authenticated (open API mode).
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// Subject returns the caller's subject for logging, or "anonymous".
func Subject(ctx context.Context) string {
	if c := FromContext(ctx); c != nil {
		return c.Subject
	}
	return "anonymous"
}
