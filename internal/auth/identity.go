package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthenticated is returned when the caller has not proven control of
// the identity an operation names.
var ErrUnauthenticated = errors.New("auth: caller not authenticated as required identity")

type identityKey struct{}

// WithIdentity returns a context carrying the authenticated caller identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, strings.ToLower(strings.TrimSpace(identity)))
}

// IdentityFrom returns the authenticated identity bound to ctx, if any.
func IdentityFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	return id, ok && id != ""
}

// Verifier checks that the request context was authenticated as a given
// identity. It satisfies the escrow contract's Authenticator.
type Verifier struct{}

// NewVerifier returns a context-based verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// RequireAuth fails unless ctx carries exactly the given identity.
func (v *Verifier) RequireAuth(ctx context.Context, identity string) error {
	got, ok := IdentityFrom(ctx)
	if !ok || got != strings.ToLower(strings.TrimSpace(identity)) {
		return ErrUnauthenticated
	}
	return nil
}
