package testutil

import (
	"context"

	gateway "github.com/eugener/shadowfax/internal"
)

// FakeOracle resolves every credential to the same identity. The zero value
// authenticates as "test-user".
type FakeOracle struct {
	Auth *gateway.AuthContext
	Err  error
}

// Authenticate returns the configured identity, or a default test identity
// keyed to the presented token.
func (f *FakeOracle) Authenticate(_ context.Context, token string) (*gateway.AuthContext, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Auth != nil {
		ac := *f.Auth
		return &ac, nil
	}
	return &gateway.AuthContext{
		UserID:  "test-user",
		OrgID:   "default",
		KeyHash: gateway.HashKey(token),
	}, nil
}

// RejectOracle refuses every credential.
type RejectOracle struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectOracle) Authenticate(context.Context, string) (*gateway.AuthContext, error) {
	return nil, gateway.ErrUnauthorized
}
