// Package identity confirms that a caller really is the owner identity it
// claims to be. The engine never verifies signatures itself; it asks an
// Authority.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
)

// Authority confirms caller identities.
type Authority interface {
	// Confirm returns nil when the request carried by ctx is authenticated
	// as id. Failures wrap fault.ErrNotAuthorizedSigner.
	Confirm(ctx context.Context, id string) error
}

// Trusted accepts every identity. Use it when the caller has already
// authenticated the request, for example in simulations.
type Trusted struct{}

func (Trusted) Confirm(context.Context, string) error { return nil }

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches an authenticated identity to the context.
func WithPrincipal(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, principalKey, id)
}

// GetPrincipal retrieves the authenticated identity from the context.
func GetPrincipal(ctx context.Context) (string, error) {
	id, ok := ctx.Value(principalKey).(string)
	if !ok || id == "" {
		return "", errors.New("no principal in context")
	}
	return id, nil
}

// ContextAuthority accepts id when it matches the principal attached with
// WithPrincipal.
type ContextAuthority struct{}

func (ContextAuthority) Confirm(ctx context.Context, id string) error {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", fault.ErrNotAuthorizedSigner, err)
	}
	if p != id {
		return fmt.Errorf("%w: authenticated as %q, acting as %q", fault.ErrNotAuthorizedSigner, p, id)
	}
	return nil
}
