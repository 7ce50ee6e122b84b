package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
)

const (
	tokenIssuer   = "treasury/identity"
	tokenAudience = "treasury.signers"
)

// OwnerClaims are the claims of an owner session token.
type OwnerClaims struct {
	jwt.RegisteredClaims
	TreasuryIDs []string `json:"treasury_ids,omitempty"`
}

// TokenIssuer issues and verifies HMAC-signed owner tokens.
type TokenIssuer struct {
	secret []byte
	clock  func() time.Time
}

// NewTokenIssuer creates an issuer. The secret must be at least 32 bytes.
func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("identity: token secret must be at least 32 bytes")
	}
	return &TokenIssuer{secret: secret, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (ti *TokenIssuer) WithClock(clock func() time.Time) *TokenIssuer {
	ti.clock = clock
	return ti
}

// Issue creates a signed token for owner, optionally scoped to treasuries.
func (ti *TokenIssuer) Issue(owner string, ttl time.Duration, treasuryIDs ...string) (string, error) {
	if owner == "" {
		return "", errors.New("identity: owner must not be empty")
	}
	now := ti.clock().UTC()
	claims := OwnerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
		},
		TreasuryIDs: treasuryIDs,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
}

// Verify parses and validates a token string.
func (ti *TokenIssuer) Verify(tokenString string) (*OwnerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OwnerClaims{}, func(t *jwt.Token) (interface{}, error) {
		return ti.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(ti.clock),
	)
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*OwnerClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenSignatureInvalid
}

const tokenKey contextKey = "token"

// WithToken attaches a bearer token to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// TokenAuthority accepts id when the context carries a valid token whose
// subject is id.
type TokenAuthority struct {
	issuer *TokenIssuer
}

func NewTokenAuthority(issuer *TokenIssuer) *TokenAuthority {
	return &TokenAuthority{issuer: issuer}
}

func (a *TokenAuthority) Confirm(ctx context.Context, id string) error {
	raw, _ := ctx.Value(tokenKey).(string)
	if raw == "" {
		return fmt.Errorf("%w: no token in context", fault.ErrNotAuthorizedSigner)
	}
	claims, err := a.issuer.Verify(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", fault.ErrNotAuthorizedSigner, err)
	}
	if claims.Subject != id {
		return fmt.Errorf("%w: token subject %q, acting as %q", fault.ErrNotAuthorizedSigner, claims.Subject, id)
	}
	return nil
}
