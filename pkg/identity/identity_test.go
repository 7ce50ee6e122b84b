package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
)

var secret = []byte(strings.Repeat("k", 32))

func TestContextAuthority(t *testing.T) {
	var a Authority = ContextAuthority{}
	ctx := context.Background()

	assert.ErrorIs(t, a.Confirm(ctx, "alice"), fault.ErrNotAuthorizedSigner)

	ctx = WithPrincipal(ctx, "alice")
	assert.NoError(t, a.Confirm(ctx, "alice"))
	assert.ErrorIs(t, a.Confirm(ctx, "bob"), fault.ErrNotAuthorizedSigner)

	p, err := GetPrincipal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", p)
}

func TestTrusted(t *testing.T) {
	assert.NoError(t, Trusted{}.Confirm(context.Background(), "anyone"))
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	now := time.Now()
	ti, err := NewTokenIssuer(secret)
	require.NoError(t, err)
	ti.WithClock(func() time.Time { return now })

	tok, err := ti.Issue("alice", time.Hour, "tr-1")
	require.NoError(t, err)

	claims, err := ti.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"tr-1"}, claims.TreasuryIDs)
}

func TestTokenIssuer_Rejects(t *testing.T) {
	_, err := NewTokenIssuer([]byte("short"))
	assert.Error(t, err)

	now := time.Now()
	ti, err := NewTokenIssuer(secret)
	require.NoError(t, err)
	ti.WithClock(func() time.Time { return now })

	tok, err := ti.Issue("alice", time.Minute)
	require.NoError(t, err)

	ti.WithClock(func() time.Time { return now.Add(time.Hour) })
	_, err = ti.Verify(tok)
	assert.Error(t, err, "expired")

	other, err := NewTokenIssuer([]byte(strings.Repeat("x", 32)))
	require.NoError(t, err)
	_, err = other.Verify(tok)
	assert.Error(t, err, "wrong key")

	_, err = ti.Issue("", time.Minute)
	assert.Error(t, err)
}

func TestTokenAuthority(t *testing.T) {
	ti, err := NewTokenIssuer(secret)
	require.NoError(t, err)
	a := NewTokenAuthority(ti)

	tok, err := ti.Issue("bob", time.Hour)
	require.NoError(t, err)
	ctx := WithToken(context.Background(), tok)

	assert.NoError(t, a.Confirm(ctx, "bob"))
	assert.ErrorIs(t, a.Confirm(ctx, "alice"), fault.ErrNotAuthorizedSigner)
	assert.ErrorIs(t, a.Confirm(context.Background(), "bob"), fault.ErrNotAuthorizedSigner)
	assert.ErrorIs(t, a.Confirm(WithToken(context.Background(), "garbage"), "bob"), fault.ErrNotAuthorizedSigner)
}
