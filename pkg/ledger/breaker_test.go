package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	failing := Func(func(context.Context, TransferRequest) (*Receipt, error) {
		calls++
		return nil, errors.New("custody timeout")
	})
	b := NewBreaker(failing, BreakerSettings{
		Name:                "test",
		MaxRequests:         1,
		Timeout:             time.Hour,
		ConsecutiveFailures: 2,
	}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Transfer(ctx, request("p-1", 1))
		assert.ErrorContains(t, err, "custody timeout")
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Transfer(ctx, request("p-1", 1))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, calls, "open breaker does not call through")
}

func TestBreaker_PassesThroughSuccess(t *testing.T) {
	j := NewJournal()
	b := NewBreaker(j, DefaultBreakerSettings(), nil)

	r, err := b.Transfer(context.Background(), request("p-1", 7))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), r.Amount)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_IgnoresRejectedRequests(t *testing.T) {
	b := NewBreaker(NewJournal(), BreakerSettings{ConsecutiveFailures: 1, Timeout: time.Hour}, nil)
	for i := 0; i < 3; i++ {
		_, err := b.Transfer(context.Background(), request("p-1", 0))
		assert.ErrorIs(t, err, ErrInvalidTransfer)
	}
	assert.Equal(t, "closed", b.State())
}
