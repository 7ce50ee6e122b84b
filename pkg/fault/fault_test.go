package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyViolation_MatchesKindAndFamily(t *testing.T) {
	var err error = &PolicyViolation{
		Kind:      ErrCategoryLimitExceeded,
		Scope:     "Operations",
		Period:    "daily",
		Limit:     5000,
		Projected: 6000,
	}
	wrapped := fmt.Errorf("create proposal: %w", err)

	assert.ErrorIs(t, wrapped, ErrCategoryLimitExceeded)
	assert.ErrorIs(t, wrapped, ErrPolicyViolation)
	assert.NotErrorIs(t, wrapped, ErrGlobalLimitExceeded)

	var pv *PolicyViolation
	require.True(t, errors.As(wrapped, &pv))
	assert.Equal(t, uint64(5000), pv.Limit)
	assert.Equal(t, uint64(6000), pv.Projected)
	assert.Equal(t, "category limit exceeded [Operations/daily] (limit=5000, projected=6000)", pv.Error())
}

func TestViolation_DetailOnly(t *testing.T) {
	err := Violation(ErrWhitelistRequired, "recipient alice")
	assert.Equal(t, "recipient not whitelisted: recipient alice", err.Error())
	assert.ErrorIs(t, err, ErrPolicyViolation)
}

func TestInvalidf(t *testing.T) {
	err := Invalidf("divisor must be positive, got %d", 0)
	assert.ErrorIs(t, err, ErrInvalidPolicyConfig)
	assert.Contains(t, err.Error(), "divisor must be positive, got 0")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrThresholdNotMet, true},
		{fmt.Errorf("execute: %w", ErrTimeLockActive), true},
		{ErrLedgerTransferFailed, true},
		{&PolicyViolation{Kind: ErrGlobalLimitExceeded}, true},
		{&PolicyViolation{Kind: ErrCategoryLimitExceeded}, true},
		{&PolicyViolation{Kind: ErrWhitelistRequired}, false},
		{&PolicyViolation{Kind: ErrPerTransactionCapExceeded}, false},
		{&PolicyViolation{Kind: ErrRuleDenied}, false},
		{Violation(ErrRecipientBlacklisted, "mallory"), false},
		{ErrDuplicateSignature, false},
		{ErrAlreadyFinalized, false},
		{ErrNotAuthorizedSigner, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}
