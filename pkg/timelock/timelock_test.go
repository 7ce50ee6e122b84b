package timelock

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
)

func TestHours_FixedPoints(t *testing.T) {
	tests := []struct {
		amount uint64
		want   uint64
	}{
		{0, 24},
		{999, 24},
		{1000, 25},
		{5000, 29},
		{50000, 74},
		{144000, 168},
		{200000, 168},
		{math.MaxUint64, 168},
	}
	for _, tt := range tests {
		got, err := Hours(tt.amount, 24, 1000, 168)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "amount %d", tt.amount)
	}
}

func TestHours_ZeroDivisor(t *testing.T) {
	_, err := Hours(1000, 24, 0, 168)
	assert.ErrorIs(t, err, fault.ErrInvalidPolicyConfig)
}

func TestHours_SaturatesOnOverflow(t *testing.T) {
	got, err := Hours(math.MaxUint64, math.MaxUint64-1, 1, math.MaxUint64)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), got)
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())

	err := Params{BaseHours: 24, AmountDivisor: 0, MaxHours: 168}.Validate()
	assert.ErrorIs(t, err, fault.ErrInvalidPolicyConfig)

	err = Params{BaseHours: 48, AmountDivisor: 1000, MaxHours: 24}.Validate()
	assert.ErrorIs(t, err, fault.ErrInvalidPolicyConfig)
}

func TestParams_Until(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until, err := DefaultParams().Until(now, 5000)
	require.NoError(t, err)
	assert.Equal(t, now.Add(29*time.Hour), until)
}

func TestDuration_Saturates(t *testing.T) {
	assert.Equal(t, 2*time.Hour, Duration(2))
	assert.Equal(t, time.Duration(math.MaxInt64), Duration(math.MaxUint64))
}
