// Package timelock computes the delay that must elapse between proposal
// creation and execution.
package timelock

import (
	"math"
	"time"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
)

// Params configures the dynamic time-lock.
type Params struct {
	BaseHours     uint64 `json:"base_hours" yaml:"base_hours" toml:"base_hours"`
	AmountDivisor uint64 `json:"amount_divisor" yaml:"amount_divisor" toml:"amount_divisor"`
	MaxHours      uint64 `json:"max_hours" yaml:"max_hours" toml:"max_hours"`
}

// DefaultParams returns 24h base, one extra hour per 1000 units, capped at a week.
func DefaultParams() Params {
	return Params{
		BaseHours:     24,
		AmountDivisor: 1000,
		MaxHours:      168,
	}
}

// Validate checks the params for internal consistency.
func (p Params) Validate() error {
	if p.AmountDivisor == 0 {
		return fault.Invalidf("time-lock amount divisor must be positive")
	}
	if p.MaxHours < p.BaseHours {
		return fault.Invalidf("time-lock max hours %d below base hours %d", p.MaxHours, p.BaseHours)
	}
	return nil
}

// Hours returns min(base + amount/divisor, max).
func Hours(amount, base, divisor, max uint64) (uint64, error) {
	if divisor == 0 {
		return 0, fault.Invalidf("time-lock amount divisor must be positive")
	}
	extra := amount / divisor
	if extra > math.MaxUint64-base {
		return max, nil
	}
	if h := base + extra; h < max {
		return h, nil
	}
	return max, nil
}

// Hours applies the params to amount.
func (p Params) Hours(amount uint64) (uint64, error) {
	return Hours(amount, p.BaseHours, p.AmountDivisor, p.MaxHours)
}

// Until returns the instant at which a proposal of amount created at now
// becomes executable.
func (p Params) Until(now time.Time, amount uint64) (time.Time, error) {
	h, err := p.Hours(amount)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(Duration(h)), nil
}

// Duration converts whole hours to a time.Duration, saturating at the
// largest representable duration.
func Duration(hours uint64) time.Duration {
	const maxHours = uint64(math.MaxInt64 / int64(time.Hour))
	if hours > maxHours {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(hours) * time.Hour
}
