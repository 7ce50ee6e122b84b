// Package threshold resolves how many owner signatures a withdrawal needs
// based on its amount.
package threshold

import (
	"fmt"
	"math"
	"sort"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
)

// Unbounded is the inclusive upper bound of the catch-all tier.
const Unbounded uint64 = math.MaxUint64

// Tier requires Required signatures for amounts up to and including MaxAmount.
type Tier struct {
	MaxAmount uint64 `json:"max_amount" yaml:"max_amount" toml:"max_amount"`
	Required  int    `json:"required" yaml:"required" toml:"required"`
}

// Tiers is a validated, ascending tier list whose last bound is Unbounded.
// The zero value is not usable; build one with NewTiers or Flat.
type Tiers struct {
	tiers []Tier
}

// NewTiers validates tiers and returns an immutable tier set.
func NewTiers(tiers []Tier) (Tiers, error) {
	if len(tiers) == 0 {
		return Tiers{}, fault.Invalidf("threshold tiers must not be empty")
	}
	for i, t := range tiers {
		if t.Required < 1 {
			return Tiers{}, fault.Invalidf("tier %d requires %d signatures, want at least 1", i, t.Required)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if t.MaxAmount == prev.MaxAmount {
			return Tiers{}, fault.Invalidf("tiers %d and %d overlap at bound %d", i-1, i, t.MaxAmount)
		}
		if t.MaxAmount < prev.MaxAmount {
			return Tiers{}, fault.Invalidf("tier bounds must be ascending: %d after %d", t.MaxAmount, prev.MaxAmount)
		}
		if t.Required < prev.Required {
			return Tiers{}, fault.Invalidf("tier %d requires %d signatures, fewer than the %d of a smaller tier", i, t.Required, prev.Required)
		}
	}
	if last := tiers[len(tiers)-1]; last.MaxAmount != Unbounded {
		return Tiers{}, fault.Invalidf("amounts above %d are not covered by any tier", last.MaxAmount)
	}

	cp := make([]Tier, len(tiers))
	copy(cp, tiers)
	return Tiers{tiers: cp}, nil
}

// Flat returns a single catch-all tier.
func Flat(required int) (Tiers, error) {
	return NewTiers([]Tier{{MaxAmount: Unbounded, Required: required}})
}

// With returns a new tier set with a bounded tier inserted. A bound of
// Unbounded replaces the catch-all requirement instead. The receiver is
// not modified.
func (ts Tiers) With(maxAmount uint64, required int) (Tiers, error) {
	next := ts.List()
	if maxAmount == Unbounded {
		if len(next) == 0 {
			return NewTiers([]Tier{{MaxAmount: Unbounded, Required: required}})
		}
		next[len(next)-1].Required = required
		return NewTiers(next)
	}
	for _, t := range next {
		if t.MaxAmount == maxAmount {
			return Tiers{}, fault.Invalidf("a tier with bound %d already exists", maxAmount)
		}
	}
	next = append(next, Tier{MaxAmount: maxAmount, Required: required})
	sort.Slice(next, func(i, j int) bool { return next[i].MaxAmount < next[j].MaxAmount })
	return NewTiers(next)
}

// List returns a copy of the tiers in ascending order.
func (ts Tiers) List() []Tier {
	out := make([]Tier, len(ts.tiers))
	copy(out, ts.tiers)
	return out
}

// Len returns the number of tiers.
func (ts Tiers) Len() int { return len(ts.tiers) }

// Max returns the highest signature requirement across all tiers.
func (ts Tiers) Max() int {
	if len(ts.tiers) == 0 {
		return 0
	}
	return ts.tiers[len(ts.tiers)-1].Required
}

// Resolve returns the requirement of the first tier whose bound covers amount.
func (ts Tiers) Resolve(amount uint64) (int, error) {
	return RequiredSignatures(amount, ts)
}

// RequiredSignatures returns the requirement of the first tier whose
// inclusive upper bound is at least amount.
func RequiredSignatures(amount uint64, ts Tiers) (int, error) {
	if len(ts.tiers) == 0 {
		return 0, fault.Invalidf("threshold tiers must not be empty")
	}
	i := sort.Search(len(ts.tiers), func(i int) bool { return ts.tiers[i].MaxAmount >= amount })
	if i == len(ts.tiers) {
		// Unreachable for validated tiers.
		return 0, fault.Invalidf("no tier covers amount %d", amount)
	}
	return ts.tiers[i].Required, nil
}

func (t Tier) String() string {
	if t.MaxAmount == Unbounded {
		return fmt.Sprintf("<=∞:%d", t.Required)
	}
	return fmt.Sprintf("<=%d:%d", t.MaxAmount, t.Required)
}
