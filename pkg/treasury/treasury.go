// Package treasury holds the owner set, approval threshold, balance totals
// and freeze state of shared treasuries.
package treasury

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
)

// Treasury is a shared pool of funds controlled by an owner set.
type Treasury struct {
	ID             string    `json:"id"`
	Owners         []string  `json:"owners"`
	Threshold      int       `json:"threshold"`
	Frozen         bool      `json:"frozen"`
	FrozenBy       string    `json:"frozen_by,omitempty"`
	FrozenAt       time.Time `json:"frozen_at,omitempty"`
	TotalDeposited uint64    `json:"total_deposited"`
	TotalWithdrawn uint64    `json:"total_withdrawn"`
	CreatedAt      time.Time `json:"created_at"`

	// UnfreezeApprovals lists owners who approved lifting the current freeze.
	UnfreezeApprovals []string `json:"unfreeze_approvals,omitempty"`
}

// New validates the owner set and threshold and returns a fresh treasury.
func New(owners []string, threshold int, now time.Time) (*Treasury, error) {
	if err := validateOwners(owners); err != nil {
		return nil, err
	}
	if threshold < 1 || threshold > len(owners) {
		return nil, fmt.Errorf("%w: threshold %d out of range 1..%d", fault.ErrInvalidInput, threshold, len(owners))
	}
	return &Treasury{
		ID:        uuid.New().String(),
		Owners:    slices.Clone(owners),
		Threshold: threshold,
		CreatedAt: now,
	}, nil
}

func validateOwners(owners []string) error {
	if len(owners) == 0 {
		return fmt.Errorf("%w: treasury needs at least one owner", fault.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(owners))
	for _, o := range owners {
		if o == "" {
			return fmt.Errorf("%w: owner identity must not be empty", fault.ErrInvalidInput)
		}
		if _, dup := seen[o]; dup {
			return fmt.Errorf("%w: duplicate owner %q", fault.ErrInvalidInput, o)
		}
		seen[o] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy.
func (t *Treasury) Clone() *Treasury {
	cp := *t
	cp.Owners = slices.Clone(t.Owners)
	cp.UnfreezeApprovals = slices.Clone(t.UnfreezeApprovals)
	return &cp
}

// IsOwner reports whether id is a current owner.
func (t *Treasury) IsOwner(id string) bool {
	return slices.Contains(t.Owners, id)
}

// Balance returns deposited minus withdrawn.
func (t *Treasury) Balance() uint64 {
	return t.TotalDeposited - t.TotalWithdrawn
}

// AddOwner appends a new owner.
func (t *Treasury) AddOwner(owner string) error {
	if owner == "" {
		return fmt.Errorf("%w: owner identity must not be empty", fault.ErrInvalidInput)
	}
	if t.IsOwner(owner) {
		return fmt.Errorf("%w: %q is already an owner", fault.ErrInvalidInput, owner)
	}
	t.Owners = append(t.Owners, owner)
	return nil
}

// RemoveOwner drops owner. The remaining owners must still be able to meet
// the threshold.
func (t *Treasury) RemoveOwner(owner string) error {
	i := slices.Index(t.Owners, owner)
	if i < 0 {
		return fmt.Errorf("%w: %q is not an owner", fault.ErrInvalidInput, owner)
	}
	if len(t.Owners)-1 < t.Threshold {
		return fmt.Errorf("%w: removing %q leaves %d owners for threshold %d",
			fault.ErrInvalidInput, owner, len(t.Owners)-1, t.Threshold)
	}
	t.Owners = slices.Delete(t.Owners, i, i+1)
	t.UnfreezeApprovals = slices.DeleteFunc(t.UnfreezeApprovals, func(s string) bool { return s == owner })
	return nil
}

// SetThreshold changes the flat approval threshold.
func (t *Treasury) SetThreshold(threshold int) error {
	if threshold < 1 || threshold > len(t.Owners) {
		return fmt.Errorf("%w: threshold %d out of range 1..%d", fault.ErrInvalidInput, threshold, len(t.Owners))
	}
	t.Threshold = threshold
	return nil
}

// Deposit credits the treasury.
func (t *Treasury) Deposit(amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: deposit amount must be positive", fault.ErrInvalidInput)
	}
	if amount > math.MaxUint64-t.TotalDeposited {
		return fmt.Errorf("%w: deposit overflows treasury total", fault.ErrInvalidInput)
	}
	t.TotalDeposited += amount
	return nil
}

// Withdraw debits the treasury.
func (t *Treasury) Withdraw(amount uint64) error {
	if amount > t.Balance() {
		return fmt.Errorf("%w: balance %d, requested %d", fault.ErrInsufficientBalance, t.Balance(), amount)
	}
	t.TotalWithdrawn += amount
	return nil
}

// Freeze halts all non-emergency activity. Any owner may freeze.
func (t *Treasury) Freeze(by string, now time.Time) error {
	if !t.IsOwner(by) {
		return fmt.Errorf("%w: %q", fault.ErrNotAuthorizedSigner, by)
	}
	if t.Frozen {
		return nil
	}
	t.Frozen = true
	t.FrozenBy = by
	t.FrozenAt = now
	t.UnfreezeApprovals = nil
	return nil
}

// ApproveUnfreeze records by's approval to lift the freeze. The freeze is
// lifted once approvals from current owners reach the threshold. It
// returns whether the treasury is now unfrozen.
func (t *Treasury) ApproveUnfreeze(by string) (bool, error) {
	if !t.IsOwner(by) {
		return false, fmt.Errorf("%w: %q", fault.ErrNotAuthorizedSigner, by)
	}
	if !t.Frozen {
		return true, nil
	}
	if slices.Contains(t.UnfreezeApprovals, by) {
		return false, fmt.Errorf("%w: %q already approved unfreeze", fault.ErrDuplicateSignature, by)
	}
	t.UnfreezeApprovals = append(t.UnfreezeApprovals, by)
	if len(t.UnfreezeApprovals) < t.Threshold {
		return false, nil
	}
	t.Frozen = false
	t.FrozenBy = ""
	t.FrozenAt = time.Time{}
	t.UnfreezeApprovals = nil
	return true, nil
}
