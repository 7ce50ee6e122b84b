// Package proposal implements the lifecycle of treasury proposals, from
// creation through signature collection and time-lock expiry to execution
// or cancellation.
package proposal

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/treasury"
)

// Kind is what a proposal does when executed.
type Kind int

const (
	Withdrawal Kind = iota
	AddOwner
	RemoveOwner
	ChangeThreshold
)

func (k Kind) String() string {
	switch k {
	case Withdrawal:
		return "withdrawal"
	case AddOwner:
		return "add_owner"
	case RemoveOwner:
		return "remove_owner"
	case ChangeThreshold:
		return "change_threshold"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsGovernance reports whether the kind changes the owner set or threshold.
func (k Kind) IsGovernance() bool {
	return k == AddOwner || k == RemoveOwner || k == ChangeThreshold
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "withdrawal":
		return Withdrawal, nil
	case "add_owner":
		return AddOwner, nil
	case "remove_owner":
		return RemoveOwner, nil
	case "change_threshold":
		return ChangeThreshold, nil
	}
	return 0, fmt.Errorf("unknown proposal kind %q", s)
}

// Status is the lifecycle state. Executed and Cancelled are terminal.
type Status int

const (
	Pending Status = iota
	Ready
	Executed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Ready:
		return "READY"
	case Executed:
		return "EXECUTED"
	case Cancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case Executed, Cancelled:
		return true
	case Pending, Ready:
		return false
	}
	return true
}

// ParseStatus accepts the names produced by Status.String, in any case.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return Pending, nil
	case "READY":
		return Ready, nil
	case "EXECUTED":
		return Executed, nil
	case "CANCELLED", "CANCELED":
		return Cancelled, nil
	}
	return 0, fmt.Errorf("unknown proposal status %q", s)
}

// Proposal is a request to move funds or change governance, awaiting
// owner signatures.
type Proposal struct {
	ID          string `json:"id"`
	TreasuryID  string `json:"treasury_id"`
	Kind        Kind   `json:"kind"`
	Proposer    string `json:"proposer"`
	Recipient   string `json:"recipient,omitempty"`
	Amount      uint64 `json:"amount,omitempty"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Emergency   bool   `json:"emergency,omitempty"`

	// Owner is the subject of AddOwner and RemoveOwner.
	Owner string `json:"owner,omitempty"`
	// NewThreshold is the target of ChangeThreshold.
	NewThreshold int `json:"new_threshold,omitempty"`

	RequiredSignatures int       `json:"required_signatures"`
	TimeLockUntil      time.Time `json:"time_lock_until"`
	Signers            []string  `json:"signers"`
	Status             Status    `json:"status"`

	CreatedAt    time.Time `json:"created_at"`
	ExecutedAt   time.Time `json:"executed_at,omitempty"`
	ExecutedBy   string    `json:"executed_by,omitempty"`
	CancelledAt  time.Time `json:"cancelled_at,omitempty"`
	CancelledBy  string    `json:"cancelled_by,omitempty"`
	CancelReason string    `json:"cancel_reason,omitempty"`

	// LedgerSequence and LedgerHash identify the transfer of an executed withdrawal.
	LedgerSequence uint64 `json:"ledger_sequence,omitempty"`
	LedgerHash     string `json:"ledger_hash,omitempty"`
}

// Clone returns a deep copy.
func (p *Proposal) Clone() *Proposal {
	cp := *p
	cp.Signers = slices.Clone(p.Signers)
	return &cp
}

// HasSigned reports whether id already signed.
func (p *Proposal) HasSigned(id string) bool {
	return slices.Contains(p.Signers, id)
}

// ValidSignatures counts signers that are still owners of t.
func (p *Proposal) ValidSignatures(t *treasury.Treasury) int {
	n := 0
	for _, s := range p.Signers {
		if t.IsOwner(s) {
			n++
		}
	}
	return n
}

// promote moves a Pending proposal to Ready once the signatures of current
// owners of t reach the requirement, and reports whether it did.
func (p *Proposal) promote(t *treasury.Treasury) bool {
	if p.Status != Pending || p.ValidSignatures(t) < p.RequiredSignatures {
		return false
	}
	p.Status = Ready
	return true
}

// Request describes a proposal to create.
type Request struct {
	Kind         Kind
	Recipient    string
	Amount       uint64
	Category     string
	Description  string
	Emergency    bool
	Owner        string
	NewThreshold int
}
