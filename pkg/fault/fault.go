// Package fault defines the error taxonomy shared by every treasury package.
//
// Callers match kinds with errors.Is. Policy violations carry limit and
// projected-total context through *PolicyViolation, reachable with errors.As.
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPolicyConfig  = errors.New("invalid policy config")
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotFound             = errors.New("not found")
	ErrPolicyViolation      = errors.New("policy violation")
	ErrThresholdNotMet      = errors.New("threshold not met")
	ErrTimeLockActive       = errors.New("time lock active")
	ErrNotAuthorizedSigner  = errors.New("not an authorized signer")
	ErrDuplicateSignature   = errors.New("duplicate signature")
	ErrAlreadyFinalized     = errors.New("proposal already finalized")
	ErrTreasuryFrozen       = errors.New("treasury frozen")
	ErrLedgerTransferFailed = errors.New("ledger transfer failed")
	ErrInsufficientBalance  = errors.New("insufficient balance")
)

// Policy violation kinds. Each is also an ErrPolicyViolation.
var (
	ErrPerTransactionCapExceeded = errors.New("per-transaction cap exceeded")
	ErrWhitelistRequired         = errors.New("recipient not whitelisted")
	ErrCategoryLimitExceeded     = errors.New("category limit exceeded")
	ErrGlobalLimitExceeded       = errors.New("global limit exceeded")
	ErrUnknownCategory           = errors.New("unknown category")
	ErrRecipientBlacklisted      = errors.New("recipient blacklisted")
	ErrRuleDenied                = errors.New("policy rule denied")
)

// PolicyViolation is the typed error returned when a candidate proposal
// breaks a spending policy.
type PolicyViolation struct {
	Kind      error  `json:"-"`
	Scope     string `json:"scope,omitempty"`
	Period    string `json:"period,omitempty"`
	Limit     uint64 `json:"limit,omitempty"`
	Projected uint64 `json:"projected,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func (v *PolicyViolation) Error() string {
	msg := v.Kind.Error()
	if v.Scope != "" {
		msg += " [" + v.Scope
		if v.Period != "" {
			msg += "/" + v.Period
		}
		msg += "]"
	}
	if v.Limit > 0 || v.Projected > 0 {
		msg += fmt.Sprintf(" (limit=%d, projected=%d)", v.Limit, v.Projected)
	}
	if v.Detail != "" {
		msg += ": " + v.Detail
	}
	return msg
}

// Unwrap exposes the specific violation kind.
func (v *PolicyViolation) Unwrap() error { return v.Kind }

// Is reports ErrPolicyViolation for every violation kind.
func (v *PolicyViolation) Is(target error) bool {
	return target == ErrPolicyViolation
}

// Violation builds a PolicyViolation with only a kind and detail.
func Violation(kind error, detail string) *PolicyViolation {
	return &PolicyViolation{Kind: kind, Detail: detail}
}

// Invalidf wraps ErrInvalidPolicyConfig with a formatted reason.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicyConfig, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether the same call may succeed later without any
// change to the proposal itself: more signatures, elapsed time, a recovered
// ledger, or a spending window rolling over.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrThresholdNotMet),
		errors.Is(err, ErrTimeLockActive),
		errors.Is(err, ErrLedgerTransferFailed):
		return true
	case errors.Is(err, ErrCategoryLimitExceeded),
		errors.Is(err, ErrGlobalLimitExceeded):
		return true
	}
	return false
}
