package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/ledger"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/policy"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/spending"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/treasury"
)

// ReasonExpired is the cancel reason of proposals removed by ExpireStale.
const ReasonExpired = "expired"

// Lifecycle stores proposals and drives their transitions.
//
// Callers serialize transitions per treasury, normally by running them
// inside treasury.Registry.Exclusive, and pass in the working copy of the
// treasury. Every method that returns an error leaves the stored proposal
// unchanged.
type Lifecycle struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal

	policy  *policy.Engine
	tracker *spending.Tracker
	ledger  ledger.Ledger
	logger  *slog.Logger
}

// NewLifecycle creates a lifecycle. A nil ledger uses an in-memory journal.
func NewLifecycle(engine *policy.Engine, tracker *spending.Tracker, l ledger.Ledger, logger *slog.Logger) *Lifecycle {
	if l == nil {
		l = ledger.NewJournal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		proposals: make(map[string]*Proposal),
		policy:    engine,
		tracker:   tracker,
		ledger:    l,
		logger:    logger.With("component", "proposal"),
	}
}

func (lc *Lifecycle) load(id string) (*Proposal, error) {
	lc.mu.RLock()
	p, ok := lc.proposals[id]
	lc.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("proposal %q: %w", id, fault.ErrNotFound)
	}
	return p.Clone(), nil
}

func (lc *Lifecycle) store(p *Proposal) {
	lc.mu.Lock()
	lc.proposals[p.ID] = p.Clone()
	lc.mu.Unlock()
}

// Get returns a copy of the proposal.
func (lc *Lifecycle) Get(id string) (*Proposal, error) {
	return lc.load(id)
}

// TreasuryOf returns the treasury a proposal belongs to.
func (lc *Lifecycle) TreasuryOf(id string) (string, error) {
	p, err := lc.load(id)
	if err != nil {
		return "", err
	}
	return p.TreasuryID, nil
}

// List returns copies of a treasury's proposals ordered by creation time,
// optionally filtered by status.
func (lc *Lifecycle) List(treasuryID string, statuses ...Status) []*Proposal {
	lc.mu.RLock()
	out := make([]*Proposal, 0)
	for _, p := range lc.proposals {
		if p.TreasuryID != treasuryID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, p.Status) {
			continue
		}
		out = append(out, p.Clone())
	}
	lc.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Create validates req and stores a new Pending proposal with no signatures.
func (lc *Lifecycle) Create(ctx context.Context, t *treasury.Treasury, cfg *policy.Config, proposer string, req Request, now time.Time) (*Proposal, error) {
	if !t.IsOwner(proposer) {
		return nil, fmt.Errorf("proposer %q: %w", proposer, fault.ErrNotAuthorizedSigner)
	}

	var decision policy.Decision
	var err error
	switch {
	case req.Kind == Withdrawal && req.Emergency:
		decision, err = lc.policy.ValidateEmergency(ctx, t, cfg, lc.candidate(proposer, req), now)
	case req.Kind == Withdrawal:
		decision, err = lc.policy.Validate(ctx, t, cfg, lc.candidate(proposer, req), now)
	case req.Kind.IsGovernance():
		if err = checkGovernance(t, cfg, req); err == nil {
			decision, err = lc.policy.ValidateGovernance(t, cfg, now)
		}
	default:
		err = fmt.Errorf("%w: unknown proposal kind %d", fault.ErrInvalidInput, int(req.Kind))
	}
	if err != nil {
		lc.logger.WarnContext(ctx, "proposal rejected",
			"treasury_id", t.ID, "proposer", proposer, "kind", req.Kind.String(), "amount", req.Amount, "error", err)
		return nil, err
	}

	p := &Proposal{
		ID:                 uuid.New().String(),
		TreasuryID:         t.ID,
		Kind:               req.Kind,
		Proposer:           proposer,
		Description:        req.Description,
		RequiredSignatures: decision.RequiredSignatures,
		TimeLockUntil:      decision.TimeLockUntil,
		Signers:            []string{},
		Status:             Pending,
		CreatedAt:          now,
	}
	switch req.Kind {
	case Withdrawal:
		p.Recipient = req.Recipient
		p.Amount = req.Amount
		p.Category = policy.NormalizeCategory(req.Category)
		p.Emergency = req.Emergency
	case AddOwner, RemoveOwner:
		p.Owner = req.Owner
	case ChangeThreshold:
		p.NewThreshold = req.NewThreshold
	}
	lc.store(p)

	lc.logger.InfoContext(ctx, "proposal created",
		"proposal_id", p.ID, "treasury_id", t.ID, "kind", p.Kind.String(),
		"amount", p.Amount, "required_signatures", p.RequiredSignatures, "time_lock_until", p.TimeLockUntil)
	return p.Clone(), nil
}

func (lc *Lifecycle) candidate(proposer string, req Request) policy.Candidate {
	return policy.Candidate{
		Proposer:  proposer,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Category:  req.Category,
		Emergency: req.Emergency,
	}
}

// checkGovernance rejects governance changes that could never execute:
// the change is applied to a copy of t and the policy revalidated.
func checkGovernance(t *treasury.Treasury, cfg *policy.Config, req Request) error {
	if req.Emergency {
		return fmt.Errorf("%w: governance proposals cannot use the emergency path", fault.ErrInvalidInput)
	}
	return applyGovernance(t.Clone(), cfg, req.Kind, req.Owner, req.NewThreshold)
}

func applyGovernance(t *treasury.Treasury, cfg *policy.Config, kind Kind, owner string, newThreshold int) error {
	var err error
	switch kind {
	case AddOwner:
		err = t.AddOwner(owner)
	case RemoveOwner:
		err = t.RemoveOwner(owner)
	case ChangeThreshold:
		err = t.SetThreshold(newThreshold)
	default:
		err = fmt.Errorf("%w: %s is not a governance kind", fault.ErrInvalidInput, kind)
	}
	if err != nil {
		return err
	}
	return cfg.ValidateFor(t)
}

func frozenFor(p *Proposal, t *treasury.Treasury, cfg *policy.Config) bool {
	if !t.Frozen {
		return false
	}
	exempt := p.Emergency && cfg != nil && cfg.Emergency != nil && cfg.Emergency.ExemptFromFreeze
	return !exempt
}

// Sign adds signer's approval. A Pending proposal becomes Ready once the
// signatures of current owners reach the requirement.
func (lc *Lifecycle) Sign(ctx context.Context, id, signer string, t *treasury.Treasury, cfg *policy.Config, now time.Time) (*Proposal, error) {
	p, err := lc.load(id)
	if err != nil {
		return nil, err
	}
	if p.TreasuryID != t.ID {
		return nil, fmt.Errorf("%w: proposal %s belongs to treasury %s", fault.ErrInvalidInput, id, p.TreasuryID)
	}
	if !t.IsOwner(signer) {
		return nil, fmt.Errorf("signer %q: %w", signer, fault.ErrNotAuthorizedSigner)
	}
	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("proposal %s is %s: %w", id, p.Status, fault.ErrAlreadyFinalized)
	}
	if p.HasSigned(signer) {
		return nil, fmt.Errorf("signer %q on proposal %s: %w", signer, id, fault.ErrDuplicateSignature)
	}
	if frozenFor(p, t, cfg) {
		return nil, fmt.Errorf("treasury %s: %w", t.ID, fault.ErrTreasuryFrozen)
	}

	p.Signers = append(p.Signers, signer)
	p.promote(t)
	lc.store(p)

	lc.logger.InfoContext(ctx, "proposal signed",
		"proposal_id", id, "signer", signer, "signatures", len(p.Signers),
		"required_signatures", p.RequiredSignatures, "status", p.Status.String())
	return p.Clone(), nil
}

// Execute performs a Ready proposal. For withdrawals it records the spend,
// debits t and calls the ledger; a ledger failure reverts the spend and
// returns an error wrapping fault.ErrLedgerTransferFailed, so the caller
// must discard its copy of t. Governance proposals apply their change to t.
func (lc *Lifecycle) Execute(ctx context.Context, id, caller string, t *treasury.Treasury, cfg *policy.Config, now time.Time) (*Proposal, error) {
	p, err := lc.load(id)
	if err != nil {
		return nil, err
	}
	if p.TreasuryID != t.ID {
		return nil, fmt.Errorf("%w: proposal %s belongs to treasury %s", fault.ErrInvalidInput, id, p.TreasuryID)
	}
	if !t.IsOwner(caller) {
		return nil, fmt.Errorf("executor %q: %w", caller, fault.ErrNotAuthorizedSigner)
	}
	if frozenFor(p, t, cfg) {
		return nil, fmt.Errorf("treasury %s: %w", t.ID, fault.ErrTreasuryFrozen)
	}
	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("proposal %s is %s: %w", id, p.Status, fault.ErrAlreadyFinalized)
	}
	if got := p.ValidSignatures(t); p.Status != Ready || got < p.RequiredSignatures {
		return nil, fmt.Errorf("proposal %s is %s with %d of %d signatures: %w", id, p.Status, got, p.RequiredSignatures, fault.ErrThresholdNotMet)
	}
	if now.Before(p.TimeLockUntil) {
		return nil, fmt.Errorf("proposal %s locked until %s: %w", id, p.TimeLockUntil.Format(time.RFC3339), fault.ErrTimeLockActive)
	}

	if p.Kind.IsGovernance() {
		if err := applyGovernance(t, cfg, p.Kind, p.Owner, p.NewThreshold); err != nil {
			return nil, err
		}
	} else if err := lc.executeWithdrawal(ctx, p, t, cfg, now); err != nil {
		return nil, err
	}

	p.Status = Executed
	p.ExecutedAt = now
	p.ExecutedBy = caller
	lc.store(p)
	if p.Kind == AddOwner {
		lc.promoteOpen(ctx, t)
	}

	lc.logger.InfoContext(ctx, "proposal executed",
		"proposal_id", id, "treasury_id", t.ID, "kind", p.Kind.String(), "amount", p.Amount, "executor", caller)
	return p.Clone(), nil
}

// promoteOpen re-evaluates the treasury's Pending proposals after the owner
// set grew, since a re-added owner's earlier signature counts again.
func (lc *Lifecycle) promoteOpen(ctx context.Context, t *treasury.Treasury) {
	for _, p := range lc.List(t.ID, Pending) {
		if p.promote(t) {
			lc.store(p)
			lc.logger.InfoContext(ctx, "proposal ready after owner change", "proposal_id", p.ID, "treasury_id", t.ID)
		}
	}
}

func (lc *Lifecycle) executeWithdrawal(ctx context.Context, p *Proposal, t *treasury.Treasury, cfg *policy.Config, now time.Time) error {
	if t.Balance() < p.Amount {
		return fmt.Errorf("proposal %s needs %d, balance %d: %w", p.ID, p.Amount, t.Balance(), fault.ErrInsufficientBalance)
	}
	enforce := !p.Emergency || cfg.Emergency == nil || cfg.Emergency.EnforceSpendingLimits
	if enforce {
		if err := lc.policy.CheckLimits(ctx, t.ID, cfg, p.Category, p.Amount, now); err != nil {
			return err
		}
	}

	spend, err := lc.tracker.Record(ctx, t.ID, p.Category, p.Amount, now)
	if err != nil {
		return err
	}
	if err := t.Withdraw(p.Amount); err != nil {
		return errors.Join(err, lc.tracker.Revert(ctx, spend))
	}

	receipt, err := lc.ledger.Transfer(ctx, ledger.TransferRequest{
		TreasuryID:  t.ID,
		ProposalID:  p.ID,
		Recipient:   p.Recipient,
		Amount:      p.Amount,
		Category:    p.Category,
		RequestedAt: now,
	})
	if err != nil {
		lc.logger.ErrorContext(ctx, "ledger transfer failed, rolling back",
			"proposal_id", p.ID, "treasury_id", t.ID, "amount", p.Amount, "error", err)
		failure := fmt.Errorf("proposal %s: %w: %w", p.ID, fault.ErrLedgerTransferFailed, err)
		if rerr := lc.tracker.Revert(ctx, spend); rerr != nil {
			lc.logger.ErrorContext(ctx, "spending rollback failed", "proposal_id", p.ID, "error", rerr)
			return errors.Join(failure, rerr)
		}
		return failure
	}
	if receipt != nil {
		p.LedgerSequence = receipt.Sequence
		p.LedgerHash = receipt.ContentHash
	}
	return nil
}

// Cancel moves a Pending or Ready proposal to Cancelled. The proposer may
// always cancel; any owner may when the policy enables owner veto.
// Cancelling is allowed while the treasury is frozen.
func (lc *Lifecycle) Cancel(ctx context.Context, id, by, reason string, t *treasury.Treasury, cfg *policy.Config, now time.Time) (*Proposal, error) {
	p, err := lc.load(id)
	if err != nil {
		return nil, err
	}
	if p.TreasuryID != t.ID {
		return nil, fmt.Errorf("%w: proposal %s belongs to treasury %s", fault.ErrInvalidInput, id, p.TreasuryID)
	}
	veto := cfg != nil && cfg.Features.OwnerVeto && t.IsOwner(by)
	if by != p.Proposer && !veto {
		return nil, fmt.Errorf("%q may not cancel proposal %s: %w", by, id, fault.ErrNotAuthorizedSigner)
	}
	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("proposal %s is %s: %w", id, p.Status, fault.ErrAlreadyFinalized)
	}

	p.Status = Cancelled
	p.CancelledAt = now
	p.CancelledBy = by
	p.CancelReason = reason
	lc.store(p)

	lc.logger.InfoContext(ctx, "proposal cancelled", "proposal_id", id, "by", by, "reason", reason)
	return p.Clone(), nil
}

// ExpireStale cancels the treasury's open proposals created at least
// maxAge before now. A zero maxAge does nothing.
func (lc *Lifecycle) ExpireStale(ctx context.Context, treasuryID string, maxAge time.Duration, now time.Time) []*Proposal {
	if maxAge <= 0 {
		return nil
	}
	var expired []*Proposal
	for _, p := range lc.List(treasuryID, Pending, Ready) {
		if now.Sub(p.CreatedAt) < maxAge {
			continue
		}
		p.Status = Cancelled
		p.CancelledAt = now
		p.CancelledBy = "system"
		p.CancelReason = ReasonExpired
		lc.store(p)
		expired = append(expired, p)
	}
	if len(expired) > 0 {
		lc.logger.InfoContext(ctx, "stale proposals expired", "treasury_id", treasuryID, "count", len(expired))
	}
	return expired
}
