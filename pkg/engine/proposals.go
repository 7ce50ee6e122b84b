package engine

import (
	"context"
	"time"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/policy"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/proposal"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/treasury"
)

// transition runs fn under the treasury's exclusive lock with the
// treasury's policy loaded.
func (e *Engine) transition(treasuryID string, fn func(t *treasury.Treasury, cfg *policy.Config) error) error {
	return e.registry.Exclusive(treasuryID, func(t *treasury.Treasury) error {
		cfg, err := e.policyFor(treasuryID)
		if err != nil {
			return err
		}
		return fn(t, cfg)
	})
}

// CreateProposal validates req against the treasury's policy and stores a
// Pending proposal.
func (e *Engine) CreateProposal(ctx context.Context, treasuryID, proposer string, req proposal.Request) (*proposal.Proposal, error) {
	var out *proposal.Proposal
	action := "proposal.create"
	if req.Emergency {
		action = "proposal.create_emergency"
	}
	err := e.run(ctx, action, treasuryID, proposer, func(ctx context.Context) (string, error) {
		if err := e.confirm(ctx, proposer); err != nil {
			return "", err
		}
		err := e.transition(treasuryID, func(t *treasury.Treasury, cfg *policy.Config) error {
			p, err := e.lifecycle.Create(ctx, t, cfg, proposer, req, e.clock.Now())
			out = p
			return err
		})
		if err != nil {
			return "", err
		}
		return out.ID, nil
	})
	return out, err
}

// CreateEmergencyProposal creates a withdrawal on the emergency path.
func (e *Engine) CreateEmergencyProposal(ctx context.Context, treasuryID, proposer string, req proposal.Request) (*proposal.Proposal, error) {
	req.Kind = proposal.Withdrawal
	req.Emergency = true
	return e.CreateProposal(ctx, treasuryID, proposer, req)
}

// ProposeAddOwner proposes adding owner to the treasury.
func (e *Engine) ProposeAddOwner(ctx context.Context, treasuryID, proposer, owner, description string) (*proposal.Proposal, error) {
	return e.CreateProposal(ctx, treasuryID, proposer, proposal.Request{Kind: proposal.AddOwner, Owner: owner, Description: description})
}

// ProposeRemoveOwner proposes removing owner from the treasury.
func (e *Engine) ProposeRemoveOwner(ctx context.Context, treasuryID, proposer, owner, description string) (*proposal.Proposal, error) {
	return e.CreateProposal(ctx, treasuryID, proposer, proposal.Request{Kind: proposal.RemoveOwner, Owner: owner, Description: description})
}

// ProposeThresholdChange proposes a new flat threshold. Configured amount
// tiers are not changed; an unconfigured policy follows the new threshold.
func (e *Engine) ProposeThresholdChange(ctx context.Context, treasuryID, proposer string, newThreshold int, description string) (*proposal.Proposal, error) {
	return e.CreateProposal(ctx, treasuryID, proposer, proposal.Request{Kind: proposal.ChangeThreshold, NewThreshold: newThreshold, Description: description})
}

// proposalOp runs a lifecycle transition for an existing proposal.
func (e *Engine) proposalOp(ctx context.Context, action, proposalID, actor string, fn func(ctx context.Context, t *treasury.Treasury, cfg *policy.Config) (*proposal.Proposal, error)) (*proposal.Proposal, error) {
	treasuryID, lookupErr := e.lifecycle.TreasuryOf(proposalID)
	var out *proposal.Proposal
	err := e.run(ctx, action, treasuryID, actor, func(ctx context.Context) (string, error) {
		if lookupErr != nil {
			return proposalID, lookupErr
		}
		if err := e.confirm(ctx, actor); err != nil {
			return proposalID, err
		}
		return proposalID, e.transition(treasuryID, func(t *treasury.Treasury, cfg *policy.Config) error {
			p, err := fn(ctx, t, cfg)
			out = p
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SignProposal adds signer's approval.
func (e *Engine) SignProposal(ctx context.Context, proposalID, signer string) (*proposal.Proposal, error) {
	return e.proposalOp(ctx, "proposal.sign", proposalID, signer, func(ctx context.Context, t *treasury.Treasury, cfg *policy.Config) (*proposal.Proposal, error) {
		return e.lifecycle.Sign(ctx, proposalID, signer, t, cfg, e.clock.Now())
	})
}

// ExecuteProposal executes a Ready proposal whose time-lock has passed at
// now. A ledger failure leaves the proposal Ready and the treasury and
// spending windows unchanged.
func (e *Engine) ExecuteProposal(ctx context.Context, proposalID, caller string, now time.Time) (*proposal.Proposal, error) {
	return e.proposalOp(ctx, "proposal.execute", proposalID, caller, func(ctx context.Context, t *treasury.Treasury, cfg *policy.Config) (*proposal.Proposal, error) {
		return e.lifecycle.Execute(ctx, proposalID, caller, t, cfg, now)
	})
}

// CancelProposal cancels a Pending or Ready proposal.
func (e *Engine) CancelProposal(ctx context.Context, proposalID, by, reason string) (*proposal.Proposal, error) {
	return e.proposalOp(ctx, "proposal.cancel", proposalID, by, func(ctx context.Context, t *treasury.Treasury, cfg *policy.Config) (*proposal.Proposal, error) {
		return e.lifecycle.Cancel(ctx, proposalID, by, reason, t, cfg, e.clock.Now())
	})
}

// ExpireStale cancels the treasury's open proposals older than the
// policy's MaxPendingAge.
func (e *Engine) ExpireStale(ctx context.Context, treasuryID string) ([]*proposal.Proposal, error) {
	var out []*proposal.Proposal
	err := e.run(ctx, "proposal.expire_stale", treasuryID, "", func(ctx context.Context) (string, error) {
		return treasuryID, e.transition(treasuryID, func(_ *treasury.Treasury, cfg *policy.Config) error {
			out = e.lifecycle.ExpireStale(ctx, treasuryID, cfg.MaxPendingAge, e.clock.Now())
			return nil
		})
	})
	return out, err
}

// Proposal returns a copy of the proposal.
func (e *Engine) Proposal(id string) (*proposal.Proposal, error) {
	return e.lifecycle.Get(id)
}

// Proposals lists the treasury's proposals, optionally filtered by status.
func (e *Engine) Proposals(treasuryID string, statuses ...proposal.Status) ([]*proposal.Proposal, error) {
	if _, err := e.registry.Get(treasuryID); err != nil {
		return nil, err
	}
	return e.lifecycle.List(treasuryID, statuses...), nil
}
