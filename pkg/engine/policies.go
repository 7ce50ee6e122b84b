package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/policy"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/spending"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/timelock"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/treasury"
)

// CreatePolicyConfig builds and attaches the treasury's policy. A treasury
// has at most one policy.
func (e *Engine) CreatePolicyConfig(ctx context.Context, treasuryID string, params PolicyParams) (*policy.Config, error) {
	var out *policy.Config
	err := e.run(ctx, "policy.create", treasuryID, "", func(ctx context.Context) (string, error) {
		for _, r := range params.Rules {
			if err := e.policy.CheckRule(r.Expression); err != nil {
				return "", err
			}
		}
		err := e.registry.Exclusive(treasuryID, func(t *treasury.Treasury) error {
			if id, ok := e.policyID(treasuryID); ok {
				return fmt.Errorf("%w: treasury %s already has policy %s", fault.ErrInvalidInput, treasuryID, id)
			}
			cfg, err := params.Build(t, e.clock.Now())
			if err != nil {
				return err
			}
			e.putPolicy(cfg)
			out = cfg.Clone()
			return nil
		})
		if err != nil {
			return "", err
		}
		e.logger.InfoContext(ctx, "policy created", "treasury_id", treasuryID, "policy_id", out.ID, "tiers", out.Tiers.Len())
		return out.ID, nil
	})
	return out, err
}

func (e *Engine) policyID(treasuryID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.byTreasury[treasuryID]
	return id, ok
}

func (e *Engine) putPolicy(cfg *policy.Config) {
	e.mu.Lock()
	e.policies[cfg.ID] = cfg
	e.byTreasury[cfg.TreasuryID] = cfg.ID
	e.mu.Unlock()
}

func (e *Engine) loadPolicy(policyID string) (*policy.Config, error) {
	e.mu.RLock()
	cfg, ok := e.policies[policyID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("policy %q: %w", policyID, fault.ErrNotFound)
	}
	return cfg.Clone(), nil
}

// policyFor returns a copy of the treasury's policy.
func (e *Engine) policyFor(treasuryID string) (*policy.Config, error) {
	id, ok := e.policyID(treasuryID)
	if !ok {
		return nil, fmt.Errorf("policy for treasury %q: %w", treasuryID, fault.ErrNotFound)
	}
	return e.loadPolicy(id)
}

// Policy returns a copy of the policy.
func (e *Engine) Policy(policyID string) (*policy.Config, error) {
	return e.loadPolicy(policyID)
}

// PolicyForTreasury returns a copy of the treasury's policy.
func (e *Engine) PolicyForTreasury(treasuryID string) (*policy.Config, error) {
	return e.policyFor(treasuryID)
}

// updatePolicy applies fn to a copy of the policy under the treasury's
// exclusive lock and stores the copy if fn and revalidation succeed.
func (e *Engine) updatePolicy(ctx context.Context, action, policyID string, fn func(t *treasury.Treasury, cfg *policy.Config, now time.Time) error) error {
	cfg, err := e.loadPolicy(policyID)
	if err != nil {
		return e.run(ctx, action, "", "", func(context.Context) (string, error) { return policyID, err })
	}
	return e.run(ctx, action, cfg.TreasuryID, "", func(ctx context.Context) (string, error) {
		return policyID, e.registry.Exclusive(cfg.TreasuryID, func(t *treasury.Treasury) error {
			work, err := e.loadPolicy(policyID)
			if err != nil {
				return err
			}
			if err := fn(t, work, e.clock.Now()); err != nil {
				return err
			}
			if err := work.ValidateFor(t); err != nil {
				return err
			}
			e.putPolicy(work)
			return nil
		})
	})
}

// SetGlobalLimits replaces the treasury-wide limits.
func (e *Engine) SetGlobalLimits(ctx context.Context, policyID string, l policy.Limits) error {
	return e.updatePolicy(ctx, "policy.set_global_limits", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		return cfg.SetGlobalLimits(l, now)
	})
}

// SetCategoryLimit sets one category's ceiling for one period.
func (e *Engine) SetCategoryLimit(ctx context.Context, policyID, category string, period spending.Period, limit uint64) error {
	return e.updatePolicy(ctx, "policy.set_category_limit", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		return cfg.SetCategoryLimit(category, period, limit, now)
	})
}

// SetCategoryPerTransactionCap sets one category's single-transaction cap.
func (e *Engine) SetCategoryPerTransactionCap(ctx context.Context, policyID, category string, limit uint64) error {
	return e.updatePolicy(ctx, "policy.set_category_cap", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		return cfg.SetCategoryPerTransactionCap(category, limit, now)
	})
}

// AddToWhitelist allows recipient until expiry. A zero expiry never lapses.
func (e *Engine) AddToWhitelist(ctx context.Context, policyID, recipient string, expiry time.Time) error {
	return e.updatePolicy(ctx, "policy.whitelist_add", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		return cfg.AddToWhitelist(recipient, expiry, now)
	})
}

// RemoveFromWhitelist drops recipient from the whitelist.
func (e *Engine) RemoveFromWhitelist(ctx context.Context, policyID, recipient string) error {
	return e.updatePolicy(ctx, "policy.whitelist_remove", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		cfg.RemoveFromWhitelist(recipient, now)
		return nil
	})
}

// AddToBlacklist blocks recipient.
func (e *Engine) AddToBlacklist(ctx context.Context, policyID, recipient string) error {
	return e.updatePolicy(ctx, "policy.blacklist_add", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		return cfg.AddToBlacklist(recipient, now)
	})
}

// RemoveFromBlacklist unblocks recipient.
func (e *Engine) RemoveFromBlacklist(ctx context.Context, policyID, recipient string) error {
	return e.updatePolicy(ctx, "policy.blacklist_remove", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		cfg.RemoveFromBlacklist(recipient, now)
		return nil
	})
}

// AddThresholdTier inserts an amount tier, or replaces the catch-all
// requirement when maxAmount is threshold.Unbounded.
func (e *Engine) AddThresholdTier(ctx context.Context, policyID string, maxAmount uint64, required int) error {
	return e.updatePolicy(ctx, "policy.add_tier", policyID, func(t *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		return cfg.AddThresholdTier(t, maxAmount, required, now)
	})
}

// SetTimeLock replaces the time-lock parameters.
func (e *Engine) SetTimeLock(ctx context.Context, policyID string, p timelock.Params) error {
	return e.updatePolicy(ctx, "policy.set_time_lock", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		return cfg.SetTimeLock(p, now)
	})
}

// SetFeatures replaces the feature toggles.
func (e *Engine) SetFeatures(ctx context.Context, policyID string, f policy.Features) error {
	return e.updatePolicy(ctx, "policy.set_features", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		cfg.SetFeatures(f, now)
		return nil
	})
}

// SetCategories replaces the recognised category list.
func (e *Engine) SetCategories(ctx context.Context, policyID string, categories []string) error {
	return e.updatePolicy(ctx, "policy.set_categories", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		return cfg.SetCategories(categories, now)
	})
}

// SetEmergencyConfig installs, or with nil removes, the emergency path.
func (e *Engine) SetEmergencyConfig(ctx context.Context, policyID string, ec *policy.EmergencyConfig) error {
	return e.updatePolicy(ctx, "policy.set_emergency", policyID, func(t *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		return cfg.SetEmergency(t, ec, now)
	})
}

// AddRule compiles and appends a CEL rule.
func (e *Engine) AddRule(ctx context.Context, policyID string, r policy.Rule) error {
	return e.updatePolicy(ctx, "policy.add_rule", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		if err := e.policy.CheckRule(r.Expression); err != nil {
			return err
		}
		return cfg.AddRule(r, now)
	})
}

// SetMaxPendingAge sets the age after which ExpireStale cancels open
// proposals. Zero disables expiry.
func (e *Engine) SetMaxPendingAge(ctx context.Context, policyID string, d time.Duration) error {
	return e.updatePolicy(ctx, "policy.set_max_pending_age", policyID, func(_ *treasury.Treasury, cfg *policy.Config, now time.Time) error {
		return cfg.SetMaxPendingAge(d, now)
	})
}
