package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/spending"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/threshold"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/timelock"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/treasury"
)

// Candidate is a withdrawal under consideration.
type Candidate struct {
	Proposer  string
	Recipient string
	Amount    uint64
	Category  string
	Emergency bool
}

// Decision is the outcome of a successful validation.
type Decision struct {
	RequiredSignatures int       `json:"required_signatures"`
	TimeLockUntil      time.Time `json:"time_lock_until"`
}

// Engine validates candidates. It has no side effects.
type Engine struct {
	tracker *spending.Tracker
	rules   *RuleEvaluator
}

// NewEngine creates an engine reading spend from tracker. A nil rules
// evaluator disables CEL rules; policies that carry rules are then rejected.
func NewEngine(tracker *spending.Tracker, rules *RuleEvaluator) *Engine {
	return &Engine{tracker: tracker, rules: rules}
}

// CheckRule compiles expr in the rule environment.
func (e *Engine) CheckRule(expr string) error {
	if e.rules == nil {
		return fault.Invalidf("policy rules are not enabled")
	}
	if err := e.rules.Compile(expr); err != nil {
		return fault.Invalidf("rule %q: %v", expr, err)
	}
	return nil
}

// Validate checks a regular withdrawal. Checks run in a fixed order and the
// first failure is returned: freeze, per-transaction caps, category,
// whitelist and blacklist, spending windows, rules.
func (e *Engine) Validate(ctx context.Context, t *treasury.Treasury, cfg *Config, c Candidate, now time.Time) (Decision, error) {
	c.Emergency = false
	return e.validate(ctx, t, cfg, c, now)
}

// ValidateEmergency checks an emergency withdrawal against the policy's
// emergency configuration.
func (e *Engine) ValidateEmergency(ctx context.Context, t *treasury.Treasury, cfg *Config, c Candidate, now time.Time) (Decision, error) {
	if cfg.Emergency == nil {
		return Decision{}, fault.Invalidf("emergency proposals are not configured")
	}
	c.Emergency = true
	return e.validate(ctx, t, cfg, c, now)
}

// ValidateGovernance checks an owner-set or threshold change. These need
// the flat threshold and the base time-lock.
func (e *Engine) ValidateGovernance(t *treasury.Treasury, cfg *Config, now time.Time) (Decision, error) {
	if t.Frozen {
		return Decision{}, fmt.Errorf("treasury %s: %w", t.ID, fault.ErrTreasuryFrozen)
	}
	d := Decision{RequiredSignatures: t.Threshold, TimeLockUntil: now}
	if cfg.Features.DynamicTimeLock {
		d.TimeLockUntil = now.Add(timelock.Duration(cfg.TimeLock.BaseHours))
	}
	return d, nil
}

func (e *Engine) validate(ctx context.Context, t *treasury.Treasury, cfg *Config, c Candidate, now time.Time) (Decision, error) {
	if c.Amount == 0 {
		return Decision{}, fmt.Errorf("%w: amount must be positive", fault.ErrInvalidInput)
	}
	if c.Recipient == "" {
		return Decision{}, fmt.Errorf("%w: recipient must not be empty", fault.ErrInvalidInput)
	}
	category := NormalizeCategory(c.Category)
	emergency := c.Emergency && cfg.Emergency != nil

	if t.Frozen && !(emergency && cfg.Emergency.ExemptFromFreeze) {
		return Decision{}, fmt.Errorf("treasury %s: %w", t.ID, fault.ErrTreasuryFrozen)
	}

	if err := checkPerTransaction(cfg, category, c.Amount); err != nil {
		return Decision{}, err
	}

	if cfg.Features.RequireCategory && !cfg.HasCategory(category) {
		return Decision{}, &fault.PolicyViolation{Kind: fault.ErrUnknownCategory, Scope: category}
	}

	if cfg.Features.WhitelistEnforced && !cfg.IsWhitelisted(c.Recipient, now) {
		return Decision{}, fault.Violation(fault.ErrWhitelistRequired, c.Recipient)
	}
	if cfg.Blacklist[c.Recipient] {
		return Decision{}, fault.Violation(fault.ErrRecipientBlacklisted, c.Recipient)
	}

	if !emergency || cfg.Emergency.EnforceSpendingLimits {
		if err := e.CheckLimits(ctx, t.ID, cfg, category, c.Amount, now); err != nil {
			return Decision{}, err
		}
	}

	if err := e.evalRules(t, cfg, c, category, now); err != nil {
		return Decision{}, err
	}

	required, err := e.requiredSignatures(t, cfg, c.Amount, emergency)
	if err != nil {
		return Decision{}, err
	}
	until, err := timeLockUntil(cfg, c.Amount, emergency, now)
	if err != nil {
		return Decision{}, err
	}
	return Decision{RequiredSignatures: required, TimeLockUntil: until}, nil
}

func checkPerTransaction(cfg *Config, category string, amount uint64) error {
	if limit := cfg.Global.PerTransaction; limit != 0 && amount > limit {
		return &fault.PolicyViolation{
			Kind:      fault.ErrPerTransactionCapExceeded,
			Scope:     spending.Global,
			Limit:     limit,
			Projected: amount,
		}
	}
	if l, ok := cfg.CategoryLimits[category]; ok && l.PerTransaction != 0 && amount > l.PerTransaction {
		return &fault.PolicyViolation{
			Kind:      fault.ErrPerTransactionCapExceeded,
			Scope:     category,
			Limit:     l.PerTransaction,
			Projected: amount,
		}
	}
	return nil
}

// CheckLimits verifies that amount fits every configured spending window at
// now. For each period the category ceiling is checked before the global one.
func (e *Engine) CheckLimits(ctx context.Context, treasuryID string, cfg *Config, category string, amount uint64, now time.Time) error {
	catLimits, hasCat := cfg.CategoryLimits[category]
	for _, p := range spending.Periods {
		if hasCat && category != "" {
			if limit := catLimits.For(p); limit != 0 {
				exceed, projected, err := e.tracker.WouldExceed(ctx, treasuryID, category, p, amount, limit, now)
				if err != nil {
					return err
				}
				if exceed {
					return &fault.PolicyViolation{
						Kind:      fault.ErrCategoryLimitExceeded,
						Scope:     category,
						Period:    p.String(),
						Limit:     limit,
						Projected: projected,
					}
				}
			}
		}
		if limit := cfg.Global.For(p); limit != 0 {
			exceed, projected, err := e.tracker.WouldExceed(ctx, treasuryID, spending.Global, p, amount, limit, now)
			if err != nil {
				return err
			}
			if exceed {
				return &fault.PolicyViolation{
					Kind:      fault.ErrGlobalLimitExceeded,
					Scope:     spending.Global,
					Period:    p.String(),
					Limit:     limit,
					Projected: projected,
				}
			}
		}
	}
	return nil
}

func (e *Engine) evalRules(t *treasury.Treasury, cfg *Config, c Candidate, category string, now time.Time) error {
	if len(cfg.Rules) == 0 {
		return nil
	}
	if e.rules == nil {
		return fault.Invalidf("policy has %d rules but rule evaluation is disabled", len(cfg.Rules))
	}
	in := RuleInput{
		Amount:    c.Amount,
		Recipient: c.Recipient,
		Category:  category,
		Proposer:  c.Proposer,
		Emergency: c.Emergency,
		Owners:    t.Owners,
		Threshold: t.Threshold,
		Now:       now,
	}
	for _, r := range cfg.Rules {
		ok, err := e.rules.Eval(r.Expression, in)
		if err != nil {
			return fault.Invalidf("rule %q: %v", r.Name, err)
		}
		if !ok {
			return fault.Violation(fault.ErrRuleDenied, r.Name)
		}
	}
	return nil
}

func (e *Engine) requiredSignatures(t *treasury.Treasury, cfg *Config, amount uint64, emergency bool) (int, error) {
	if emergency {
		return cfg.Emergency.Threshold, nil
	}
	if cfg.Features.AmountBasedThresholds {
		tiers, err := cfg.EffectiveTiers(t)
		if err != nil {
			return 0, err
		}
		return threshold.RequiredSignatures(amount, tiers)
	}
	return t.Threshold, nil
}

func timeLockUntil(cfg *Config, amount uint64, emergency bool, now time.Time) (time.Time, error) {
	if emergency && cfg.Emergency.TimeLockHours != nil {
		return now.Add(timelock.Duration(*cfg.Emergency.TimeLockHours)), nil
	}
	if !cfg.Features.DynamicTimeLock {
		return now, nil
	}
	return cfg.TimeLock.Until(now, amount)
}
