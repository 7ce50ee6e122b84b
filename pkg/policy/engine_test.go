package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/spending"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/threshold"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/timelock"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/treasury"
)

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	tr      *treasury.Treasury
	cfg     *Config
	tracker *spending.Tracker
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tr, err := treasury.New([]string{"alice", "bob", "carol", "dave", "erin"}, 3, now)
	require.NoError(t, err)
	require.NoError(t, tr.Deposit(1_000_000))

	cfg, err := NewConfig(tr, Limits{}, timelock.DefaultParams(), now)
	require.NoError(t, err)

	rules, err := NewRuleEvaluator()
	require.NoError(t, err)
	tracker := spending.NewTracker(nil)
	return &fixture{tr: tr, cfg: cfg, tracker: tracker, engine: NewEngine(tracker, rules)}
}

func (f *fixture) validate(c Candidate) (Decision, error) {
	return f.engine.Validate(context.Background(), f.tr, f.cfg, c, now)
}

func TestValidate_DefaultsUseFlatTierAndDynamicTimeLock(t *testing.T) {
	f := newFixture(t)
	d, err := f.validate(Candidate{Proposer: "alice", Recipient: "vendor", Amount: 5000, Category: "Operations"})
	require.NoError(t, err)
	assert.Equal(t, 3, d.RequiredSignatures)
	assert.Equal(t, now.Add(29*time.Hour), d.TimeLockUntil)
}

func TestValidate_DefaultTierFollowsTreasuryThreshold(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tr.SetThreshold(5))
	d, err := f.validate(Candidate{Recipient: "vendor", Amount: 5000})
	require.NoError(t, err)
	assert.Equal(t, 5, d.RequiredSignatures)

	require.NoError(t, f.cfg.AddThresholdTier(f.tr, 1000, 2, now))
	assert.True(t, f.cfg.TiersConfigured)
	assert.Equal(t, []threshold.Tier{{MaxAmount: 1000, Required: 2}, {MaxAmount: threshold.Unbounded, Required: 5}}, f.cfg.Tiers.List())

	require.NoError(t, f.tr.SetThreshold(3))
	d, err = f.validate(Candidate{Recipient: "vendor", Amount: 5000})
	require.NoError(t, err)
	assert.Equal(t, 5, d.RequiredSignatures, "configured tiers are kept")
}

func TestValidate_TieredThresholds(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.SetTiers(f.tr, []threshold.Tier{
		{MaxAmount: 1000, Required: 2},
		{MaxAmount: 10000, Required: 3},
		{MaxAmount: threshold.Unbounded, Required: 4},
	}, now))

	for amount, want := range map[uint64]int{500: 2, 5000: 3, 50000: 4} {
		d, err := f.validate(Candidate{Recipient: "vendor", Amount: amount})
		require.NoError(t, err)
		assert.Equal(t, want, d.RequiredSignatures, "amount %d", amount)
	}

	f.cfg.Features.AmountBasedThresholds = false
	d, err := f.validate(Candidate{Recipient: "vendor", Amount: 50000})
	require.NoError(t, err)
	assert.Equal(t, 3, d.RequiredSignatures)
}

func TestValidate_StaticTimeLock(t *testing.T) {
	f := newFixture(t)
	f.cfg.Features.DynamicTimeLock = false
	d, err := f.validate(Candidate{Recipient: "vendor", Amount: 200000})
	require.NoError(t, err)
	assert.Equal(t, now, d.TimeLockUntil)
}

func TestValidate_RejectsFrozen(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tr.Freeze("alice", now))
	_, err := f.validate(Candidate{Recipient: "vendor", Amount: 1})
	assert.ErrorIs(t, err, fault.ErrTreasuryFrozen)
}

func TestValidate_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.validate(Candidate{Recipient: "vendor", Amount: 0})
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
	_, err = f.validate(Candidate{Amount: 10})
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
}

func TestValidate_PerTransactionCaps(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.SetGlobalLimits(Limits{PerTransaction: 10000}, now))
	require.NoError(t, f.cfg.SetCategoryPerTransactionCap("Marketing", 2000, now))

	_, err := f.validate(Candidate{Recipient: "vendor", Amount: 10001})
	var pv *fault.PolicyViolation
	require.True(t, errors.As(err, &pv))
	assert.ErrorIs(t, err, fault.ErrPerTransactionCapExceeded)
	assert.Equal(t, spending.Global, pv.Scope)

	_, err = f.validate(Candidate{Recipient: "vendor", Amount: 2500, Category: "Marketing"})
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, "Marketing", pv.Scope)

	_, err = f.validate(Candidate{Recipient: "vendor", Amount: 2500, Category: "Grants"})
	assert.NoError(t, err)
}

func TestValidate_Whitelist(t *testing.T) {
	f := newFixture(t)
	f.cfg.Features.WhitelistEnforced = true
	require.NoError(t, f.cfg.AddToWhitelist("vendor", now.Add(time.Hour), now))
	require.NoError(t, f.cfg.AddToWhitelist("payroll", time.Time{}, now))

	_, err := f.validate(Candidate{Recipient: "stranger", Amount: 10})
	assert.ErrorIs(t, err, fault.ErrWhitelistRequired)

	_, err = f.validate(Candidate{Recipient: "vendor", Amount: 10})
	assert.NoError(t, err)

	_, err = f.engine.Validate(context.Background(), f.tr, f.cfg, Candidate{Recipient: "vendor", Amount: 10}, now.Add(time.Hour))
	assert.ErrorIs(t, err, fault.ErrWhitelistRequired, "expiry is exclusive")

	_, err = f.engine.Validate(context.Background(), f.tr, f.cfg, Candidate{Recipient: "payroll", Amount: 10}, now.Add(1000*time.Hour))
	assert.NoError(t, err)

	assert.Error(t, f.cfg.AddToWhitelist("late", now.Add(-time.Second), now))
}

func TestValidate_Blacklist(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.AddToBlacklist("mallory", now))
	_, err := f.validate(Candidate{Recipient: "mallory", Amount: 10})
	assert.ErrorIs(t, err, fault.ErrRecipientBlacklisted)

	f.cfg.RemoveFromBlacklist("mallory", now)
	_, err = f.validate(Candidate{Recipient: "mallory", Amount: 10})
	assert.NoError(t, err)
}

func TestValidate_RequireCategory(t *testing.T) {
	f := newFixture(t)
	f.cfg.Features.RequireCategory = true

	_, err := f.validate(Candidate{Recipient: "vendor", Amount: 10})
	assert.ErrorIs(t, err, fault.ErrUnknownCategory)
	_, err = f.validate(Candidate{Recipient: "vendor", Amount: 10, Category: "Parties"})
	assert.ErrorIs(t, err, fault.ErrUnknownCategory)
	_, err = f.validate(Candidate{Recipient: "vendor", Amount: 10, Category: " Grants "})
	assert.NoError(t, err)
}

func TestValidate_CategoryThenGlobalLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cfg.SetGlobalLimits(Limits{Daily: 8000, Weekly: 20000}, now))
	require.NoError(t, f.cfg.SetCategoryLimit("Operations", spending.Daily, 5000, now))

	_, err := f.validate(Candidate{Recipient: "vendor", Amount: 6000, Category: "Operations"})
	var pv *fault.PolicyViolation
	require.True(t, errors.As(err, &pv))
	assert.ErrorIs(t, err, fault.ErrCategoryLimitExceeded)
	assert.Equal(t, uint64(5000), pv.Limit)
	assert.Equal(t, uint64(6000), pv.Projected)
	assert.Equal(t, "daily", pv.Period)

	_, err = f.tracker.Record(ctx, f.tr.ID, "Grants", 7000, now)
	require.NoError(t, err)

	_, err = f.validate(Candidate{Recipient: "vendor", Amount: 2000, Category: "Operations"})
	require.True(t, errors.As(err, &pv))
	assert.ErrorIs(t, err, fault.ErrGlobalLimitExceeded)
	assert.Equal(t, uint64(9000), pv.Projected)

	d, err := f.validate(Candidate{Recipient: "vendor", Amount: 1000, Category: "Operations"})
	require.NoError(t, err)
	assert.Equal(t, 3, d.RequiredSignatures)
}

func TestValidate_OrderFrozenBeforeCaps(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.SetGlobalLimits(Limits{PerTransaction: 10}, now))
	f.cfg.Features.WhitelistEnforced = true
	require.NoError(t, f.tr.Freeze("bob", now))

	_, err := f.validate(Candidate{Recipient: "stranger", Amount: 100})
	assert.ErrorIs(t, err, fault.ErrTreasuryFrozen)

	f.tr.Frozen = false
	_, err = f.validate(Candidate{Recipient: "stranger", Amount: 100})
	assert.ErrorIs(t, err, fault.ErrPerTransactionCapExceeded)
}

func TestValidate_Rules(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.CheckRule(`category != "Marketing" || amount <= 500`))
	require.NoError(t, f.cfg.AddRule(Rule{Name: "marketing-small", Expression: `category != "Marketing" || amount <= 500`}, now))

	_, err := f.validate(Candidate{Recipient: "vendor", Amount: 600, Category: "Marketing"})
	assert.ErrorIs(t, err, fault.ErrRuleDenied)
	assert.ErrorContains(t, err, "marketing-small")

	_, err = f.validate(Candidate{Recipient: "vendor", Amount: 600, Category: "Grants"})
	assert.NoError(t, err)

	assert.ErrorIs(t, f.engine.CheckRule(`amount + `), fault.ErrInvalidPolicyConfig)
	assert.ErrorIs(t, f.engine.CheckRule(`amount`), fault.ErrInvalidPolicyConfig)
	assert.ErrorIs(t, f.cfg.AddRule(Rule{Name: "marketing-small", Expression: "true"}, now), fault.ErrInvalidPolicyConfig)

	noRules := NewEngine(f.tracker, nil)
	_, err = noRules.Validate(context.Background(), f.tr, f.cfg, Candidate{Recipient: "vendor", Amount: 1}, now)
	assert.ErrorIs(t, err, fault.ErrInvalidPolicyConfig)
}

func TestValidateEmergency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cfg.SetGlobalLimits(Limits{Daily: 100}, now))

	_, err := f.engine.ValidateEmergency(ctx, f.tr, f.cfg, Candidate{Recipient: "vendor", Amount: 5000}, now)
	assert.ErrorIs(t, err, fault.ErrInvalidPolicyConfig, "not configured")

	zero := uint64(0)
	require.NoError(t, f.cfg.SetEmergency(f.tr, &EmergencyConfig{
		Threshold:        4,
		TimeLockHours:    &zero,
		ExemptFromFreeze: true,
	}, now))
	require.NoError(t, f.tr.Freeze("alice", now))

	d, err := f.engine.ValidateEmergency(ctx, f.tr, f.cfg, Candidate{Recipient: "vendor", Amount: 5000}, now)
	require.NoError(t, err)
	assert.Equal(t, 4, d.RequiredSignatures)
	assert.Equal(t, now, d.TimeLockUntil)

	f.cfg.Emergency.EnforceSpendingLimits = true
	_, err = f.engine.ValidateEmergency(ctx, f.tr, f.cfg, Candidate{Recipient: "vendor", Amount: 5000}, now)
	assert.ErrorIs(t, err, fault.ErrGlobalLimitExceeded)

	f.cfg.Emergency.ExemptFromFreeze = false
	_, err = f.engine.ValidateEmergency(ctx, f.tr, f.cfg, Candidate{Recipient: "vendor", Amount: 50}, now)
	assert.ErrorIs(t, err, fault.ErrTreasuryFrozen)
}

func TestValidateEmergency_NormalTimeLockWhenUnset(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.SetEmergency(f.tr, &EmergencyConfig{Threshold: 5}, now))
	d, err := f.engine.ValidateEmergency(context.Background(), f.tr, f.cfg, Candidate{Recipient: "vendor", Amount: 1000}, now)
	require.NoError(t, err)
	assert.Equal(t, 5, d.RequiredSignatures)
	assert.Equal(t, now.Add(25*time.Hour), d.TimeLockUntil)
}

func TestValidateGovernance(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.ValidateGovernance(f.tr, f.cfg, now)
	require.NoError(t, err)
	assert.Equal(t, 3, d.RequiredSignatures)
	assert.Equal(t, now.Add(24*time.Hour), d.TimeLockUntil)

	require.NoError(t, f.tr.Freeze("alice", now))
	_, err = f.engine.ValidateGovernance(f.tr, f.cfg, now)
	assert.ErrorIs(t, err, fault.ErrTreasuryFrozen)
}

func TestValidate_HasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.SetGlobalLimits(Limits{Daily: 8000}, now))
	for i := 0; i < 3; i++ {
		_, err := f.validate(Candidate{Recipient: "vendor", Amount: 5000})
		require.NoError(t, err)
	}
	w, err := f.tracker.Usage(context.Background(), f.tr.ID, spending.Global, spending.Daily, now)
	require.NoError(t, err)
	assert.Zero(t, w.Spent)
}
