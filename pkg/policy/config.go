// Package policy holds treasury spending policies and validates candidate
// proposals against them.
package policy

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/spending"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/threshold"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/timelock"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/treasury"
)

// Limits caps spending per window and per transaction. Zero means no ceiling.
type Limits struct {
	Daily          uint64 `json:"daily,omitempty" yaml:"daily,omitempty" toml:"daily,omitempty"`
	Weekly         uint64 `json:"weekly,omitempty" yaml:"weekly,omitempty" toml:"weekly,omitempty"`
	Monthly        uint64 `json:"monthly,omitempty" yaml:"monthly,omitempty" toml:"monthly,omitempty"`
	PerTransaction uint64 `json:"per_transaction,omitempty" yaml:"per_transaction,omitempty" toml:"per_transaction,omitempty"`
}

// For returns the ceiling of period p.
func (l Limits) For(p spending.Period) uint64 {
	switch p {
	case spending.Daily:
		return l.Daily
	case spending.Weekly:
		return l.Weekly
	case spending.Monthly:
		return l.Monthly
	}
	return 0
}

func (l *Limits) set(p spending.Period, v uint64) {
	switch p {
	case spending.Daily:
		l.Daily = v
	case spending.Weekly:
		l.Weekly = v
	case spending.Monthly:
		l.Monthly = v
	}
}

// Features toggles optional policy behaviour.
type Features struct {
	WhitelistEnforced     bool `json:"whitelist_enforced" yaml:"whitelist_enforced" toml:"whitelist_enforced"`
	DynamicTimeLock       bool `json:"dynamic_time_lock" yaml:"dynamic_time_lock" toml:"dynamic_time_lock"`
	AmountBasedThresholds bool `json:"amount_based_thresholds" yaml:"amount_based_thresholds" toml:"amount_based_thresholds"`
	RequireCategory       bool `json:"require_category" yaml:"require_category" toml:"require_category"`
	OwnerVeto             bool `json:"owner_veto" yaml:"owner_veto" toml:"owner_veto"`
}

// DefaultFeatures enables the dynamic time-lock and amount-based thresholds.
func DefaultFeatures() Features {
	return Features{
		DynamicTimeLock:       true,
		AmountBasedThresholds: true,
	}
}

// DefaultCategories is the category list a new policy starts with.
var DefaultCategories = []string{"Operations", "Marketing", "Development", "Grants", "Emergency", "Other"}

// EmergencyConfig governs the emergency proposal path.
type EmergencyConfig struct {
	// Threshold must exceed the treasury's flat threshold.
	Threshold int `json:"threshold" yaml:"threshold" toml:"threshold"`
	// TimeLockHours overrides the time-lock when set. Zero executes immediately.
	TimeLockHours         *uint64 `json:"time_lock_hours,omitempty" yaml:"time_lock_hours,omitempty" toml:"time_lock_hours,omitempty"`
	ExemptFromFreeze      bool    `json:"exempt_from_freeze" yaml:"exempt_from_freeze" toml:"exempt_from_freeze"`
	EnforceSpendingLimits bool    `json:"enforce_spending_limits" yaml:"enforce_spending_limits" toml:"enforce_spending_limits"`
}

func (e *EmergencyConfig) clone() *EmergencyConfig {
	if e == nil {
		return nil
	}
	cp := *e
	if e.TimeLockHours != nil {
		h := *e.TimeLockHours
		cp.TimeLockHours = &h
	}
	return &cp
}

// Rule is a named CEL expression that must evaluate to true.
type Rule struct {
	Name       string `json:"name" yaml:"name" toml:"name"`
	Expression string `json:"expression" yaml:"expression" toml:"expression"`
}

// Config is the spending policy of one treasury.
type Config struct {
	ID             string
	TreasuryID     string
	Global         Limits
	CategoryLimits map[string]Limits
	Categories     []string
	// Whitelist maps recipient to expiry. A zero expiry never lapses.
	Whitelist map[string]time.Time
	Blacklist map[string]bool
	Tiers     threshold.Tiers
	TimeLock  timelock.Params
	Features  Features
	Emergency *EmergencyConfig
	Rules     []Rule
	// MaxPendingAge cancels proposals left unexecuted this long. Zero disables it.
	MaxPendingAge time.Duration
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// TiersConfigured is false while Tiers is the seeded catch-all. Until
	// tiers are set, withdrawals require the treasury's current threshold.
	TiersConfigured bool
}

// NewConfig returns a policy for t seeded with a single catch-all tier that
// follows the treasury threshold, default features and default categories.
func NewConfig(t *treasury.Treasury, global Limits, tl timelock.Params, now time.Time) (*Config, error) {
	tiers, err := threshold.Flat(t.Threshold)
	if err != nil {
		return nil, err
	}
	c := &Config{
		ID:             uuid.New().String(),
		TreasuryID:     t.ID,
		Global:         global,
		CategoryLimits: make(map[string]Limits),
		Categories:     slices.Clone(DefaultCategories),
		Whitelist:      make(map[string]time.Time),
		Blacklist:      make(map[string]bool),
		Tiers:          tiers,
		TimeLock:       tl,
		Features:       DefaultFeatures(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.ValidateFor(t); err != nil {
		return nil, err
	}
	return c, nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	cp.CategoryLimits = maps.Clone(c.CategoryLimits)
	cp.Categories = slices.Clone(c.Categories)
	cp.Whitelist = maps.Clone(c.Whitelist)
	cp.Blacklist = maps.Clone(c.Blacklist)
	cp.Rules = slices.Clone(c.Rules)
	cp.Emergency = c.Emergency.clone()
	if cp.CategoryLimits == nil {
		cp.CategoryLimits = make(map[string]Limits)
	}
	if cp.Whitelist == nil {
		cp.Whitelist = make(map[string]time.Time)
	}
	if cp.Blacklist == nil {
		cp.Blacklist = make(map[string]bool)
	}
	return &cp
}

// ValidateFor checks the policy for internal consistency and against the
// owner set and threshold of t.
func (c *Config) ValidateFor(t *treasury.Treasury) error {
	if c.Tiers.Len() == 0 {
		return fault.Invalidf("threshold tiers must not be empty")
	}
	if err := c.TimeLock.Validate(); err != nil {
		return err
	}
	if max := c.Tiers.Max(); c.TiersConfigured && max > len(t.Owners) {
		return fault.Invalidf("tier requires %d signatures but treasury has %d owners", max, len(t.Owners))
	}
	for name, l := range c.CategoryLimits {
		if err := checkWithinGlobal(name, l, c.Global); err != nil {
			return err
		}
	}
	if e := c.Emergency; e != nil {
		if e.Threshold <= t.Threshold {
			return fault.Invalidf("emergency threshold %d must exceed treasury threshold %d", e.Threshold, t.Threshold)
		}
		if e.Threshold > len(t.Owners) {
			return fault.Invalidf("emergency threshold %d exceeds %d owners", e.Threshold, len(t.Owners))
		}
	}
	return nil
}

func checkWithinGlobal(category string, l, global Limits) error {
	for _, p := range spending.Periods {
		if g := global.For(p); g != 0 && l.For(p) > g {
			return fault.Invalidf("category %s %s limit %d exceeds global limit %d", category, p, l.For(p), g)
		}
	}
	if global.PerTransaction != 0 && l.PerTransaction > global.PerTransaction {
		return fault.Invalidf("category %s per-transaction cap %d exceeds global cap %d", category, l.PerTransaction, global.PerTransaction)
	}
	return nil
}

// NormalizeCategory trims and NFC-normalizes a category label.
func NormalizeCategory(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func validCategoryName(s string) error {
	if s == "" {
		return fault.Invalidf("category name must not be empty")
	}
	if strings.HasPrefix(s, spending.Global) {
		return fault.Invalidf("category name %q must not start with %q", s, spending.Global)
	}
	return nil
}

// HasCategory reports whether the normalized category is configured.
func (c *Config) HasCategory(category string) bool {
	return slices.Contains(c.Categories, NormalizeCategory(category))
}

// SetGlobalLimits replaces the treasury-wide limits.
func (c *Config) SetGlobalLimits(l Limits, now time.Time) error {
	for name, cl := range c.CategoryLimits {
		if err := checkWithinGlobal(name, cl, l); err != nil {
			return err
		}
	}
	c.Global = l
	c.UpdatedAt = now
	return nil
}

// SetCategoryLimit sets the ceiling of one category for one period.
func (c *Config) SetCategoryLimit(category string, p spending.Period, limit uint64, now time.Time) error {
	if !p.Valid() {
		return fault.Invalidf("unknown period %d", int(p))
	}
	category = NormalizeCategory(category)
	if err := validCategoryName(category); err != nil {
		return err
	}
	l := c.CategoryLimits[category]
	l.set(p, limit)
	if err := checkWithinGlobal(category, l, c.Global); err != nil {
		return err
	}
	c.CategoryLimits[category] = l
	c.UpdatedAt = now
	return nil
}

// SetCategoryPerTransactionCap sets the single-transaction cap of a category.
func (c *Config) SetCategoryPerTransactionCap(category string, limit uint64, now time.Time) error {
	category = NormalizeCategory(category)
	if err := validCategoryName(category); err != nil {
		return err
	}
	l := c.CategoryLimits[category]
	l.PerTransaction = limit
	if err := checkWithinGlobal(category, l, c.Global); err != nil {
		return err
	}
	c.CategoryLimits[category] = l
	c.UpdatedAt = now
	return nil
}

// SetCategories replaces the list of recognised categories.
func (c *Config) SetCategories(categories []string, now time.Time) error {
	out := make([]string, 0, len(categories))
	for _, raw := range categories {
		name := NormalizeCategory(raw)
		if err := validCategoryName(name); err != nil {
			return err
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	c.Categories = out
	c.UpdatedAt = now
	return nil
}

// AddToWhitelist allows recipient until expiry. A zero expiry never lapses.
func (c *Config) AddToWhitelist(recipient string, expiry time.Time, now time.Time) error {
	if recipient == "" {
		return fmt.Errorf("%w: recipient must not be empty", fault.ErrInvalidInput)
	}
	if !expiry.IsZero() && !expiry.After(now) {
		return fmt.Errorf("%w: whitelist expiry %s is not in the future", fault.ErrInvalidInput, expiry.Format(time.RFC3339))
	}
	c.Whitelist[recipient] = expiry
	c.UpdatedAt = now
	return nil
}

// RemoveFromWhitelist drops recipient.
func (c *Config) RemoveFromWhitelist(recipient string, now time.Time) {
	delete(c.Whitelist, recipient)
	c.UpdatedAt = now
}

// IsWhitelisted reports whether recipient has an unexpired entry at now.
func (c *Config) IsWhitelisted(recipient string, now time.Time) bool {
	expiry, ok := c.Whitelist[recipient]
	if !ok {
		return false
	}
	return expiry.IsZero() || now.Before(expiry)
}

// AddToBlacklist blocks recipient regardless of the whitelist.
func (c *Config) AddToBlacklist(recipient string, now time.Time) error {
	if recipient == "" {
		return fmt.Errorf("%w: recipient must not be empty", fault.ErrInvalidInput)
	}
	c.Blacklist[recipient] = true
	c.UpdatedAt = now
	return nil
}

// RemoveFromBlacklist unblocks recipient.
func (c *Config) RemoveFromBlacklist(recipient string, now time.Time) {
	delete(c.Blacklist, recipient)
	c.UpdatedAt = now
}

// AddThresholdTier inserts a tier, or replaces the catch-all requirement
// when maxAmount is threshold.Unbounded.
func (c *Config) AddThresholdTier(t *treasury.Treasury, maxAmount uint64, required int, now time.Time) error {
	base, err := c.EffectiveTiers(t)
	if err != nil {
		return err
	}
	next, err := base.With(maxAmount, required)
	if err != nil {
		return err
	}
	if required > len(t.Owners) {
		return fault.Invalidf("tier requires %d signatures but treasury has %d owners", required, len(t.Owners))
	}
	c.Tiers = next
	c.TiersConfigured = true
	c.UpdatedAt = now
	return nil
}

// EffectiveTiers returns the tiers withdrawals resolve against: the
// configured tiers, or a catch-all at t's current threshold.
func (c *Config) EffectiveTiers(t *treasury.Treasury) (threshold.Tiers, error) {
	if c.TiersConfigured {
		return c.Tiers, nil
	}
	return threshold.Flat(t.Threshold)
}

// SetTiers replaces every tier.
func (c *Config) SetTiers(t *treasury.Treasury, tiers []threshold.Tier, now time.Time) error {
	next, err := threshold.NewTiers(tiers)
	if err != nil {
		return err
	}
	if next.Max() > len(t.Owners) {
		return fault.Invalidf("tier requires %d signatures but treasury has %d owners", next.Max(), len(t.Owners))
	}
	c.Tiers = next
	c.TiersConfigured = true
	c.UpdatedAt = now
	return nil
}

// SetTimeLock replaces the time-lock parameters.
func (c *Config) SetTimeLock(p timelock.Params, now time.Time) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.TimeLock = p
	c.UpdatedAt = now
	return nil
}

// SetFeatures replaces the feature toggles.
func (c *Config) SetFeatures(f Features, now time.Time) {
	c.Features = f
	c.UpdatedAt = now
}

// SetEmergency installs or, with nil, removes the emergency configuration.
func (c *Config) SetEmergency(t *treasury.Treasury, e *EmergencyConfig, now time.Time) error {
	prev := c.Emergency
	c.Emergency = e.clone()
	if err := c.ValidateFor(t); err != nil {
		c.Emergency = prev
		return err
	}
	c.UpdatedAt = now
	return nil
}

// AddRule appends a rule. Compile it first with Engine.CheckRule.
func (c *Config) AddRule(r Rule, now time.Time) error {
	if r.Name == "" || r.Expression == "" {
		return fault.Invalidf("rule needs a name and an expression")
	}
	for _, existing := range c.Rules {
		if existing.Name == r.Name {
			return fault.Invalidf("rule %q already exists", r.Name)
		}
	}
	c.Rules = append(c.Rules, r)
	c.UpdatedAt = now
	return nil
}

// SetMaxPendingAge sets the stale-proposal cutoff. Zero disables it.
func (c *Config) SetMaxPendingAge(d time.Duration, now time.Time) error {
	if d < 0 {
		return fault.Invalidf("max pending age must not be negative")
	}
	c.MaxPendingAge = d
	c.UpdatedAt = now
	return nil
}
