package policy

import (
	"time"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/spending"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/threshold"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/timelock"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/treasury"
)

// Params describes a complete policy. Unset fields take the defaults of
// NewConfig.
type Params struct {
	Global         Limits
	CategoryLimits map[string]Limits
	Categories     []string
	TimeLock       *timelock.Params
	Tiers          []threshold.Tier
	Features       *Features
	Emergency      *EmergencyConfig
	Rules          []Rule
	// Whitelist maps recipient to expiry. A zero expiry never lapses.
	Whitelist     map[string]time.Time
	Blacklist     []string
	MaxPendingAge time.Duration
}

// Build creates a validated config for t from p. Rule expressions are not
// compiled here; see Engine.CheckRule.
func (p Params) Build(t *treasury.Treasury, now time.Time) (*Config, error) {
	tl := timelock.DefaultParams()
	if p.TimeLock != nil {
		tl = *p.TimeLock
	}
	c, err := NewConfig(t, p.Global, tl, now)
	if err != nil {
		return nil, err
	}
	if p.Categories != nil {
		if err := c.SetCategories(p.Categories, now); err != nil {
			return nil, err
		}
	}
	for name, l := range p.CategoryLimits {
		for _, period := range spending.Periods {
			if err := c.SetCategoryLimit(name, period, l.For(period), now); err != nil {
				return nil, err
			}
		}
		if err := c.SetCategoryPerTransactionCap(name, l.PerTransaction, now); err != nil {
			return nil, err
		}
	}
	if len(p.Tiers) > 0 {
		if err := c.SetTiers(t, p.Tiers, now); err != nil {
			return nil, err
		}
	}
	if p.Features != nil {
		c.SetFeatures(*p.Features, now)
	}
	if p.Emergency != nil {
		if err := c.SetEmergency(t, p.Emergency, now); err != nil {
			return nil, err
		}
	}
	for _, r := range p.Rules {
		if err := c.AddRule(r, now); err != nil {
			return nil, err
		}
	}
	for recipient, expiry := range p.Whitelist {
		if err := c.AddToWhitelist(recipient, expiry, now); err != nil {
			return nil, err
		}
	}
	for _, recipient := range p.Blacklist {
		if err := c.AddToBlacklist(recipient, now); err != nil {
			return nil, err
		}
	}
	if err := c.SetMaxPendingAge(p.MaxPendingAge, now); err != nil {
		return nil, err
	}
	if err := c.ValidateFor(t); err != nil {
		return nil, err
	}
	return c, nil
}
