// Package spending tracks how much a treasury has disbursed within rolling
// daily, weekly and monthly windows, per category and in total.
package spending

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Period identifies a rolling window length. The numeric values are stable
// and used by persistent stores.
type Period int

const (
	Daily   Period = 0
	Weekly  Period = 1
	Monthly Period = 2
)

// Periods lists every period in evaluation order.
var Periods = []Period{Daily, Weekly, Monthly}

// Global is the scope of the treasury-wide accumulator. Category labels
// must not start with an asterisk.
const Global = "*"

// Duration returns the window length of the period.
func (p Period) Duration() time.Duration {
	switch p {
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

func (p Period) String() string {
	switch p {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	}
	return fmt.Sprintf("period(%d)", int(p))
}

// Valid reports whether p is one of the defined periods.
func (p Period) Valid() bool {
	return p >= Daily && p <= Monthly
}

// ParsePeriod accepts the period name or its numeric code.
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "day", "0":
		return Daily, nil
	case "weekly", "week", "1":
		return Weekly, nil
	case "monthly", "month", "2":
		return Monthly, nil
	}
	return 0, fmt.Errorf("unknown spending period %q", s)
}

// Key addresses one accumulator.
type Key struct {
	TreasuryID string `json:"treasury_id"`
	Scope      string `json:"scope"`
	Period     Period `json:"period"`
}

func (k Key) String() string {
	return k.TreasuryID + "/" + k.Scope + "/" + k.Period.String()
}

// Window is the accumulated spend since Start.
type Window struct {
	Spent uint64    `json:"spent"`
	Start time.Time `json:"start"`
}

// Current returns the window as seen at now: a window whose length has
// fully elapsed, or that was never started, is reset to zero starting at now.
func (w Window) Current(p Period, now time.Time) Window {
	if w.Start.IsZero() || !now.Before(w.Start.Add(p.Duration())) {
		return Window{Spent: 0, Start: now}
	}
	return w
}

// ResetsAt returns when the window rolls over.
func (w Window) ResetsAt(p Period) time.Time {
	return w.Start.Add(p.Duration())
}

// Entry pairs a key with its window state.
type Entry struct {
	Key    Key    `json:"key"`
	Window Window `json:"window"`
}

// Store persists windows. Load returns the zero Window for unknown keys.
// SaveAll must apply all entries atomically.
type Store interface {
	Load(ctx context.Context, key Key) (Window, error)
	SaveAll(ctx context.Context, entries []Entry) error
}

// Receipt records the window states replaced by a Record call so that the
// call can be reverted.
type Receipt struct {
	ID         string    `json:"id"`
	TreasuryID string    `json:"treasury_id"`
	Category   string    `json:"category"`
	Amount     uint64    `json:"amount"`
	RecordedAt time.Time `json:"recorded_at"`
	Prior      []Entry   `json:"prior"`
}
