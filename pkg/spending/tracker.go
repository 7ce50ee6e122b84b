package spending

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Tracker evaluates and records spending against rolling windows.
// Windows are reset lazily when read or written; nothing runs in the
// background.
type Tracker struct {
	store Store
}

// NewTracker creates a tracker over store. A nil store uses a MemoryStore.
func NewTracker(store Store) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{store: store}
}

// Usage returns the current window for scope and period.
func (t *Tracker) Usage(ctx context.Context, treasuryID, scope string, period Period, now time.Time) (Window, error) {
	if !period.Valid() {
		return Window{}, fmt.Errorf("spending: invalid period %d", int(period))
	}
	w, err := t.store.Load(ctx, Key{TreasuryID: treasuryID, Scope: scope, Period: period})
	if err != nil {
		return Window{}, fmt.Errorf("spending: load %s/%s/%s: %w", treasuryID, scope, period, err)
	}
	return w.Current(period, now), nil
}

// WouldExceed reports whether adding amount would push the window past
// limit, along with the projected total. A zero limit never exceeds.
func (t *Tracker) WouldExceed(ctx context.Context, treasuryID, scope string, period Period, amount, limit uint64, now time.Time) (bool, uint64, error) {
	w, err := t.Usage(ctx, treasuryID, scope, period, now)
	if err != nil {
		return false, 0, err
	}
	projected := addSaturating(w.Spent, amount)
	if limit == 0 {
		return false, projected, nil
	}
	return projected > limit, projected, nil
}

// Record adds amount to the category and global accumulators of every
// period. It is not idempotent; callers record each execution exactly once.
// An empty category records only the global accumulators.
func (t *Tracker) Record(ctx context.Context, treasuryID, category string, amount uint64, now time.Time) (*Receipt, error) {
	if treasuryID == "" {
		return nil, errors.New("spending: treasury id must not be empty")
	}
	scopes := []string{Global}
	if category != "" && category != Global {
		scopes = append(scopes, category)
	}

	receipt := &Receipt{
		ID:         uuid.New().String(),
		TreasuryID: treasuryID,
		Category:   category,
		Amount:     amount,
		RecordedAt: now,
	}
	next := make([]Entry, 0, len(scopes)*len(Periods))
	for _, scope := range scopes {
		for _, p := range Periods {
			key := Key{TreasuryID: treasuryID, Scope: scope, Period: p}
			prior, err := t.store.Load(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("spending: load %s: %w", key, err)
			}
			receipt.Prior = append(receipt.Prior, Entry{Key: key, Window: prior})

			cur := prior.Current(p, now)
			cur.Spent = addSaturating(cur.Spent, amount)
			next = append(next, Entry{Key: key, Window: cur})
		}
	}

	if err := t.store.SaveAll(ctx, next); err != nil {
		return nil, fmt.Errorf("spending: record %s: %w", treasuryID, err)
	}
	return receipt, nil
}

// Revert restores the window states captured in receipt.
func (t *Tracker) Revert(ctx context.Context, receipt *Receipt) error {
	if receipt == nil {
		return nil
	}
	if err := t.store.SaveAll(ctx, receipt.Prior); err != nil {
		return fmt.Errorf("spending: revert receipt %s: %w", receipt.ID, err)
	}
	return nil
}

func addSaturating(a, b uint64) uint64 {
	if b > math.MaxUint64-a {
		return math.MaxUint64
	}
	return a + b
}
