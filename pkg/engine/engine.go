// Package engine is the treasury engine's operation surface. It composes
// the treasury registry, policy engine, spending tracker and proposal
// lifecycle, and runs every mutating call under the treasury's exclusive
// lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/audit"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/identity"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/ledger"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/observability"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/policy"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/proposal"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/spending"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/treasury"
)

// PolicyParams describes the policy created by CreatePolicyConfig.
type PolicyParams = policy.Params

// Options holds the engine's required collaborators. Zero values fall
// back to in-memory implementations and the system clock.
type Options struct {
	Store  spending.Store
	Ledger ledger.Ledger
	Clock  Clock
	Logger *slog.Logger
}

// Engine is safe for concurrent use. Transitions on different treasuries
// run in parallel; transitions on one treasury are serialized.
type Engine struct {
	registry  *treasury.Registry
	tracker   *spending.Tracker
	policy    *policy.Engine
	lifecycle *proposal.Lifecycle
	clock     Clock
	logger    *slog.Logger

	authority identity.Authority
	audit     audit.Logger
	telemetry *observability.Provider

	mu         sync.RWMutex
	policies   map[string]*policy.Config
	byTreasury map[string]string
}

// New creates an engine. The identity authority defaults to
// identity.Trusted; inject a real one with SetAuthority.
func New(opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	rules, err := policy.NewRuleEvaluator()
	if err != nil {
		return nil, fmt.Errorf("engine: rule environment: %w", err)
	}
	telemetry, err := observability.New(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("engine: telemetry: %w", err)
	}

	tracker := spending.NewTracker(opts.Store)
	pe := policy.NewEngine(tracker, rules)
	return &Engine{
		registry:   treasury.NewRegistry(),
		tracker:    tracker,
		policy:     pe,
		lifecycle:  proposal.NewLifecycle(pe, tracker, opts.Ledger, opts.Logger),
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "engine"),
		authority:  identity.Trusted{},
		audit:      audit.Nop{},
		telemetry:  telemetry,
		policies:   make(map[string]*policy.Config),
		byTreasury: make(map[string]string),
	}, nil
}

// SetAuthority replaces the identity authority consulted before every
// owner action.
func (e *Engine) SetAuthority(a identity.Authority) {
	e.authority = a
}

// SetAuditLogger sets the audit trail.
func (e *Engine) SetAuditLogger(l audit.Logger) {
	e.audit = l
}

// SetTelemetry sets the tracing and metrics provider.
func (e *Engine) SetTelemetry(p *observability.Provider) {
	e.telemetry = p
}

// run wraps one operation with a span, metrics, logging and an audit event.
// fn returns the identifier of the resource it acted on.
func (e *Engine) run(ctx context.Context, action, treasuryID, actor string, fn func(ctx context.Context) (string, error)) error {
	ctx, done := e.telemetry.TrackOperation(ctx, action, treasuryID)
	resource, err := fn(ctx)
	done(err)

	event := audit.Event{
		TreasuryID: treasuryID,
		ActorID:    actor,
		Action:     action,
		Resource:   resource,
		Outcome:    audit.OutcomeAccepted,
		Timestamp:  e.clock.Now(),
	}
	if err != nil {
		event.Outcome = audit.OutcomeRejected
		event.Error = err.Error()
		level := slog.LevelWarn
		if errors.Is(err, fault.ErrLedgerTransferFailed) {
			level = slog.LevelError
		}
		e.logger.Log(ctx, level, "operation rejected",
			"action", action, "treasury_id", treasuryID, "actor", actor, "reason", observability.RejectionReason(err), "error", err)
	}
	if aerr := e.audit.Record(ctx, event); aerr != nil {
		e.logger.ErrorContext(ctx, "audit record failed", "action", action, "error", aerr)
	}
	return err
}

func (e *Engine) confirm(ctx context.Context, id string) error {
	if err := e.authority.Confirm(ctx, id); err != nil {
		return fmt.Errorf("confirm %q: %w", id, err)
	}
	return nil
}

// CreateTreasury registers a treasury with the given owners and flat threshold.
func (e *Engine) CreateTreasury(ctx context.Context, owners []string, threshold int) (*treasury.Treasury, error) {
	var out *treasury.Treasury
	err := e.run(ctx, "treasury.create", "", "", func(ctx context.Context) (string, error) {
		t, err := e.registry.Create(owners, threshold, e.clock.Now())
		if err != nil {
			return "", err
		}
		out = t
		e.logger.InfoContext(ctx, "treasury created", "treasury_id", t.ID, "owners", len(t.Owners), "threshold", t.Threshold)
		return t.ID, nil
	})
	return out, err
}

// Deposit credits the treasury. Deposits are accepted while frozen.
func (e *Engine) Deposit(ctx context.Context, treasuryID string, amount uint64) (*treasury.Treasury, error) {
	var out *treasury.Treasury
	err := e.run(ctx, "treasury.deposit", treasuryID, "", func(ctx context.Context) (string, error) {
		return treasuryID, e.registry.Exclusive(treasuryID, func(t *treasury.Treasury) error {
			if err := t.Deposit(amount); err != nil {
				return err
			}
			out = t.Clone()
			return nil
		})
	})
	return out, err
}

// Freeze halts every non-emergency transition. Any owner may freeze.
func (e *Engine) Freeze(ctx context.Context, treasuryID, by string) error {
	return e.run(ctx, "treasury.freeze", treasuryID, by, func(ctx context.Context) (string, error) {
		if err := e.confirm(ctx, by); err != nil {
			return treasuryID, err
		}
		return treasuryID, e.registry.Exclusive(treasuryID, func(t *treasury.Treasury) error {
			return t.Freeze(by, e.clock.Now())
		})
	})
}

// Unfreeze records by's approval to lift the freeze and reports whether
// the treasury is now unfrozen.
func (e *Engine) Unfreeze(ctx context.Context, treasuryID, by string) (bool, error) {
	var lifted bool
	err := e.run(ctx, "treasury.unfreeze", treasuryID, by, func(ctx context.Context) (string, error) {
		if err := e.confirm(ctx, by); err != nil {
			return treasuryID, err
		}
		return treasuryID, e.registry.Exclusive(treasuryID, func(t *treasury.Treasury) error {
			ok, err := t.ApproveUnfreeze(by)
			lifted = ok
			return err
		})
	})
	return lifted, err
}

// Treasury returns a snapshot of the treasury.
func (e *Engine) Treasury(id string) (*treasury.Treasury, error) {
	return e.registry.Get(id)
}

// Treasuries returns snapshots of every treasury.
func (e *Engine) Treasuries() []*treasury.Treasury {
	return e.registry.List()
}

// SpendingUsage returns the current window of scope, which is a category
// name or spending.Global.
func (e *Engine) SpendingUsage(ctx context.Context, treasuryID, scope string, period spending.Period) (spending.Window, error) {
	if _, err := e.registry.Get(treasuryID); err != nil {
		return spending.Window{}, err
	}
	if scope != spending.Global {
		scope = policy.NormalizeCategory(scope)
	}
	return e.tracker.Usage(ctx, treasuryID, scope, period, e.clock.Now())
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}
