package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/audit"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/identity"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/ledger"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/policy"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/proposal"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/spending"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/threshold"
)

var start = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

var owners = []string{"alice", "bob", "carol", "dave", "erin"}

type harness struct {
	engine   *Engine
	clock    *FixedClock
	journal  *ledger.Journal
	audit    *audit.MemoryLogger
	treasury string
	policy   string
}

func newHarness(t *testing.T, l ledger.Ledger) *harness {
	t.Helper()
	clock := NewFixedClock(start)
	journal := ledger.NewJournal().WithClock(clock.Now)
	if l == nil {
		l = journal
	}
	e, err := New(Options{Ledger: l, Clock: clock})
	require.NoError(t, err)
	mem := audit.NewMemoryLogger()
	e.SetAuditLogger(mem)

	ctx := context.Background()
	tr, err := e.CreateTreasury(ctx, owners, 3)
	require.NoError(t, err)
	_, err = e.Deposit(ctx, tr.ID, 1_000_000)
	require.NoError(t, err)

	cfg, err := e.CreatePolicyConfig(ctx, tr.ID, PolicyParams{
		CategoryLimits: map[string]policy.Limits{"Operations": {Daily: 5000}},
	})
	require.NoError(t, err)
	return &harness{engine: e, clock: clock, journal: journal, audit: mem, treasury: tr.ID, policy: cfg.ID}
}

func (h *harness) propose(t *testing.T, amount uint64) *proposal.Proposal {
	t.Helper()
	p, err := h.engine.CreateProposal(context.Background(), h.treasury, "alice",
		proposal.Request{Recipient: "vendor", Amount: amount, Category: "Operations"})
	require.NoError(t, err)
	return p
}

func (h *harness) sign(t *testing.T, id string, signers ...string) *proposal.Proposal {
	t.Helper()
	var p *proposal.Proposal
	for _, s := range signers {
		var err error
		p, err = h.engine.SignProposal(context.Background(), id, s)
		require.NoError(t, err)
	}
	return p
}

func TestScenario_OperationsDailyLimit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.CreateProposal(ctx, h.treasury, "alice",
		proposal.Request{Recipient: "vendor", Amount: 6000, Category: "Operations"})
	var violation *fault.PolicyViolation
	require.ErrorAs(t, err, &violation)
	assert.ErrorIs(t, err, fault.ErrCategoryLimitExceeded)
	assert.Equal(t, uint64(5000), violation.Limit)
	assert.Equal(t, uint64(6000), violation.Projected)

	p := h.propose(t, 4000)
	assert.Equal(t, 3, p.RequiredSignatures)
	assert.Equal(t, start.Add(28*time.Hour), p.TimeLockUntil)

	p = h.sign(t, p.ID, "alice", "bob", "carol")
	assert.Equal(t, proposal.Ready, p.Status)

	_, err = h.engine.ExecuteProposal(ctx, p.ID, "alice", h.clock.Now())
	require.ErrorIs(t, err, fault.ErrTimeLockActive)
	assert.True(t, fault.IsRetryable(err))

	h.clock.Advance(28 * time.Hour)
	done, err := h.engine.ExecuteProposal(ctx, p.ID, "alice", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, proposal.Executed, done.Status)

	w, err := h.engine.SpendingUsage(ctx, h.treasury, "Operations", spending.Daily)
	require.NoError(t, err)
	assert.Equal(t, uint64(4000), w.Spent)

	_, err = h.engine.CreateProposal(ctx, h.treasury, "bob",
		proposal.Request{Recipient: "vendor", Amount: 2000, Category: "Operations"})
	assert.ErrorIs(t, err, fault.ErrCategoryLimitExceeded)

	tr, err := h.engine.Treasury(h.treasury)
	require.NoError(t, err)
	assert.Equal(t, uint64(996_000), tr.Balance())
	assert.Equal(t, 1, h.journal.Length())
	require.NoError(t, h.journal.Verify())
}

func TestScenario_DuplicateSignature(t *testing.T) {
	h := newHarness(t, nil)
	p := h.propose(t, 100)
	h.sign(t, p.ID, "bob")

	_, err := h.engine.SignProposal(context.Background(), p.ID, "bob")
	require.ErrorIs(t, err, fault.ErrDuplicateSignature)

	got, err := h.engine.Proposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, got.Signers)
}

func TestScenario_FreezeBlocksExecution(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.propose(t, 1000)
	h.sign(t, p.ID, "alice", "bob", "carol")
	h.clock.Advance(30 * time.Hour)

	require.NoError(t, h.engine.Freeze(ctx, h.treasury, "erin"))
	_, err := h.engine.ExecuteProposal(ctx, p.ID, "alice", h.clock.Now())
	require.ErrorIs(t, err, fault.ErrTreasuryFrozen)
	_, err = h.engine.CreateProposal(ctx, h.treasury, "alice", proposal.Request{Recipient: "vendor", Amount: 10})
	require.ErrorIs(t, err, fault.ErrTreasuryFrozen)

	lifted, err := h.engine.Unfreeze(ctx, h.treasury, "alice")
	require.NoError(t, err)
	assert.False(t, lifted)
	_, err = h.engine.Unfreeze(ctx, h.treasury, "alice")
	require.ErrorIs(t, err, fault.ErrDuplicateSignature)
	_, err = h.engine.Unfreeze(ctx, h.treasury, "bob")
	require.NoError(t, err)
	lifted, err = h.engine.Unfreeze(ctx, h.treasury, "carol")
	require.NoError(t, err)
	assert.True(t, lifted)

	done, err := h.engine.ExecuteProposal(ctx, p.ID, "alice", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, proposal.Executed, done.Status)
}

func TestScenario_LedgerFailureRollsBack(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	journal := ledger.NewJournal()
	flaky := ledger.Func(func(ctx context.Context, req ledger.TransferRequest) (*ledger.Receipt, error) {
		if fail.Load() {
			return nil, errors.New("custodian unavailable")
		}
		return journal.Transfer(ctx, req)
	})
	h := newHarness(t, flaky)
	ctx := context.Background()

	p := h.propose(t, 4000)
	h.sign(t, p.ID, "alice", "bob", "carol")
	h.clock.Advance(28 * time.Hour)

	_, err := h.engine.ExecuteProposal(ctx, p.ID, "alice", h.clock.Now())
	require.ErrorIs(t, err, fault.ErrLedgerTransferFailed)

	got, err := h.engine.Proposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.Ready, got.Status)
	tr, err := h.engine.Treasury(h.treasury)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), tr.Balance())
	w, err := h.engine.SpendingUsage(ctx, h.treasury, spending.Global, spending.Monthly)
	require.NoError(t, err)
	assert.Zero(t, w.Spent)

	fail.Store(false)
	_, err = h.engine.ExecuteProposal(ctx, p.ID, "alice", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, journal.Length())

	events := h.audit.Events()
	var rejected int
	for _, ev := range events {
		if ev.Action == "proposal.execute" && ev.Outcome == audit.OutcomeRejected {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
}

func TestScenario_TieredThresholdsAndGovernance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.AddThresholdTier(ctx, h.policy, 1000, 2))
	require.NoError(t, h.engine.AddThresholdTier(ctx, h.policy, 10000, 3))
	require.NoError(t, h.engine.AddThresholdTier(ctx, h.policy, threshold.Unbounded, 4))

	small := h.propose(t, 500)
	assert.Equal(t, 2, small.RequiredSignatures)

	err := h.engine.AddThresholdTier(ctx, h.policy, 50000, 6)
	require.ErrorIs(t, err, fault.ErrInvalidPolicyConfig)

	_, err = h.engine.ProposeRemoveOwner(ctx, h.treasury, "alice", "erin", "")
	require.NoError(t, err)
	_, err = h.engine.ProposeThresholdChange(ctx, h.treasury, "alice", 6, "")
	require.ErrorIs(t, err, fault.ErrInvalidInput)

	add, err := h.engine.ProposeAddOwner(ctx, h.treasury, "alice", "frank", "new signer")
	require.NoError(t, err)
	h.sign(t, add.ID, "alice", "bob", "carol")
	h.clock.Advance(24 * time.Hour)
	_, err = h.engine.ExecuteProposal(ctx, add.ID, "bob", h.clock.Now())
	require.NoError(t, err)

	tr, err := h.engine.Treasury(h.treasury)
	require.NoError(t, err)
	assert.True(t, tr.IsOwner("frank"))
	assert.Len(t, tr.Owners, 6)
}

func TestScenario_ThresholdChangeRaisesWithdrawalApprovals(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	change, err := h.engine.ProposeThresholdChange(ctx, h.treasury, "alice", 4, "tighten")
	require.NoError(t, err)
	h.sign(t, change.ID, "alice", "bob", "carol")
	h.clock.Advance(24 * time.Hour)
	_, err = h.engine.ExecuteProposal(ctx, change.ID, "alice", h.clock.Now())
	require.NoError(t, err)

	p := h.propose(t, 100)
	assert.Equal(t, 4, p.RequiredSignatures)
	p = h.sign(t, p.ID, "alice", "bob", "carol")
	assert.Equal(t, proposal.Pending, p.Status)
}

func TestScenario_EmergencyPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	zero := uint64(0)
	require.NoError(t, h.engine.SetEmergencyConfig(ctx, h.policy, &policy.EmergencyConfig{
		Threshold: 4, TimeLockHours: &zero, ExemptFromFreeze: true,
	}))
	require.NoError(t, h.engine.Freeze(ctx, h.treasury, "dave"))

	p, err := h.engine.CreateEmergencyProposal(ctx, h.treasury, "alice",
		proposal.Request{Recipient: "incident-response", Amount: 20000, Category: "Operations"})
	require.NoError(t, err)
	assert.Equal(t, 4, p.RequiredSignatures)

	h.sign(t, p.ID, "alice", "bob", "carol", "dave")
	done, err := h.engine.ExecuteProposal(ctx, p.ID, "erin", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, proposal.Executed, done.Status)
}

func TestPolicyMutations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	e := h.engine

	require.NoError(t, e.SetFeatures(ctx, h.policy, policy.Features{WhitelistEnforced: true, RequireCategory: true}))
	require.NoError(t, e.AddToWhitelist(ctx, h.policy, "vendor", start.Add(48*time.Hour)))
	require.NoError(t, e.AddToBlacklist(ctx, h.policy, "mallory"))

	_, err := e.CreateProposal(ctx, h.treasury, "alice", proposal.Request{Recipient: "stranger", Amount: 10, Category: "Operations"})
	assert.ErrorIs(t, err, fault.ErrWhitelistRequired)
	_, err = e.CreateProposal(ctx, h.treasury, "alice", proposal.Request{Recipient: "vendor", Amount: 10, Category: "Payroll"})
	assert.ErrorIs(t, err, fault.ErrUnknownCategory)

	require.NoError(t, e.SetCategories(ctx, h.policy, []string{"Operations", "Payroll"}))
	require.NoError(t, e.SetCategoryPerTransactionCap(ctx, h.policy, "Payroll", 500))
	_, err = e.CreateProposal(ctx, h.treasury, "alice", proposal.Request{Recipient: "vendor", Amount: 600, Category: "Payroll"})
	assert.ErrorIs(t, err, fault.ErrPerTransactionCapExceeded)

	require.NoError(t, e.AddRule(ctx, h.policy, policy.Rule{Name: "no-round", Expression: "amount % 100 != 0"}))
	_, err = e.CreateProposal(ctx, h.treasury, "alice", proposal.Request{Recipient: "vendor", Amount: 300, Category: "Payroll"})
	assert.ErrorIs(t, err, fault.ErrRuleDenied)
	assert.Error(t, e.AddRule(ctx, h.policy, policy.Rule{Name: "bad", Expression: "amount +"}))

	h.clock.Advance(49 * time.Hour)
	_, err = e.CreateProposal(ctx, h.treasury, "alice", proposal.Request{Recipient: "vendor", Amount: 310, Category: "Payroll"})
	assert.ErrorIs(t, err, fault.ErrWhitelistRequired)

	err = e.SetCategoryLimit(ctx, "missing", "Operations", spending.Daily, 10)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	cfg, err := e.Policy(h.policy)
	require.NoError(t, err)
	assert.True(t, cfg.Blacklist["mallory"])
	assert.Len(t, cfg.Rules, 1)
}

func TestCreatePolicyConfig_OnePerTreasury(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.CreatePolicyConfig(context.Background(), h.treasury, PolicyParams{})
	assert.ErrorIs(t, err, fault.ErrInvalidInput)

	_, err = h.engine.CreatePolicyConfig(context.Background(), "missing", PolicyParams{})
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestCancelAndExpire(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.SetMaxPendingAge(ctx, h.policy, 72*time.Hour))

	a := h.propose(t, 100)
	b := h.propose(t, 200)

	_, err := h.engine.CancelProposal(ctx, a.ID, "bob", "")
	require.ErrorIs(t, err, fault.ErrNotAuthorizedSigner)
	cancelled, err := h.engine.CancelProposal(ctx, a.ID, "alice", "duplicate")
	require.NoError(t, err)
	assert.Equal(t, proposal.Cancelled, cancelled.Status)

	h.clock.Advance(72 * time.Hour)
	expired, err := h.engine.ExpireStale(ctx, h.treasury)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, b.ID, expired[0].ID)

	open, err := h.engine.Proposals(h.treasury, proposal.Pending, proposal.Ready)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestAuthorityIsConsulted(t *testing.T) {
	h := newHarness(t, nil)
	p := h.propose(t, 100)
	h.engine.SetAuthority(identity.ContextAuthority{})

	_, err := h.engine.SignProposal(context.Background(), p.ID, "bob")
	require.ErrorIs(t, err, fault.ErrNotAuthorizedSigner)

	ctx := identity.WithPrincipal(context.Background(), "bob")
	_, err = h.engine.SignProposal(ctx, p.ID, "carol")
	require.ErrorIs(t, err, fault.ErrNotAuthorizedSigner)
	_, err = h.engine.SignProposal(ctx, p.ID, "bob")
	require.NoError(t, err)
}

func TestConcurrentSigning(t *testing.T) {
	h := newHarness(t, nil)
	p := h.propose(t, 100)

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 4; i++ {
		for _, o := range owners {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				if _, err := h.engine.SignProposal(context.Background(), p.ID, owner); err == nil {
					accepted.Add(1)
				}
			}(o)
		}
	}
	wg.Wait()

	got, err := h.engine.Proposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(len(owners)), accepted.Load())
	assert.ElementsMatch(t, owners, got.Signers)
	assert.Equal(t, proposal.Ready, got.Status)
}

func TestUnknownProposal(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.SignProposal(context.Background(), "nope", "alice")
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = h.engine.Proposals("nope")
	assert.ErrorIs(t, err, fault.ErrNotFound)
}
