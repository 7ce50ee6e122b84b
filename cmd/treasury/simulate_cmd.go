package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/config"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/engine"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/observability"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/proposal"
)

const expectOK = "ok"

func newSimulateCmd(env *config.Config) *cobra.Command {
	var auditPath string
	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Run a scripted scenario against an engine",
		Long: "Runs each step of a scenario on a simulated clock and checks it against the\n" +
			"expected outcome. Backends follow TREASURY_DATABASE_URL, TREASURY_REDIS_ADDR,\n" +
			"TREASURY_JOURNAL_PATH, TREASURY_OTLP_ENDPOINT and TREASURY_TOKEN_SECRET.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), env, args[0], auditPath)
		},
	}
	cmd.Flags().StringVar(&auditPath, "audit-log", "", "Write audit events to this file (- for stdout)")
	return cmd
}

func runSimulate(ctx context.Context, out io.Writer, env *config.Config, path, auditPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sc, err := loadScenario(path)
	if err != nil {
		return err
	}
	start, err := sc.startTime()
	if err != nil {
		return err
	}
	params, err := sc.policyParams()
	if err != nil {
		return &exitError{code: 1, msg: fmt.Sprintf("INVALID: %v", err)}
	}

	logger := slog.Default().With("scenario", path)
	rt, err := newRuntime(ctx, env, engine.NewFixedClock(start), logger, runtimeOptions{auditPath: auditPath, stdout: out})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Warn("runtime close failed", "error", cerr)
		}
	}()

	s := &simulation{rt: rt, out: out, ids: make(map[string]string)}
	if err := s.setup(ctx, sc, params); err != nil {
		return err
	}

	failed := 0
	for i, step := range sc.Steps {
		if !s.run(ctx, i+1, step) {
			failed++
		}
	}
	s.summary()
	if failed > 0 {
		return &exitError{code: 1, msg: fmt.Sprintf("%d of %d steps did not match expectations", failed, len(sc.Steps))}
	}
	return nil
}

type simulation struct {
	rt         *runtime
	out        io.Writer
	treasuryID string
	// ids maps scenario aliases to proposal IDs.
	ids map[string]string
}

func (s *simulation) setup(ctx context.Context, sc *Scenario, params engine.PolicyParams) error {
	e := s.rt.engine
	threshold := sc.Threshold
	if threshold == 0 {
		threshold = len(sc.Owners)/2 + 1
	}
	t, err := e.CreateTreasury(ctx, sc.Owners, threshold)
	if err != nil {
		return err
	}
	s.treasuryID = t.ID
	if sc.Deposit > 0 {
		if _, err := e.Deposit(ctx, t.ID, sc.Deposit); err != nil {
			return err
		}
	}
	if _, err := e.CreatePolicyConfig(ctx, t.ID, params); err != nil {
		return &exitError{code: 1, msg: fmt.Sprintf("INVALID: %v", err)}
	}
	_, _ = fmt.Fprintf(s.out, "treasury %s: %d owners, threshold %d, balance %d\n", t.ID, len(sc.Owners), threshold, sc.Deposit)
	return nil
}

// run executes one step and reports whether it matched its expectation.
func (s *simulation) run(ctx context.Context, n int, step Step) bool {
	label := fmt.Sprintf("step %d %s", n, step.Action)
	if step.As != "" {
		label += " as " + step.As
	}

	actx, err := s.rt.as(ctx, step.As, s.treasuryID)
	if err != nil {
		_, _ = fmt.Fprintf(s.out, "%s: %v\n", label, err)
		return false
	}
	p, err := s.apply(actx, step)

	got := expectOK
	if err != nil {
		got = observability.RejectionReason(err)
	}
	want := step.Expect
	if want == "" {
		want = expectOK
	}

	ok := got == want
	switch {
	case err == nil:
		_, _ = fmt.Fprintf(s.out, "%s: ok%s\n", label, describe(p))
	default:
		_, _ = fmt.Fprintf(s.out, "%s: rejected (%s): %v\n", label, got, err)
	}
	if !ok {
		_, _ = fmt.Fprintf(s.out, "  expected %s, got %s\n", want, got)
	}

	if step.ExpectStatus != "" {
		if status, serr := s.status(step.Proposal, p); serr != nil || !strings.EqualFold(status, step.ExpectStatus) {
			_, _ = fmt.Fprintf(s.out, "  expected status %s, got %s\n", strings.ToUpper(step.ExpectStatus), status)
			ok = false
		}
	}
	return ok
}

func (s *simulation) apply(ctx context.Context, step Step) (*proposal.Proposal, error) {
	e := s.rt.engine
	tid := s.treasuryID
	req := proposal.Request{
		Kind:        proposal.Withdrawal,
		Recipient:   step.Recipient,
		Amount:      step.Amount,
		Category:    step.Category,
		Description: step.Description,
	}

	var p *proposal.Proposal
	var err error
	switch step.Action {
	case "propose":
		p, err = e.CreateProposal(ctx, tid, step.As, req)
	case "propose_emergency":
		p, err = e.CreateEmergencyProposal(ctx, tid, step.As, req)
	case "add_owner":
		p, err = e.ProposeAddOwner(ctx, tid, step.As, step.Owner, step.Description)
	case "remove_owner":
		p, err = e.ProposeRemoveOwner(ctx, tid, step.As, step.Owner, step.Description)
	case "change_threshold":
		p, err = e.ProposeThresholdChange(ctx, tid, step.As, step.Threshold, step.Description)
	case "sign":
		p, err = e.SignProposal(ctx, s.resolve(step.Proposal), step.As)
	case "execute":
		p, err = e.ExecuteProposal(ctx, s.resolve(step.Proposal), step.As, e.Now())
	case "cancel":
		p, err = e.CancelProposal(ctx, s.resolve(step.Proposal), step.As, step.Reason)
	case "freeze":
		err = e.Freeze(ctx, tid, step.As)
	case "unfreeze":
		_, err = e.Unfreeze(ctx, tid, step.As)
	case "deposit":
		_, err = e.Deposit(ctx, tid, step.Amount)
	case "expire":
		var expired []*proposal.Proposal
		expired, err = e.ExpireStale(ctx, tid)
		for _, x := range expired {
			_, _ = fmt.Fprintf(s.out, "  expired %s\n", s.alias(x.ID))
		}
	case "advance":
		var d time.Duration
		d, err = time.ParseDuration(step.Duration)
		if err == nil {
			s.rt.clock.Advance(d)
		}
	default:
		err = fmt.Errorf("unknown action %q", step.Action)
	}

	if p != nil && step.ID != "" {
		s.ids[step.ID] = p.ID
	}
	return p, err
}

func (s *simulation) resolve(alias string) string {
	if id, ok := s.ids[alias]; ok {
		return id
	}
	return alias
}

func (s *simulation) alias(id string) string {
	for a, v := range s.ids {
		if v == id {
			return a
		}
	}
	return id
}

func (s *simulation) status(alias string, p *proposal.Proposal) (string, error) {
	if alias != "" {
		got, err := s.rt.engine.Proposal(s.resolve(alias))
		if err != nil {
			return "unknown", err
		}
		return got.Status.String(), nil
	}
	if p == nil {
		return "none", fmt.Errorf("no proposal")
	}
	return p.Status.String(), nil
}

func describe(p *proposal.Proposal) string {
	if p == nil {
		return ""
	}
	out := fmt.Sprintf(" [%s %s", p.Kind, p.Status)
	if p.RequiredSignatures > 0 {
		out += fmt.Sprintf(" %d/%d", len(p.Signers), p.RequiredSignatures)
	}
	if !p.TimeLockUntil.IsZero() && p.Status != proposal.Executed {
		out += " unlocks " + p.TimeLockUntil.Format(time.RFC3339)
	}
	return out + "]"
}

func (s *simulation) summary() {
	t, err := s.rt.engine.Treasury(s.treasuryID)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(s.out, "final: balance %d, withdrawn %d, owners %d, threshold %d, frozen %t\n",
		t.Balance(), t.TotalWithdrawn, len(t.Owners), t.Threshold, t.Frozen)
	ps, err := s.rt.engine.Proposals(s.treasuryID)
	if err != nil {
		return
	}
	for _, p := range ps {
		_, _ = fmt.Fprintf(s.out, "  %s %s %s\n", s.alias(p.ID), p.Kind, p.Status)
	}
}
