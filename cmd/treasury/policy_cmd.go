package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/config"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/policy"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/treasury"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with policy documents",
	}

	var owners, threshold int
	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a YAML or TOML policy document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyCheck(cmd.OutOrStdout(), args[0], owners, threshold)
		},
	}
	check.Flags().IntVar(&owners, "owners", 5, "Number of owners to validate against")
	check.Flags().IntVar(&threshold, "threshold", 3, "Flat threshold to validate against")
	cmd.AddCommand(check)
	return cmd
}

func runPolicyCheck(out io.Writer, path string, ownerCount, threshold int) error {
	doc, err := config.LoadPolicyDocument(path)
	if err != nil {
		return &exitError{code: 1, msg: fmt.Sprintf("INVALID: %v", err)}
	}
	params, err := doc.Params()
	if err != nil {
		return &exitError{code: 1, msg: fmt.Sprintf("INVALID: %v", err)}
	}

	owners := make([]string, ownerCount)
	for i := range owners {
		owners[i] = fmt.Sprintf("owner-%d", i+1)
	}
	now := time.Now().UTC()
	t, err := treasury.New(owners, threshold, now)
	if err != nil {
		return err
	}
	cfg, err := params.Build(t, now)
	if err != nil {
		return &exitError{code: 1, msg: fmt.Sprintf("INVALID: %v", err)}
	}

	rules, err := policy.NewRuleEvaluator()
	if err != nil {
		return err
	}
	checker := policy.NewEngine(nil, rules)
	for _, r := range cfg.Rules {
		if err := checker.CheckRule(r.Expression); err != nil {
			return &exitError{code: 1, msg: fmt.Sprintf("INVALID: %v", err)}
		}
	}

	printPolicy(out, doc, cfg)
	return nil
}

func printPolicy(out io.Writer, doc *config.Document, cfg *policy.Config) {
	_, _ = fmt.Fprintf(out, "OK %s (version %s)\n", doc.Name, doc.Version)
	_, _ = fmt.Fprintf(out, "  global: %s\n", formatLimits(cfg.Global))

	names := make([]string, 0, len(cfg.CategoryLimits))
	for name := range cfg.CategoryLimits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(out, "  %s: %s\n", name, formatLimits(cfg.CategoryLimits[name]))
	}

	_, _ = fmt.Fprint(out, "  tiers:")
	for _, t := range cfg.Tiers.List() {
		_, _ = fmt.Fprintf(out, " %s", t)
	}
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "  time-lock: base=%dh divisor=%d max=%dh\n", cfg.TimeLock.BaseHours, cfg.TimeLock.AmountDivisor, cfg.TimeLock.MaxHours)
	if cfg.Emergency != nil {
		_, _ = fmt.Fprintf(out, "  emergency: threshold=%d exempt_from_freeze=%t\n", cfg.Emergency.Threshold, cfg.Emergency.ExemptFromFreeze)
	}
	if len(cfg.Rules) > 0 {
		_, _ = fmt.Fprintf(out, "  rules: %d\n", len(cfg.Rules))
	}
}

func formatLimits(l policy.Limits) string {
	f := func(v uint64) string {
		if v == 0 {
			return "-"
		}
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("daily=%s weekly=%s monthly=%s per_tx=%s", f(l.Daily), f(l.Weekly), f(l.Monthly), f(l.PerTransaction))
}
