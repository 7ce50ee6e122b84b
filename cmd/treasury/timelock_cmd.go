package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/timelock"
)

func newTimeLockCmd() *cobra.Command {
	p := timelock.DefaultParams()
	cmd := &cobra.Command{
		Use:   "timelock <amount>",
		Short: "Print the time-lock in hours for an amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}
			if err := p.Validate(); err != nil {
				return err
			}
			hours, err := p.Hours(amount)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", hours)
			return err
		},
	}
	cmd.Flags().Uint64Var(&p.BaseHours, "base", p.BaseHours, "Base hours")
	cmd.Flags().Uint64Var(&p.AmountDivisor, "divisor", p.AmountDivisor, "Amount per extra hour")
	cmd.Flags().Uint64Var(&p.MaxHours, "max", p.MaxHours, "Maximum hours")
	return cmd
}
