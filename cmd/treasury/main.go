package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args[1:])
	if err := root.Execute(); err != nil {
		if ee, ok := err.(*exitError); ok {
			if ee.msg != "" {
				_, _ = fmt.Fprintln(stderr, ee.msg)
			}
			return ee.code
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

type globalFlags struct {
	logLevel  string
	logFormat string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	env := config.Load()
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "treasury",
		Short:         "Multi-signature treasury policy engine",
		Long:          "Validate treasury policies, compute time-locks and simulate proposal lifecycles.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(config.NewLogger(stderr, flags.logLevel, flags.logFormat))
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", env.LogLevel, "Log level (DEBUG, INFO, WARN, ERROR)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", env.LogFormat, "Log format (text or json)")

	root.AddCommand(
		newPolicyCmd(),
		newTimeLockCmd(),
		newSimulateCmd(env),
	)
	return root
}
