package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	// out receives the summary; nil means os.Stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "validate protected types and their validators"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check <packages> - validate protected types and their validators.

Reports every protected type without a validator and every type with more
than one validator, then exits with status 1 if there were any.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	s, err := newSession(f, args)
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := s.load(ctx); err != nil {
		printErrors(err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(stdout(c.out), "ok: %d protected types, %d validators\n", len(s.reg.Types()), len(s.prog.Validators))
	return subcommands.ExitSuccess
}
