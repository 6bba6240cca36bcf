package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	fn     string
	before bool

	// out receives the graphs; nil means os.Stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print the instrumented control-flow graph of a function"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump -func <name> [flags] <packages> - print the instrumented CFG of a function.

Function names are fully qualified, e.g. "example.com/box.Use" or
"(*example.com/box.Cell).Poke".
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.fn, "func", "", "fully qualified name of the function to print.")
	f.BoolVar(&d.before, "before", false, "also print the graph before instrumentation.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	s, err := newSession(f, args)
	if err != nil || d.fn == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := s.load(ctx); err != nil {
		printErrors(err)
		return subcommands.ExitFailure
	}
	res, err := s.instrumentOne(d.fn)
	if err != nil {
		printErrors(err)
		return subcommands.ExitFailure
	}
	w := stdout(d.out)
	if d.before {
		fmt.Fprintf(w, "// %s (before)\n%s\n", d.fn, s.prog.Body(d.fn).Graph)
	}
	fmt.Fprintf(w, "// %s", d.fn)
	if res.Skipped != "" {
		fmt.Fprintf(w, " (not instrumented: %s)", res.Skipped)
	}
	fmt.Fprintf(w, "\n%s", res.Graph)
	return subcommands.ExitSuccess
}
