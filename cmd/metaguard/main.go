// Package main implements the metaguard CLI tool.
//
// metaguard loads Go packages, lowers their functions to control-flow
// graphs and runs the instrumentation passes over them:
//
//  1. Unsafe regions are bracketed with balanced UnsafeRegionStart /
//     UnsafeRegionEnd boundary calls
//  2. Unsafe calls on protected-pointer receivers are routed through the
//     receiver type's validator
//
// Usage:
//
//	metaguard analyze ./...            # Report boundaries and validator sites
//	metaguard check ./...              # Validate protected types and validators
//	metaguard dump -func pkg.F ./pkg   # Print the rewritten CFG of one function
//	metaguard version
//
// Settings come from metaguard.toml in the working directory (or -config);
// flags given on the command line override them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/metaguard/cmd/metaguard/config"
)

const version = "0.1.0"

var (
	configPath = flag.String("config", "", "path to the configuration file (default: ./"+config.FileName+" if present).")
	logLevel   = flag.String("log-level", "", "log level: panic, fatal, error, warn, info, debug or trace.")
	workers    = flag.Int("workers", 0, "number of packages processed concurrently (default: GOMAXPROCS).")
)

func main() {
	forEachCmd(subcommands.Register)
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "metaguard: %v\n", err)
		os.Exit(int(subcommands.ExitFailure))
	}
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(conf.Level())
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// forEachCmd invokes the passed callback for each command supported by
// metaguard.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(new(Analyze), "")
	cb(new(Check), "")
	cb(new(Dump), "")
	cb(new(Version), "")
}

// loadConfig reads the configuration file and applies global flags.
func loadConfig() (*config.Config, error) {
	var (
		conf *config.Config
		err  error
	)
	if *configPath != "" {
		conf, err = config.Load(*configPath)
	} else {
		conf, err = config.Find(".")
	}
	if err != nil {
		return nil, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			conf.LogLevel = *logLevel
		case "workers":
			conf.Workers = *workers
		}
	})
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// printErrors writes err to stderr, one line per joined error.
func printErrors(err error) {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			printErrors(e)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// Version implements subcommands.Command for the "version" command.
type Version struct{}

// Name implements subcommands.Command.Name.
func (*Version) Name() string {
	return "version"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Version) Synopsis() string {
	return "print the metaguard version"
}

// Usage implements subcommands.Command.Usage.
func (*Version) Usage() string {
	return "version - print the metaguard version\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Version) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Version) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	fmt.Printf("metaguard version %s\n", version)
	return subcommands.ExitSuccess
}

// stdout returns w, or os.Stdout when w is nil.
func stdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}

// errUsage is returned by command helpers for bad invocations.
var errUsage = errors.New("usage error")
