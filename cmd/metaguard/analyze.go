package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/metaguard/cmd/metaguard/cache"
	"github.com/kolkov/metaguard/cmd/metaguard/frontend"
	"github.com/kolkov/metaguard/cmd/metaguard/report"
)

// Analyze implements subcommands.Command for the "analyze" command.
type Analyze struct {
	format  string
	verbose bool
	noCache bool

	// out receives the report; nil means os.Stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Analyze) Name() string {
	return "analyze"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Analyze) Synopsis() string {
	return "instrument packages and report region boundaries and validator sites"
}

// Usage implements subcommands.Command.Usage.
func (*Analyze) Usage() string {
	return `analyze [flags] <packages> - instrument packages and report the changes.

Exits with status 1 on configuration errors such as a protected type
without a validator.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Analyze) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.format, "format", "", "report format: text, json or yaml (default from config).")
	f.BoolVar(&a.verbose, "v", false, "list every boundary and validator call in the text report.")
	f.BoolVar(&a.noCache, "no-cache", false, "ignore the result cache.")
}

// Execute implements subcommands.Command.Execute.
func (a *Analyze) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	s, err := newSession(f, args)
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}
	format := s.conf.Format
	if a.format != "" {
		format = a.format
	}

	var (
		c   *cache.Cache
		key cache.Key
	)
	if s.conf.Cache.Path != "" && !a.noCache {
		c, key = a.openCache(ctx, s)
		if c != nil {
			defer c.Close()
			var r report.Report
			if ok, err := c.Get(key, &r); err != nil {
				logrus.WithError(err).Warn("Ignoring cache entry")
			} else if ok {
				logrus.WithField("key", key).Debug("Using cached report")
				return a.write(&r, format)
			}
		}
	}

	if err := s.load(ctx); err != nil {
		printErrors(err)
		return subcommands.ExitFailure
	}
	results, err := s.instrumentAll()
	if err != nil {
		printErrors(err)
		return subcommands.ExitFailure
	}
	r := report.New(s.modulePath(), results)
	if c != nil {
		if err := c.Put(key, r); err != nil {
			logrus.WithError(err).Warn("Failed to store report in cache")
		}
	}
	return a.write(r, format)
}

func (a *Analyze) write(r *report.Report, format string) subcommands.ExitStatus {
	if err := r.Write(stdout(a.out), format, a.verbose); err != nil {
		printErrors(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// openCache opens the cache and computes the key of this run. Failures only
// disable caching.
func (a *Analyze) openCache(ctx context.Context, s *session) (*cache.Cache, cache.Key) {
	files, err := frontend.Files(ctx, s.dir, s.patterns...)
	if err != nil {
		logrus.WithError(err).Warn("Cache disabled")
		return nil, cache.Key{}
	}
	if mod, err := frontend.FindModule(s.dir); err == nil && mod != nil {
		files = append(files, mod.GoMod)
		if sum := filepath.Join(filepath.Dir(mod.GoMod), "go.sum"); fileExists(sum) {
			files = append(files, sum)
		}
	}
	settings, err := json.Marshal(struct {
		Exempt   []string
		Patterns []string
	}{s.conf.ExemptModules, s.patterns})
	if err != nil {
		logrus.WithError(err).Warn("Cache disabled")
		return nil, cache.Key{}
	}
	key, err := cache.NewKey(version, settings, files)
	if err != nil {
		logrus.WithError(err).Warn("Cache disabled")
		return nil, cache.Key{}
	}
	c, err := cache.Open(s.conf.Cache.Path)
	if err != nil {
		logrus.WithError(err).Warn("Cache disabled")
		return nil, cache.Key{}
	}
	return c, key
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
