package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/metaguard/cmd/metaguard/config"
	"github.com/kolkov/metaguard/cmd/metaguard/frontend"
	"github.com/kolkov/metaguard/cmd/metaguard/instrument"
)

// session is one load-validate-instrument run shared by the commands.
type session struct {
	conf     *config.Config
	dir      string
	patterns []string

	prog *frontend.Program
	reg  *instrument.Registry
}

func newSession(f *flag.FlagSet, args []any) (*session, error) {
	if len(args) == 0 {
		return nil, errUsage
	}
	conf, ok := args[0].(*config.Config)
	if !ok {
		return nil, errUsage
	}
	patterns := f.Args()
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}
	return &session{conf: conf, dir: ".", patterns: patterns}, nil
}

// load loads the packages and validates the registry. Configuration errors
// are returned joined.
func (s *session) load(ctx context.Context) error {
	start := time.Now()
	prog, err := frontend.Load(ctx, s.dir, frontend.Options{Workers: s.conf.Workers}, s.patterns...)
	if err != nil {
		return err
	}
	s.prog = prog
	s.reg = prog.Registry()
	logrus.WithFields(logrus.Fields{
		"functions":  len(prog.Bodies),
		"protected":  len(s.reg.Types()),
		"validators": len(prog.Validators),
		"elapsed":    time.Since(start),
	}).Debug("Loaded program")
	return s.reg.Validate()
}

func (s *session) modulePath() string {
	if s.prog == nil || s.prog.Module == nil {
		return ""
	}
	return s.prog.Module.Path
}

func (s *session) instrumenter() *instrument.Instrumenter {
	return instrument.NewInstrumenter(s.reg, instrument.Options{
		ExemptModules: s.conf.ExemptModules,
		Verify:        true,
	})
}

// instrumentAll runs the passes over every loaded body.
func (s *session) instrumentAll() ([]*instrument.Result, error) {
	in := s.instrumenter()
	results := make([]*instrument.Result, 0, len(s.prog.Bodies))
	var errs []error
	for _, body := range s.prog.Bodies {
		res, err := in.Instrument(body)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Skipped == "" && res.Stats.Total() > 0 {
			logrus.WithFields(logrus.Fields{
				"func":       body.Name,
				"regions":    res.Stats.RegionsMarked,
				"validators": res.Stats.ValidatorsInserted,
			}).Debug("Instrumented")
		}
		results = append(results, res)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return results, nil
}

// instrumentOne runs the passes over the body called name.
func (s *session) instrumentOne(name string) (*instrument.Result, error) {
	body := s.prog.Body(name)
	if body == nil {
		return nil, fmt.Errorf("no function %q in %v", name, s.patterns)
	}
	return s.instrumenter().Instrument(body)
}
