package main

import (
	"errors"
	"flag"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kolkov/metaguard/cmd/metaguard/config"
)

func TestNewSession(t *testing.T) {
	f := flag.NewFlagSet("analyze", flag.ContinueOnError)
	if err := f.Parse([]string{"./pkg/...", "./cmd"}); err != nil {
		t.Fatal(err)
	}
	conf := config.Default()

	s, err := newSession(f, []any{conf})
	if err != nil {
		t.Fatalf("newSession() error = %v", err)
	}
	if diff := cmp.Diff([]string{"./pkg/...", "./cmd"}, s.patterns); diff != "" {
		t.Errorf("patterns mismatch (-want +got):\n%s", diff)
	}
	if s.modulePath() != "" {
		t.Errorf("modulePath() before load = %q", s.modulePath())
	}

	empty := flag.NewFlagSet("check", flag.ContinueOnError)
	s, err = newSession(empty, []any{conf})
	if err != nil {
		t.Fatalf("newSession() error = %v", err)
	}
	if diff := cmp.Diff([]string{"./..."}, s.patterns); diff != "" {
		t.Errorf("default patterns mismatch (-want +got):\n%s", diff)
	}

	for _, args := range [][]any{nil, {"not a config"}} {
		if _, err := newSession(f, args); !errors.Is(err, errUsage) {
			t.Errorf("newSession(%v) error = %v, want errUsage", args, err)
		}
	}
}
