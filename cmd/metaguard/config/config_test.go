package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
exempt_modules = ["std", "example.com/vendored"]
log_level = "debug"
format = "yaml"

[cache]
path = "/tmp/mg.db"
`)
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := &Config{
		ExemptModules: []string{"std", "example.com/vendored"},
		LogLevel:      "debug",
		Format:        FormatYAML,
		Workers:       runtime.GOMAXPROCS(0), // default kept
		Cache:         Cache{Path: "/tmp/mg.db"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	if got.Level() != logrus.DebugLevel {
		t.Errorf("Level() = %v, want debug", got.Level())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", `format = `},
		{"format", `format = "xml"`},
		{"level", `log_level = "loud"`},
		{"workers", `workers = -1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			if _, err := Load(path); err == nil {
				t.Errorf("Load() succeeded, want error")
			}
		})
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	got, err := Find(dir)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("Find() without file mismatch (-want +got):\n%s", diff)
	}

	writeConfig(t, dir, `workers = 2`)
	got, err = Find(dir)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if got.Workers != 2 || got.Format != FormatText {
		t.Errorf("Find() = %+v, want workers 2 and default format", got)
	}
}

func TestDefault_NotShared(t *testing.T) {
	c := Default()
	c.ExemptModules[0] = "changed"
	if DefaultExemptModules[0] != "std" {
		t.Errorf("Default() shares its exempt list")
	}
}
