package report

import (
	"bytes"
	"encoding/json"
	"go/token"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	yaml "gopkg.in/yaml.v2"

	"github.com/kolkov/metaguard/cmd/metaguard/cfg"
	"github.com/kolkov/metaguard/cmd/metaguard/config"
	"github.com/kolkov/metaguard/cmd/metaguard/instrument"
)

func sampleResults() []*instrument.Result {
	pos := token.Position{Filename: "box.go", Line: 12, Column: 2}
	return []*instrument.Result{
		{Name: "example.com/box.Use", Skipped: "exempt module std"},
		{Name: "example.com/box.Other", Skipped: "exempt module golang.org/x/sys"},
		{Name: "example.com/box.Plain"},
		{
			Name: "example.com/box.Touch",
			Boundaries: []instrument.Boundary{
				{Block: 0, Offset: 1, Kind: cfg.RegionStart, Region: 1, Pos: pos},
				{Block: 3, Kind: cfg.RegionEnd, Region: 1, Edge: true, From: 0, To: 2},
			},
			CallSites: []instrument.CallSite{{
				Func:       "(*example.com/box.Box[int]).Set",
				Receiver:   "example.com/box.Box",
				Validator:  "(*example.com/box.Box[T]).Synchronize",
				TypeRegion: 1,
				Pos:        pos,
			}},
			Stats: instrument.InstrumentStats{
				RegionsMarked: 1, StartsInserted: 1, EndsInserted: 1, EdgesSplit: 1,
				ValidatorsInserted: 1, ReferencesTaken: 1,
			},
		},
	}
}

func TestNew(t *testing.T) {
	r := New("example.com/box", sampleResults())
	if len(r.Functions) != 1 || r.Functions[0].Name != "example.com/box.Touch" {
		t.Fatalf("Functions = %+v, want only Touch", r.Functions)
	}
	if diff := cmp.Diff(map[string]int{"exempt module": 2}, r.Skipped); diff != "" {
		t.Errorf("Skipped mismatch (-want +got):\n%s", diff)
	}
	want := []Boundary{
		{Kind: "start", Region: 1, Position: "box.go:12:2"},
		{Kind: "end", Region: 1, Edge: "b0->b2"},
	}
	if diff := cmp.Diff(want, r.Functions[0].Boundaries); diff != "" {
		t.Errorf("Boundaries mismatch (-want +got):\n%s", diff)
	}
	if r.Totals.ValidatorsInserted != 1 {
		t.Errorf("Totals = %+v", r.Totals)
	}
}

func TestWrite_Text(t *testing.T) {
	r := New("example.com/box", sampleResults())
	var buf bytes.Buffer
	if err := r.Write(&buf, config.FormatText, true); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	want := `Instrumented example.com/box.Touch:
  - 1 region marked (1 start, 1 end, 1 edge split)
  - 1 validator inserted (1 reference taken)
    UnsafeRegionStart(1) at box.go:12:2
    UnsafeRegionEnd(1) on edge b0->b2
    (*example.com/box.Box[T]).Synchronize after (*example.com/box.Box[int]).Set (type region 1) at box.go:12:2
Total: 1 functions instrumented, 1 regions, 1 validators
Skipped: 2 exempt module
`
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("text report mismatch (-want +got):\n%s", diff)
	}
}

func TestWrite_Structured(t *testing.T) {
	r := New("example.com/box", sampleResults())

	var js bytes.Buffer
	if err := r.Write(&js, config.FormatJSON, false); err != nil {
		t.Fatalf("Write(json) error = %v", err)
	}
	var fromJSON Report
	if err := json.Unmarshal(js.Bytes(), &fromJSON); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if diff := cmp.Diff(*r, fromJSON); diff != "" {
		t.Errorf("JSON report mismatch (-want +got):\n%s", diff)
	}

	var ym bytes.Buffer
	if err := r.Write(&ym, config.FormatYAML, false); err != nil {
		t.Fatalf("Write(yaml) error = %v", err)
	}
	if !strings.Contains(ym.String(), "validators_inserted: 1") {
		t.Errorf("YAML report lacks totals:\n%s", ym.String())
	}
	var fromYAML Report
	if err := yaml.Unmarshal(ym.Bytes(), &fromYAML); err != nil {
		t.Fatalf("invalid YAML: %v", err)
	}
	if diff := cmp.Diff(*r, fromYAML); diff != "" {
		t.Errorf("YAML report mismatch (-want +got):\n%s", diff)
	}

	if err := r.Write(&js, "xml", false); err == nil {
		t.Errorf("Write(xml) succeeded")
	}
}
