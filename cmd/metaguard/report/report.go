// Package report renders instrumentation results as text, JSON or YAML.
package report

import (
	"encoding/json"
	"fmt"
	"go/token"
	"io"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"github.com/kolkov/metaguard/cmd/metaguard/cfg"
	"github.com/kolkov/metaguard/cmd/metaguard/config"
	"github.com/kolkov/metaguard/cmd/metaguard/instrument"
)

// Report summarizes one analyze run.
type Report struct {
	Module    string                     `json:"module,omitempty" yaml:"module,omitempty"`
	Functions []Function                 `json:"functions" yaml:"functions"`
	Skipped   map[string]int             `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Totals    instrument.InstrumentStats `json:"totals" yaml:"totals"`
}

// Function lists the changes made to one function body.
type Function struct {
	Name       string                     `json:"name" yaml:"name"`
	Boundaries []Boundary                 `json:"boundaries,omitempty" yaml:"boundaries,omitempty"`
	Validators []Validator                `json:"validators,omitempty" yaml:"validators,omitempty"`
	Stats      instrument.InstrumentStats `json:"stats" yaml:"stats"`
}

// Boundary is one region marker.
type Boundary struct {
	Kind     string `json:"kind" yaml:"kind"`
	Region   uint64 `json:"region" yaml:"region"`
	Position string `json:"position,omitempty" yaml:"position,omitempty"`
	// Edge is set for markers placed on a split edge, as "bFROM->bTO".
	Edge string `json:"edge,omitempty" yaml:"edge,omitempty"`
}

// Validator is one inserted validator call.
type Validator struct {
	Call       string `json:"call" yaml:"call"`
	Receiver   string `json:"receiver" yaml:"receiver"`
	Validator  string `json:"validator" yaml:"validator"`
	TypeRegion uint8  `json:"type_region" yaml:"type_region"`
	Position   string `json:"position,omitempty" yaml:"position,omitempty"`
}

// New builds a report from instrumentation results. Results of skipped
// bodies are counted by reason; bodies that were not changed are omitted.
func New(module string, results []*instrument.Result) *Report {
	r := &Report{Module: module, Functions: []Function{}}
	for _, res := range results {
		if res.Skipped != "" {
			if r.Skipped == nil {
				r.Skipped = make(map[string]int)
			}
			r.Skipped[reasonKey(res.Skipped)]++
			continue
		}
		r.Totals.Add(res.Stats)
		if len(res.Boundaries) == 0 && len(res.CallSites) == 0 {
			continue
		}
		r.Functions = append(r.Functions, newFunction(res))
	}
	sort.Slice(r.Functions, func(i, j int) bool { return r.Functions[i].Name < r.Functions[j].Name })
	return r
}

// reasonKey folds per-module exemption reasons into one bucket.
func reasonKey(reason string) string {
	if strings.HasPrefix(reason, "exempt module") {
		return "exempt module"
	}
	return reason
}

func newFunction(res *instrument.Result) Function {
	f := Function{Name: res.Name, Stats: res.Stats}
	for _, b := range res.Boundaries {
		out := Boundary{Kind: b.Kind.String(), Region: b.Region, Position: position(b.Pos)}
		if b.Edge {
			out.Edge = fmt.Sprintf("b%d->b%d", b.From, b.To)
		}
		f.Boundaries = append(f.Boundaries, out)
	}
	for _, cs := range res.CallSites {
		f.Validators = append(f.Validators, Validator{
			Call:       cs.Func,
			Receiver:   cs.Receiver,
			Validator:  cs.Validator,
			TypeRegion: cs.TypeRegion,
			Position:   position(cs.Pos),
		})
	}
	return f
}

func position(p token.Position) string {
	if !p.IsValid() {
		return ""
	}
	return p.String()
}

// Write renders r in the given format. verbose adds per-boundary and
// per-validator lines to the text format.
func (r *Report) Write(w io.Writer, format string, verbose bool) error {
	switch format {
	case config.FormatJSON:
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	case config.FormatYAML:
		b, err := yaml.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		_, err = w.Write(b)
		return err
	case config.FormatText, "":
		return r.writeText(w, verbose)
	}
	return fmt.Errorf("unknown report format %q", format)
}

func (r *Report) writeText(w io.Writer, verbose bool) error {
	var sb strings.Builder
	for _, f := range r.Functions {
		fmt.Fprintf(&sb, "Instrumented %s:\n", f.Name)
		writeStats(&sb, f.Stats)
		if !verbose {
			continue
		}
		for _, b := range f.Boundaries {
			fmt.Fprintf(&sb, "    %s(%d)", regionCall(b.Kind), b.Region)
			if b.Edge != "" {
				fmt.Fprintf(&sb, " on edge %s", b.Edge)
			}
			if b.Position != "" {
				fmt.Fprintf(&sb, " at %s", b.Position)
			}
			sb.WriteByte('\n')
		}
		for _, v := range f.Validators {
			fmt.Fprintf(&sb, "    %s after %s (type region %d)", v.Validator, v.Call, v.TypeRegion)
			if v.Position != "" {
				fmt.Fprintf(&sb, " at %s", v.Position)
			}
			sb.WriteByte('\n')
		}
	}
	fmt.Fprintf(&sb, "Total: %d functions instrumented, %d regions, %d validators\n",
		len(r.Functions), r.Totals.RegionsMarked, r.Totals.ValidatorsInserted)
	if len(r.Skipped) > 0 {
		reasons := make([]string, 0, len(r.Skipped))
		for k := range r.Skipped {
			reasons = append(reasons, k)
		}
		sort.Strings(reasons)
		parts := make([]string, len(reasons))
		for i, k := range reasons {
			parts[i] = fmt.Sprintf("%d %s", r.Skipped[k], k)
		}
		fmt.Fprintf(&sb, "Skipped: %s\n", strings.Join(parts, ", "))
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func writeStats(sb *strings.Builder, s instrument.InstrumentStats) {
	if s.RegionsMarked > 0 || s.EndsInserted > 0 {
		fmt.Fprintf(sb, "  - %s marked (%s, %s, %s)\n",
			plural(s.RegionsMarked, "region"), plural(s.StartsInserted, "start"),
			plural(s.EndsInserted, "end"), plural(s.EdgesSplit, "edge split"))
	}
	if s.ValidatorsInserted > 0 {
		fmt.Fprintf(sb, "  - %s inserted (%s taken)\n",
			plural(s.ValidatorsInserted, "validator"), plural(s.ReferencesTaken, "reference"))
	}
	if s.SafeCallsSkipped > 0 {
		fmt.Fprintf(sb, "  - %s skipped\n", plural(s.SafeCallsSkipped, "safe call"))
	}
	if s.BlocksSkipped > 0 {
		fmt.Fprintf(sb, "  - %s without scope data\n", plural(s.BlocksSkipped, "block"))
	}
}

func regionCall(kind string) string {
	if kind == cfg.RegionStart.String() {
		return "UnsafeRegionStart"
	}
	return "UnsafeRegionEnd"
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
