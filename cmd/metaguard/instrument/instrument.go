// Package instrument implements the metaguard CFG instrumentation passes.
//
// Two passes run over every function body handed over by the front end:
//
//   - the region annotator finds maximal runs of unsafe program points and
//     brackets them with balanced UnsafeRegionStart/UnsafeRegionEnd boundary
//     calls;
//   - the validator inserter routes unsafe calls on protected-pointer
//     receivers through the receiver type's validator and records the
//     type-region tag after the call returns.
//
// Algorithm:
//  1. Skip bodies that are not subject to instrumentation (foreign bodies,
//     exempt modules, bodies that already carry region markers)
//  2. Run both passes over the same immutable input graph, recording
//     operations into one cfg.Patch
//  3. Apply the patch, producing a fresh graph
//
// Example Transformation:
//
//	// INPUT:
//	b0:
//	  0 [safe] x = load p
//	  - [unsafe] call (*Box).Poke(b) -> b1
//	b1:
//	  0 [safe] use x
//	  - [safe] return
//
//	// OUTPUT:
//	b0:
//	  0 [safe] x = load p
//	  1 [unsafe] region_start(1)
//	  2 [unsafe] _3 = &b
//	  - [unsafe] call (*Box).Poke(b) -> b2
//	b1:
//	  0 [safe] region_end(1)
//	  1 [safe] use x
//	  - [safe] return
//	b2: (synthetic)
//	  0 [unsafe] type_region = 1
//	  - [unsafe] call (*Box).Synchronize(_3) -> b1
//
// Thread Safety: An Instrumenter is NOT thread-safe. Region ids are numbered
// per Instrumenter, so bodies sharing one Instrumenter never reuse an id.
package instrument

import (
	"fmt"
	"strings"

	"github.com/kolkov/metaguard/cmd/metaguard/cfg"
)

// InstrumentStats tracks instrumentation statistics.
//
// Use Case:
// Printed by `metaguard analyze -v`:
//
//	Instrumented example.com/box.Touch:
//	  - 2 regions marked (2 starts, 3 ends, 1 edge split)
//	  - 1 validator inserted (1 reference taken)
//	  - 1 safe call skipped
//
// Thread Safety: NOT thread-safe (single-threaded instrumentation).
//
//nolint:revive // InstrumentStats is clear and descriptive despite stuttering
type InstrumentStats struct {
	RegionsMarked      int `json:"regions_marked" yaml:"regions_marked"`           // Number of regions opened
	StartsInserted     int `json:"starts_inserted" yaml:"starts_inserted"`         // Number of start markers
	EndsInserted       int `json:"ends_inserted" yaml:"ends_inserted"`             // Number of end markers, including those on split edges
	EdgesSplit         int `json:"edges_split" yaml:"edges_split"`                 // Number of edges routed through a closing block
	ValidatorsInserted int `json:"validators_inserted" yaml:"validators_inserted"` // Number of validator calls
	ReferencesTaken    int `json:"references_taken" yaml:"references_taken"`       // Number of receiver references stored in temporaries
	SafeCallsSkipped   int `json:"safe_calls_skipped" yaml:"safe_calls_skipped"`   // Protected-receiver calls left alone because the capability is safe
	BlocksSkipped      int `json:"blocks_skipped" yaml:"blocks_skipped"`           // Blocks without scope data
}

// Total returns the total number of inserted boundary and validator calls.
func (s *InstrumentStats) Total() int {
	return s.StartsInserted + s.EndsInserted + s.ValidatorsInserted
}

// Add accumulates o into s.
func (s *InstrumentStats) Add(o InstrumentStats) {
	s.RegionsMarked += o.RegionsMarked
	s.StartsInserted += o.StartsInserted
	s.EndsInserted += o.EndsInserted
	s.EdgesSplit += o.EdgesSplit
	s.ValidatorsInserted += o.ValidatorsInserted
	s.ReferencesTaken += o.ReferencesTaken
	s.SafeCallsSkipped += o.SafeCallsSkipped
	s.BlocksSkipped += o.BlocksSkipped
}

// Options controls which bodies are instrumented.
type Options struct {
	// ExemptModules lists module paths whose bodies are never instrumented.
	// A body is exempt when its module equals an entry or lies below it.
	ExemptModules []string

	// Verify runs CheckBalance on every rewritten graph.
	Verify bool
}

// Result holds the result of instrumenting one body.
//
//nolint:revive // InstrumentResult is clear and descriptive despite stuttering
type Result struct {
	Name string
	// Graph is the rewritten graph, or the input graph when Skipped is set.
	Graph      *cfg.Graph
	Boundaries []Boundary
	CallSites  []CallSite
	Stats      InstrumentStats
	// Skipped names the reason the body was left alone, if it was.
	Skipped string
}

// Instrumenter runs the passes over function bodies.
type Instrumenter struct {
	reg        *Registry
	opts       Options
	nextRegion uint64
}

// NewInstrumenter creates an instrumenter. reg must have passed Validate.
func NewInstrumenter(reg *Registry, opts Options) *Instrumenter {
	return &Instrumenter{reg: reg, opts: opts}
}

// Instrument rewrites one body.
//
// Bodies not subject to instrumentation are returned unchanged with Skipped
// set; this is not an error. The only errors are configuration errors found
// while resolving validators and, with Options.Verify, balance violations.
//
// Example:
//
//	in := instrument.NewInstrumenter(reg, instrument.Options{ExemptModules: cfg.ExemptModules})
//	res, err := in.Instrument(body)
//	if err != nil {
//	    return err
//	}
//	fmt.Print(res.Graph)
func (in *Instrumenter) Instrument(body *cfg.Body) (*Result, error) {
	res := &Result{Name: body.Name, Graph: body.Graph}
	if reason := in.skipReason(body); reason != "" {
		res.Skipped = reason
		return res, nil
	}

	g := body.Graph
	p := cfg.NewPatch(g)

	// Region markers first: an edge split closing a region must sit closer
	// to the call than the validator block on the same edge.
	res.Boundaries = annotateRegions(g, p, &in.nextRegion, &res.Stats)

	sites, err := insertValidators(g, p, in.reg, &res.Stats)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", body.Name, err)
	}
	res.CallSites = sites

	if p.Empty() {
		return res, nil
	}
	res.Graph = p.Apply()

	if in.opts.Verify {
		if err := CheckBalance(res.Graph); err != nil {
			return nil, fmt.Errorf("%s: %w", body.Name, err)
		}
	}
	return res, nil
}

func (in *Instrumenter) skipReason(body *cfg.Body) string {
	switch {
	case body.Foreign:
		return "foreign"
	case in.exempt(body.Module):
		return "exempt module " + body.Module
	case body.Graph == nil || len(body.Graph.Blocks) == 0:
		return "no body"
	case body.Graph.HasMarkers():
		return "already instrumented"
	}
	return ""
}

func (in *Instrumenter) exempt(module string) bool {
	for _, m := range in.opts.ExemptModules {
		if module == m || strings.HasPrefix(module, m+"/") {
			return true
		}
	}
	return false
}
