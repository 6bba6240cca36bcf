// Package instrument - Region annotation.
//
// This file implements the RegionAnnotator: it finds maximal runs of unsafe
// program points and records balanced start/end boundary markers around them.
package instrument

import (
	"go/token"

	"github.com/kolkov/metaguard/cmd/metaguard/cfg"
)

// Boundary is a recorded region boundary.
//
// Block and Offset refer to the input graph. Offset equal to the number of
// statements in the block is the terminator point. Boundaries placed on a
// split edge have Edge set, Block set to the synthesized block and From/To
// naming the original edge.
type Boundary struct {
	Block  cfg.BlockID
	Offset int
	Kind   cfg.MarkerKind
	Region uint64
	Pos    token.Position

	Edge     bool
	From, To cfg.BlockID
}

// blockScan is the per-block result of the first phase.
type blockScan struct {
	applicable bool
	marks      []mark
	// exitOpen is set when an unsafe region is still open after the
	// terminator.
	exitOpen bool
	// firstUnsafe is set when the first program point is unsafe.
	firstUnsafe bool
}

type mark struct {
	offset int
	kind   cfg.MarkerKind
}

// regionAnnotator records region boundaries for one body.
//
// Algorithm:
//
//	Phase 1: scan every block on its own, entry state safe, and note
//	         safe->unsafe (start) and unsafe->safe (end) transitions.
//	Phase 2: blocks still open at exit are pending-close. A successor whose
//	         predecessors are all pending continues the region: a leading
//	         start is dropped and the first safe program point closes it.
//	         Any other successor of a pending block is reached through a
//	         synthesized block that closes the region on the edge.
//	Phase 3: record markers into the patch, numbering regions in block order.
//
// A fully-unsafe successor is itself pending, so closure moves on to its own
// successors. Exit blocks close a still open region at the terminator point,
// except a region opened by the exit terminator itself: nothing can follow a
// return, so that region would be empty and is not marked.
type regionAnnotator struct {
	g     *cfg.Graph
	p     *cfg.Patch
	next  *uint64
	stats *InstrumentStats

	scans    []blockScan
	pending  []bool
	openIn   []bool
	preds    [][]cfg.BlockID
	startIDs [][]uint64
	exitID   []uint64

	boundaries []Boundary
}

func annotateRegions(g *cfg.Graph, p *cfg.Patch, next *uint64, stats *InstrumentStats) []Boundary {
	a := &regionAnnotator{g: g, p: p, next: next, stats: stats}
	a.scan()
	a.propagate()
	a.dropEmptyExitRegions()
	a.number()
	a.emit()
	return a.boundaries
}

func (a *regionAnnotator) scan() {
	a.scans = make([]blockScan, len(a.g.Blocks))
	for i, b := range a.g.Blocks {
		a.scans[i] = scanBlock(b)
		if !a.scans[i].applicable {
			a.stats.BlocksSkipped++
		}
	}
}

// scanBlock computes the local transitions of b assuming it is entered with
// no open region.
func scanBlock(b *cfg.Block) blockScan {
	points := make([]cfg.SafetyTag, 0, len(b.Statements)+1)
	for _, s := range b.Statements {
		points = append(points, s.Tag)
	}
	points = append(points, b.Term.Tag)

	for _, t := range points {
		if t == cfg.TagUnknown {
			return blockScan{}
		}
	}

	bs := blockScan{applicable: true, firstUnsafe: points[0] == cfg.Unsafe}
	open := false
	for i, t := range points {
		switch {
		case t == cfg.Unsafe && !open:
			bs.marks = append(bs.marks, mark{offset: i, kind: cfg.RegionStart})
			open = true
		case t == cfg.Safe && open:
			bs.marks = append(bs.marks, mark{offset: i, kind: cfg.RegionEnd})
			open = false
		}
	}
	bs.exitOpen = open
	return bs
}

func (a *regionAnnotator) propagate() {
	n := len(a.g.Blocks)
	a.preds = a.g.Predecessors()
	a.pending = make([]bool, n)
	a.openIn = make([]bool, n)

	for i, b := range a.g.Blocks {
		a.pending[i] = a.scans[i].exitOpen && len(b.Term.Targets) > 0
	}

	for i := range a.g.Blocks {
		id := cfg.BlockID(i)
		if id == 0 || !a.scans[i].applicable || len(a.preds[i]) == 0 {
			// The entry block is also entered from the caller.
			continue
		}
		all := true
		for _, p := range a.preds[i] {
			if !a.pending[p] {
				all = false
				break
			}
		}
		a.openIn[i] = all
	}
}

// dropEmptyExitRegions removes the start of a region that an exit block
// opens at its terminator. A continuation block keeps its leading start,
// since the inherited region still has to be closed there.
func (a *regionAnnotator) dropEmptyExitRegions() {
	for i, b := range a.g.Blocks {
		bs := &a.scans[i]
		if !bs.exitOpen || len(b.Term.Targets) > 0 || len(bs.marks) == 0 {
			continue
		}
		last := bs.marks[len(bs.marks)-1]
		if last.kind != cfg.RegionStart || last.offset != len(b.Statements) {
			continue
		}
		if last.offset == 0 && a.openIn[i] {
			continue
		}
		bs.marks = bs.marks[:len(bs.marks)-1]
		bs.exitOpen = false
	}
}

// number assigns region ids to every start that will be emitted, in block
// order, and resolves the id of the region open at each pending block's exit.
func (a *regionAnnotator) number() {
	n := len(a.g.Blocks)
	a.startIDs = make([][]uint64, n)
	for i := range a.g.Blocks {
		for j, m := range a.scans[i].marks {
			if m.kind != cfg.RegionStart {
				continue
			}
			if j == 0 && m.offset == 0 && a.openIn[i] {
				// Continuation of a region opened by the predecessors.
				continue
			}
			*a.next++
			a.startIDs[i] = append(a.startIDs[i], *a.next)
		}
	}

	// Continuation blocks take the id of a predecessor's open region. Ids
	// only correlate diagnostics, so any pending predecessor will do.
	a.exitID = make([]uint64, n)
	for i := range a.g.Blocks {
		if ids := a.startIDs[i]; len(ids) > 0 {
			a.exitID[i] = ids[len(ids)-1]
		}
	}
	for changed := true; changed; {
		changed = false
		for i := range a.g.Blocks {
			if a.exitID[i] != 0 || !a.openIn[i] {
				continue
			}
			if rid := a.inherited(cfg.BlockID(i)); rid != 0 {
				a.exitID[i] = rid
				changed = true
			}
		}
	}
}

// inherited returns the region a continuation block is entered with.
func (a *regionAnnotator) inherited(id cfg.BlockID) uint64 {
	for _, p := range a.preds[id] {
		if rid := a.exitID[p]; rid != 0 {
			return rid
		}
	}
	return 0
}

func (a *regionAnnotator) emit() {
	for i, b := range a.g.Blocks {
		id := cfg.BlockID(i)
		bs := a.scans[i]
		if !bs.applicable {
			continue
		}

		cur := uint64(0)
		if a.openIn[i] {
			cur = a.inherited(id)
			if !bs.firstUnsafe {
				a.record(b, 0, cfg.RegionEnd, cur)
			}
		}

		starts := a.startIDs[i]
		for j, m := range bs.marks {
			if m.kind == cfg.RegionStart {
				if j == 0 && m.offset == 0 && a.openIn[i] {
					continue
				}
				cur, starts = starts[0], starts[1:]
				a.stats.RegionsMarked++
			}
			a.record(b, m.offset, m.kind, cur)
		}

		if bs.exitOpen && len(b.Term.Targets) == 0 {
			a.record(b, len(b.Statements), cfg.RegionEnd, cur)
		}
	}

	for i, b := range a.g.Blocks {
		if !a.pending[i] {
			continue
		}
		seen := make(map[cfg.BlockID]bool)
		for _, s := range b.Term.Targets {
			if seen[s] || a.openIn[s] {
				continue
			}
			seen[s] = true
			a.splitEdge(cfg.BlockID(i), s, a.exitID[i])
		}
	}
}

func (a *regionAnnotator) record(b *cfg.Block, offset int, kind cfg.MarkerKind, region uint64) {
	pos, tag := pointAt(b, offset)
	a.p.InsertStatement(b.ID, offset, cfg.Statement{
		Kind:   cfg.StmtMarker,
		Tag:    tag,
		Pos:    pos,
		Marker: kind,
		Region: region,
	})
	a.count(kind)
	a.boundaries = append(a.boundaries, Boundary{
		Block:  b.ID,
		Offset: offset,
		Kind:   kind,
		Region: region,
		Pos:    pos,
	})
}

// splitEdge closes the region open on from -> to in a new block.
func (a *regionAnnotator) splitEdge(from, to cfg.BlockID, region uint64) {
	pos := a.g.Blocks[from].Term.Pos
	via := a.p.NewBlock(cfg.Block{
		Statements: []cfg.Statement{{
			Kind:   cfg.StmtMarker,
			Tag:    cfg.Safe,
			Pos:    pos,
			Marker: cfg.RegionEnd,
			Region: region,
		}},
		Term: cfg.Terminator{Kind: cfg.Goto, Tag: cfg.Safe, Pos: pos, Targets: []cfg.BlockID{to}},
	})
	a.p.InsertOnEdge(from, to, via)
	a.count(cfg.RegionEnd)
	a.stats.EdgesSplit++
	a.boundaries = append(a.boundaries, Boundary{
		Block:  via,
		Kind:   cfg.RegionEnd,
		Region: region,
		Pos:    pos,
		Edge:   true,
		From:   from,
		To:     to,
	})
}

func (a *regionAnnotator) count(kind cfg.MarkerKind) {
	if kind == cfg.RegionStart {
		a.stats.StartsInserted++
	} else {
		a.stats.EndsInserted++
	}
}

// pointAt returns the position and tag of the program point at offset.
func pointAt(b *cfg.Block, offset int) (token.Position, cfg.SafetyTag) {
	if offset < len(b.Statements) {
		s := b.Statements[offset]
		return s.Pos, s.Tag
	}
	return b.Term.Pos, b.Term.Tag
}
