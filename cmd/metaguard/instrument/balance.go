package instrument

import (
	"fmt"

	"github.com/kolkov/metaguard/cmd/metaguard/cfg"
)

// BalanceError reports a path on which region markers are not balanced.
type BalanceError struct {
	Block  cfg.BlockID
	Offset int
	Reason string
}

// Error implements the error interface.
func (e *BalanceError) Error() string {
	return fmt.Sprintf("unbalanced regions at b%d:%d: %s", e.Block, e.Offset, e.Reason)
}

// CheckBalance verifies that on every path from the entry block each region
// start is followed by exactly one end before the next start or the function
// exit, and that no end occurs without an open region.
//
// The check is a forward dataflow over "is a region open" at each block
// entry. A block reached both with and without an open region is reported,
// since one of the incoming paths must then be unbalanced further down.
// Region ids are not compared: they only correlate diagnostics.
func CheckBalance(g *cfg.Graph) error {
	if len(g.Blocks) == 0 {
		return nil
	}

	const (
		unvisited int8 = iota
		closed
		open
	)
	entry := make([]int8, len(g.Blocks))
	entry[0] = closed
	work := []cfg.BlockID{0}

	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		b := g.Blocks[id]

		state := entry[id]
		for i, s := range b.Statements {
			if s.Kind != cfg.StmtMarker {
				continue
			}
			switch s.Marker {
			case cfg.RegionStart:
				if state == open {
					return &BalanceError{Block: id, Offset: i,
						Reason: fmt.Sprintf("start of region %d inside an open region", s.Region)}
				}
				state = open
			case cfg.RegionEnd:
				if state != open {
					return &BalanceError{Block: id, Offset: i,
						Reason: fmt.Sprintf("end of region %d without start", s.Region)}
				}
				state = closed
			}
		}

		if len(b.Term.Targets) == 0 {
			if state == open {
				return &BalanceError{Block: id, Offset: len(b.Statements), Reason: "region open at exit"}
			}
			continue
		}
		for _, s := range b.Term.Targets {
			switch entry[s] {
			case unvisited:
				entry[s] = state
				work = append(work, s)
			case state:
			default:
				return &BalanceError{Block: s, Offset: 0,
					Reason: fmt.Sprintf("entered from b%d with a different region state", id)}
			}
		}
	}
	return nil
}
