package instrument

import (
	"go/token"

	"github.com/kolkov/metaguard/cmd/metaguard/cfg"
)

// CallSite is a call rewritten to pass through its receiver's validator.
type CallSite struct {
	// Block is the input block whose Call terminator was matched.
	Block cfg.BlockID
	// Func is the original callee.
	Func string
	// Receiver is the protected type identity.
	Receiver string
	// Validator is the callable handle of the inserted validator call.
	Validator string
	// TypeRegion is the tag written to the side channel after the call.
	TypeRegion uint8
	// ValidatorBlock is the synthesized block holding the validator call.
	ValidatorBlock cfg.BlockID
	Pos            token.Position
}

// insertValidators records the validator rewrite for every matching call
// terminator of g into p.
//
// A call matches when its statically resolved method receiver is a protected
// type and the invoked capability is unsafe. The receiver must be the first
// argument, read as a copy (never a move or a constant), with a type whose
// identity equals the method's receiver. For a match:
//
//  1. a read-only reference to the receiver is stored in a fresh temporary
//     right before the call, unless the receiver already is a reference;
//  2. the edge from the call to its continuation is split through a new block
//     that records the type-region tag, calls the validator with the
//     reference and continues unconditionally to the original destination.
//
// The call's arguments and destination local are left unchanged.
//
// A protected receiver without a validator is a configuration error.
func insertValidators(g *cfg.Graph, p *cfg.Patch, reg *Registry, stats *InstrumentStats) ([]CallSite, error) {
	var sites []CallSite
	for _, b := range g.Blocks {
		t := b.Term
		if t.Kind != cfg.Call || t.Call == nil || t.Call.Method == nil {
			continue
		}
		m := t.Call.Method
		if m.Recv == nil || !reg.IsProtected(m.Recv.ID) {
			continue
		}
		v, ok := reg.Validator(m.Recv.ID)
		if !ok {
			return nil, missingValidator(m.Recv.ID, t.Pos)
		}
		if !m.Unsafe {
			stats.SafeCallsSkipped++
			continue
		}
		if len(t.Call.Args) == 0 || len(t.Targets) == 0 {
			continue
		}
		recv := t.Call.Args[0]
		if recv.Kind != cfg.Copy || int(recv.Local) >= len(g.Locals) || recv.Local < 0 {
			continue
		}
		rt := g.Locals[recv.Local].Type
		if held := rt.Peel(); held == nil || held.ID != m.Recv.ID {
			continue
		}

		ref := recv.Local
		if !rt.Ref {
			ref = p.NewLocal("", cfg.RefTo(rt))
			p.InsertStatement(b.ID, len(b.Statements), cfg.Statement{
				Kind: cfg.StmtRef,
				Tag:  t.Tag,
				Pos:  t.Pos,
				Dest: ref,
				Src:  cfg.CopyOf(recv.Local),
			})
			stats.ReferencesTaken++
		}

		tag := reg.TypeRegion(rt)
		dest := t.Targets[0]
		nb := p.NewBlock(cfg.Block{
			Statements: []cfg.Statement{{
				Kind:       cfg.StmtTypeRegion,
				Tag:        t.Tag,
				Pos:        t.Pos,
				TypeRegion: tag,
			}},
			Term: cfg.Terminator{
				Kind:    cfg.Call,
				Tag:     t.Tag,
				Pos:     t.Pos,
				Targets: []cfg.BlockID{dest},
				Call: &cfg.CallInfo{
					Func: v.Name,
					Args: []cfg.Operand{cfg.CopyOf(ref)},
					Dest: cfg.NoLocal,
				},
			},
		})
		p.InsertOnEdge(b.ID, dest, nb)
		stats.ValidatorsInserted++

		sites = append(sites, CallSite{
			Block:          b.ID,
			Func:           t.Call.Func,
			Receiver:       m.Recv.ID,
			Validator:      v.Name,
			TypeRegion:     tag,
			ValidatorBlock: nb,
			Pos:            t.Pos,
		})
	}
	return sites, nil
}
