package cfg

import "sort"

// Patch records rewrite operations against an immutable Graph.
//
// Operations are collected while a pass walks the input and applied together
// by Apply, which builds a new Graph. Collecting first and applying later
// keeps block and statement indices of the input stable for the whole pass,
// so several passes can record into the same Patch.
//
// Supported operations:
//   - NewLocal: register a temporary
//   - InsertStatement: splice a statement before an offset of an input block
//   - NewBlock: append a block
//   - InsertOnEdge: route an input edge through a new block
type Patch struct {
	base    *Graph
	locals  []Local
	blocks  []*Block
	inserts []insertion
	edges   []edgeInsertion
}

type insertion struct {
	block  BlockID
	offset int
	stmt   Statement
	seq    int
}

type edgeInsertion struct {
	from, to BlockID
	via      BlockID
}

// NewPatch creates an empty patch against g.
func NewPatch(g *Graph) *Patch {
	return &Patch{base: g}
}

// Base returns the graph the patch was created for.
func (p *Patch) Base() *Graph {
	return p.base
}

// Empty reports whether no operation has been recorded.
func (p *Patch) Empty() bool {
	return len(p.locals) == 0 && len(p.blocks) == 0 && len(p.inserts) == 0 && len(p.edges) == 0
}

// NewLocal registers a temporary and returns its id.
func (p *Patch) NewLocal(name string, t *Type) LocalID {
	id := LocalID(len(p.base.Locals) + len(p.locals))
	p.locals = append(p.locals, Local{ID: id, Name: name, Type: t})
	return id
}

// InsertStatement splices s before statement offset of input block b. An
// offset equal to the number of statements places s after the last statement,
// immediately before the terminator. Statements inserted at the same offset
// keep their recording order.
func (p *Patch) InsertStatement(b BlockID, offset int, s Statement) {
	p.inserts = append(p.inserts, insertion{block: b, offset: offset, stmt: s, seq: len(p.inserts)})
}

// NewBlock appends a block and returns its id. The block's ID field is
// overwritten.
func (p *Patch) NewBlock(b Block) BlockID {
	id := BlockID(len(p.base.Blocks) + len(p.blocks))
	nb := b
	nb.ID = id
	nb.Synthetic = true
	p.blocks = append(p.blocks, &nb)
	return id
}

// InsertOnEdge routes the input edge from -> to through block via, which must
// have been created with NewBlock and must list to among its successors.
//
// Several insertions on the same edge are chained: the first recorded block
// sits closest to from.
func (p *Patch) InsertOnEdge(from, to, via BlockID) {
	p.edges = append(p.edges, edgeInsertion{from: from, to: to, via: via})
}

// Apply builds the patched graph. The input graph is not modified.
func (p *Patch) Apply() *Graph {
	out := p.base.Clone()
	out.Locals = append(out.Locals, p.locals...)

	sort.SliceStable(p.inserts, func(i, j int) bool {
		a, b := p.inserts[i], p.inserts[j]
		if a.block != b.block {
			return a.block < b.block
		}
		if a.offset != b.offset {
			return a.offset < b.offset
		}
		return a.seq < b.seq
	})
	for start := 0; start < len(p.inserts); {
		end := start
		for end < len(p.inserts) && p.inserts[end].block == p.inserts[start].block {
			end++
		}
		blk := out.Blocks[p.inserts[start].block]
		blk.Statements = splice(blk.Statements, p.inserts[start:end])
		start = end
	}

	for _, b := range p.blocks {
		out.Blocks = append(out.Blocks, b.clone())
	}

	type edge struct{ from, to BlockID }
	var order []edge
	chains := make(map[edge][]BlockID)
	for _, e := range p.edges {
		k := edge{e.from, e.to}
		if _, ok := chains[k]; !ok {
			order = append(order, k)
		}
		chains[k] = append(chains[k], e.via)
	}
	for _, k := range order {
		chain := chains[k]
		next := k.to
		for i := len(chain) - 1; i >= 0; i-- {
			retarget(&out.Blocks[chain[i]].Term, k.to, next)
			next = chain[i]
		}
		retarget(&out.Blocks[k.from].Term, k.to, next)
	}
	return out
}

func splice(stmts []Statement, ins []insertion) []Statement {
	out := make([]Statement, 0, len(stmts)+len(ins))
	j := 0
	for i := 0; i <= len(stmts); i++ {
		for j < len(ins) && ins[j].offset <= i {
			out = append(out, ins[j].stmt)
			j++
		}
		if i < len(stmts) {
			out = append(out, stmts[i])
		}
	}
	// Offsets past the end land before the terminator.
	for ; j < len(ins); j++ {
		out = append(out, ins[j].stmt)
	}
	return out
}

func retarget(t *Terminator, from, to BlockID) {
	for i, s := range t.Targets {
		if s == from {
			t.Targets[i] = to
		}
	}
}
