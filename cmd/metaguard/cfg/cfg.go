// Package cfg defines the control-flow graph representation consumed and
// produced by the metaguard instrumentation passes.
//
// A Graph is a list of Blocks. Each Block holds an ordered list of Statements
// followed by exactly one Terminator, and every program point (statement or
// terminator) carries a SafetyTag inherited from its enclosing lexical scope.
//
// Graphs are treated as immutable once built by the front end. Passes never
// mutate a Graph in place; they record operations on a Patch and the Patch
// produces a fresh Graph when applied:
//
//	p := cfg.NewPatch(g)
//	p.InsertStatement(0, 1, cfg.Statement{Kind: cfg.StmtMarker, ...})
//	out := p.Apply()
//
// Thread Safety: Graph values are safe for concurrent reads. Patch is NOT
// thread-safe.
package cfg

import (
	"fmt"
	"go/token"
	"strings"
)

// SafetyTag classifies a program point as safe or unsafe.
//
// TagUnknown means the front end had no scope data for the instruction. The
// passes treat blocks containing unknown tags as not applicable.
type SafetyTag uint8

const (
	// TagUnknown marks a program point without scope data.
	TagUnknown SafetyTag = iota
	// Safe marks a program point outside any unsafe lexical scope.
	Safe
	// Unsafe marks a program point inside an unsafe lexical scope.
	Unsafe
)

// String returns a short name for the tag.
func (t SafetyTag) String() string {
	switch t {
	case Safe:
		return "safe"
	case Unsafe:
		return "unsafe"
	default:
		return "unknown"
	}
}

// BlockID indexes Graph.Blocks. Block 0 is the entry block.
type BlockID int

// LocalID indexes Graph.Locals.
type LocalID int

// NoLocal is used where a statement or call has no destination.
const NoLocal LocalID = -1

// Type describes the static type of a local as far as the passes need it.
//
// Named types are identified by ID ("path/to/pkg.Name"), independent of
// their type arguments. References (pointers) carry Ref and Elem. Components
// lists the types directly contained in the type (struct fields, element
// types, underlying types) and is used for transitive containment checks.
type Type struct {
	ID         string
	Ref        bool
	Elem       *Type
	Args       []*Type
	Components []*Type
}

// Peel strips all reference layers and returns the referenced type.
func (t *Type) Peel() *Type {
	for t != nil && t.Ref {
		t = t.Elem
	}
	return t
}

// RefTo returns a reference type to t.
func RefTo(t *Type) *Type {
	id := "*"
	if t != nil {
		id += t.ID
	}
	return &Type{ID: id, Ref: true, Elem: t}
}

// String implements fmt.Stringer.
func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	if len(t.Args) == 0 {
		return t.ID
	}
	args := make([]string, len(t.Args))
	for i, a := range t.Args {
		args[i] = a.String()
	}
	return t.ID + "[" + strings.Join(args, ", ") + "]"
}

// Local is a function-local slot: a parameter, an SSA value or a temporary
// introduced by a pass.
type Local struct {
	ID   LocalID
	Name string
	Type *Type
}

// OperandKind says how an operand reads its value.
type OperandKind uint8

const (
	// Copy reads a local without invalidating it.
	Copy OperandKind = iota
	// Move transfers the value out of a local.
	Move
	// Const is a literal value.
	Const
)

// Operand is an argument to a call or the source of a reference.
type Operand struct {
	Kind  OperandKind
	Local LocalID
	Value string // constant text, Const only
}

// CopyOf returns a Copy operand reading l.
func CopyOf(l LocalID) Operand {
	return Operand{Kind: Copy, Local: l}
}

// StmtKind distinguishes statement forms.
type StmtKind uint8

const (
	// StmtOp is an opaque front-end statement.
	StmtOp StmtKind = iota
	// StmtRef stores a read-only reference to Src into Dest.
	StmtRef
	// StmtMarker is a region boundary call.
	StmtMarker
	// StmtTypeRegion records a type-region tag in the per-thread side channel.
	StmtTypeRegion
)

// MarkerKind distinguishes region boundary calls.
type MarkerKind uint8

const (
	// RegionStart opens an unsafe region.
	RegionStart MarkerKind = iota
	// RegionEnd closes an unsafe region.
	RegionEnd
)

// String implements fmt.Stringer.
func (k MarkerKind) String() string {
	if k == RegionStart {
		return "start"
	}
	return "end"
}

// Statement is a single non-branching program point.
type Statement struct {
	Kind StmtKind
	Tag  SafetyTag
	Pos  token.Position

	// Text is the rendered instruction for StmtOp.
	Text string

	// Dest and Src are used by StmtRef.
	Dest LocalID
	Src  Operand

	// Marker and Region are used by StmtMarker.
	Marker MarkerKind
	Region uint64

	// TypeRegion is used by StmtTypeRegion.
	TypeRegion uint8
}

// TermKind distinguishes terminator forms.
type TermKind uint8

const (
	// Goto transfers control to Targets[0].
	Goto TermKind = iota
	// Branch transfers control to one of Targets.
	Branch
	// Return leaves the function.
	Return
	// Panic terminates abnormally.
	Panic
	// Call invokes Call and continues at Targets[0] when present.
	Call
)

// Method describes a statically resolved method callee.
type Method struct {
	Name string
	// Recv is the receiver's named type with references peeled.
	Recv *Type
	// Unsafe reports whether the capability is classified unsafe.
	Unsafe bool
}

// CallInfo holds the callee and operands of a Call terminator.
type CallInfo struct {
	Func   string
	Method *Method
	Args   []Operand
	Dest   LocalID
}

// Terminator ends a block.
type Terminator struct {
	Kind    TermKind
	Tag     SafetyTag
	Pos     token.Position
	Text    string
	Targets []BlockID
	Call    *CallInfo
}

// Block is a basic block.
type Block struct {
	ID         BlockID
	Statements []Statement
	Term       Terminator

	// Synthetic is set on blocks created by a pass.
	Synthetic bool
}

// Graph is a function's control-flow graph.
type Graph struct {
	Blocks []*Block
	Locals []Local
}

// Body is a function body handed to the passes by the front end.
type Body struct {
	// Name is the fully qualified function name.
	Name string
	// Package is the import path of the defining package.
	Package string
	// Module is the module path of the defining package ("std" for the
	// standard library).
	Module string
	// Foreign is set for bodies that are not subject to instrumentation,
	// such as bodies imported from outside the main module.
	Foreign bool
	Graph   *Graph
}

// Successors returns the successor list of block id.
func (g *Graph) Successors(id BlockID) []BlockID {
	return g.Blocks[id].Term.Targets
}

// Predecessors returns, for every block, the distinct predecessors in block
// order.
func (g *Graph) Predecessors() [][]BlockID {
	preds := make([][]BlockID, len(g.Blocks))
	for _, b := range g.Blocks {
		seen := make(map[BlockID]bool, len(b.Term.Targets))
		for _, s := range b.Term.Targets {
			if seen[s] {
				continue
			}
			seen[s] = true
			preds[s] = append(preds[s], b.ID)
		}
	}
	return preds
}

// Clone returns a deep copy of the graph structure. Types are shared.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		Blocks: make([]*Block, len(g.Blocks)),
		Locals: append([]Local(nil), g.Locals...),
	}
	for i, b := range g.Blocks {
		out.Blocks[i] = b.clone()
	}
	return out
}

func (b *Block) clone() *Block {
	nb := &Block{
		ID:         b.ID,
		Statements: append([]Statement(nil), b.Statements...),
		Term:       b.Term,
		Synthetic:  b.Synthetic,
	}
	nb.Term.Targets = append([]BlockID(nil), b.Term.Targets...)
	if b.Term.Call != nil {
		c := *b.Term.Call
		c.Args = append([]Operand(nil), c.Args...)
		nb.Term.Call = &c
	}
	return nb
}

// HasMarkers reports whether any block already contains a region marker.
func (g *Graph) HasMarkers() bool {
	for _, b := range g.Blocks {
		for _, s := range b.Statements {
			if s.Kind == StmtMarker {
				return true
			}
		}
	}
	return false
}

// String renders the graph in a compact textual form used by `metaguard dump`
// and test failure output.
func (g *Graph) String() string {
	var sb strings.Builder
	for _, b := range g.Blocks {
		fmt.Fprintf(&sb, "b%d:", b.ID)
		if b.Synthetic {
			sb.WriteString(" (synthetic)")
		}
		sb.WriteByte('\n')
		for i, s := range b.Statements {
			fmt.Fprintf(&sb, "  %d [%s] %s\n", i, s.Tag, g.formatStmt(s))
		}
		fmt.Fprintf(&sb, "  - [%s] %s\n", b.Term.Tag, g.formatTerm(b.Term))
	}
	return sb.String()
}

func (g *Graph) localName(id LocalID) string {
	if id >= 0 && int(id) < len(g.Locals) && g.Locals[id].Name != "" {
		return g.Locals[id].Name
	}
	return fmt.Sprintf("_%d", id)
}

func (g *Graph) formatOperand(o Operand) string {
	switch o.Kind {
	case Const:
		return o.Value
	case Move:
		return "move " + g.localName(o.Local)
	default:
		return g.localName(o.Local)
	}
}

func (g *Graph) formatStmt(s Statement) string {
	switch s.Kind {
	case StmtRef:
		return fmt.Sprintf("%s = &%s", g.localName(s.Dest), g.formatOperand(s.Src))
	case StmtMarker:
		return fmt.Sprintf("region_%s(%d)", s.Marker, s.Region)
	case StmtTypeRegion:
		return fmt.Sprintf("type_region = %d", s.TypeRegion)
	default:
		return s.Text
	}
}

func (g *Graph) formatTerm(t Terminator) string {
	targets := make([]string, len(t.Targets))
	for i, id := range t.Targets {
		targets[i] = fmt.Sprintf("b%d", id)
	}
	switch t.Kind {
	case Goto:
		return "goto " + strings.Join(targets, ", ")
	case Branch:
		return fmt.Sprintf("branch %s -> %s", t.Text, strings.Join(targets, ", "))
	case Return:
		return strings.TrimSpace("return " + t.Text)
	case Panic:
		return strings.TrimSpace("panic " + t.Text)
	case Call:
		args := make([]string, len(t.Call.Args))
		for i, a := range t.Call.Args {
			args[i] = g.formatOperand(a)
		}
		dest := ""
		if t.Call.Dest != NoLocal {
			dest = g.localName(t.Call.Dest) + " = "
		}
		return fmt.Sprintf("%scall %s(%s) -> %s", dest, t.Call.Func, strings.Join(args, ", "), strings.Join(targets, ", "))
	}
	return "?"
}
