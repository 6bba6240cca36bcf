package cfg

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func op(text string) Statement {
	return Statement{Kind: StmtOp, Tag: Safe, Text: text}
}

func texts(b *Block) []string {
	var out []string
	for _, s := range b.Statements {
		out = append(out, s.Text)
	}
	return out
}

func baseGraph() *Graph {
	return &Graph{
		Locals: []Local{{ID: 0, Name: "a"}, {ID: 1, Name: "b"}},
		Blocks: []*Block{
			{ID: 0, Statements: []Statement{op("s0"), op("s1")}, Term: Terminator{Kind: Branch, Targets: []BlockID{1, 2}}},
			{ID: 1, Statements: []Statement{op("t0")}, Term: Terminator{Kind: Goto, Targets: []BlockID{2}}},
			{ID: 2, Term: Terminator{Kind: Return}},
		},
	}
}

func TestPatch_InsertStatement(t *testing.T) {
	g := baseGraph()
	p := NewPatch(g)
	p.InsertStatement(0, 2, op("end-a"))
	p.InsertStatement(0, 0, op("head"))
	p.InsertStatement(0, 2, op("end-b"))
	p.InsertStatement(0, 1, op("mid"))
	p.InsertStatement(2, 0, op("only"))

	out := p.Apply()

	want := []string{"head", "s0", "mid", "s1", "end-a", "end-b"}
	if diff := cmp.Diff(want, texts(out.Blocks[0])); diff != "" {
		t.Errorf("block 0 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"only"}, texts(out.Blocks[2])); diff != "" {
		t.Errorf("block 2 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"s0", "s1"}, texts(g.Blocks[0])); diff != "" {
		t.Errorf("input graph modified (-want +got):\n%s", diff)
	}
}

func TestPatch_NewLocalAndBlock(t *testing.T) {
	g := baseGraph()
	p := NewPatch(g)
	if !p.Empty() {
		t.Fatalf("new patch not empty")
	}

	l := p.NewLocal("tmp", RefTo(&Type{ID: "T"}))
	if l != 2 {
		t.Errorf("NewLocal() = %d, want 2", l)
	}
	b := p.NewBlock(Block{ID: 99, Term: Terminator{Kind: Goto, Targets: []BlockID{2}}})
	if b != 3 {
		t.Errorf("NewBlock() = %d, want 3", b)
	}
	if p.Empty() {
		t.Errorf("patch empty after recording")
	}

	out := p.Apply()
	if len(out.Locals) != 3 || out.Locals[2].Name != "tmp" || out.Locals[2].ID != 2 {
		t.Errorf("Locals = %+v", out.Locals)
	}
	if len(out.Blocks) != 4 || out.Blocks[3].ID != 3 || !out.Blocks[3].Synthetic {
		t.Errorf("appended block = %+v", out.Blocks[len(out.Blocks)-1])
	}
	if len(g.Blocks) != 3 || len(g.Locals) != 2 {
		t.Errorf("input graph modified")
	}
	if p.Base() != g {
		t.Errorf("Base() is not the input graph")
	}
}

func TestPatch_InsertOnEdgeChain(t *testing.T) {
	g := baseGraph()
	p := NewPatch(g)
	first := p.NewBlock(Block{Term: Terminator{Kind: Goto, Targets: []BlockID{2}}})
	second := p.NewBlock(Block{Term: Terminator{Kind: Goto, Targets: []BlockID{2}}})
	p.InsertOnEdge(0, 2, first)
	p.InsertOnEdge(0, 2, second)

	out := p.Apply()

	if diff := cmp.Diff([]BlockID{1, first}, out.Successors(0)); diff != "" {
		t.Errorf("b0 successors mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]BlockID{second}, out.Successors(first)); diff != "" {
		t.Errorf("first successors mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]BlockID{2}, out.Successors(second)); diff != "" {
		t.Errorf("second successors mismatch (-want +got):\n%s", diff)
	}
	// The other edge into b2 is untouched.
	if diff := cmp.Diff([]BlockID{2}, out.Successors(1)); diff != "" {
		t.Errorf("b1 successors mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]BlockID{1, 2}, g.Successors(0)); diff != "" {
		t.Errorf("input graph modified (-want +got):\n%s", diff)
	}
}

func TestGraph_Predecessors(t *testing.T) {
	g := baseGraph()
	g.Blocks[1].Term.Targets = []BlockID{2, 2}
	want := [][]BlockID{nil, {0}, {0, 1}}
	if diff := cmp.Diff(want, g.Predecessors()); diff != "" {
		t.Errorf("Predecessors() mismatch (-want +got):\n%s", diff)
	}
}

func TestGraph_CloneIsDeep(t *testing.T) {
	g := baseGraph()
	g.Blocks[2].Term = Terminator{Kind: Call, Call: &CallInfo{Func: "f", Args: []Operand{CopyOf(0)}}}
	c := g.Clone()
	c.Blocks[0].Statements[0].Text = "changed"
	c.Blocks[0].Term.Targets[0] = 2
	c.Blocks[2].Term.Call.Args[0] = CopyOf(1)

	if g.Blocks[0].Statements[0].Text != "s0" {
		t.Errorf("statement shared with clone")
	}
	if g.Blocks[0].Term.Targets[0] != 1 {
		t.Errorf("targets shared with clone")
	}
	if g.Blocks[2].Term.Call.Args[0].Local != 0 {
		t.Errorf("call arguments shared with clone")
	}
}

func TestGraph_HasMarkers(t *testing.T) {
	g := baseGraph()
	if g.HasMarkers() {
		t.Errorf("HasMarkers() = true on plain graph")
	}
	g.Blocks[1].Statements = append(g.Blocks[1].Statements, Statement{Kind: StmtMarker, Marker: RegionStart, Region: 1})
	if !g.HasMarkers() {
		t.Errorf("HasMarkers() = false with a marker")
	}
}

func TestSafetyTag_String(t *testing.T) {
	tests := []struct {
		tag  SafetyTag
		want string
	}{
		{TagUnknown, "unknown"},
		{Safe, "safe"},
		{Unsafe, "unsafe"},
	}
	for _, tt := range tests {
		if got := tt.tag.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.tag, got, tt.want)
		}
	}
}

func TestType_PeelAndString(t *testing.T) {
	inner := &Type{ID: "pkg.Box", Args: []*Type{{ID: "int"}, {ID: "string"}}}
	ref := RefTo(RefTo(inner))
	if ref.Peel() != inner {
		t.Errorf("Peel() did not reach the named type")
	}
	if got, want := inner.String(), "pkg.Box[int, string]"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := RefTo(inner).ID, "*pkg.Box"; got != want {
		t.Errorf("RefTo().ID = %q, want %q", got, want)
	}
}
