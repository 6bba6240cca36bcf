package frontend

import (
	"go/token"
	"go/types"
	"strings"

	"golang.org/x/tools/go/ssa"

	"github.com/kolkov/metaguard/cmd/metaguard/cfg"
)

// lowerer turns SSA functions into cfg graphs.
//
// Every non-builtin call ends a cfg block, so each SSA block becomes one cfg
// block per call plus one for the instructions after the last call. The SSA
// terminator (jump, if, return, panic) ends the last of them.
//
// Thread Safety: NOT thread-safe; use one lowerer per goroutine.
type lowerer struct {
	fset  *token.FileSet
	ann   *annotations
	types typeConverter
}

func newLowerer(fset *token.FileSet, ann *annotations) *lowerer {
	return &lowerer{fset: fset, ann: ann}
}

// funcState is the per-function lowering state.
type funcState struct {
	l      *lowerer
	fn     *ssa.Function
	g      *cfg.Graph
	locals map[ssa.Value]cfg.LocalID
	// first maps an SSA block index to the id of its first cfg block.
	first []cfg.BlockID
	scope cfg.SafetyTag
}

// lower builds the cfg graph of fn.
func (l *lowerer) lower(fn *ssa.Function) *cfg.Graph {
	s := &funcState{
		l:      l,
		fn:     fn,
		g:      &cfg.Graph{},
		locals: make(map[ssa.Value]cfg.LocalID),
		scope:  l.funcScope(fn),
	}
	s.declareLocals()
	s.numberBlocks()
	for _, b := range fn.Blocks {
		s.lowerBlock(b)
	}
	return s.g
}

// funcScope is the tag of the function's outermost scope, used for
// instructions without a position.
func (l *lowerer) funcScope(fn *ssa.Function) cfg.SafetyTag {
	if obj, ok := funcObject(fn); ok && l.ann.unsafeFuncs[obj] {
		return cfg.Unsafe
	}
	if fn.Syntax() == nil {
		// Package initializers and other synthesized bodies.
		return cfg.TagUnknown
	}
	if l.ann.inScope(l.fset, fn.Syntax().Pos()) {
		return cfg.Unsafe
	}
	return cfg.Safe
}

func (s *funcState) declareLocals() {
	add := func(v ssa.Value) {
		if _, ok := s.locals[v]; ok {
			return
		}
		id := cfg.LocalID(len(s.g.Locals))
		s.locals[v] = id
		s.g.Locals = append(s.g.Locals, cfg.Local{ID: id, Name: v.Name(), Type: s.l.types.convert(v.Type())})
	}
	for _, p := range s.fn.Params {
		add(p)
	}
	for _, fv := range s.fn.FreeVars {
		add(fv)
	}
	for _, b := range s.fn.Blocks {
		for _, instr := range b.Instrs {
			if v, ok := instr.(ssa.Value); ok {
				add(v)
			}
		}
	}
}

func (s *funcState) numberBlocks() {
	s.first = make([]cfg.BlockID, len(s.fn.Blocks))
	next := cfg.BlockID(0)
	for i, b := range s.fn.Blocks {
		s.first[i] = next
		next++
		for _, instr := range b.Instrs {
			if splitsBlock(instr) {
				next++
			}
		}
	}
}

// splitsBlock reports whether instr becomes a Call terminator.
func splitsBlock(instr ssa.Instruction) bool {
	call, ok := instr.(*ssa.Call)
	if !ok {
		return false
	}
	_, builtin := call.Call.Value.(*ssa.Builtin)
	return !builtin
}

// tags computes the tag of every instruction of b. Instructions without a
// position take the tag of the previous instruction; leading ones take the
// tag of the first positioned instruction, or the function scope.
func (s *funcState) tags(b *ssa.BasicBlock) []cfg.SafetyTag {
	out := make([]cfg.SafetyTag, len(b.Instrs))
	prev := cfg.TagUnknown
	for i, instr := range b.Instrs {
		pos := instr.Pos()
		switch {
		case pos.IsValid() && s.l.ann.inScope(s.l.fset, pos):
			out[i] = cfg.Unsafe
		case pos.IsValid() && s.scope == cfg.Unsafe:
			out[i] = cfg.Unsafe
		case pos.IsValid():
			out[i] = cfg.Safe
		default:
			out[i] = prev
		}
		prev = out[i]
	}

	lead := s.scope
	for i := range out {
		if b.Instrs[i].Pos().IsValid() {
			lead = out[i]
			break
		}
	}
	for i := range out {
		if b.Instrs[i].Pos().IsValid() {
			break
		}
		out[i] = lead
	}
	return out
}

func (s *funcState) lowerBlock(b *ssa.BasicBlock) {
	tags := s.tags(b)
	cur := &cfg.Block{ID: s.first[b.Index]}
	for i, instr := range b.Instrs {
		pos := s.l.fset.Position(instr.Pos())
		if call, ok := instr.(*ssa.Call); ok && splitsBlock(instr) {
			cur.Term = cfg.Terminator{
				Kind:    cfg.Call,
				Tag:     tags[i],
				Pos:     pos,
				Text:    call.String(),
				Targets: []cfg.BlockID{cur.ID + 1},
				Call:    s.callInfo(call),
			}
			s.g.Blocks = append(s.g.Blocks, cur)
			cur = &cfg.Block{ID: cur.ID + 1}
			continue
		}
		if i == len(b.Instrs)-1 {
			cur.Term = s.terminator(instr, tags[i], pos)
			break
		}
		cur.Statements = append(cur.Statements, cfg.Statement{
			Kind: cfg.StmtOp,
			Tag:  tags[i],
			Pos:  pos,
			Text: instrText(instr),
		})
	}
	s.g.Blocks = append(s.g.Blocks, cur)
}

func (s *funcState) terminator(instr ssa.Instruction, tag cfg.SafetyTag, pos token.Position) cfg.Terminator {
	t := cfg.Terminator{Tag: tag, Pos: pos}
	for _, succ := range instr.Block().Succs {
		t.Targets = append(t.Targets, s.first[succ.Index])
	}
	switch instr := instr.(type) {
	case *ssa.Jump:
		t.Kind = cfg.Goto
	case *ssa.If:
		t.Kind = cfg.Branch
		t.Text = instr.Cond.Name()
	case *ssa.Return:
		t.Kind = cfg.Return
		names := make([]string, len(instr.Results))
		for i, r := range instr.Results {
			names[i] = r.Name()
		}
		t.Text = strings.Join(names, ", ")
	case *ssa.Panic:
		t.Kind = cfg.Panic
		t.Text = instr.X.Name()
	default:
		// Not reached for well-formed SSA; keep the block walkable.
		t.Kind = cfg.Goto
		t.Text = instr.String()
	}
	return t
}

func (s *funcState) callInfo(call *ssa.Call) *cfg.CallInfo {
	common := call.Common()
	info := &cfg.CallInfo{Func: calleeName(common), Dest: cfg.NoLocal}
	if tuple, ok := call.Type().(*types.Tuple); !ok || tuple.Len() > 0 {
		info.Dest = s.locals[call]
	}
	if common.IsInvoke() {
		info.Args = append(info.Args, s.operand(common.Value))
	}
	for _, a := range common.Args {
		info.Args = append(info.Args, s.operand(a))
	}

	callee := common.StaticCallee()
	if callee == nil || callee.Signature.Recv() == nil {
		return info
	}
	obj, ok := funcObject(callee)
	recv := namedOf(callee.Signature.Recv().Type())
	if !ok || recv == nil {
		return info
	}
	info.Method = &cfg.Method{
		Name:   obj.Name(),
		Recv:   s.l.types.convert(recv),
		Unsafe: s.l.ann.isUnsafeMethod(obj, recv),
	}
	return info
}

func (s *funcState) operand(v ssa.Value) cfg.Operand {
	if id, ok := s.locals[v]; ok {
		return cfg.CopyOf(id)
	}
	// Constants, globals and functions.
	return cfg.Operand{Kind: cfg.Const, Local: cfg.NoLocal, Value: v.Name()}
}

// funcObject returns the declared function or method behind fn, looking
// through generic instantiation.
func funcObject(fn *ssa.Function) (*types.Func, bool) {
	if o := fn.Origin(); o != nil {
		fn = o
	}
	obj, ok := fn.Object().(*types.Func)
	if !ok || obj == nil {
		return nil, false
	}
	return obj.Origin(), true
}

func calleeName(c *ssa.CallCommon) string {
	if c.IsInvoke() {
		return "invoke " + c.Method.FullName()
	}
	if callee := c.StaticCallee(); callee != nil {
		return callee.String()
	}
	return c.Value.Name()
}

func instrText(instr ssa.Instruction) string {
	if v, ok := instr.(ssa.Value); ok && v.Name() != "" {
		return v.Name() + " = " + instr.String()
	}
	return instr.String()
}
