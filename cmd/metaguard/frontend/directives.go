package frontend

import (
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"strings"

	"github.com/kolkov/metaguard/cmd/metaguard/instrument"
)

const (
	unsafeDirective    = "//metaguard:unsafe"
	protectedDirective = "//metaguard:protected"
	validatorDirective = "//metaguard:validator"

	// validatorMethod is the method name that makes a type its own validator.
	validatorMethod = "Synchronize"
)

// ErrBadDirective is wrapped by errors reporting a malformed directive.
var ErrBadDirective = errors.New("malformed directive")

// posRange is a half-open source range [start, end).
type posRange struct {
	start, end token.Pos
}

// annotations holds everything the directives of one or more packages say.
type annotations struct {
	// ranges lists unsafe lexical scopes per file.
	ranges map[*token.File][]posRange
	// unsafeFuncs holds functions and methods that are unsafe capabilities.
	unsafeFuncs map[*types.Func]bool
	// unsafeIfaces holds interfaces whose methods are unsafe capabilities.
	unsafeIfaces []*types.Named

	types      []instrument.TypeDecl
	validators []instrument.ValidatorDecl
	errs       []error
}

func newAnnotations() *annotations {
	return &annotations{
		ranges:      make(map[*token.File][]posRange),
		unsafeFuncs: make(map[*types.Func]bool),
	}
}

// merge adds o into a.
func (a *annotations) merge(o *annotations) {
	for f, rs := range o.ranges {
		a.ranges[f] = append(a.ranges[f], rs...)
	}
	for fn := range o.unsafeFuncs {
		a.unsafeFuncs[fn] = true
	}
	a.unsafeIfaces = append(a.unsafeIfaces, o.unsafeIfaces...)
	a.types = append(a.types, o.types...)
	a.validators = append(a.validators, o.validators...)
	a.errs = append(a.errs, o.errs...)
}

// inScope reports whether pos lies inside an unsafe lexical scope.
func (a *annotations) inScope(fset *token.FileSet, pos token.Pos) bool {
	f := fset.File(pos)
	if f == nil {
		return false
	}
	for _, r := range a.ranges[f] {
		if r.start <= pos && pos < r.end {
			return true
		}
	}
	return false
}

// isUnsafeMethod reports whether calling fn on a receiver of type recv
// invokes an unsafe capability: fn itself is marked unsafe, or recv
// implements an unsafe interface declaring a method of the same name.
func (a *annotations) isUnsafeMethod(fn *types.Func, recv *types.Named) bool {
	if a.unsafeFuncs[fn.Origin()] {
		return true
	}
	for _, iface := range a.unsafeIfaces {
		it, ok := iface.Underlying().(*types.Interface)
		if !ok || !declares(it, fn.Name()) {
			continue
		}
		if types.Implements(recv, it) || types.Implements(types.NewPointer(recv), it) {
			return true
		}
	}
	return false
}

func declares(it *types.Interface, name string) bool {
	for i := 0; i < it.NumMethods(); i++ {
		if it.Method(i).Name() == name {
			return true
		}
	}
	return false
}

// scanPackage extracts directives from one type-checked package.
//
// Directives are plain line comments:
//
//	//metaguard:unsafe           on a func: body is unsafe, func is an unsafe capability
//	//metaguard:unsafe           alone on the line above a statement: statement is unsafe
//	//metaguard:unsafe           on an interface: its methods are unsafe capabilities
//	//metaguard:protected        on a type: the type is a protected pointer
//	//metaguard:validator T      on a func(*T): binds the validator of T
//
// A method Synchronize() with no parameters and results makes its type
// protected and is the type's validator.
func scanPackage(fset *token.FileSet, pkg *types.Package, info *types.Info, files []*ast.File) *annotations {
	a := newAnnotations()
	for _, f := range files {
		s := &fileScanner{a: a, fset: fset, pkg: pkg, info: info, tf: fset.File(f.Pos())}
		s.scan(f)
	}
	a.validators = append(a.validators, synchronizers(fset, pkg)...)
	return a
}

type fileScanner struct {
	a    *annotations
	fset *token.FileSet
	pkg  *types.Package
	info *types.Info
	tf   *token.File

	// lines holds the lines carrying a standalone unsafe directive.
	lines map[int]bool
}

func (s *fileScanner) scan(f *ast.File) {
	// A directive trailing code on the same line applies to nothing.
	code := make(map[int]bool)
	ast.Inspect(f, func(n ast.Node) bool {
		switch n.(type) {
		case nil, *ast.CommentGroup, *ast.Comment:
			return false
		}
		code[s.fset.Position(n.Pos()).Line] = true
		code[s.fset.Position(n.End()).Line] = true
		return true
	})

	s.lines = make(map[int]bool)
	for _, cg := range f.Comments {
		for _, c := range cg.List {
			line := s.fset.Position(c.Pos()).Line
			if directive(c.Text) == unsafeDirective && !code[line] {
				s.lines[line] = true
			}
		}
	}

	ast.Inspect(f, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.FuncDecl:
			s.funcDecl(n)
		case *ast.GenDecl:
			if n.Tok == token.TYPE {
				s.typeDecl(n)
			}
		case ast.Stmt:
			if s.lines[s.fset.Position(n.Pos()).Line-1] {
				s.addRange(n.Pos(), n.End())
			}
		}
		return true
	})
}

func (s *fileScanner) addRange(start, end token.Pos) {
	s.a.ranges[s.tf] = append(s.a.ranges[s.tf], posRange{start: start, end: end})
}

func (s *fileScanner) funcDecl(d *ast.FuncDecl) {
	fn, _ := s.info.Defs[d.Name].(*types.Func)
	if fn == nil || d.Doc == nil {
		return
	}
	for _, c := range d.Doc.List {
		text := directive(c.Text)
		switch {
		case text == unsafeDirective:
			s.a.unsafeFuncs[fn] = true
			if d.Body != nil {
				s.addRange(d.Body.Lbrace, d.Body.Rbrace+1)
			}
		case strings.HasPrefix(text, validatorDirective+" "):
			s.validator(fn, strings.TrimSpace(strings.TrimPrefix(text, validatorDirective)), c.Pos())
		}
	}
}

// validator binds fn as the validator of the type named by arg.
func (s *fileScanner) validator(fn *types.Func, arg string, pos token.Pos) {
	position := s.fset.Position(pos)
	tn, _ := s.pkg.Scope().Lookup(arg).(*types.TypeName)
	if tn == nil {
		s.a.errs = append(s.a.errs, instrument.NewInstrumentationErrorWithSuggestion(position, ErrBadDirective,
			fmt.Sprintf("validator %s names unknown type %q", fn.Name(), arg),
			"Name a type declared in the same package"))
		return
	}
	named, _ := tn.Type().(*types.Named)
	sig := fn.Type().(*types.Signature)
	if named == nil || sig.Recv() != nil || sig.Params().Len() != 1 || sig.Results().Len() != 0 ||
		!isPointerTo(sig.Params().At(0).Type(), named) {
		s.a.errs = append(s.a.errs, instrument.NewInstrumentationErrorWithSuggestion(position, ErrBadDirective,
			fmt.Sprintf("validator %s has the wrong signature", fn.Name()),
			fmt.Sprintf("Declare it as func(*%s)", arg)))
		return
	}
	s.a.validators = append(s.a.validators, instrument.ValidatorDecl{
		Type: typeID(named),
		Name: fn.FullName(),
		Pos:  position,
	})
}

func (s *fileScanner) typeDecl(d *ast.GenDecl) {
	for _, spec := range d.Specs {
		ts := spec.(*ast.TypeSpec)
		doc := ts.Doc
		if doc == nil && len(d.Specs) == 1 {
			doc = d.Doc
		}
		if doc == nil {
			continue
		}
		tn, _ := s.info.Defs[ts.Name].(*types.TypeName)
		if tn == nil {
			continue
		}
		named, _ := tn.Type().(*types.Named)
		if named == nil {
			continue
		}
		for _, c := range doc.List {
			switch directive(c.Text) {
			case protectedDirective:
				s.a.types = append(s.a.types, instrument.TypeDecl{
					ID:  typeID(named),
					Pos: s.fset.Position(ts.Name.Pos()),
				})
			case unsafeDirective:
				if types.IsInterface(named) {
					s.a.unsafeIfaces = append(s.a.unsafeIfaces, named)
				}
			}
		}
	}
}

// synchronizers returns a validator for every type of pkg declaring a
// Synchronize() method.
func synchronizers(fset *token.FileSet, pkg *types.Package) []instrument.ValidatorDecl {
	var out []instrument.ValidatorDecl
	scope := pkg.Scope()
	for _, name := range scope.Names() {
		tn, ok := scope.Lookup(name).(*types.TypeName)
		if !ok || tn.IsAlias() {
			continue
		}
		named, ok := tn.Type().(*types.Named)
		if !ok || types.IsInterface(named) {
			continue
		}
		for i := 0; i < named.NumMethods(); i++ {
			m := named.Method(i)
			sig := m.Type().(*types.Signature)
			if m.Name() != validatorMethod || sig.Params().Len() != 0 || sig.Results().Len() != 0 {
				continue
			}
			out = append(out, instrument.ValidatorDecl{
				Type: typeID(named),
				Name: m.FullName(),
				Pos:  fset.Position(m.Pos()),
			})
		}
	}
	return out
}

// directive normalizes a comment to its directive text, or "" if the comment
// is not a metaguard directive.
func directive(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "//metaguard:") {
		return ""
	}
	return text
}

func isPointerTo(t types.Type, named *types.Named) bool {
	p, ok := types.Unalias(t).(*types.Pointer)
	if !ok {
		return false
	}
	n, ok := types.Unalias(p.Elem()).(*types.Named)
	return ok && n.Origin() == named.Origin()
}
