// Package frontend loads Go packages and hands their function bodies to the
// instrumentation passes as cfg graphs.
//
// Loading goes through golang.org/x/tools/go/packages and go/ssa. Scope and
// capability data comes from comment directives:
//
//	//metaguard:unsafe
//	func (b *Box[T]) Poke(v T) { ... }     // unsafe body, unsafe capability
//
//	func f(b *Box[int]) {
//	    //metaguard:unsafe
//	    b.Poke(1)                            // unsafe statement
//	}
//
//	//metaguard:protected
//	type Box[T any] struct{ ... }          // protected pointer
//
//	func (b *Box[T]) Synchronize() { ... } // validator of Box
//
// Thread Safety: Load and FromSource are safe for concurrent use; a Program
// is immutable once returned.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/kolkov/metaguard/cmd/metaguard/cfg"
	"github.com/kolkov/metaguard/cmd/metaguard/instrument"
)

const loadMode = packages.NeedName | packages.NeedFiles | packages.NeedSyntax |
	packages.NeedTypes | packages.NeedTypesInfo | packages.NeedImports |
	packages.NeedDeps | packages.NeedModule

// Program is a loaded program ready for instrumentation.
type Program struct {
	Fset *token.FileSet
	// Module is the main module, or nil when analyzing files outside a module.
	Module *ModuleInfo
	// Bodies holds one body per function, sorted by name.
	Bodies []*cfg.Body

	Types      []instrument.TypeDecl
	Validators []instrument.ValidatorDecl
}

// Registry builds the validator registry of the program. Call Validate on
// the result before instrumenting.
func (p *Program) Registry() *instrument.Registry {
	return instrument.NewRegistry(p.Types, p.Validators)
}

// Body returns the body with the given name, or nil.
func (p *Program) Body(name string) *cfg.Body {
	i := sort.Search(len(p.Bodies), func(i int) bool { return p.Bodies[i].Name >= name })
	if i < len(p.Bodies) && p.Bodies[i].Name == name {
		return p.Bodies[i]
	}
	return nil
}

// Options controls loading.
type Options struct {
	// Workers bounds the number of packages processed concurrently.
	// Zero means GOMAXPROCS.
	Workers int
}

// pkgInput is one type-checked package with its SSA form.
type pkgInput struct {
	types  *types.Package
	info   *types.Info
	files  []*ast.File
	ssa    *ssa.Package
	module string
}

// Load loads the packages matching patterns, relative to dir, and lowers
// every function they define.
//
// Parameters:
//   - ctx: Cancels loading and lowering
//   - dir: Directory the patterns are relative to; its go.mod names the main module
//   - opts: Loading options
//   - patterns: Package patterns as accepted by go list
//
// Returns:
//   - *Program: The lowered program
//   - error: Load, type-check or directive errors
func Load(ctx context.Context, dir string, opts Options, patterns ...string) (*Program, error) {
	mod, err := FindModule(dir)
	if err != nil {
		return nil, err
	}

	pcfg := &packages.Config{Context: ctx, Dir: dir, Mode: loadMode}
	pkgs, err := packages.Load(pcfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load packages: %w", err)
	}
	var errs []error
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			errs = append(errs, e)
		}
	})
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	prog, ssaPkgs := ssautil.Packages(pkgs, ssa.InstantiateGenerics)
	prog.Build()

	var inputs []*pkgInput
	for i, p := range pkgs {
		if ssaPkgs[i] == nil {
			continue
		}
		inputs = append(inputs, &pkgInput{
			types:  p.Types,
			info:   p.TypesInfo,
			files:  p.Syntax,
			ssa:    ssaPkgs[i],
			module: moduleOf(p),
		})
	}
	logrus.WithFields(logrus.Fields{"packages": len(inputs), "dir": dir}).Debug("Loaded packages")
	return build(ctx, prog, mod, inputs, opts)
}

// Files lists the Go files an analysis of patterns would read: the files of
// the matched packages and of their dependencies inside the main module.
// It is much cheaper than Load and is used to key the result cache.
func Files(ctx context.Context, dir string, patterns ...string) ([]string, error) {
	mod, err := FindModule(dir)
	if err != nil {
		return nil, err
	}
	pcfg := &packages.Config{
		Context: ctx,
		Dir:     dir,
		Mode:    packages.NeedName | packages.NeedFiles | packages.NeedImports | packages.NeedDeps | packages.NeedModule,
	}
	pkgs, err := packages.Load(pcfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	var files []string
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		if mod.Owns(moduleOf(p)) {
			files = append(files, p.GoFiles...)
		}
	})
	sort.Strings(files)
	return files, nil
}

// FromSource type-checks and lowers a single file forming one package with
// the given import path. Imports are resolved from compiler export data.
//
// This is meant for tests and small experiments; the package is owned by
// the main module named by path.
func FromSource(filename, src, path string) (*Program, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("failed to parse file %s: %w", filename, err)
	}
	tc := &types.Config{Importer: importer.Default()}
	pkg := types.NewPackage(path, f.Name.Name)
	ssaPkg, info, err := ssautil.BuildPackage(tc, fset, pkg, []*ast.File{f}, ssa.InstantiateGenerics)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", filename, err)
	}
	in := &pkgInput{types: pkg, info: info, files: []*ast.File{f}, ssa: ssaPkg, module: path}
	return build(context.Background(), ssaPkg.Prog, &ModuleInfo{Path: path}, []*pkgInput{in}, Options{})
}

func build(ctx context.Context, prog *ssa.Program, mod *ModuleInfo, inputs []*pkgInput, opts Options) (*Program, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// Directives of every package must be known before lowering any of
	// them: capabilities and interfaces cross package boundaries.
	scans := make([]*annotations, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, in := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scans[i] = scanPackage(prog.Fset, in.types, in.info, in.files)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	ann := newAnnotations()
	for _, a := range scans {
		ann.merge(a)
	}
	if len(ann.errs) > 0 {
		return nil, errors.Join(ann.errs...)
	}

	funcs := functionsByPackage(prog, inputs)
	bodies := make([][]*cfg.Body, len(inputs))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, in := range inputs {
		g.Go(func() error {
			l := newLowerer(prog.Fset, ann)
			foreign := !mod.Owns(in.module)
			for _, fn := range funcs[in.ssa] {
				if err := gctx.Err(); err != nil {
					return err
				}
				bodies[i] = append(bodies[i], &cfg.Body{
					Name:    fn.String(),
					Package: in.types.Path(),
					Module:  in.module,
					Foreign: foreign,
					Graph:   l.lower(fn),
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p := &Program{Fset: prog.Fset, Module: mod, Types: ann.types, Validators: ann.validators}
	for _, bs := range bodies {
		p.Bodies = append(p.Bodies, bs...)
	}
	sort.Slice(p.Bodies, func(i, j int) bool { return p.Bodies[i].Name < p.Bodies[j].Name })
	return p, nil
}

// functionsByPackage groups the built functions of the input packages.
// Generic instantiations belong to the package of their origin.
func functionsByPackage(prog *ssa.Program, inputs []*pkgInput) map[*ssa.Package][]*ssa.Function {
	want := make(map[*ssa.Package]bool, len(inputs))
	for _, in := range inputs {
		want[in.ssa] = true
	}
	out := make(map[*ssa.Package][]*ssa.Function)
	for fn := range ssautil.AllFunctions(prog) {
		if fn.Blocks == nil {
			continue
		}
		pkg := fn.Pkg
		if pkg == nil && fn.Origin() != nil {
			pkg = fn.Origin().Pkg
		}
		if want[pkg] {
			out[pkg] = append(out[pkg], fn)
		}
	}
	for _, fns := range out {
		sort.Slice(fns, func(i, j int) bool { return fns[i].String() < fns[j].String() })
	}
	return out
}

// moduleOf returns the module path of p, StdModule for the standard library
// and "" when unknown.
func moduleOf(p *packages.Package) string {
	if p.Module != nil {
		return p.Module.Path
	}
	if p.PkgPath == "command-line-arguments" {
		return ""
	}
	first, _, _ := strings.Cut(p.PkgPath, "/")
	if !strings.Contains(first, ".") {
		return StdModule
	}
	return ""
}
