package frontend

import (
	"go/types"

	"golang.org/x/tools/go/types/typeutil"

	"github.com/kolkov/metaguard/cmd/metaguard/cfg"
)

// typeID returns the identity of a named type, independent of its type
// arguments: "path/to/pkg.Name".
func typeID(named *types.Named) string {
	obj := named.Origin().Obj()
	if obj.Pkg() == nil {
		return obj.Name()
	}
	return obj.Pkg().Path() + "." + obj.Name()
}

// namedOf strips pointers and aliases and returns the named type, if any.
func namedOf(t types.Type) *types.Named {
	for {
		switch u := types.Unalias(t).(type) {
		case *types.Pointer:
			t = u.Elem()
		case *types.Named:
			return u
		default:
			return nil
		}
	}
}

// typeConverter maps go/types types to cfg types. Conversions are memoized,
// so recursive types produce cyclic cfg.Type graphs and identical types
// share one cfg.Type.
//
// Thread Safety: NOT thread-safe; use one converter per goroutine.
type typeConverter struct {
	memo typeutil.Map
}

func (c *typeConverter) convert(t types.Type) *cfg.Type {
	if t == nil {
		return nil
	}
	t = types.Unalias(t)
	if v := c.memo.At(t); v != nil {
		return v.(*cfg.Type)
	}
	out := &cfg.Type{}
	c.memo.Set(t, out)

	switch t := t.(type) {
	case *types.Pointer:
		out.Ref = true
		out.Elem = c.convert(t.Elem())
		out.ID = "*" + out.Elem.ID
	case *types.Named:
		out.ID = typeID(t)
		args := t.TypeArgs()
		for i := 0; i < args.Len(); i++ {
			out.Args = append(out.Args, c.convert(args.At(i)))
		}
		out.Components = []*cfg.Type{c.convert(t.Underlying())}
	case *types.Struct:
		out.ID = t.String()
		for i := 0; i < t.NumFields(); i++ {
			out.Components = append(out.Components, c.convert(t.Field(i).Type()))
		}
	case *types.Array:
		out.ID = t.String()
		out.Components = []*cfg.Type{c.convert(t.Elem())}
	case *types.Slice:
		out.ID = t.String()
		out.Components = []*cfg.Type{c.convert(t.Elem())}
	case *types.Chan:
		out.ID = t.String()
		out.Components = []*cfg.Type{c.convert(t.Elem())}
	case *types.Map:
		out.ID = t.String()
		out.Components = []*cfg.Type{c.convert(t.Key()), c.convert(t.Elem())}
	case *types.TypeParam:
		out.ID = t.Obj().Name()
	default:
		// Basic, signature, interface and tuple types contain nothing the
		// passes look into.
		out.ID = t.String()
	}
	return out
}
