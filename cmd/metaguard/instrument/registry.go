package instrument

import (
	"errors"
	"fmt"
	"go/token"
	"sort"

	"github.com/kolkov/metaguard/cmd/metaguard/cfg"
)

// TypeDecl is a type that self-identifies as a protected pointer.
type TypeDecl struct {
	// ID is the type identity, matching cfg.Type.ID.
	ID  string
	Pos token.Position
}

// ValidatorDecl binds a validator function to a protected type.
type ValidatorDecl struct {
	// Type is the identity of the protected type.
	Type string
	// Name is the validator's callable handle, e.g. "(*example.com/box.Box).Synchronize".
	Name string
	Pos  token.Position
}

// Registry maps protected-pointer types to their single validator.
//
// The registry is built once from the declarations gathered by the front end
// and then only queried. Validate checks the one-validator-per-type invariant
// before any body is rewritten, so the passes never have to choose between
// candidates.
//
// Thread Safety: Immutable after NewRegistry returns, safe for concurrent use.
type Registry struct {
	protected  map[string]bool
	validators map[string]ValidatorDecl
	declared   []TypeDecl
	duplicates []ValidatorDecl
}

// NewRegistry builds a registry. Every type that has a validator is
// protected. When a type has several validators the first one is kept and
// the others are reported by Validate.
func NewRegistry(types []TypeDecl, validators []ValidatorDecl) *Registry {
	r := &Registry{
		protected:  make(map[string]bool, len(types)+len(validators)),
		validators: make(map[string]ValidatorDecl, len(validators)),
		declared:   types,
	}
	for _, v := range validators {
		if _, ok := r.validators[v.Type]; ok {
			r.duplicates = append(r.duplicates, v)
			continue
		}
		r.validators[v.Type] = v
		r.protected[v.Type] = true
	}
	for _, t := range types {
		r.protected[t.ID] = true
	}
	return r
}

// Validate reports every protected type without a validator and every type
// with more than one validator. All errors are returned together, each an
// *InstrumentationError wrapping ErrMissingValidator or ErrDuplicateValidator.
func (r *Registry) Validate() error {
	var errs []error
	for _, v := range r.duplicates {
		prev := r.validators[v.Type]
		errs = append(errs, NewInstrumentationErrorWithSuggestion(v.Pos, ErrDuplicateValidator,
			fmt.Sprintf("multiple validators for %s: %s and %s", v.Type, prev.Name, v.Name),
			fmt.Sprintf("Keep exactly one validator for %s (other validator at %s)", v.Type, prev.Pos)))
	}
	for _, t := range r.declared {
		if _, ok := r.validators[t.ID]; !ok {
			errs = append(errs, missingValidator(t.ID, t.Pos))
		}
	}
	return errors.Join(errs...)
}

func missingValidator(id string, pos token.Position) *InstrumentationError {
	return NewInstrumentationErrorWithSuggestion(pos, ErrMissingValidator,
		fmt.Sprintf("protected type %s has no validator", id),
		"Add a Synchronize() method to the type or bind a function with //metaguard:validator")
}

// IsProtected reports whether the type identified by id is a protected pointer.
func (r *Registry) IsProtected(id string) bool {
	return r.protected[id]
}

// Validator returns the validator bound to the type identified by id.
func (r *Registry) Validator(id string) (ValidatorDecl, bool) {
	v, ok := r.validators[id]
	return v, ok
}

// Types returns the identities of all protected types in sorted order.
func (r *Registry) Types() []string {
	ids := make([]string, 0, len(r.protected))
	for id := range r.protected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TypeRegion classifies a receiver type for the type-region side channel.
//
// The receiver's held type is its first type argument. The result is 0 when
// the held type is itself protected or transitively contains a protected
// type, 1 when it does not, and 0 when the receiver has no type argument.
func (r *Registry) TypeRegion(recv *cfg.Type) uint8 {
	held := recv.Peel()
	if held == nil || len(held.Args) == 0 {
		return 0
	}
	if r.containsProtected(held.Args[0], make(map[*cfg.Type]bool)) {
		return 0
	}
	return 1
}

func (r *Registry) containsProtected(t *cfg.Type, seen map[*cfg.Type]bool) bool {
	if t == nil || seen[t] {
		return false
	}
	seen[t] = true
	if t.Ref {
		return r.containsProtected(t.Elem, seen)
	}
	if r.protected[t.ID] {
		return true
	}
	for _, a := range t.Args {
		if r.containsProtected(a, seen) {
			return true
		}
	}
	for _, c := range t.Components {
		if r.containsProtected(c, seen) {
			return true
		}
	}
	return false
}
