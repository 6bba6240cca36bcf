package instrument

import (
	"errors"
	"go/token"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kolkov/metaguard/cmd/metaguard/cfg"
)

const (
	boxID  = "example.com/box.Box"
	cellID = "example.com/box.Cell"
)

func boxValidator() ValidatorDecl {
	return ValidatorDecl{Type: boxID, Name: "(*example.com/box.Box).Synchronize"}
}

func TestRegistry_Validate(t *testing.T) {
	tests := []struct {
		name       string
		types      []TypeDecl
		validators []ValidatorDecl
		wantIs     []error
	}{
		{
			name:       "validator implies protected",
			validators: []ValidatorDecl{boxValidator()},
		},
		{
			name:       "declared with validator",
			types:      []TypeDecl{{ID: boxID}},
			validators: []ValidatorDecl{boxValidator()},
		},
		{
			name:   "declared without validator",
			types:  []TypeDecl{{ID: boxID, Pos: token.Position{Filename: "box.go", Line: 3, Column: 6}}},
			wantIs: []error{ErrMissingValidator},
		},
		{
			name: "two validators",
			validators: []ValidatorDecl{
				boxValidator(),
				{Type: boxID, Name: "example.com/box.check"},
			},
			wantIs: []error{ErrDuplicateValidator},
		},
		{
			name:  "both errors reported together",
			types: []TypeDecl{{ID: cellID}},
			validators: []ValidatorDecl{
				boxValidator(),
				{Type: boxID, Name: "example.com/box.check"},
			},
			wantIs: []error{ErrMissingValidator, ErrDuplicateValidator},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry(tt.types, tt.validators).Validate()
			if len(tt.wantIs) == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
			for _, want := range tt.wantIs {
				if !errors.Is(err, want) {
					t.Errorf("Validate() = %v, want errors.Is %v", err, want)
				}
			}
			var ie *InstrumentationError
			if !errors.As(err, &ie) {
				t.Errorf("Validate() error is not an *InstrumentationError: %T", err)
			}
		})
	}
}

func TestRegistry_FirstValidatorWins(t *testing.T) {
	r := NewRegistry(nil, []ValidatorDecl{
		boxValidator(),
		{Type: boxID, Name: "example.com/box.check"},
	})
	v, ok := r.Validator(boxID)
	if !ok {
		t.Fatalf("Validator(%q) not found", boxID)
	}
	if v.Name != boxValidator().Name {
		t.Errorf("Validator(%q) = %q, want %q", boxID, v.Name, boxValidator().Name)
	}
}

func TestRegistry_Types(t *testing.T) {
	r := NewRegistry([]TypeDecl{{ID: cellID}}, []ValidatorDecl{boxValidator()})
	if diff := cmp.Diff([]string{boxID, cellID}, r.Types()); diff != "" {
		t.Errorf("Types() mismatch (-want +got):\n%s", diff)
	}
	if !r.IsProtected(cellID) {
		t.Errorf("IsProtected(%q) = false, want true", cellID)
	}
	if r.IsProtected("example.com/box.Other") {
		t.Errorf("IsProtected(Other) = true, want false")
	}
}

func TestRegistry_TypeRegion(t *testing.T) {
	r := NewRegistry([]TypeDecl{{ID: cellID}}, []ValidatorDecl{
		boxValidator(),
		{Type: cellID, Name: "(*example.com/box.Cell).Synchronize"},
	})

	plain := &cfg.Type{ID: "int"}
	cell := &cfg.Type{ID: cellID, Args: []*cfg.Type{plain}}
	wrapper := &cfg.Type{ID: "example.com/box.wrapper", Components: []*cfg.Type{cfg.RefTo(cell)}}
	self := &cfg.Type{ID: "example.com/box.node"}
	self.Components = []*cfg.Type{cfg.RefTo(self)}

	box := func(args ...*cfg.Type) *cfg.Type {
		return &cfg.Type{ID: boxID, Args: args}
	}

	tests := []struct {
		name string
		recv *cfg.Type
		want uint8
	}{
		{"held type protected", box(cell), 0},
		{"held type plain", box(plain), 1},
		{"no held type", box(), 0},
		{"held reference to protected", box(cfg.RefTo(cell)), 0},
		{"held type contains protected", box(wrapper), 0},
		{"held type is recursive", box(self), 1},
		{"receiver behind references", cfg.RefTo(cfg.RefTo(box(plain))), 1},
		{"only first argument counts", box(plain, cell), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.TypeRegion(tt.recv); got != tt.want {
				t.Errorf("TypeRegion(%v) = %d, want %d", tt.recv, got, tt.want)
			}
		})
	}
}
