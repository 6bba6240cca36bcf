package stack

import (
	"errors"
	"testing"

	"github.com/kolkov/metaguard/internal/guard/platform"
)

const page = 0x1000

func newStack(t *testing.T, cfg Config) (*Stack, *platform.Sim) {
	t.Helper()
	p := platform.NewSim()
	s, err := New(p, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, p
}

func TestNew_Layout(t *testing.T) {
	s, p := newStack(t, Config{})
	if got := s.Top() - s.Limit(); got != DefaultSize {
		t.Errorf("committed = %#x, want %#x", got, DefaultSize)
	}
	if got := s.Limit() - s.Floor(); got != DefaultGuard {
		t.Errorf("guard = %#x, want %#x", got, DefaultGuard)
	}
	if s.SP() != s.Top() || s.Slack() != DefaultSize {
		t.Errorf("SP = %#x, Slack = %#x", s.SP(), s.Slack())
	}
	if _, _, ok := p.Mapped(s.Floor() - 1); !ok {
		t.Errorf("floor not fenced")
	}
	if _, _, ok := p.Mapped(s.Floor()); ok {
		t.Errorf("guard region is mapped")
	}
}

func TestEnsure_Monotonic(t *testing.T) {
	s, _ := newStack(t, Config{Size: 4 * page, Guard: 16 * page})

	// Zero bytes on a fresh stack establishes the default stack only.
	if err := s.Ensure(0); err != nil {
		t.Fatal(err)
	}
	if s.Slack() != 4*page {
		t.Fatalf("Slack() = %#x, want %#x", s.Slack(), 4*page)
	}

	tests := []struct {
		name      string
		n         uintptr
		wantSlack uintptr
	}{
		{"within slack", 3 * page, 4 * page},
		{"exact slack", 4 * page, 4 * page},
		{"one byte over", 4*page + 1, 5 * page},
		{"three pages over", 8 * page, 8 * page},
		{"smaller again", page, 8 * page},
		{"repeat", 8 * page, 8 * page},
	}
	for _, tt := range tests {
		limit := s.Limit()
		before := s.Slack()
		if err := s.Ensure(tt.n); err != nil {
			t.Fatalf("%s: Ensure(%#x) error = %v", tt.name, tt.n, err)
		}
		if s.Slack() != tt.wantSlack {
			t.Errorf("%s: Slack() = %#x, want %#x", tt.name, s.Slack(), tt.wantSlack)
		}
		if moved := limit - s.Limit(); moved != tt.wantSlack-before {
			t.Errorf("%s: limit moved %#x, want %#x", tt.name, moved, tt.wantSlack-before)
		}
	}
}

func TestEnsure_GuardFloor(t *testing.T) {
	s, _ := newStack(t, Config{Size: 2 * page, Guard: 2 * page})
	// Growing into the whole guard region succeeds.
	if err := s.Ensure(4 * page); err != nil {
		t.Fatalf("Ensure() to the floor error = %v", err)
	}
	if s.Limit() != s.Floor() {
		t.Fatalf("Limit() = %#x, want floor %#x", s.Limit(), s.Floor())
	}
	// One more page would touch below the floor.
	err := s.Ensure(5 * page)
	if !errors.Is(err, platform.ErrFault) {
		t.Errorf("Ensure() past the floor error = %v, want ErrFault", err)
	}
	if s.Limit() != s.Floor() {
		t.Errorf("failed growth moved the limit")
	}
}

func TestNew_Displaced(t *testing.T) {
	// A platform that ignores placement hints.
	p := &displacing{Sim: platform.NewSim()}
	s, err := New(p, Config{Size: 2 * page, Guard: 2 * page})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.Limit()-s.Floor() != 2*page || s.Top()-s.Limit() != 2*page {
		t.Errorf("layout floor=%#x limit=%#x top=%#x", s.Floor(), s.Limit(), s.Top())
	}
	if err := s.Ensure(3 * page); err != nil {
		t.Errorf("Ensure() error = %v", err)
	}
}

type displacing struct {
	*platform.Sim
}

func (d *displacing) MapGrowable(_, size uintptr) (uintptr, error) {
	return d.Sim.MapGrowable(0, size)
}
