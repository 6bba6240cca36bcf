package platform

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

const (
	simPageSize = 0x1000
	// simTop is where Sim starts handing out addresses; Reserve and
	// displaced growable mappings are allocated downward from it.
	simTop = 0x7f0000000000
)

// mapping is one entry of the Sim address space.
type mapping struct {
	addr, size uintptr
	prot       Prot
	growsDown  bool
	domain     bool
}

func (m mapping) end() uintptr { return m.addr + m.size }

func lessMapping(a, b mapping) bool { return a.addr < b.addr }

// Sim is a simulated platform. Mappings are bookkeeping only: no memory is
// allocated and Touch checks the access against the mapping table.
//
// Fault model:
//   - touching an unmapped address, or an inaccessible mapping, faults
//   - touching the byte below a grows-down mapping extends it by one page
//     unless the new page would overlap another mapping
//   - touching memory assigned to the domain faults while the calling
//     thread's domain is disabled
type Sim struct {
	mu       sync.Mutex
	maps     *btree.BTreeG[mapping]
	next     uintptr
	disabled map[int]bool
}

// NewSim creates an empty simulated platform.
func NewSim() *Sim {
	return &Sim{
		maps:     btree.NewG(16, lessMapping),
		next:     simTop,
		disabled: make(map[int]bool),
	}
}

// Name implements Platform.Name.
func (*Sim) Name() string { return "sim" }

// PageSize implements Platform.PageSize.
func (*Sim) PageSize() uintptr { return simPageSize }

// DisableDomain implements Platform.DisableDomain.
func (s *Sim) DisableDomain() {
	s.mu.Lock()
	s.disabled[ThreadID()] = true
	s.mu.Unlock()
}

// EnableDomain implements Platform.EnableDomain.
func (s *Sim) EnableDomain() {
	s.mu.Lock()
	delete(s.disabled, ThreadID())
	s.mu.Unlock()
}

// DomainEnabled implements Platform.DomainEnabled.
func (s *Sim) DomainEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled[ThreadID()]
}

// AssignDomain implements Platform.AssignDomain. The range must be covered
// by a single mapping.
func (s *Sim) AssignDomain(addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.containing(addr)
	if !ok || addr+size > m.end() {
		return fmt.Errorf("assign %#x+%#x: %w", addr, size, ErrNotMapped)
	}
	m.domain = true
	s.maps.ReplaceOrInsert(m)
	return nil
}

// Reserve implements Platform.Reserve.
func (s *Sim) Reserve(size uintptr) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, err := s.allocate(size)
	if err != nil {
		return 0, err
	}
	s.maps.ReplaceOrInsert(mapping{addr: addr, size: RoundUp(size, simPageSize), prot: ProtNone})
	return addr, nil
}

// MapFixed implements Platform.MapFixed.
func (s *Sim) MapFixed(addr, size uintptr, prot Prot) error {
	if addr%simPageSize != 0 || size == 0 {
		return fmt.Errorf("map %#x+%#x: invalid range", addr, size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	size = RoundUp(size, simPageSize)
	if s.overlaps(addr, addr+size) {
		return fmt.Errorf("map %#x+%#x: %w", addr, size, ErrReserved)
	}
	s.maps.ReplaceOrInsert(mapping{addr: addr, size: size, prot: prot})
	return nil
}

// MapGrowable implements Platform.MapGrowable.
func (s *Sim) MapGrowable(hint, size uintptr) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size = RoundUp(size, simPageSize)
	addr := hint
	if hint == 0 || hint%simPageSize != 0 || s.overlaps(hint, hint+size) {
		var err error
		if addr, err = s.allocate(size); err != nil {
			return 0, err
		}
	}
	s.maps.ReplaceOrInsert(mapping{addr: addr, size: size, prot: ProtReadWrite, growsDown: true})
	return addr, nil
}

// Unmap implements Platform.Unmap. Only whole mappings can be removed.
func (s *Sim) Unmap(addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps.Get(mapping{addr: addr})
	if !ok || m.size != RoundUp(size, simPageSize) {
		return fmt.Errorf("unmap %#x+%#x: %w", addr, size, ErrNotMapped)
	}
	s.maps.Delete(m)
	return nil
}

// Touch implements Platform.Touch.
func (s *Sim) Touch(addr uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.containing(addr); ok {
		switch {
		case m.prot == ProtNone:
			return fmt.Errorf("touch %#x: inaccessible mapping at %#x: %w", addr, m.addr, ErrFault)
		case m.domain && s.disabled[ThreadID()]:
			return fmt.Errorf("touch %#x: protection domain disabled: %w", addr, ErrFault)
		}
		return nil
	}

	// Grow the nearest grows-down mapping above addr by one page.
	var above mapping
	found := false
	s.maps.AscendGreaterOrEqual(mapping{addr: addr}, func(m mapping) bool {
		above, found = m, true
		return false
	})
	if !found || !above.growsDown || addr < above.addr-simPageSize {
		return fmt.Errorf("touch %#x: unmapped: %w", addr, ErrFault)
	}
	page := above.addr - simPageSize
	if s.overlaps(page, above.addr) {
		return fmt.Errorf("touch %#x: growth blocked: %w", addr, ErrFault)
	}
	s.maps.Delete(above)
	above.addr, above.size = page, above.size+simPageSize
	s.maps.ReplaceOrInsert(above)
	return nil
}

// Mapped reports the mapping containing addr, if any.
func (s *Sim) Mapped(addr uintptr) (start, size uintptr, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.containing(addr)
	return m.addr, m.size, ok
}

// DisabledThreads returns the number of threads whose domain is disabled.
func (s *Sim) DisabledThreads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.disabled)
}

// Len returns the number of mappings.
func (s *Sim) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maps.Len()
}

// containing returns the mapping containing addr. Requires s.mu.
func (s *Sim) containing(addr uintptr) (mapping, bool) {
	var out mapping
	found := false
	s.maps.DescendLessOrEqual(mapping{addr: addr}, func(m mapping) bool {
		out, found = m, addr < m.end()
		return false
	})
	return out, found
}

// overlaps reports whether [start, end) intersects a mapping. Requires s.mu.
func (s *Sim) overlaps(start, end uintptr) bool {
	if _, ok := s.containing(start); ok {
		return true
	}
	hit := false
	s.maps.AscendGreaterOrEqual(mapping{addr: start}, func(m mapping) bool {
		hit = m.addr < end
		return false
	})
	return hit
}

// allocate picks a free range of size bytes below every address handed out
// so far. Requires s.mu.
func (s *Sim) allocate(size uintptr) (uintptr, error) {
	size = RoundUp(size, simPageSize)
	for s.next >= size {
		addr := s.next - size
		s.next = addr
		if !s.overlaps(addr, addr+size) {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("allocate %#x bytes: address space exhausted", size)
}
