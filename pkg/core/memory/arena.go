package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// arenaBase is the first address handed out by an Arena. Address 0 is never valid.
const arenaBase Addr = 0x1000_0000

// Arena is a private device address space backed by host memory.
//
// Allocations get disjoint, aligned address ranges separated by a guard gap, so an access that
// runs past the end of an allocation fails to resolve instead of silently reading a neighbour.
// It is safe for concurrent use.
type Arena struct {
	name      string
	alignment int
	limit     uint64

	mu      sync.RWMutex
	regions []arenaRegion // Sorted by base.
	next    Addr
	used    uint64
}

type arenaRegion struct {
	base Addr
	data []byte
}

var _ Device = (*Arena)(nil)

// NewArena creates an address space. A limit of 0 means no limit on the number of bytes allocated.
func NewArena(name string, alignment int, limit uint64) *Arena {
	return &Arena{
		name:      name,
		alignment: max(alignment, 1),
		limit:     limit,
		next:      arenaBase,
	}
}

// Name implements Device.
func (a *Arena) Name() string { return a.name }

// Alignment implements Device.
func (a *Arena) Alignment() int { return a.alignment }

// Used returns the number of bytes currently allocated.
func (a *Arena) Used() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.used
}

func (a *Arena) alignUp(addr Addr) Addr {
	align := Addr(a.alignment)
	return (addr + align - 1) / align * align
}

// Malloc implements Device.
func (a *Arena) Malloc(nbytes int) (Addr, error) {
	if nbytes < 0 {
		return 0, errors.Errorf("%s: invalid allocation size %d", a.name, nbytes)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit > 0 && a.used+uint64(nbytes) > a.limit {
		return 0, errors.Wrapf(ErrResourceExhausted, "%s: cannot allocate %s, %s of %s in use",
			a.name, humanize.IBytes(uint64(nbytes)), humanize.IBytes(a.used), humanize.IBytes(a.limit))
	}
	base := a.alignUp(a.next)
	a.regions = append(a.regions, arenaRegion{base: base, data: make([]byte, nbytes)})
	a.next = base + Addr(nbytes) + Addr(a.alignment)
	a.used += uint64(nbytes)
	return base, nil
}

// Free releases the allocation starting at addr.
func (a *Arena) Free(addr Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, found := a.lockedFind(addr)
	if !found || a.regions[idx].base != addr {
		return errors.Errorf("%s: 0x%x is not the start of an allocation", a.name, addr)
	}
	a.used -= uint64(len(a.regions[idx].data))
	a.regions = append(a.regions[:idx], a.regions[idx+1:]...)
	return nil
}

// Reset frees every allocation.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regions = nil
	a.used = 0
}

// lockedFind returns the index of the region that may contain addr.
func (a *Arena) lockedFind(addr Addr) (int, bool) {
	idx := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].base > addr }) - 1
	return idx, idx >= 0
}

// Resolve implements Device.
func (a *Arena) Resolve(addr Addr, nbytes int) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	idx, found := a.lockedFind(addr)
	if found {
		r := a.regions[idx]
		start := int(addr - r.base)
		if nbytes >= 0 && start+nbytes <= len(r.data) {
			return r.data[start : start+nbytes : start+nbytes], nil
		}
	}
	return nil, errors.Errorf("%s: invalid device access of %d bytes at 0x%x", a.name, nbytes, addr)
}

// String implements fmt.Stringer.
func (a *Arena) String() string {
	return fmt.Sprintf("%s (%s allocated)", a.name, humanize.IBytes(a.Used()))
}
