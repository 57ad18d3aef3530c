package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Slice is a (ra:rb, ca:cb) view into a single-block parent matrix.
// It is never allocated itself: its address is derived from the parent's every time it is resolved.
type Slice struct {
	parent         *Matrix
	ra, rb, ca, cb int
}

var _ Operand = (*Slice)(nil)

// NewSlice returns the view of rows [ra, rb) and columns [ca, cb) of parent.
func NewSlice(parent *Matrix, ra, rb, ca, cb int) (*Slice, error) {
	if parent.NBlocks() != 1 {
		return nil, errors.Errorf("cannot slice %s: slices of blocked matrices are not supported", parent)
	}
	if ra < 0 || rb > parent.NRow() || ra >= rb || ca < 0 || cb > parent.NCol() || ca >= cb {
		return nil, errors.Errorf("invalid slice [%d:%d, %d:%d] of %s", ra, rb, ca, cb, parent)
	}
	return &Slice{parent: parent, ra: ra, rb: rb, ca: ca, cb: cb}, nil
}

// Parent matrix of the slice.
func (s *Slice) Parent() *Matrix { return s.parent }

func (s *Slice) DType() dtypes.DType { return s.parent.DType() }
func (s *Slice) NBlocks() int        { return 1 }
func (s *Slice) NRow() int           { return s.rb - s.ra }
func (s *Slice) NCol() int           { return s.cb - s.ca }
func (s *Slice) LeadDim() int        { return s.parent.LeadDim() }
func (s *Slice) Device() Device      { return s.parent.Device() }

// Offset in bytes of the slice within the parent's extent.
func (s *Slice) Offset() int {
	return s.parent.Offset() + (s.ra*s.parent.LeadDim()+s.ca)*s.parent.ItemSize()
}

// Addr of the first element of the slice.
func (s *Slice) Addr() Addr {
	return s.parent.Addr() + Addr((s.ra*s.parent.LeadDim()+s.ca)*s.parent.ItemSize())
}

// GetBytes copies the contents of the slice to the host, packed row-major.
func (s *Slice) GetBytes() ([]byte, error) {
	if !s.parent.IsAllocated() {
		return nil, errors.Errorf("parent %s of slice is not allocated", s.parent)
	}
	return readRegion(s.Device(), s.Addr(), s.NRow(), s.NCol(), s.LeadDim(), s.parent.ItemSize())
}

// SetBytes copies packed row-major data into the slice.
func (s *Slice) SetBytes(data []byte) error {
	if !s.parent.IsAllocated() {
		return errors.Errorf("parent %s of slice is not allocated", s.parent)
	}
	return writeRegion(s.Device(), s.Addr(), s.NRow(), s.NCol(), s.LeadDim(), s.parent.ItemSize(), data)
}

// String implements fmt.Stringer.
func (s *Slice) String() string {
	return fmt.Sprintf("%s[%d:%d, %d:%d]", s.parent, s.ra, s.rb, s.ca, s.cb)
}

// Bank is an ordered set of interchangeable matrices (same layout) with one active member.
//
// Kernels bound to a bank resolve to the active member's address at launch time, so swapping
// the active member makes previously captured kernel arguments stale.
type Bank struct {
	members []*Matrix
	active  atomic.Int32
	version atomic.Uint64
}

var _ Operand = (*Bank)(nil)

// NewBank creates a bank over members, with the first one active.
func NewBank(members ...*Matrix) (*Bank, error) {
	if len(members) == 0 {
		return nil, errors.New("a bank needs at least one member")
	}
	traits := TraitsOf(members[0])
	for i, m := range members[1:] {
		if TraitsOf(m) != traits {
			return nil, errors.Errorf("bank member #%d %s is incompatible with member #0 %s", i+1, m, members[0])
		}
	}
	return &Bank{members: members}, nil
}

// Len returns the number of members.
func (b *Bank) Len() int { return len(b.members) }

// Member returns the i-th member.
func (b *Bank) Member(i int) *Matrix { return b.members[i] }

// Active returns the index of the active member.
func (b *Bank) Active() int { return int(b.active.Load()) }

// ActiveMatrix returns the active member.
func (b *Bank) ActiveMatrix() *Matrix { return b.members[b.Active()] }

// SetActive makes the i-th member active. Setting the already active member is a no-op.
func (b *Bank) SetActive(i int) {
	if i < 0 || i >= len(b.members) {
		exceptions.Panicf("bank has %d members, cannot activate member #%d", len(b.members), i)
	}
	if int(b.active.Swap(int32(i))) != i {
		b.version.Add(1)
	}
}

// Version is incremented every time the active member changes.
func (b *Bank) Version() uint64 { return b.version.Load() }

func (b *Bank) DType() dtypes.DType { return b.members[0].DType() }
func (b *Bank) NBlocks() int        { return b.members[0].NBlocks() }
func (b *Bank) NRow() int           { return b.members[0].NRow() }
func (b *Bank) NCol() int           { return b.members[0].NCol() }
func (b *Bank) LeadDim() int        { return b.members[0].LeadDim() }
func (b *Bank) Device() Device      { return b.ActiveMatrix().Device() }
func (b *Bank) Addr() Addr          { return b.ActiveMatrix().Addr() }

// String implements fmt.Stringer.
func (b *Bank) String() string {
	return fmt.Sprintf("Bank[%d x %s, active=%d]", len(b.members), b.members[0], b.Active())
}

// XchgMatrix is a device matrix paired with a host shadow of identical (unpadded) shape,
// used to stage data crossing process boundaries.
//
// If the transport is device-aware the host shadow aliases the device bytes, otherwise it is
// a separate host buffer kept in sync with explicit copies.
type XchgMatrix struct {
	*Matrix
	aware bool
	host  []byte
}

var _ Allocatable = (*XchgMatrix)(nil)

// NewXchgMatrix returns an unallocated exchange matrix of shape (nrow, ncol).
func NewXchgMatrix(dtype dtypes.DType, nrow, ncol int, aware bool) (*XchgMatrix, error) {
	m, err := NewMatrix(dtype, []int{nrow, ncol}, 0)
	if err != nil {
		return nil, err
	}
	return &XchgMatrix{Matrix: m, aware: aware}, nil
}

func (x *XchgMatrix) bind(dev Device, base Addr, offset int) error {
	if err := x.Matrix.bind(dev, base, offset); err != nil {
		return err
	}
	if !x.aware {
		x.host = make([]byte, x.NBytes())
		return nil
	}
	host, err := dev.Resolve(x.Addr(), x.NBytes())
	if err != nil {
		return errors.WithMessagef(err, "failed to alias host shadow of %s", x)
	}
	x.host = host
	return nil
}

func (x *XchgMatrix) unbind() {
	x.Matrix.unbind()
	x.host = nil
}

// Aware reports whether the host shadow aliases the device buffer.
func (x *XchgMatrix) Aware() bool { return x.aware }

// HostData is the host shadow. It is nil until the matrix is allocated.
func (x *XchgMatrix) HostData() []byte { return x.host }

// CopyToHost synchronously copies the device buffer into the host shadow. A no-op if aware.
func (x *XchgMatrix) CopyToHost() error {
	if x.aware {
		return nil
	}
	src, err := x.dev.Resolve(x.Addr(), x.NBytes())
	if err != nil {
		return err
	}
	copy(x.host, src)
	return nil
}

// CopyToDevice synchronously copies the host shadow into the device buffer. A no-op if aware.
func (x *XchgMatrix) CopyToDevice() error {
	if x.aware {
		return nil
	}
	dst, err := x.dev.Resolve(x.Addr(), x.NBytes())
	if err != nil {
		return err
	}
	copy(dst, x.host)
	return nil
}

// String implements fmt.Stringer.
func (x *XchgMatrix) String() string {
	return fmt.Sprintf("Xchg%s", x.Matrix)
}
