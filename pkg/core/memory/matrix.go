package memory

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fluxgraph/pkg/support/sets"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tags understood by the memory model and the kernel providers.
const (
	// TagConst marks a matrix whose contents never change after initialization.
	TagConst = "const"

	// TagAlign pads the leading dimension so every row starts at an aligned address.
	TagAlign = "align"

	// TagDense marks an operator that should not be treated as sparse.
	TagDense = "dense"
)

// Matrix is a device-resident 2D array (optionally stacked in blocks), carved out of an
// allocation (its extent) at some byte offset.
//
// The device layout is (nblocks, nrow, leaddim) row-major, where leaddim >= ncol is the
// padded leading dimension. The logical layout used by Get/Set is (nblocks, nrow, ncol).
type Matrix struct {
	dtype                        dtypes.DType
	ioshape                      []int
	nblocks, nrow, ncol, leaddim int
	tags                         sets.Set[string]

	// initval is applied on allocation, in logical layout.
	initval []byte

	dev    Device
	base   Addr
	offset int
}

// Allocatable is implemented by the objects that Allocate can carve out of a single allocation.
type Allocatable interface {
	NBytes() int
	IsAllocated() bool
	bind(dev Device, base Addr, offset int) error

	// unbind undoes bind, restoring the initial value.
	unbind()

	// settle drops what unbind needs, once the whole extent is bound.
	settle()
}

var _ Operand = (*Matrix)(nil)
var _ Allocatable = (*Matrix)(nil)

// NewMatrix returns an unallocated matrix. Use Allocate (or the backend) to give it device memory.
//
// The ioshape is either (nrow, ncol) or (nblocks, nrow, ncol). If tags include TagAlign, the
// leading dimension is padded to a multiple of alignment bytes.
func NewMatrix(dtype dtypes.DType, ioshape []int, alignment int, tags ...string) (*Matrix, error) {
	itemSize := ItemSize(dtype)
	if itemSize <= 0 {
		return nil, errors.Errorf("unsupported matrix dtype %s", dtype)
	}
	m := &Matrix{
		dtype:   dtype,
		ioshape: slices.Clone(ioshape),
		nblocks: 1,
		tags:    sets.MakeWith(tags...),
	}
	switch len(ioshape) {
	case 2:
		m.nrow, m.ncol = ioshape[0], ioshape[1]
	case 3:
		m.nblocks, m.nrow, m.ncol = ioshape[0], ioshape[1], ioshape[2]
	default:
		return nil, errors.Errorf("matrix ioshape must have 2 or 3 dimensions, got %v", ioshape)
	}
	if m.nblocks <= 0 || m.nrow <= 0 || m.ncol <= 0 {
		return nil, errors.Errorf("matrix ioshape dimensions must be positive, got %v", ioshape)
	}
	m.leaddim = m.ncol
	if m.tags.Has(TagAlign) && alignment > itemSize {
		if alignment%itemSize != 0 {
			return nil, errors.Errorf("alignment %d is not a multiple of the %s item size %d", alignment, dtype, itemSize)
		}
		soa := alignment / itemSize
		m.leaddim = (m.ncol + soa - 1) / soa * soa
	}
	return m, nil
}

// SetInitialBytes sets the initial contents (in logical layout) to be written when the matrix
// is allocated. If it is already allocated the contents are written immediately.
func (m *Matrix) SetInitialBytes(data []byte) error {
	if want := m.logicalBytes(); len(data) != want {
		return errors.Errorf("initial value has %d bytes, matrix %s needs %d", len(data), m, want)
	}
	if m.IsAllocated() {
		return m.SetBytes(data)
	}
	m.initval = slices.Clone(data)
	return nil
}

// InitialBytes returns the contents of the matrix in logical layout without touching the device
// if it isn't allocated yet: it returns the pending initial value (nil if none was set).
// Providers use it to inspect constant operators at kernel construction time.
func (m *Matrix) InitialBytes() ([]byte, error) {
	if !m.IsAllocated() {
		return m.initval, nil
	}
	return m.GetBytes()
}

func (m *Matrix) bind(dev Device, base Addr, offset int) error {
	if m.IsAllocated() {
		return errors.Errorf("matrix %s is already allocated", m)
	}
	m.dev, m.base, m.offset = dev, base, offset
	if m.initval != nil {
		if err := m.SetBytes(m.initval); err != nil {
			return errors.WithMessagef(err, "failed to set initial value of %s", m)
		}
	}
	return nil
}

func (m *Matrix) unbind() {
	m.dev, m.base, m.offset = nil, 0, 0
}

func (m *Matrix) settle() {
	m.initval = nil
}

// IsAllocated returns whether the matrix has been given device memory.
func (m *Matrix) IsAllocated() bool { return m.dev != nil }

// DType of the elements.
func (m *Matrix) DType() dtypes.DType { return m.dtype }

// IOShape is the shape the matrix was created with.
func (m *Matrix) IOShape() []int { return slices.Clone(m.ioshape) }

// NBlocks is the number of stacked blocks.
func (m *Matrix) NBlocks() int { return m.nblocks }

// NRow is the number of rows per block.
func (m *Matrix) NRow() int { return m.nrow }

// NCol is the number of logical columns.
func (m *Matrix) NCol() int { return m.ncol }

// LeadDim is the padded leading dimension, in elements.
func (m *Matrix) LeadDim() int { return m.leaddim }

// Tags of the matrix.
func (m *Matrix) Tags() sets.Set[string] { return m.tags }

// HasTag returns whether the matrix was created with the tag.
func (m *Matrix) HasTag(tag string) bool { return m.tags.Has(tag) }

// ItemSize is the size in bytes of one element.
func (m *Matrix) ItemSize() int { return ItemSize(m.dtype) }

// NBytes is the device footprint: nrow * leaddim * itemsize * nblocks.
func (m *Matrix) NBytes() int { return m.nrow * m.leaddim * m.ItemSize() * m.nblocks }

func (m *Matrix) logicalBytes() int { return m.nrow * m.ncol * m.ItemSize() * m.nblocks }

// Offset in bytes of the matrix within its extent.
func (m *Matrix) Offset() int { return m.offset }

// Device holding the matrix, nil if not allocated.
func (m *Matrix) Device() Device { return m.dev }

// Addr returns the device address of the first element.
// It panics if the matrix is not allocated.
func (m *Matrix) Addr() Addr {
	if !m.IsAllocated() {
		exceptions.Panicf("matrix %s used before being allocated", m)
	}
	return m.base + Addr(m.offset)
}

// GetBytes copies the contents of the matrix to the host, in logical layout.
func (m *Matrix) GetBytes() ([]byte, error) {
	if !m.IsAllocated() {
		return nil, errors.Errorf("matrix %s is not allocated", m)
	}
	return readRegion(m.dev, m.Addr(), m.nblocks*m.nrow, m.ncol, m.leaddim, m.ItemSize())
}

// SetBytes copies data, in logical layout, into the matrix.
func (m *Matrix) SetBytes(data []byte) error {
	if !m.IsAllocated() {
		return errors.Errorf("matrix %s is not allocated", m)
	}
	return writeRegion(m.dev, m.Addr(), m.nblocks*m.nrow, m.ncol, m.leaddim, m.ItemSize(), data)
}

// String implements fmt.Stringer.
func (m *Matrix) String() string {
	return fmt.Sprintf("Matrix[%s%v, leaddim=%d]", m.dtype, m.ioshape, m.leaddim)
}
