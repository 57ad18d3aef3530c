package memory

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Allocate carves all objs out of one device allocation (an extent). Each object starts at an
// offset aligned to the device alignment, and offset + NBytes never exceeds the extent size.
//
// Allocation failures (including ErrResourceExhausted) are returned to the caller unchanged in
// kind: they are never silently degraded. If any object fails to bind, none of objs is left
// allocated and the extent is released.
func Allocate(dev Device, objs ...Allocatable) error {
	if len(objs) == 0 {
		return nil
	}
	alignment := max(dev.Alignment(), 1)
	offsets := make([]int, len(objs))
	total := 0
	for i, obj := range objs {
		if obj.IsAllocated() {
			return errors.Errorf("object #%d is already allocated", i)
		}
		offsets[i] = total
		total += (obj.NBytes() + alignment - 1) / alignment * alignment
	}
	base, err := dev.Malloc(total)
	if err != nil {
		return errors.WithMessagef(err, "failed to allocate an extent of %s for %d objects on %s",
			humanize.IBytes(uint64(total)), len(objs), dev.Name())
	}
	klog.V(2).Infof("%s: allocated extent of %s at 0x%x for %d objects", dev.Name(), humanize.IBytes(uint64(total)), base, len(objs))
	for i, obj := range objs {
		if err := obj.bind(dev, base, offsets[i]); err != nil {
			for _, bound := range objs[:i+1] {
				bound.unbind()
			}
			if freeErr := dev.Free(base); freeErr != nil {
				klog.Warningf("%s: failed to release extent at 0x%x: %v", dev.Name(), base, freeErr)
			}
			return errors.WithMessagef(err, "failed to bind object #%d of extent", i)
		}
	}
	for _, obj := range objs {
		obj.settle()
	}
	return nil
}

// BytesReader is implemented by operands that can be read back to the host in logical layout.
type BytesReader interface {
	DType() dtypes.DType
	GetBytes() ([]byte, error)
}

// BytesWriter is implemented by operands that can be written from the host in logical layout.
type BytesWriter interface {
	DType() dtypes.DType
	SetBytes(data []byte) error
}

// Get copies the contents of src to a new flat slice of type T, in logical layout.
// T must match the dtype of src.
func Get[T dtypes.Supported](src BytesReader) ([]T, error) {
	if want := dtypes.FromGenericsType[T](); want != src.DType() {
		return nil, errors.Errorf("cannot read %s data as %s", src.DType(), want)
	}
	data, err := src.GetBytes()
	if err != nil {
		return nil, err
	}
	return FromBytes[T](data), nil
}

// Set copies flat, in logical layout, into dst. T must match the dtype of dst.
func Set[T dtypes.Supported](dst BytesWriter, flat []T) error {
	if want := dtypes.FromGenericsType[T](); want != dst.DType() {
		return errors.Errorf("cannot write %s data into %s", want, dst.DType())
	}
	return dst.SetBytes(AsBytes(flat))
}

// SetInitial is the typed version of Matrix.SetInitialBytes.
func SetInitial[T dtypes.Supported](m *Matrix, flat []T) error {
	if want := dtypes.FromGenericsType[T](); want != m.DType() {
		return errors.Errorf("cannot initialize %s with %s data", m, want)
	}
	return m.SetInitialBytes(AsBytes(flat))
}

// AsBytes reinterprets a flat slice as its bytes, without copying.
func AsBytes[T any](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(zero)))
}

// FromBytes reinterprets bytes as a flat slice of T, without copying.
// Trailing bytes that don't fill a whole element are ignored.
func FromBytes[T any](data []byte) []T {
	var zero T
	n := len(data) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n)
}
