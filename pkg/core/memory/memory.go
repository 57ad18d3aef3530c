// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory models the device-resident data the execution graphs operate on:
// matrices carved out of larger allocations (extents), sub-views (slices) into them,
// banks of interchangeable matrices with one active member, and exchange matrices paired
// with a host shadow used to stage data crossing process boundaries.
//
// Kernels never hold device bytes directly: they bind the device address of an Operand
// when they are launched, which is what allows graphs to detect and refresh stale arguments
// when a Bank swaps its active member.
package memory

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Addr is an address in a device address space.
type Addr uint64

// ErrResourceExhausted is returned (wrapped) when a device cannot satisfy an allocation.
// Allocation failures are never degraded: callers get the error at allocation time.
var ErrResourceExhausted = errors.New("device memory exhausted")

// Device is the allocation and addressing interface of a backend's device.
type Device interface {
	// Name of the device, used for logging.
	Name() string

	// Alignment in bytes of allocations and of the objects carved out of them.
	Alignment() int

	// Malloc allocates nbytes of zero-initialized device memory.
	// It returns an error wrapping ErrResourceExhausted if the device is out of memory.
	Malloc(nbytes int) (Addr, error)

	// Free releases the allocation starting at addr.
	Free(addr Addr) error

	// Resolve returns the device bytes [addr, addr+nbytes).
	// The range must be fully contained in one allocation.
	Resolve(addr Addr, nbytes int) ([]byte, error)
}

// Operand is anything a kernel can bind as a device pointer argument: matrices, slices and banks.
type Operand interface {
	DType() dtypes.DType
	NBlocks() int
	NRow() int
	NCol() int
	LeadDim() int

	// Addr is the device address of the first element. It is resolved each time it is called:
	// for slices it derives from the parent, for banks from the active member.
	Addr() Addr

	// Device that holds the operand.
	Device() Device
}

// Traits summarizes the layout of an operand: two operands with equal traits can be
// combined element-wise by a kernel.
type Traits struct {
	DType                         dtypes.DType
	NBlocks, NRow, NCol, LeadDim int
}

// TraitsOf returns the layout traits of the operand.
func TraitsOf(o Operand) Traits {
	return Traits{DType: o.DType(), NBlocks: o.NBlocks(), NRow: o.NRow(), NCol: o.NCol(), LeadDim: o.LeadDim()}
}

// ItemSize returns the size in bytes of one element of the dtype.
func ItemSize(dtype dtypes.DType) int {
	return int(dtype.Memory())
}

// Fingerprint hashes the current device addresses of the operands.
// Two fingerprints differ if any operand now resolves to a different address,
// for instance because a Bank swapped its active member.
func Fingerprint(ops ...Operand) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, op := range ops {
		binary.LittleEndian.PutUint64(buf[:], uint64(op.Addr()))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// spanBytes is the number of bytes from the first to the one past the last element of a
// strided 2D region.
func spanBytes(rows, ncol, leaddim, itemSize int) int {
	if rows == 0 || ncol == 0 {
		return 0
	}
	return ((rows-1)*leaddim + ncol) * itemSize
}

// readRegion copies a strided region of device memory into a packed row-major buffer.
func readRegion(dev Device, addr Addr, rows, ncol, leaddim, itemSize int) ([]byte, error) {
	src, err := dev.Resolve(addr, spanBytes(rows, ncol, leaddim, itemSize))
	if err != nil {
		return nil, err
	}
	rowBytes, strideBytes := ncol*itemSize, leaddim*itemSize
	dst := make([]byte, rows*rowBytes)
	for r := range rows {
		copy(dst[r*rowBytes:(r+1)*rowBytes], src[r*strideBytes:r*strideBytes+rowBytes])
	}
	return dst, nil
}

// writeRegion copies a packed row-major buffer into a strided region of device memory.
// Padding elements are left untouched.
func writeRegion(dev Device, addr Addr, rows, ncol, leaddim, itemSize int, src []byte) error {
	rowBytes, strideBytes := ncol*itemSize, leaddim*itemSize
	if len(src) != rows*rowBytes {
		return errors.Errorf("data has %d bytes, but the region holds %d rows x %d columns x %d bytes = %d bytes",
			len(src), rows, ncol, itemSize, rows*rowBytes)
	}
	dst, err := dev.Resolve(addr, spanBytes(rows, ncol, leaddim, itemSize))
	if err != nil {
		return err
	}
	for r := range rows {
		copy(dst[r*strideBytes:r*strideBytes+rowBytes], src[r*rowBytes:(r+1)*rowBytes])
	}
	return nil
}
