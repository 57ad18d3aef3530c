package backends

import (
	"maps"

	"github.com/gomlx/gopjrt/dtypes"
)

// Capabilities holds what a backend supports and how its plans behave.
type Capabilities struct {
	// ConcurrentNodes is true if graph nodes with no path between them may execute concurrently.
	// Backends with coarse run-lists execute them in declaration order instead, which is also
	// a valid order.
	ConcurrentNodes bool

	// FineGrainedQueue is true if the backend queue tracks device-side dependencies, in which
	// case waiting on communication doesn't join the compute submitted before it.
	FineGrainedQueue bool

	// DeviceAwareExchange is true if exchange matrices alias their host shadow to device memory.
	DeviceAwareExchange bool

	// DTypes lists the data types supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	c2 := c
	c2.DTypes = make(map[dtypes.DType]bool, len(c.DTypes))
	maps.Copy(c2.DTypes, c.DTypes)
	return c2
}
