// Package cuda implements the fluxgraph backend for the mainstream GPU graph API.
//
// Execution graphs are captured into hardware graphs at Commit: kernel nodes, an event-record
// node per gated communication request and a chain of host-function nodes for the waits. Run
// refreshes the stale kernel nodes in place and launches the instantiated graph, while the host
// starts and waits for the communication requests.
//
// Queues are bound to in-order streams, with device-side dependency tracking.
//
// Options (see package config): device_id, precision, mpi_type ("standard" or "aware", also
// accepted as "cuda-aware"), alignment, memory_limit, parallelism, cache_dir, disable_cache,
// compiler_flags and sparse_max_nnz.
package cuda

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/internal/backendbase"
	"github.com/gomlx/fluxgraph/backends/internal/device"
	"github.com/gomlx/fluxgraph/backends/internal/hwgraph"
	"github.com/gomlx/fluxgraph/backends/internal/queuebase"
	"github.com/gomlx/fluxgraph/pkg/support/config"
)

// BackendName to be used in FLUXGRAPH_BACKEND to specify this backend.
const BackendName = "cuda"

// Registers New() as the constructor for the "cuda" backend.
func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend for the GPU graph API.
type Backend struct {
	*backendbase.Backend
	numStreams atomic.Int32
}

// Compile-time check that cuda.Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// New creates a cuda backend from the configuration "key=value,...".
func New(configuration string) (backends.Backend, error) {
	opts, err := config.Parse(BackendName, configuration)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(opts), nil
}

// NewWithOptions creates a cuda backend with the given options.
func NewWithOptions(opts config.Options) *Backend {
	// Host-function nodes hold a worker while blocked.
	if opts.Parallelism == 0 {
		opts.Parallelism = 1
	}
	caps := backends.Capabilities{
		ConcurrentNodes:     opts.Parallelism < 0 || opts.Parallelism >= 2,
		FineGrainedQueue:    true,
		DeviceAwareExchange: opts.MPIType == config.MPIAware,
		DTypes:              backendbase.FloatDTypes(),
	}
	return &Backend{
		Backend: backendbase.New(BackendName, "GPU graph backend (emulated)", caps, opts),
	}
}

// NewQueue implements backends.Backend: each queue gets its own stream.
func (b *Backend) NewQueue() backends.Queue {
	n := b.numStreams.Add(1)
	stream := device.NewStream(b.Arena(), fmt.Sprintf("%s/stream-%d", b.Arena().Name(), n))
	b.OnFinalize(stream.Close)
	return queuebase.New(queuebase.StreamExecutor{Stream: stream}, true)
}

// NewGraph implements backends.Backend.
func (b *Backend) NewGraph() backends.Graph {
	return hwgraph.NewGraph(BackendName, b.Arena(), b.Pool())
}
