// Package hip implements the fluxgraph backend for the second GPU vendor's graph API.
//
// It follows the same model as the cuda backend: graphs become hardware graphs with
// event-record and host-function nodes, and queues are in-order streams.
package hip

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
const BackendName = "hip"

func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend.
type Backend struct {
	*backendbase.Backend
	numStreams atomic.Int32
}

var _ backends.Backend = (*Backend)(nil)

// New creates a hip backend from the configuration "key=value,...".
func New(configuration string) (backends.Backend, error) {
	opts, err := config.Parse(BackendName, configuration)
	if err != nil {
		return nil, err
	}
	if opts.Parallelism == 0 {
		opts.Parallelism = 1
	}
	caps := backends.Capabilities{
		ConcurrentNodes:     opts.Parallelism < 0 || opts.Parallelism >= 2,
		FineGrainedQueue:    true,
		DeviceAwareExchange: opts.MPIType == config.MPIAware,
		DTypes:              backendbase.FloatDTypes(),
	}
	return &Backend{Backend: backendbase.New(BackendName, "HIP graph backend (emulated)", caps, opts)}, nil
}

// NewQueue implements backends.Backend.
func (b *Backend) NewQueue() backends.Queue {
	n := b.numStreams.Add(1)
	stream := device.NewStream(b.Arena(), fmt.Sprintf("%s/hipstream-%d", b.Arena().Name(), n))
	b.OnFinalize(stream.Close)
	return queuebase.New(queuebase.StreamExecutor{Stream: stream}, true)
}

// NewGraph implements backends.Backend.
func (b *Backend) NewGraph() backends.Graph {
	return hwgraph.NewGraph(BackendName, b.Arena(), b.Pool())
}
