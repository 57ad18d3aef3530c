// Package opencl implements the fluxgraph backend for the event-driven accelerator API.
//
// Kernels are enqueued on an out-of-order command queue, each with the wait list of the events
// of its dependencies. Wait nodes become user events the host completes once their requests
// finished. Exchange buffers always have a separate host shadow: device-aware transports are
// not supported.
package opencl

import (
	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/internal/backendbase"
	"github.com/gomlx/fluxgraph/backends/internal/device"
	"github.com/gomlx/fluxgraph/backends/internal/queuebase"
	"github.com/gomlx/fluxgraph/pkg/support/config"
	"github.com/pkg/errors"
)

// BackendName to be used in FLUXGRAPH_BACKEND to specify this backend.
const BackendName = "opencl"

func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend.
type Backend struct {
	*backendbase.Backend
}

var _ backends.Backend = (*Backend)(nil)

// New creates an opencl backend from the configuration "key=value,...".
func New(configuration string) (backends.Backend, error) {
	opts, err := config.Parse(BackendName, configuration)
	if err != nil {
		return nil, err
	}
	if opts.MPIType == config.MPIAware {
		return nil, errors.Errorf("backend %q doesn't support mpi_type=%q", BackendName, config.MPIAware)
	}
	caps := backends.Capabilities{
		ConcurrentNodes:  opts.Parallelism < 0 || opts.Parallelism >= 2,
		FineGrainedQueue: true,
		DTypes:           backendbase.FloatDTypes(),
	}
	return &Backend{Backend: backendbase.New(BackendName, "Event queue accelerator backend (emulated)", caps, opts)}, nil
}

// NewQueue implements backends.Backend. Its operations are chained on their events, so they
// execute in submission order.
func (b *Backend) NewQueue() backends.Queue {
	return queuebase.New(&queuebase.EventExecutor{Queue: device.NewEventQueue(b.Arena(), b.Pool())}, true)
}

// NewGraph implements backends.Backend.
func (b *Backend) NewGraph() backends.Graph {
	return newGraph(b)
}
