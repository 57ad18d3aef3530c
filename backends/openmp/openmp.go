// Package openmp implements the fluxgraph backend for the host multicore runtime.
//
// Graphs are compiled into run-lists: segments of kernels executed in declaration order, with
// communication started and waited between segments. Device memory is host memory, so
// exchange buffers are always device-aware.
package openmp

import (
	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/internal/backendbase"
	"github.com/gomlx/fluxgraph/backends/internal/queuebase"
	"github.com/gomlx/fluxgraph/backends/internal/runlist"
	"github.com/gomlx/fluxgraph/pkg/support/config"
)

// BackendName to be used in FLUXGRAPH_BACKEND to specify this backend.
const BackendName = "openmp"

func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend.
type Backend struct {
	*backendbase.Backend
}

var _ backends.Backend = (*Backend)(nil)

// New creates an openmp backend from the configuration "key=value,...".
// The mpi_type option is accepted but ignored.
func New(configuration string) (backends.Backend, error) {
	opts, err := config.Parse(BackendName, configuration)
	if err != nil {
		return nil, err
	}
	opts.MPIType = config.MPIAware
	caps := backends.Capabilities{
		DeviceAwareExchange: true,
		DTypes:              backendbase.FloatDTypes(),
	}
	return &Backend{Backend: backendbase.New(BackendName, "Host multicore backend", caps, opts)}, nil
}

// NewQueue implements backends.Backend. Kernels execute synchronously as they are dispatched.
func (b *Backend) NewQueue() backends.Queue {
	return queuebase.New(&queuebase.InlineExecutor{Device: b.Arena()}, false)
}

// NewGraph implements backends.Backend.
func (b *Backend) NewGraph() backends.Graph {
	return runlist.NewGraph(BackendName, &queuebase.InlineExecutor{Device: b.Arena()})
}
