// Package veo implements the fluxgraph backend for the remote vector coprocessor.
//
// Kernels are remote calls queued on the offload context of the coprocessor, executed in
// order. Graphs are compiled into run-lists like the openmp backend, but each segment is
// submitted asynchronously and only joined when communication must start after it.
package veo

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/internal/backendbase"
	"github.com/gomlx/fluxgraph/backends/internal/device"
	"github.com/gomlx/fluxgraph/backends/internal/queuebase"
	"github.com/gomlx/fluxgraph/backends/internal/runlist"
	"github.com/gomlx/fluxgraph/pkg/support/config"
	"github.com/pkg/errors"
)

// BackendName to be used in FLUXGRAPH_BACKEND to specify this backend.
const BackendName = "veo"

func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend.
type Backend struct {
	*backendbase.Backend
	numContexts atomic.Int32
}

var _ backends.Backend = (*Backend)(nil)

// New creates a veo backend from the configuration "key=value,...".
func New(configuration string) (backends.Backend, error) {
	opts, err := config.Parse(BackendName, configuration)
	if err != nil {
		return nil, err
	}
	if opts.MPIType == config.MPIAware {
		return nil, errors.Errorf("backend %q doesn't support mpi_type=%q", BackendName, config.MPIAware)
	}
	caps := backends.Capabilities{
		DTypes: backendbase.FloatDTypes(),
	}
	return &Backend{Backend: backendbase.New(BackendName, "Vector coprocessor offload backend (emulated)", caps, opts)}, nil
}

// context opens a new offload context on the coprocessor.
func (b *Backend) context() *device.Stream {
	n := b.numContexts.Add(1)
	ctx := device.NewStream(b.Arena(), fmt.Sprintf("%s/context-%d", b.Arena().Name(), n))
	b.OnFinalize(ctx.Close)
	return ctx
}

// NewQueue implements backends.Backend.
func (b *Backend) NewQueue() backends.Queue {
	return queuebase.New(queuebase.StreamExecutor{Stream: b.context()}, false)
}

// NewGraph implements backends.Backend.
func (b *Backend) NewGraph() backends.Graph {
	return runlist.NewGraph(BackendName, queuebase.StreamExecutor{Stream: b.context()})
}
