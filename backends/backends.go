// Package backends defines the interface every fluxgraph backend implements: the composition
// root that owns the device, constructs memory objects, queues, execution graphs and kernels.
//
// Backends register themselves (usually during package initialization) with Register, and
// applications create one with New or NewWithConfig, selecting it by name:
//
//	import _ "github.com/gomlx/fluxgraph/backends/default"
//
//	backend, err := backends.NewWithConfig("cuda:precision=single,mpi_type=aware")
//
// The contract of graphs and queues is the same for all backends, only the native plan behind
// Graph.Commit and Graph.Run differs.
package backends

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/fluxgraph/pkg/support/config"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Backend is the API implemented by each fluxgraph backend.
type Backend interface {
	// Name returns the short name of the backend, e.g. "cuda".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Capabilities of the backend.
	Capabilities() Capabilities

	// Options the backend was configured with.
	Options() config.Options

	// Device where the backend allocates memory objects.
	Device() memory.Device

	// Kernels is the cache used to build the backend's device functions.
	Kernels() *kernels.Cache

	// NewMatrix creates an unallocated matrix laid out with the backend alignment.
	// Use Allocate to give it device memory.
	NewMatrix(dtype dtypes.DType, ioshape []int, tags ...string) (*memory.Matrix, error)

	// NewXchgMatrix creates an unallocated exchange matrix, whose host shadow aliases the device
	// buffer if the backend's transport is device-aware.
	NewXchgMatrix(dtype dtypes.DType, nrow, ncol int) (*memory.XchgMatrix, error)

	// Allocate carves objs out of one device extent.
	Allocate(objs ...memory.Allocatable) error

	// NewQueue creates a queue bound to a new native execution stream.
	NewQueue() Queue

	// NewGraph creates an empty execution graph.
	NewGraph() Graph

	// KernelOps build kernels by dispatching to the backend's providers.
	KernelOps

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a constructor that takes as input a configuration
// string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the backend configuration used by New if the environment variable is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// FLUXGRAPH_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const FLUXGRAPH_BACKEND = "FLUXGRAPH_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment FLUXGRAPH_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	if config, found := os.LookupEnv(FLUXGRAPH_BACKEND); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig creates a backend from a configuration string.
//
// The format of config is "<backend_name>:<backend_configuration>", where the backend
// configuration is a comma-separated list of "key=value" options (see package config).
// If the backend name is omitted, the first registered backend is used.
func NewWithConfig(config string) (Backend, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.New(`no registered backends for fluxgraph -- maybe import the default ones with import _ "github.com/gomlx/fluxgraph/backends/default"?`)
	}
	backendName, backendConfig := firstRegistered, config
	if name, rest, found := strings.Cut(config, ":"); found {
		backendName, backendConfig = name, rest
	} else if _, isName := registeredConstructors[config]; isName {
		backendName, backendConfig = config, ""
	}
	constructor, found := registeredConstructors[backendName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends are %v",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q", backendName)
	}
	return backend, nil
}
