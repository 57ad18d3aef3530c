// Package backendbase implements the parts of backends.Backend shared by every backend: the
// emulated device, the kernel cache, memory object construction and kernel dispatch to the
// providers.
package backendbase

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/providers"
	"github.com/gomlx/fluxgraph/internal/workerspool"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/fluxgraph/pkg/support/config"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backend is embedded by the backend implementations, which add NewQueue and NewGraph.
type Backend struct {
	name, description string
	caps              backends.Capabilities
	opts              config.Options

	device    *memory.Arena
	cache     *kernels.Cache
	pool      *workerspool.Pool
	providers []any

	mu        sync.Mutex
	finalized bool
	closers   []func()
}

// New creates the shared part of a backend: an emulated device with the configured alignment
// and memory limit, and the process-wide kernel cache of the backend's compiler.
func New(name, description string, caps backends.Capabilities, opts config.Options) *Backend {
	b := &Backend{
		name:        name,
		description: description,
		caps:        caps,
		opts:        opts,
		device:      memory.NewArena(fmt.Sprintf("%s:%d", name, opts.DeviceID), opts.Alignment, opts.MemoryLimit),
		pool:        workerspool.NewWithParallelism(opts.Parallelism),
	}
	cacheDir := opts.CacheDir
	if opts.DisableCache {
		cacheDir = ""
	}
	b.cache = kernels.Shared(kernels.NewDeviceCompiler(name, opts.CompilerFlags, nil), cacheDir)
	b.providers = providers.New(providers.Env{
		Cache:        b.cache,
		Device:       b.device,
		SparseMaxNNZ: opts.SparseMaxNNZ,
	})
	limit := "unlimited"
	if opts.MemoryLimit > 0 {
		limit = humanize.IBytes(opts.MemoryLimit)
	}
	klog.V(1).Infof("backend %s created: device %d, precision %s, mpi_type %s, alignment %d, memory %s, parallelism %d",
		name, opts.DeviceID, opts.Precision, opts.MPIType, opts.Alignment, limit, opts.Parallelism)
	return b
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return b.name }

// Description implements backends.Backend.
func (b *Backend) Description() string { return b.description }

// Capabilities implements backends.Backend.
func (b *Backend) Capabilities() backends.Capabilities { return b.caps.Clone() }

// Options implements backends.Backend.
func (b *Backend) Options() config.Options { return b.opts }

// Device implements backends.Backend.
func (b *Backend) Device() memory.Device { return b.device }

// Arena returns the emulated device.
func (b *Backend) Arena() *memory.Arena { return b.device }

// Kernels implements backends.Backend.
func (b *Backend) Kernels() *kernels.Cache { return b.cache }

// Pool returns the workers emulating the device parallelism.
func (b *Backend) Pool() *workerspool.Pool { return b.pool }

// Providers returns the kernel providers in preference order.
func (b *Backend) Providers() []any { return b.providers }

func (b *Backend) checkDType(dtype dtypes.DType) error {
	if !b.caps.DTypes[dtype] {
		return errors.Errorf("backend %q doesn't support dtype %s", b.name, dtype)
	}
	return nil
}

// NewMatrix implements backends.Backend.
func (b *Backend) NewMatrix(dtype dtypes.DType, ioshape []int, tags ...string) (*memory.Matrix, error) {
	if err := b.checkDType(dtype); err != nil {
		return nil, err
	}
	return memory.NewMatrix(dtype, ioshape, b.opts.Alignment, tags...)
}

// NewXchgMatrix implements backends.Backend.
func (b *Backend) NewXchgMatrix(dtype dtypes.DType, nrow, ncol int) (*memory.XchgMatrix, error) {
	if err := b.checkDType(dtype); err != nil {
		return nil, err
	}
	return memory.NewXchgMatrix(dtype, nrow, ncol, b.caps.DeviceAwareExchange)
}

// Allocate implements backends.Backend.
func (b *Backend) Allocate(objs ...memory.Allocatable) error {
	if err := b.CheckValid(); err != nil {
		return err
	}
	return memory.Allocate(b.device, objs...)
}

// OnFinalize registers fn to be called by Finalize, e.g. to close device streams.
func (b *Backend) OnFinalize(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closers = append(b.closers, fn)
}

// CheckValid returns backends.ErrFinalized if the backend was finalized.
func (b *Backend) CheckValid() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return errors.Wrapf(backends.ErrFinalized, "backend %q", b.name)
	}
	return nil
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalized = true
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()
	for _, fn := range closers {
		fn()
	}
	if running := b.pool.Running(); running > 0 {
		klog.V(1).Infof("backend %s: waiting for %d device tasks before releasing its memory", b.name, running)
	}
	b.pool.Wait()
	klog.V(1).Infof("backend %s finalized, releasing %s", b.name, b.device)
	b.device.Reset()
}

// Mul implements backends.KernelOps.
func (b *Backend) Mul(a, bm, out memory.Operand, alpha, beta float64) (kernels.Kernel, error) {
	return backends.Dispatch(b.providers, "mul", func(p backends.MulProvider) (kernels.Kernel, error) {
		return p.Mul(a, bm, out, alpha, beta)
	})
}

// Axnpby implements backends.KernelOps.
func (b *Backend) Axnpby(coeffs []float64, xs ...memory.Operand) (backends.CoeffKernel, error) {
	return backends.Dispatch(b.providers, "axnpby", func(p backends.AxnpbyProvider) (backends.CoeffKernel, error) {
		return p.Axnpby(coeffs, xs...)
	})
}

// Copy implements backends.KernelOps.
func (b *Backend) Copy(dst, src memory.Operand) (kernels.Kernel, error) {
	return backends.Dispatch(b.providers, "copy", func(p backends.CopyProvider) (kernels.Kernel, error) {
		return p.Copy(dst, src)
	})
}

// Errest implements backends.KernelOps.
func (b *Backend) Errest(x, y, z memory.Operand, atol, rtol float64) (backends.ReductionKernel, error) {
	return backends.Dispatch(b.providers, "errest", func(p backends.ErrestProvider) (backends.ReductionKernel, error) {
		return p.Errest(x, y, z, atol, rtol)
	})
}

// Pack implements backends.KernelOps.
func (b *Backend) Pack(x *memory.XchgMatrix, src memory.Operand, rows []int) (kernels.Kernel, error) {
	return backends.Dispatch(b.providers, "pack", func(p backends.PackingProvider) (kernels.Kernel, error) {
		return p.Pack(x, src, rows)
	})
}

// Unpack implements backends.KernelOps.
func (b *Backend) Unpack(x *memory.XchgMatrix) (kernels.Kernel, error) {
	return backends.Dispatch(b.providers, "unpack", func(p backends.PackingProvider) (kernels.Kernel, error) {
		return p.Unpack(x)
	})
}

// FloatDTypes are the dtypes supported by every backend.
func FloatDTypes() map[dtypes.DType]bool {
	return map[dtypes.DType]bool{
		dtypes.Float32: true,
		dtypes.Float64: true,
		dtypes.Int32:   true,
		dtypes.Int64:   true,
		dtypes.Uint8:   true,
		dtypes.Bool:    true,
		dtypes.Float16: true,
	}
}
