package kernels

import (
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"golang.org/x/exp/constraints"
)

// Impl is the device implementation of a kernel. Arguments have already been checked against the
// kernel signature; pointer arguments are resolved through dev.
type Impl func(dev memory.Device, args []any) error

// Library is a registry of device implementations kernel declarations can bind to.
type Library struct {
	mu    sync.RWMutex
	impls map[string]libraryEntry
}

type libraryEntry struct {
	sig  Signature
	impl Impl
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{impls: make(map[string]libraryEntry)}
}

// DefaultLibrary is where the kernel providers register their implementations.
var DefaultLibrary = NewLibrary()

// Register implementation under name with the given signature.
// Registering the same name twice panics: call it during package initialization.
func (l *Library) Register(name string, sig Signature, impl Impl) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, found := l.impls[name]; found {
		exceptions.Panicf("kernel implementation %q registered twice", name)
	}
	l.impls[name] = libraryEntry{sig: sig, impl: impl}
}

// Lookup returns the implementation registered under name.
func (l *Library) Lookup(name string) (Impl, Signature, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, found := l.impls[name]
	return e.impl, e.sig, found
}

// Register an implementation in the DefaultLibrary.
func Register(name string, sig Signature, impl Impl) {
	DefaultLibrary.Register(name, sig, impl)
}

// View resolves n elements of type T at addr.
func View[T any](dev memory.Device, addr memory.Addr, n int) ([]T, error) {
	var zero T
	data, err := dev.Resolve(addr, n*int(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, err
	}
	return memory.FromBytes[T](data), nil
}

// StridedView resolves a rows x ncol region of T with leading dimension leaddim at addr.
// The returned slice starts at the first element and has (rows-1)*leaddim + ncol elements.
func StridedView[T any](dev memory.Device, addr memory.Addr, rows, ncol, leaddim int) ([]T, error) {
	if rows == 0 || ncol == 0 {
		return nil, nil
	}
	return View[T](dev, addr, (rows-1)*leaddim+ncol)
}

// Float is the constraint of the element types of floating point kernels.
type Float interface {
	constraints.Float
}
