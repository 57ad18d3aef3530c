package kernels

import (
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/pkg/errors"
)

// Compiler turns kernel sources into loadable objects and links objects into modules.
//
// Its Identity and Flags are part of the digest that keys the on-disk cache, so a compiler
// upgrade or a flag change never reuses stale objects.
type Compiler interface {
	// Identity names the compiler and its version.
	Identity() string

	// Flags of the compiler invocation.
	Flags() []string

	// Compile the source into an object that Link can load.
	Compile(src string) ([]byte, error)

	// Link loads a compiled object.
	Link(object []byte) (*Module, error)
}

// compilerVersion is bumped whenever the object format of DeviceCompiler changes.
const compilerVersion = "1.2.0"

// DeviceCompiler is the compiler of the emulated devices: it validates declarations against
// a Library, and its objects are the canonical list of declarations, which Link binds to the
// library implementations.
type DeviceCompiler struct {
	target   string
	flags    []string
	lib      *Library
	compiles atomic.Int64
}

var _ Compiler = (*DeviceCompiler)(nil)

// NewDeviceCompiler returns a compiler for the given target (usually the backend name).
// If lib is nil, DefaultLibrary is used.
func NewDeviceCompiler(target string, flags []string, lib *Library) *DeviceCompiler {
	if lib == nil {
		lib = DefaultLibrary
	}
	return &DeviceCompiler{target: target, flags: slices.Clone(flags), lib: lib}
}

// Identity implements Compiler.
func (c *DeviceCompiler) Identity() string {
	return fmt.Sprintf("fluxcc-%s %s", c.target, compilerVersion)
}

// Flags implements Compiler.
func (c *DeviceCompiler) Flags() []string { return c.flags }

// Compiles returns the number of times Compile was invoked.
func (c *DeviceCompiler) Compiles() int64 { return c.compiles.Load() }

// Compile implements Compiler.
func (c *DeviceCompiler) Compile(src string) ([]byte, error) {
	c.compiles.Add(1)
	decls, err := ParseSource(src)
	if err != nil {
		return nil, err
	}
	for _, d := range decls {
		if err := c.check(d); err != nil {
			return nil, err
		}
	}
	return []byte(FormatDeclarations(decls)), nil
}

func (c *DeviceCompiler) check(d Declaration) error {
	_, sig, found := c.lib.Lookup(d.Impl)
	if !found {
		return errors.Errorf("kernel %q: undefined implementation %q", d.Name, d.Impl)
	}
	if !sig.Equal(d.Signature) {
		return errors.Errorf("kernel %q: declared with signature %q but implementation %q takes %q", d.Name, d.Signature, d.Impl, sig)
	}
	return nil
}

// Link implements Compiler.
func (c *DeviceCompiler) Link(object []byte) (*Module, error) {
	decls, err := ParseSource(string(object))
	if err != nil {
		return nil, errors.WithMessage(err, "corrupt kernel object")
	}
	m := &Module{functions: make(map[string]*Function, len(decls))}
	for _, d := range decls {
		if err := c.check(d); err != nil {
			return nil, err
		}
		impl, _, _ := c.lib.Lookup(d.Impl)
		m.functions[d.Name] = &Function{name: d.Name, sig: d.Signature, impl: impl}
	}
	return m, nil
}

// Module is a linked kernel object: a set of named functions.
type Module struct {
	digest    string
	functions map[string]*Function
}

// Names of the functions in the module, sorted.
func (m *Module) Names() []string {
	return slices.Sorted(maps.Keys(m.functions))
}

// Function returns the named function bound with the requested signature.
func (m *Module) Function(name string, sig Signature) (*Function, error) {
	fn, found := m.functions[name]
	if !found {
		return nil, &CompileError{Name: name, Digest: m.digest, Err: errors.Errorf("module defines %v, not %q", m.Names(), name)}
	}
	if !fn.sig.Equal(sig) {
		return nil, &SignatureError{Name: name, Requested: sig, Compiled: fn.sig}
	}
	return fn, nil
}

// Function is a compiled, signature-bound device function.
type Function struct {
	name   string
	sig    Signature
	digest string
	impl   Impl
}

// Name of the function.
func (f *Function) Name() string { return f.name }

// Signature the function is bound with.
func (f *Function) Signature() Signature { return f.sig }

// Digest of the source the function was compiled from.
func (f *Function) Digest() string { return f.digest }

// Call executes the function on dev with the given arguments.
func (f *Function) Call(dev memory.Device, args ...any) error {
	if err := f.sig.Check(args); err != nil {
		return errors.WithMessagef(err, "kernel %q", f.name)
	}
	if err := f.impl(dev, args); err != nil {
		return errors.WithMessagef(err, "kernel %q", f.name)
	}
	return nil
}

// String implements fmt.Stringer.
func (f *Function) String() string {
	return fmt.Sprintf("%s(%s)", f.name, f.sig)
}
