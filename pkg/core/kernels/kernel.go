package kernels

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/pkg/errors"
)

// Launcher is what kernels submit their device work to: a queue, or the recorder a graph uses
// to capture a node's launch parameters at commit time.
//
// The launches of one kernel are executed in order.
type Launcher interface {
	// Launch fn with fully resolved arguments.
	Launch(fn *Function, args ...any)

	// CopyToHost copies the device buffer of x into its host shadow.
	CopyToHost(x *memory.XchgMatrix)

	// CopyToDevice copies the host shadow of x into its device buffer.
	CopyToDevice(x *memory.XchgMatrix)
}

// Kernel is an invocable unit of device work with bound arguments.
//
// Run resolves the arguments (e.g. operand addresses) and submits the work to l. It returns an
// error only if the arguments cannot be resolved: execution errors are reported by whoever
// executes the launches.
type Kernel interface {
	Run(l Launcher) error
}

// Fingerprinter is implemented by kernels whose launch parameters may change after they are
// captured. The fingerprint changes whenever the resolved parameters would.
type Fingerprinter interface {
	Fingerprint() uint64
}

// Func adapts a function to a Kernel.
type Func func(l Launcher) error

// Run implements Kernel.
func (f Func) Run(l Launcher) error { return f(l) }

// Resolve converts operands in args to their current device address. Other values are kept.
// It returns an error (instead of panicking) if an operand is not allocated.
func Resolve(args []any) (resolved []any, err error) {
	err = exceptions.TryCatch[error](func() {
		resolved = make([]any, len(args))
		for i, arg := range args {
			if op, ok := arg.(memory.Operand); ok {
				resolved[i] = op.Addr()
			} else {
				resolved[i] = arg
			}
		}
	})
	return
}

// Bound is a kernel that launches one function with bound arguments.
//
// Arguments that are memory.Operand (matrices, slices, banks) are resolved to their device
// address on every Run, so a Bank swap is picked up when the kernel is run again.
type Bound struct {
	fn      *Function
	args    []any
	version uint64
}

var (
	_ Kernel        = (*Bound)(nil)
	_ Fingerprinter = (*Bound)(nil)
)

// Bind fn to args. The number of arguments is checked immediately, their types when resolved.
func Bind(fn *Function, args ...any) (*Bound, error) {
	if len(args) != len(fn.Signature()) {
		return nil, errors.Errorf("kernel %s takes %d arguments, %d given", fn, len(fn.Signature()), len(args))
	}
	return &Bound{fn: fn, args: slices.Clone(args)}, nil
}

// Function bound by the kernel.
func (b *Bound) Function() *Function { return b.fn }

// SetArg replaces the i-th argument. Graphs holding the kernel see it as stale.
func (b *Bound) SetArg(i int, value any) {
	b.args[i] = value
	b.version++
}

// Run implements Kernel.
func (b *Bound) Run(l Launcher) error {
	resolved, err := Resolve(b.args)
	if err != nil {
		return errors.WithMessagef(err, "kernel %s", b.fn)
	}
	if err := b.fn.Signature().Check(resolved); err != nil {
		return errors.WithMessagef(err, "kernel %q", b.fn.Name())
	}
	l.Launch(b.fn, resolved...)
	return nil
}

// Fingerprint implements Fingerprinter.
func (b *Bound) Fingerprint() uint64 {
	var ops []memory.Operand
	for _, arg := range b.args {
		if op, ok := arg.(memory.Operand); ok {
			ops = append(ops, op)
		}
	}
	return memory.Fingerprint(ops...) ^ (b.version * 0x9e3779b97f4a7c15)
}
