// Package device emulates the native execution primitives of the backends on top of a
// memory.Device: captured launch operations, in-order streams and out-of-order event queues.
package device

import (
	"fmt"

	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/pkg/errors"
)

// OpKind is the kind of a device operation.
type OpKind int

const (
	OpLaunch OpKind = iota
	OpCopyToHost
	OpCopyToDevice
)

// Op is one device operation with fully resolved parameters: what a native runtime keeps in
// a captured graph node or a queued command.
type Op struct {
	Kind OpKind
	Fn   *kernels.Function
	Args []any
	Xchg *memory.XchgMatrix
}

// Exec executes the operation synchronously on dev.
func (op Op) Exec(dev memory.Device) error {
	switch op.Kind {
	case OpLaunch:
		return op.Fn.Call(dev, op.Args...)
	case OpCopyToHost:
		return op.Xchg.CopyToHost()
	case OpCopyToDevice:
		return op.Xchg.CopyToDevice()
	}
	return errors.Errorf("unknown device operation kind %d", op.Kind)
}

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op.Kind {
	case OpLaunch:
		return fmt.Sprintf("launch %s", op.Fn)
	case OpCopyToHost:
		return fmt.Sprintf("copy-to-host %s", op.Xchg)
	case OpCopyToDevice:
		return fmt.Sprintf("copy-to-device %s", op.Xchg)
	}
	return fmt.Sprintf("op(%d)", op.Kind)
}

// ExecAll executes ops in order, stopping at the first error.
func ExecAll(dev memory.Device, ops []Op) error {
	for _, op := range ops {
		if err := op.Exec(dev); err != nil {
			return err
		}
	}
	return nil
}

// Recorder is a kernels.Launcher that records the operations submitted to it, the way a
// stream in capture mode records launches into a graph instead of executing them.
type Recorder struct {
	Ops []Op
}

var _ kernels.Launcher = (*Recorder)(nil)

// Launch implements kernels.Launcher.
func (r *Recorder) Launch(fn *kernels.Function, args ...any) {
	r.Ops = append(r.Ops, Op{Kind: OpLaunch, Fn: fn, Args: args})
}

// CopyToHost implements kernels.Launcher.
func (r *Recorder) CopyToHost(x *memory.XchgMatrix) {
	r.Ops = append(r.Ops, Op{Kind: OpCopyToHost, Xchg: x})
}

// CopyToDevice implements kernels.Launcher.
func (r *Recorder) CopyToDevice(x *memory.XchgMatrix) {
	r.Ops = append(r.Ops, Op{Kind: OpCopyToDevice, Xchg: x})
}

// Capture runs k against a fresh Recorder and returns the recorded operations.
func Capture(k kernels.Kernel) ([]Op, error) {
	var r Recorder
	if err := k.Run(&r); err != nil {
		return nil, err
	}
	return r.Ops, nil
}
