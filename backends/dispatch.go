package backends

import (
	"fmt"
	"strings"

	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelOps are the kernels a backend builds on behalf of the application.
//
// Each operation is dispatched to the backend's providers (see Dispatch). Operands must share
// the backend device; they don't need to be allocated until the kernel is run or committed.
type KernelOps interface {
	// Mul returns a kernel computing out = alpha * a x b + beta * out.
	Mul(a, b, out memory.Operand, alpha, beta float64) (kernels.Kernel, error)

	// Axnpby returns a kernel computing xs[0] = sum_i coeffs[i] * xs[i], element-wise.
	Axnpby(coeffs []float64, xs ...memory.Operand) (CoeffKernel, error)

	// Copy returns a kernel copying src into dst, which must have the same dtype and shape.
	Copy(dst, src memory.Operand) (kernels.Kernel, error)

	// Errest returns a kernel computing, per column, the sum of squares of
	// x / (atol + rtol * max(|y|, |z|)) over all rows.
	Errest(x, y, z memory.Operand, atol, rtol float64) (ReductionKernel, error)

	// Pack returns a kernel gathering the given rows of src into x, and making them available
	// in the host shadow of x.
	Pack(x *memory.XchgMatrix, src memory.Operand, rows []int) (kernels.Kernel, error)

	// Unpack returns a kernel making the host shadow of x available on the device.
	Unpack(x *memory.XchgMatrix) (kernels.Kernel, error)
}

// CoeffKernel is a kernel with scalar coefficients that can be changed between runs, e.g. the
// time step of an integrator. Graphs holding it see it as stale after SetCoeffs.
type CoeffKernel interface {
	kernels.Kernel
	SetCoeffs(coeffs ...float64) error
}

// ReductionKernel is a kernel whose result is read on the host after it completed.
type ReductionKernel interface {
	kernels.Kernel
	Result() ([]float64, error)
}

// MulProvider is implemented by providers of matrix multiplication.
type MulProvider interface {
	Mul(a, b, out memory.Operand, alpha, beta float64) (kernels.Kernel, error)
}

// AxnpbyProvider is implemented by providers of linear combinations.
type AxnpbyProvider interface {
	Axnpby(coeffs []float64, xs ...memory.Operand) (CoeffKernel, error)
}

// CopyProvider is implemented by providers of device copies.
type CopyProvider interface {
	Copy(dst, src memory.Operand) (kernels.Kernel, error)
}

// ErrestProvider is implemented by providers of the error estimator reduction.
type ErrestProvider interface {
	Errest(x, y, z memory.Operand, atol, rtol float64) (ReductionKernel, error)
}

// PackingProvider is implemented by providers of exchange packing.
type PackingProvider interface {
	Pack(x *memory.XchgMatrix, src memory.Operand, rows []int) (kernels.Kernel, error)
	Unpack(x *memory.XchgMatrix) (kernels.Kernel, error)
}

// NoProviderError is returned by Dispatch when no provider could build the kernel.
// It matches ErrNoProvider and each of the reasons the providers declined with.
type NoProviderError struct {
	Op      string
	Reasons []error
}

// Error implements error.
func (e *NoProviderError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("%s: %v: no provider implements it", e.Op, ErrNoProvider)
	}
	parts := make([]string, len(e.Reasons))
	for i, reason := range e.Reasons {
		parts[i] = reason.Error()
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNoProvider, strings.Join(parts, "; "))
}

// Unwrap returns ErrNoProvider and the reasons of each provider.
func (e *NoProviderError) Unwrap() []error {
	return append([]error{ErrNoProvider}, e.Reasons...)
}

// FallsThrough reports whether a provider error means "try the next provider": the provider
// declared itself not suitable, or its kernel failed to compile or to bind the signature.
func FallsThrough(err error) bool {
	var compileErr *kernels.CompileError
	var sigErr *kernels.SignatureError
	return errors.Is(err, ErrNotSuitable) || errors.As(err, &compileErr) || errors.As(err, &sigErr)
}

// Dispatch tries the providers implementing P, in order, and returns the first kernel built.
// Providers that fall through (see FallsThrough) are skipped; any other error is returned
// immediately.
func Dispatch[P, K any](providers []any, op string, build func(P) (K, error)) (K, error) {
	var zero K
	noProvider := &NoProviderError{Op: op}
	for _, p := range providers {
		typed, ok := p.(P)
		if !ok {
			continue
		}
		k, err := build(typed)
		if err == nil {
			klog.V(2).Infof("%s: built by %T", op, p)
			return k, nil
		}
		if !FallsThrough(err) {
			return zero, errors.WithMessagef(err, "%s", op)
		}
		klog.V(2).Infof("%s: provider %T falls through: %v", op, p, err)
		noProvider.Reasons = append(noProvider.Reasons, err)
	}
	return zero, noProvider
}
