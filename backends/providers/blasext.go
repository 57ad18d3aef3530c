package providers

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MaxAxnpbyOperands is the maximum number of operands of an Axnpby kernel.
const MaxAxnpbyOperands = 8

func init() {
	for n := 1; n <= MaxAxnpbyOperands; n++ {
		ptrs := strings.Repeat("P", n)
		kernels.Register(fmt.Sprintf("blasext.axnpby%d_f32", n),
			kernels.MustParseSignature("iii"+ptrs+strings.Repeat("f", n)), axnpbyImpl[float32](n))
		kernels.Register(fmt.Sprintf("blasext.axnpby%d_f64", n),
			kernels.MustParseSignature("iii"+ptrs+strings.Repeat("d", n)), axnpbyImpl[float64](n))
	}
	kernels.Register("blasext.copy", kernels.MustParseSignature("iiiiPP"), copyImpl)
	kernels.Register("blasext.errest_f32", kernels.MustParseSignature("iiiPPPPdd"), errestImpl[float32])
	kernels.Register("blasext.errest_f64", kernels.MustParseSignature("iiiPPPPdd"), errestImpl[float64])
}

const axnpbyTemplate = `// x0 = sum_i a_i * x_i
kernel axnpby{{.N}}(iii{{.Ptrs}}{{.Scalars}}) = blasext.axnpby{{.N}}_{{.Suffix}}
`

const copyTemplate = `kernel copy(iiiiPP) = blasext.copy
`

const errestTemplate = `// sum over rows of (x / (atol + rtol * max(|y|, |z|)))^2, per column.
kernel errest(iiiPPPPdd) = blasext.errest_{{.Suffix}}
`

// BlasExt provides the BLAS-like extensions: linear combinations, copies and error estimation.
type BlasExt struct {
	env Env
}

var (
	_ backends.AxnpbyProvider = (*BlasExt)(nil)
	_ backends.CopyProvider   = (*BlasExt)(nil)
	_ backends.ErrestProvider = (*BlasExt)(nil)
)

// NewBlasExt creates the provider.
func NewBlasExt(env Env) *BlasExt { return &BlasExt{env: env} }

// coeffKernel is a bound Axnpby kernel whose coefficients are its trailing arguments.
type coeffKernel struct {
	*kernels.Bound
	dtype dtypes.DType
	first int
	n     int
}

// SetCoeffs implements backends.CoeffKernel.
func (k *coeffKernel) SetCoeffs(coeffs ...float64) error {
	if len(coeffs) != k.n {
		return errors.Errorf("axnpby kernel takes %d coefficients, %d given", k.n, len(coeffs))
	}
	for i, c := range coeffs {
		k.SetArg(k.first+i, scalarArg(k.dtype, c))
	}
	return nil
}

// Axnpby implements backends.AxnpbyProvider.
func (p *BlasExt) Axnpby(coeffs []float64, xs ...memory.Operand) (backends.CoeffKernel, error) {
	n := len(xs)
	if n == 0 || len(coeffs) != n {
		return nil, errors.Errorf("axnpby: %d operands and %d coefficients given", n, len(coeffs))
	}
	if n > MaxAxnpbyOperands {
		return nil, errors.Wrapf(backends.ErrNotSuitable, "axnpby of %d operands, at most %d supported", n, MaxAxnpbyOperands)
	}
	if err := checkSameTraits("axnpby", xs...); err != nil {
		return nil, err
	}
	dtype := xs[0].DType()
	suffix, scalar, err := floatType(dtype)
	if err != nil {
		return nil, err
	}
	ptrs, scalars := strings.Repeat("P", n), strings.Repeat(string(rune(scalar)), n)
	fn, err := build(p.env.Cache, fmt.Sprintf("axnpby%d", n), axnpbyTemplate, map[string]any{
		"N": n, "Ptrs": ptrs, "Scalars": scalars, "Suffix": suffix,
	}, kernels.MustParseSignature("iii"+ptrs+scalars))
	if err != nil {
		return nil, err
	}

	rows, ncol, ld := geometry(xs[0])
	args := []any{int32(rows), int32(ncol), int32(ld)}
	for _, x := range xs {
		args = append(args, x)
	}
	for _, c := range coeffs {
		args = append(args, scalarArg(dtype, c))
	}
	bound, err := kernels.Bind(fn, args...)
	if err != nil {
		return nil, err
	}
	return &coeffKernel{Bound: bound, dtype: dtype, first: 3 + n, n: n}, nil
}

func axnpbyImpl[T kernels.Float](n int) kernels.Impl {
	return func(dev memory.Device, args []any) error {
		rows, ncol, ld := int(args[0].(int32)), int(args[1].(int32)), int(args[2].(int32))
		views := make([][]T, n)
		coeffs := make([]T, n)
		for i := range n {
			var err error
			views[i], err = kernels.StridedView[T](dev, args[3+i].(memory.Addr), rows, ncol, ld)
			if err != nil {
				return err
			}
			coeffs[i] = args[3+n+i].(T)
		}
		for r := range rows {
			for c := range ncol {
				j := r*ld + c
				var acc T
				if coeffs[0] != 0 {
					acc = coeffs[0] * views[0][j]
				}
				for i := 1; i < n; i++ {
					acc += coeffs[i] * views[i][j]
				}
				views[0][j] = acc
			}
		}
		return nil
	}
}

// Copy implements backends.CopyProvider.
func (p *BlasExt) Copy(dst, src memory.Operand) (kernels.Kernel, error) {
	dstRows, dstCols, dstLd := geometry(dst)
	srcRows, srcCols, srcLd := geometry(src)
	if dst.DType() != src.DType() || dstRows != srcRows || dstCols != srcCols {
		return nil, errors.Errorf("copy: destination %s[%dx%d] and source %s[%dx%d] don't match",
			dst.DType(), dstRows, dstCols, src.DType(), srcRows, srcCols)
	}
	fn, err := build(p.env.Cache, "copy", copyTemplate, nil, kernels.MustParseSignature("iiiiPP"))
	if err != nil {
		return nil, err
	}
	itemSize := memory.ItemSize(dst.DType())
	return kernels.Bind(fn, int32(dstRows), int32(dstCols*itemSize), int32(dstLd*itemSize), int32(srcLd*itemSize), dst, src)
}

func copyImpl(dev memory.Device, args []any) error {
	rows, rowBytes := int(args[0].(int32)), int(args[1].(int32))
	dstStride, srcStride := int(args[2].(int32)), int(args[3].(int32))
	dst, src := args[4].(memory.Addr), args[5].(memory.Addr)
	for r := range rows {
		to, err := dev.Resolve(dst+memory.Addr(r*dstStride), rowBytes)
		if err != nil {
			return err
		}
		from, err := dev.Resolve(src+memory.Addr(r*srcStride), rowBytes)
		if err != nil {
			return err
		}
		copy(to, from)
	}
	return nil
}

// errestKernel runs the reduction and copies its result to the host.
type errestKernel struct {
	*kernels.Bound
	result *memory.XchgMatrix
}

// Run implements kernels.Kernel.
func (k *errestKernel) Run(l kernels.Launcher) error {
	if err := k.Bound.Run(l); err != nil {
		return err
	}
	l.CopyToHost(k.result)
	return nil
}

// Result implements backends.ReductionKernel. It is only valid after the kernel completed.
func (k *errestKernel) Result() ([]float64, error) {
	host := k.result.HostData()
	if host == nil {
		return nil, errors.New("errest: result buffer is not allocated")
	}
	return slices.Clone(memory.FromBytes[float64](host)), nil
}

// Errest implements backends.ErrestProvider.
func (p *BlasExt) Errest(x, y, z memory.Operand, atol, rtol float64) (backends.ReductionKernel, error) {
	if err := checkSameTraits("errest", x, y, z); err != nil {
		return nil, err
	}
	suffix, _, err := floatType(x.DType())
	if err != nil {
		return nil, err
	}
	fn, err := build(p.env.Cache, "errest", errestTemplate, map[string]any{"Suffix": suffix},
		kernels.MustParseSignature("iiiPPPPdd"))
	if err != nil {
		return nil, err
	}
	rows, ncol, ld := geometry(x)
	result, err := memory.NewXchgMatrix(dtypes.Float64, 1, ncol, false)
	if err != nil {
		return nil, err
	}
	if err := memory.Allocate(p.env.Device, result); err != nil {
		return nil, errors.WithMessage(err, "errest: failed to allocate result buffer")
	}
	bound, err := kernels.Bind(fn, int32(rows), int32(ncol), int32(ld), x, y, z, result, atol, rtol)
	if err != nil {
		return nil, err
	}
	return &errestKernel{Bound: bound, result: result}, nil
}

func errestImpl[T kernels.Float](dev memory.Device, args []any) error {
	rows, ncol, ld := int(args[0].(int32)), int(args[1].(int32)), int(args[2].(int32))
	atol, rtol := args[7].(float64), args[8].(float64)
	var views [3][]T
	for i := range views {
		var err error
		views[i], err = kernels.StridedView[T](dev, args[3+i].(memory.Addr), rows, ncol, ld)
		if err != nil {
			return err
		}
	}
	out, err := kernels.View[float64](dev, args[6].(memory.Addr), ncol)
	if err != nil {
		return err
	}
	clear(out)
	for r := range rows {
		for c := range ncol {
			j := r*ld + c
			x, y, z := float64(views[0][j]), float64(views[1][j]), float64(views[2][j])
			e := x / (atol + rtol*max(math.Abs(y), math.Abs(z)))
			out[c] += e * e
		}
	}
	return nil
}
