package providers

import (
	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	kernels.Register("sparse.csrmm_f32", kernels.MustParseSignature("iiPPPPiPiff"), csrmmImpl[float32])
	kernels.Register("sparse.csrmm_f64", kernels.MustParseSignature("iiPPPPiPidd"), csrmmImpl[float64])
}

const csrmmTemplate = `// c = alpha * A x b + beta * c, with A in CSR format.
kernel csrmm(iiPPPPiPi{{.Scalar}}{{.Scalar}}) = sparse.csrmm_{{.Suffix}}
`

// SparseMul provides matrix multiplication by constant, sufficiently sparse operators: the
// operator is converted to CSR when the kernel is built, and only its non-zeros are visited.
//
// It is not suitable for operators not tagged memory.TagConst, tagged memory.TagDense, whose
// values are unknown, or with more than Env.SparseMaxNNZ non-zeros.
type SparseMul struct {
	env Env
}

var _ backends.MulProvider = (*SparseMul)(nil)

// NewSparseMul creates the provider.
func NewSparseMul(env Env) *SparseMul {
	if env.SparseMaxNNZ <= 0 {
		env.SparseMaxNNZ = DefaultSparseMaxNNZ
	}
	return &SparseMul{env: env}
}

// Mul implements backends.MulProvider.
func (p *SparseMul) Mul(a, b, out memory.Operand, alpha, beta float64) (kernels.Kernel, error) {
	op, ok := a.(*memory.Matrix)
	if !ok || !op.HasTag(memory.TagConst) || op.HasTag(memory.TagDense) {
		return nil, errors.Wrap(backends.ErrNotSuitable, "sparse mul: operator is not a constant matrix")
	}
	m, n, _, err := checkMul(a, b, out)
	if err != nil {
		return nil, err
	}
	dtype := a.DType()
	suffix, scalar, err := floatType(dtype)
	if err != nil {
		return nil, err
	}
	values, err := op.InitialBytes()
	if err != nil {
		return nil, err
	}
	if values == nil {
		return nil, errors.Wrap(backends.ErrNotSuitable, "sparse mul: operator has no known value")
	}

	var rowptr, colidx []int32
	var vals []byte
	switch dtype {
	case dtypes.Float32:
		var v []float32
		rowptr, colidx, v = toCSR(memory.FromBytes[float32](values), op.NRow(), op.NCol())
		vals = memory.AsBytes(v)
	default:
		var v []float64
		rowptr, colidx, v = toCSR(memory.FromBytes[float64](values), op.NRow(), op.NCol())
		vals = memory.AsBytes(v)
	}
	nnz := len(colidx)
	if nnz > p.env.SparseMaxNNZ {
		return nil, errors.Wrapf(backends.ErrNotSuitable, "sparse mul: operator has %d non-zeros, more than the maximum of %d",
			nnz, p.env.SparseMaxNNZ)
	}
	klog.V(2).Infof("sparse mul: operator %s has %d non-zeros (density %.2f)", op, nnz, float64(nnz)/float64(op.NRow()*op.NCol()))

	csr, err := p.upload(dtype, rowptr, colidx, vals)
	if err != nil {
		return nil, err
	}
	fn, err := build(p.env.Cache, "csrmm", csrmmTemplate, map[string]any{
		"Scalar": string(rune(scalar)), "Suffix": suffix,
	}, kernels.MustParseSignature("iiPPPPiPi"+string(rune(scalar))+string(rune(scalar))))
	if err != nil {
		return nil, err
	}
	return kernels.Bind(fn, int32(m), int32(n), csr[0], csr[1], csr[2],
		b, int32(b.LeadDim()), out, int32(out.LeadDim()),
		scalarArg(dtype, alpha), scalarArg(dtype, beta))
}

// upload allocates the CSR arrays on the device, in one extent.
func (p *SparseMul) upload(dtype dtypes.DType, rowptr, colidx []int32, vals []byte) ([3]*memory.Matrix, error) {
	var csr [3]*memory.Matrix
	nnz := max(len(colidx), 1)
	var err error
	if csr[0], err = memory.NewMatrix(dtypes.Int32, []int{1, len(rowptr)}, 0, memory.TagConst); err != nil {
		return csr, err
	}
	if csr[1], err = memory.NewMatrix(dtypes.Int32, []int{1, nnz}, 0, memory.TagConst); err != nil {
		return csr, err
	}
	if csr[2], err = memory.NewMatrix(dtype, []int{1, nnz}, 0, memory.TagConst); err != nil {
		return csr, err
	}
	if err := memory.SetInitial(csr[0], rowptr); err != nil {
		return csr, err
	}
	if len(colidx) > 0 {
		if err := memory.SetInitial(csr[1], colidx); err != nil {
			return csr, err
		}
		if err := csr[2].SetInitialBytes(vals); err != nil {
			return csr, err
		}
	}
	if err := memory.Allocate(p.env.Device, csr[0], csr[1], csr[2]); err != nil {
		return csr, errors.WithMessage(err, "sparse mul: failed to allocate CSR operator")
	}
	return csr, nil
}

// toCSR converts a dense row-major nrow x ncol matrix to CSR.
func toCSR[T kernels.Float](dense []T, nrow, ncol int) (rowptr, colidx []int32, vals []T) {
	rowptr = make([]int32, nrow+1)
	for r := range nrow {
		for c := range ncol {
			if v := dense[r*ncol+c]; v != 0 {
				colidx = append(colidx, int32(c))
				vals = append(vals, v)
			}
		}
		rowptr[r+1] = int32(len(colidx))
	}
	return
}

func csrmmImpl[T kernels.Float](dev memory.Device, args []any) error {
	m, n := int(args[0].(int32)), int(args[1].(int32))
	rowptr, err := kernels.View[int32](dev, args[2].(memory.Addr), m+1)
	if err != nil {
		return err
	}
	nnz := int(rowptr[m])
	colidx, err := kernels.View[int32](dev, args[3].(memory.Addr), nnz)
	if err != nil {
		return err
	}
	vals, err := kernels.View[T](dev, args[4].(memory.Addr), nnz)
	if err != nil {
		return err
	}
	ldb, ldc := int(args[6].(int32)), int(args[8].(int32))
	k := 0
	if nnz > 0 {
		for _, col := range colidx {
			k = max(k, int(col)+1)
		}
	}
	b, err := kernels.StridedView[T](dev, args[5].(memory.Addr), k, n, ldb)
	if err != nil {
		return err
	}
	c, err := kernels.StridedView[T](dev, args[7].(memory.Addr), m, n, ldc)
	if err != nil {
		return err
	}
	alpha, beta := args[9].(T), args[10].(T)
	row := make([]T, n)
	for r := range m {
		clear(row)
		for idx := rowptr[r]; idx < rowptr[r+1]; idx++ {
			v, bRow := vals[idx], int(colidx[idx])*ldb
			for j := range n {
				row[j] += v * b[bRow+j]
			}
		}
		cRow := c[r*ldc : r*ldc+n]
		for j := range n {
			if beta == 0 {
				cRow[j] = alpha * row[j]
			} else {
				cRow[j] = alpha*row[j] + beta*cRow[j]
			}
		}
	}
	return nil
}
