package providers

import (
	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

func init() {
	kernels.Register("dense.gemm_f32", kernels.MustParseSignature("iiiPiPiPiff"), gemm32Impl)
	kernels.Register("dense.gemm_f64", kernels.MustParseSignature("iiiPiPiPidd"), gemm64Impl)
}

const gemmTemplate = `// c = alpha * a x b + beta * c
kernel gemm(iiiPiPiPi{{.Scalar}}{{.Scalar}}) = dense.gemm_{{.Suffix}}
`

// DenseMul provides matrix multiplication with a dense BLAS gemm.
type DenseMul struct {
	env Env
}

var _ backends.MulProvider = (*DenseMul)(nil)

// NewDenseMul creates the provider.
func NewDenseMul(env Env) *DenseMul { return &DenseMul{env: env} }

// checkMul validates the operands of out = a x b, returning (m, n, k).
func checkMul(a, b, out memory.Operand) (m, n, k int, err error) {
	for _, op := range []memory.Operand{a, b, out} {
		if op.NBlocks() != 1 {
			return 0, 0, 0, errors.Wrapf(backends.ErrNotSuitable, "mul: operand with %d blocks", op.NBlocks())
		}
	}
	if a.DType() != b.DType() || a.DType() != out.DType() {
		return 0, 0, 0, errors.Errorf("mul: operands have different dtypes %s, %s and %s", a.DType(), b.DType(), out.DType())
	}
	m, k, n = a.NRow(), a.NCol(), b.NCol()
	if b.NRow() != k || out.NRow() != m || out.NCol() != n {
		return 0, 0, 0, errors.Errorf("mul: incompatible shapes a[%dx%d] x b[%dx%d] -> out[%dx%d]",
			a.NRow(), a.NCol(), b.NRow(), b.NCol(), out.NRow(), out.NCol())
	}
	return m, n, k, nil
}

// Mul implements backends.MulProvider.
func (p *DenseMul) Mul(a, b, out memory.Operand, alpha, beta float64) (kernels.Kernel, error) {
	m, n, k, err := checkMul(a, b, out)
	if err != nil {
		return nil, err
	}
	dtype := a.DType()
	suffix, scalar, err := floatType(dtype)
	if err != nil {
		return nil, err
	}
	sig := kernels.Signature{
		kernels.ArgInt32, kernels.ArgInt32, kernels.ArgInt32,
		kernels.ArgPtr, kernels.ArgInt32, kernels.ArgPtr, kernels.ArgInt32, kernels.ArgPtr, kernels.ArgInt32,
		scalar, scalar,
	}
	fn, err := build(p.env.Cache, "gemm", gemmTemplate, map[string]any{
		"Scalar": string(rune(scalar)), "Suffix": suffix,
	}, sig)
	if err != nil {
		return nil, err
	}
	return kernels.Bind(fn, int32(m), int32(n), int32(k),
		a, int32(a.LeadDim()), b, int32(b.LeadDim()), out, int32(out.LeadDim()),
		scalarArg(dtype, alpha), scalarArg(dtype, beta))
}

type gemmArgs struct {
	m, n, k       int
	a, b, c       memory.Addr
	lda, ldb, ldc int
}

func parseGemmArgs(args []any) gemmArgs {
	return gemmArgs{
		m: int(args[0].(int32)), n: int(args[1].(int32)), k: int(args[2].(int32)),
		a: args[3].(memory.Addr), lda: int(args[4].(int32)),
		b: args[5].(memory.Addr), ldb: int(args[6].(int32)),
		c: args[7].(memory.Addr), ldc: int(args[8].(int32)),
	}
}

func gemm64Impl(dev memory.Device, args []any) error {
	g := parseGemmArgs(args)
	a, err := kernels.StridedView[float64](dev, g.a, g.m, g.k, g.lda)
	if err != nil {
		return err
	}
	b, err := kernels.StridedView[float64](dev, g.b, g.k, g.n, g.ldb)
	if err != nil {
		return err
	}
	c, err := kernels.StridedView[float64](dev, g.c, g.m, g.n, g.ldc)
	if err != nil {
		return err
	}
	blas64.Gemm(blas.NoTrans, blas.NoTrans, args[9].(float64),
		blas64.General{Rows: g.m, Cols: g.k, Stride: g.lda, Data: a},
		blas64.General{Rows: g.k, Cols: g.n, Stride: g.ldb, Data: b},
		args[10].(float64),
		blas64.General{Rows: g.m, Cols: g.n, Stride: g.ldc, Data: c})
	return nil
}

func gemm32Impl(dev memory.Device, args []any) error {
	g := parseGemmArgs(args)
	a, err := kernels.StridedView[float32](dev, g.a, g.m, g.k, g.lda)
	if err != nil {
		return err
	}
	b, err := kernels.StridedView[float32](dev, g.b, g.k, g.n, g.ldb)
	if err != nil {
		return err
	}
	c, err := kernels.StridedView[float32](dev, g.c, g.m, g.n, g.ldc)
	if err != nil {
		return err
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, args[9].(float32),
		blas32.General{Rows: g.m, Cols: g.k, Stride: g.lda, Data: a},
		blas32.General{Rows: g.k, Cols: g.n, Stride: g.ldb, Data: b},
		args[10].(float32),
		blas32.General{Rows: g.m, Cols: g.n, Stride: g.ldc, Data: c})
	return nil
}
