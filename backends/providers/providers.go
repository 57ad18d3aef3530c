// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package providers implements the kernel providers every backend dispatches to, in order of
// preference: BlasExt (linear combinations, copies, error estimation), Packing (exchange
// packing), SparseMul (constant sparse operators, CSR) and DenseMul (dense gemm, with gonum).
//
// Providers render the kernel source, build it with the backend's kernel cache and bind the
// operands. Their device implementations are registered in kernels.DefaultLibrary.
package providers

import (
	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DefaultSparseMaxNNZ is the default maximum number of non-zeros of operators accepted by SparseMul.
const DefaultSparseMaxNNZ = 512

// Env is what providers need from their backend.
type Env struct {
	// Cache builds the kernels.
	Cache *kernels.Cache

	// Device where auxiliary matrices (mappings, sparse operators, reduction results) are allocated.
	Device memory.Device

	// SparseMaxNNZ is the maximum number of non-zeros SparseMul accepts. 0 uses DefaultSparseMaxNNZ.
	SparseMaxNNZ int
}

// New returns the providers in preference order, ready for backends.Dispatch.
func New(env Env) []any {
	return []any{NewBlasExt(env), NewPacking(env), NewSparseMul(env), NewDenseMul(env)}
}

// geometry of an operand as a 2D strided region: blocks are stacked as rows.
func geometry(op memory.Operand) (rows, ncol, leaddim int) {
	return op.NBlocks() * op.NRow(), op.NCol(), op.LeadDim()
}

// floatType returns the kernel name suffix and scalar argument type of a floating point dtype.
// Other dtypes are not suitable.
func floatType(dtype dtypes.DType) (suffix string, scalar kernels.ArgType, err error) {
	switch dtype {
	case dtypes.Float32:
		return "f32", kernels.ArgFloat32, nil
	case dtypes.Float64:
		return "f64", kernels.ArgFloat64, nil
	}
	return "", 0, errors.Wrapf(backends.ErrNotSuitable, "dtype %s is not a floating point type", dtype)
}

// scalarArg converts v to the kernel argument type of dtype.
func scalarArg(dtype dtypes.DType, v float64) any {
	if dtype == dtypes.Float32 {
		return float32(v)
	}
	return v
}

// checkSameTraits returns an error if the operands don't share dtype and layout.
func checkSameTraits(op string, ops ...memory.Operand) error {
	want := memory.TraitsOf(ops[0])
	for i, o := range ops[1:] {
		if got := memory.TraitsOf(o); got != want {
			return errors.Errorf("%s: operand #%d has layout %+v, operand #0 has %+v", op, i+1, got, want)
		}
	}
	return nil
}

// build renders the source template with data and builds the named function from it.
func build(cache *kernels.Cache, name, tmpl string, data any, sig kernels.Signature) (*kernels.Function, error) {
	src, err := kernels.Render(name, tmpl, data)
	if err != nil {
		return nil, err
	}
	return cache.Build(name, src, sig)
}
