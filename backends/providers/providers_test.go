package providers

import (
	"testing"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/internal/device"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnv(t *testing.T) Env {
	t.Helper()
	return Env{
		Cache:  kernels.NewCache(kernels.NewDeviceCompiler("test", nil, nil), ""),
		Device: memory.NewArena("test", 64, 0),
	}
}

func newMatrix(t *testing.T, env Env, nrow, ncol int, values []float64, tags ...string) *memory.Matrix {
	t.Helper()
	m, err := memory.NewMatrix(dtypes.Float64, []int{nrow, ncol}, env.Device.(*memory.Arena).Alignment(), tags...)
	require.NoError(t, err)
	if values != nil {
		require.NoError(t, memory.SetInitial(m, values))
	}
	return m
}

// run captures the launches of k and executes them synchronously.
func run(t *testing.T, env Env, k kernels.Kernel) {
	t.Helper()
	ops, err := device.Capture(k)
	require.NoError(t, err)
	require.NoError(t, device.ExecAll(env.Device, ops))
}

func get(t *testing.T, m memory.BytesReader) []float64 {
	t.Helper()
	values, err := memory.Get[float64](m)
	require.NoError(t, err)
	return values
}

func TestToCSR(t *testing.T) {
	rowptr, colidx, vals := toCSR([]float64{
		0, 2, 0,
		0, 0, 0,
		1, 0, 3,
	}, 3, 3)
	assert.Equal(t, []int32{0, 1, 1, 3}, rowptr)
	assert.Equal(t, []int32{1, 0, 2}, colidx)
	assert.Equal(t, []float64{2, 1, 3}, vals)
}

func TestSparseMulSuitability(t *testing.T) {
	env := newEnv(t)
	env.SparseMaxNNZ = 2
	p := NewSparseMul(env)
	b := newMatrix(t, env, 2, 2, nil)
	out := newMatrix(t, env, 2, 2, nil)

	testCases := []struct {
		name string
		a    memory.Operand
	}{
		{"not constant", newMatrix(t, env, 2, 2, []float64{1, 0, 0, 1})},
		{"tagged dense", newMatrix(t, env, 2, 2, []float64{1, 0, 0, 1}, memory.TagConst, memory.TagDense)},
		{"unknown values", newMatrix(t, env, 2, 2, nil, memory.TagConst)},
		{"too many non-zeros", newMatrix(t, env, 2, 2, []float64{1, 2, 0, 1}, memory.TagConst)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Mul(tc.a, b, out, 1, 0)
			assert.ErrorIs(t, err, backends.ErrNotSuitable)
		})
	}

	k, err := p.Mul(newMatrix(t, env, 2, 2, []float64{1, 0, 0, 1}, memory.TagConst), b, out, 1, 0)
	require.NoError(t, err)
	assert.NotNil(t, k)
}

func TestDenseMulShapes(t *testing.T) {
	env := newEnv(t)
	p := NewDenseMul(env)
	a := newMatrix(t, env, 2, 3, nil)
	_, err := p.Mul(a, newMatrix(t, env, 2, 2, nil), newMatrix(t, env, 2, 2, nil), 1, 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, backends.ErrNotSuitable, "shape mismatches are errors, not a matter of suitability")

	ints, err := memory.NewMatrix(dtypes.Int64, []int{2, 2}, 0)
	require.NoError(t, err)
	_, err = p.Mul(ints, ints, ints, 1, 0)
	assert.ErrorIs(t, err, backends.ErrNotSuitable)
}

func TestPacking(t *testing.T) {
	env := newEnv(t)
	p := NewPacking(env)
	src := newMatrix(t, env, 3, 2, []float64{1, 2, 3, 4, 5, 6}, memory.TagAlign)
	x, err := memory.NewXchgMatrix(dtypes.Float64, 2, 2, false)
	require.NoError(t, err)
	require.NoError(t, memory.Allocate(env.Device, src, x))

	_, err = p.Pack(x, src, []int{0, 3})
	assert.Error(t, err)
	_, err = p.Pack(x, src, []int{0})
	assert.Error(t, err)

	pack, err := p.Pack(x, src, []int{2, 0})
	require.NoError(t, err)
	run(t, env, pack)
	assert.Equal(t, []float64{5, 6, 1, 2}, memory.FromBytes[float64](x.HostData()))

	copy(x.HostData(), memory.AsBytes([]float64{-1, -2, -3, -4}))
	unpack, err := p.Unpack(x)
	require.NoError(t, err)
	run(t, env, unpack)
	assert.Equal(t, []float64{-1, -2, -3, -4}, get(t, x))
}

func TestAxnpbyOperands(t *testing.T) {
	env := newEnv(t)
	p := NewBlasExt(env)
	x := newMatrix(t, env, 2, 2, nil)
	_, err := p.Axnpby([]float64{1, 2}, x)
	assert.Error(t, err)

	var xs []memory.Operand
	var coeffs []float64
	for range MaxAxnpbyOperands + 1 {
		xs = append(xs, x)
		coeffs = append(coeffs, 1)
	}
	_, err = p.Axnpby(coeffs, xs...)
	assert.ErrorIs(t, err, backends.ErrNotSuitable)

	_, err = p.Axnpby([]float64{1, 1}, x, newMatrix(t, env, 2, 3, nil))
	assert.Error(t, err)

	y := newMatrix(t, env, 2, 2, []float64{1, 2, 3, 4})
	z := newMatrix(t, env, 2, 2, []float64{1, 1, 1, 1})
	require.NoError(t, memory.Allocate(env.Device, y, z))
	k, err := p.Axnpby([]float64{0, 2}, y, z)
	require.NoError(t, err)
	run(t, env, k)
	assert.Equal(t, []float64{2, 2, 2, 2}, get(t, y))
}
