package kernels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLibrary() *Library {
	lib := NewLibrary()
	lib.Register("test.scale", MustParseSignature("iPd"), func(dev memory.Device, args []any) error {
		n, x, alpha := int(args[0].(int32)), args[1].(memory.Addr), args[2].(float64)
		flat, err := View[float64](dev, x, n)
		if err != nil {
			return err
		}
		for i := range flat {
			flat[i] *= alpha
		}
		return nil
	})
	lib.Register("test.fail", nil, func(memory.Device, []any) error {
		return errors.New("boom")
	})
	return lib
}

const scaleSource = `
// Scales a vector in place.
kernel scale(iPd) = test.scale
kernel fail() = test.fail
`

type recordingLauncher struct {
	dev  memory.Device
	errs []error
}

func (r *recordingLauncher) Launch(fn *Function, args ...any) {
	r.errs = append(r.errs, fn.Call(r.dev, args...))
}
func (r *recordingLauncher) CopyToHost(x *memory.XchgMatrix)   { r.errs = append(r.errs, x.CopyToHost()) }
func (r *recordingLauncher) CopyToDevice(x *memory.XchgMatrix) { r.errs = append(r.errs, x.CopyToDevice()) }

func TestCacheMemoization(t *testing.T) {
	compiler := NewDeviceCompiler("test", nil, testLibrary())
	cache := NewCache(compiler, "")
	sig := MustParseSignature("iPd")

	fn1, err := cache.Build("scale", scaleSource, sig)
	require.NoError(t, err)
	fn2, err := cache.Build("scale", scaleSource, sig)
	require.NoError(t, err)
	assert.Same(t, fn1, fn2)
	assert.Equal(t, int64(1), compiler.Compiles())
	assert.Equal(t, Stats{Compiles: 1, MemoHits: 1}, cache.Stats())

	// Another function of the same source reuses the compiled module.
	_, err = cache.Build("fail", scaleSource, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), compiler.Compiles())

	// A different source is a different digest.
	_, err = cache.Build("scale", scaleSource+"// v2\n", sig)
	require.NoError(t, err)
	assert.Equal(t, int64(2), compiler.Compiles())
	assert.Equal(t, fn1.Digest(), cache.Digest(scaleSource))
	assert.NotEqual(t, cache.Digest(scaleSource), cache.Digest(scaleSource+"// v2\n"))

	// Flags are part of the digest.
	other := NewCache(NewDeviceCompiler("test", []string{"-O3"}, testLibrary()), "")
	assert.NotEqual(t, cache.Digest(scaleSource), other.Digest(scaleSource))

	cache.Invalidate(fn1.Digest())
	fn3, err := cache.Build("scale", scaleSource, sig)
	require.NoError(t, err)
	assert.NotSame(t, fn1, fn3)
	assert.Equal(t, int64(3), compiler.Compiles())
}

func TestCacheOnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kernels")
	lib := testLibrary()
	sig := MustParseSignature("iPd")

	first := NewCache(NewDeviceCompiler("test", nil, lib), dir)
	fn, err := first.Build("scale", scaleSource, sig)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, fn.Digest()+objectExt))
	require.NoError(t, err)

	// A new cache (e.g. a new process) finds the object on disk and doesn't compile.
	compiler := NewDeviceCompiler("test", nil, lib)
	second := NewCache(compiler, dir)
	_, err = second.Build("scale", scaleSource, sig)
	require.NoError(t, err)
	assert.Equal(t, int64(0), compiler.Compiles())
	assert.Equal(t, int64(1), second.Stats().DiskHits)

	second.Invalidate(fn.Digest())
	_, err = os.Stat(filepath.Join(dir, fn.Digest()+objectExt))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// Corrupt objects are discarded and recompiled.
	require.NoError(t, os.WriteFile(filepath.Join(dir, fn.Digest()+objectExt), []byte("garbage"), 0o644))
	third := NewCache(compiler, dir)
	_, err = third.Build("scale", scaleSource, sig)
	require.NoError(t, err)
	assert.Equal(t, int64(1), compiler.Compiles())
}

func TestCacheErrors(t *testing.T) {
	cache := NewCache(NewDeviceCompiler("test", nil, testLibrary()), "")
	var compileErr *CompileError
	var sigErr *SignatureError

	for _, src := range []string{
		"kernel scale(iPd) = test.unknown",
		"kernel scale(iP) = test.scale",
		"kernel scale(iPx) = test.scale",
		"function scale()",
		"// only comments",
		"kernel a() = test.fail\nkernel a() = test.fail",
	} {
		_, err := cache.Build("scale", src, MustParseSignature("iPd"))
		assert.True(t, errors.As(err, &compileErr), "source %q: %v", src, err)
	}

	_, err := cache.Build("missing", scaleSource, nil)
	assert.True(t, errors.As(err, &compileErr))

	_, err = cache.Build("scale", scaleSource, MustParseSignature("iPf"))
	require.True(t, errors.As(err, &sigErr))
	assert.Equal(t, "iPd", sigErr.Compiled.String())
}

func TestBound(t *testing.T) {
	dev := memory.NewArena("test", 64, 0)
	cache := NewCache(NewDeviceCompiler("test", nil, testLibrary()), "")
	fn, err := cache.Build("scale", scaleSource, MustParseSignature("iPd"))
	require.NoError(t, err)

	a, err := memory.NewMatrix(dtypes.Float64, []int{1, 4}, 64)
	require.NoError(t, err)
	b, err := memory.NewMatrix(dtypes.Float64, []int{1, 4}, 64)
	require.NoError(t, err)
	bank, err := memory.NewBank(a, b)
	require.NoError(t, err)

	k, err := Bind(fn, int32(4), bank, 2.0)
	require.NoError(t, err)
	l := &recordingLauncher{dev: dev}
	assert.Error(t, k.Run(l), "operands not allocated")
	assert.Empty(t, l.errs)

	require.NoError(t, memory.Allocate(dev, a, b))
	require.NoError(t, memory.Set(a, []float64{1, 2, 3, 4}))
	require.NoError(t, memory.Set(b, []float64{1, 1, 1, 1}))
	fp := k.Fingerprint()
	require.NoError(t, k.Run(l))

	bank.SetActive(1)
	assert.NotEqual(t, fp, k.Fingerprint())
	fp = k.Fingerprint()
	k.SetArg(2, 3.0)
	assert.NotEqual(t, fp, k.Fingerprint())
	require.NoError(t, k.Run(l))
	for _, err := range l.errs {
		require.NoError(t, err)
	}

	got, err := memory.Get[float64](a)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 6, 8}, got)
	got, err = memory.Get[float64](b)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 3, 3, 3}, got)

	k.SetArg(2, float32(1))
	assert.Error(t, k.Run(l), "wrong argument type")
	_, err = Bind(fn, int32(4))
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	src, err := Render("axnpby", "kernel axnpby{{.N}}(iii{{range .Ptrs}}P{{end}}) = blasext.axnpby", map[string]any{
		"N": 2, "Ptrs": []int{0, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "kernel axnpby2(iiiPP) = blasext.axnpby", src)

	_, err = Render("bad", "{{.Missing}}", map[string]any{})
	assert.Error(t, err)
}
