package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	opts, err := Parse("cuda", "")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float64, opts.Precision)
	assert.Equal(t, MPIStandard, opts.MPIType)
	assert.Equal(t, 512, opts.SparseMaxNNZ)

	opts, err = Parse("cuda", "precision=single, mpi_type=cuda-aware,memory_limit=2MiB,compiler_flags=-O3 -ffast-math,parallelism=-1")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, opts.Precision)
	assert.Equal(t, MPIAware, opts.MPIType)
	assert.Equal(t, uint64(2<<20), opts.MemoryLimit)
	assert.Equal(t, []string{"-O3", "-ffast-math"}, opts.CompilerFlags)
	assert.Equal(t, -1, opts.Parallelism)

	for _, configuration := range []string{"precision", "precision=half", "alignment=12", "bogus=1", "mpi_type=fast"} {
		_, err = Parse("openmp", configuration)
		assert.Error(t, err, "configuration %q", configuration)
	}
}

func TestCacheDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvCacheDir, dir)
	t.Setenv(EnvLocalRank, "")
	assert.Equal(t, dir, Defaults().CacheDir)
	assert.Equal(t, 0, Defaults().DeviceID)

	// Ranks sharing a node don't share their kernel objects.
	t.Setenv(EnvLocalRank, "2")
	opts := Defaults()
	assert.Equal(t, filepath.Join(dir, "rank-2"), opts.CacheDir)
	assert.Equal(t, 2, opts.DeviceID)

	t.Setenv(EnvLocalRank, "not-a-rank")
	assert.Equal(t, dir, Defaults().CacheDir)

	// An explicit cache_dir is used as given.
	t.Setenv(EnvLocalRank, "2")
	opts, err := Parse("openmp", "cache_dir="+dir)
	require.NoError(t, err)
	assert.Equal(t, dir, opts.CacheDir)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvLocalRank, "3")
	t.Setenv("FLUXGRAPH_TEST_CACHE", "/tmp/fluxgraph-test-cache")
	src := `
backend "hip" {
  device_id      = local_rank + 1
  precision      = "single"
  mpi_type       = "aware"
  alignment      = 128
  cache_dir      = env["FLUXGRAPH_TEST_CACHE"]
  compiler_flags = ["-O2"]
}

backend "veo" {
  sparse_max_nnz = 64
  memory_limit   = "1 GB"
}
`
	path := filepath.Join(t.TempDir(), "runtime.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	opts, err := Parse("hip", "config="+path+",precision=double")
	require.NoError(t, err)
	assert.Equal(t, 4, opts.DeviceID)
	// Explicit keys win over the file, regardless of order.
	assert.Equal(t, dtypes.Float64, opts.Precision)
	assert.Equal(t, MPIAware, opts.MPIType)
	assert.Equal(t, 128, opts.Alignment)
	assert.Equal(t, "/tmp/fluxgraph-test-cache", opts.CacheDir)
	assert.Equal(t, []string{"-O2"}, opts.CompilerFlags)

	opts = Defaults()
	require.NoError(t, LoadFile(path, "veo", &opts))
	assert.Equal(t, 64, opts.SparseMaxNNZ)
	assert.Equal(t, uint64(1_000_000_000), opts.MemoryLimit)

	// Backends without a block keep their defaults.
	opts = Defaults()
	require.NoError(t, LoadFile(path, "opencl", &opts))
	assert.Equal(t, Defaults(), opts)

	badPath := filepath.Join(t.TempDir(), "bad.hcl")
	require.NoError(t, os.WriteFile(badPath, []byte(`backend "hip" { precision = "half" }`), 0o644))
	assert.Error(t, LoadFile(badPath, "hip", &opts))
}
