package cuda

import (
	"testing"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/backendtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(configuration string) backendtest.NewBackendFn {
	return func(t *testing.T) backends.Backend {
		b, err := New(configuration)
		require.NoError(t, err)
		t.Cleanup(b.Finalize)
		return b
	}
}

func TestContract(t *testing.T) {
	backendtest.RunAll(t, newBackend("disable_cache=true"))
}

func TestAwareExchange(t *testing.T) {
	backendtest.RunAll(t, newBackend("disable_cache=true,mpi_type=cuda-aware"))
}

func TestSingleWorker(t *testing.T) {
	// Host-function nodes must not starve kernels of workers.
	b, err := New("disable_cache=true,parallelism=0")
	require.NoError(t, err)
	defer b.Finalize()
	assert.Equal(t, 1, b.Options().Parallelism)
	assert.False(t, b.Capabilities().ConcurrentNodes)
	backendtest.TestExchange(t, b)
	backendtest.TestOrdering(t, b)
}

