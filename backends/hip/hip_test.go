package hip

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

func TestCapabilities(t *testing.T) {
	b, err := New("disable_cache=true,mpi_type=aware,parallelism=4")
	require.NoError(t, err)
	defer b.Finalize()
	caps := b.Capabilities()
	assert.True(t, caps.DeviceAwareExchange)
	assert.True(t, caps.FineGrainedQueue)
	assert.True(t, caps.ConcurrentNodes)
}

