package veo

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

func TestRejectsAwareExchange(t *testing.T) {
	_, err := New("mpi_type=aware")
	assert.Error(t, err)

	b, err := New("disable_cache=true")
	require.NoError(t, err)
	defer b.Finalize()
	caps := b.Capabilities()
	assert.False(t, caps.ConcurrentNodes)
	assert.False(t, caps.FineGrainedQueue)
}

