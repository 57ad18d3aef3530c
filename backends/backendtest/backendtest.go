// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backendtest holds the contract tests every fluxgraph backend must pass, independent
// of the native plan behind its graphs and queues.
//
// Each backend package runs them from its own tests:
//
//	func TestContract(t *testing.T) {
//		backendtest.RunAll(t, func(t *testing.T) backends.Backend { ... })
//	}
package backendtest

import (
	"testing"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

// NewBackendFn creates a fresh backend for one test. It should register its Finalize with t.Cleanup.
type NewBackendFn func(t *testing.T) backends.Backend

// RunAll runs the whole contract suite, one subtest per property.
func RunAll(t *testing.T, newBackend NewBackendFn) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b backends.Backend)
	}{
		{"Ordering", TestOrdering},
		{"Concurrency", TestConcurrency},
		{"Overlap", TestOverlap},
		{"DeclarationOrder", TestDeclarationOrder},
		{"WaitDoesNotStallUnrelated", TestWaitDoesNotStallUnrelated},
		{"IndependentChains", TestIndependentChains},
		{"EmptyGraphs", TestEmptyGraphs},
		{"ProgrammerErrors", TestProgrammerErrors},
		{"CommErrorPassThrough", TestCommErrorPassThrough},
		{"KernelError", TestKernelError},
		{"StaleRefresh", TestStaleRefresh},
		{"Exchange", TestExchange},
		{"GatedSendAcrossRanks", TestGatedSendAcrossRanks},
		{"Queue", TestQueue},
		{"QueueOrdering", TestQueueOrdering},
		{"Providers", TestProviders},
		{"NoProvider", TestNoProvider},
		{"Finalize", TestFinalize},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newBackend(t))
		})
	}
}

// newMatrix creates a float64 matrix with the given values (in logical layout), not allocated.
func newMatrix(t *testing.T, b backends.Backend, nrow, ncol int, values []float64, tags ...string) *memory.Matrix {
	m, err := b.NewMatrix(dtypes.Float64, []int{nrow, ncol}, tags...)
	require.NoError(t, err)
	if values != nil {
		require.NoError(t, memory.SetInitial(m, values))
	}
	return m
}

func get(t *testing.T, m memory.BytesReader) []float64 {
	values, err := memory.Get[float64](m)
	require.NoError(t, err)
	return values
}

func ramp(n int, start float64) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = start + float64(i)
	}
	return values
}
