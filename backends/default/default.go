// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends: openmp, opencl and veo, plus cuda and hip.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/fluxgraph/backends/default"
//
// If you add the tag `nogpu` it will not include the GPU backends (cuda and hip).
//
// Unless backends.DefaultConfig is set, the default backend is openmp.
package _default

import (
	"github.com/gomlx/fluxgraph/backends"
	_ "github.com/gomlx/fluxgraph/backends/opencl"
	"github.com/gomlx/fluxgraph/backends/openmp"
	_ "github.com/gomlx/fluxgraph/backends/veo"
)

func init() {
	if backends.DefaultConfig == "" {
		backends.DefaultConfig = openmp.BackendName
	}
}
