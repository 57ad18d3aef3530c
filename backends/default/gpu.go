//go:build !nogpu

package _default

import (
	_ "github.com/gomlx/fluxgraph/backends/cuda"
	_ "github.com/gomlx/fluxgraph/backends/hip"
)
