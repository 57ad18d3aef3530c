package backendtest

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOrdering checks a typical timestep: A; P after A; send S gated on P; B unrelated;
// wait W on the root receive R and on S; C after W and B.
func TestOrdering(t *testing.T, b backends.Backend) {
	log := NewLog(t)
	g := b.NewGraph()
	r := log.Request("R", 5*time.Millisecond, nil)
	s := log.Request("S", 5*time.Millisecond, nil)

	g.AddCommRequest(r)
	a := g.Add(log.Kernel(t, b, "A", 0))
	p := g.Add(log.Kernel(t, b, "P", time.Millisecond), a)
	g.AddCommRequest(s, p)
	bn := g.Add(log.Kernel(t, b, "B", 0))
	w := g.MakeWait(r, s)
	g.Add(log.Kernel(t, b, "C", 0), w, bn)
	require.False(t, g.Committed())
	require.NoError(t, g.Commit())
	require.True(t, g.Committed())
	assert.Equal(t, 5, g.NumNodes())

	for iter := range 3 {
		log.Reset()
		require.NoError(t, g.Run(), "iteration %d", iter)
		events := log.Events()
		for _, name := range []string{"A", "P", "B", "C"} {
			assert.Equal(t, 1, log.Count("start:"+name), "kernel %s in iteration %d: %v", name, iter, events)
		}
		assert.Equal(t, 1, log.Count("done:R"), events)
		assert.Equal(t, 1, log.Count("done:S"), events)
		for _, kernel := range []string{"A", "P", "B", "C"} {
			assert.True(t, log.Before("start:R", "start:"+kernel), "root request must start first: %v", events)
		}
		assert.True(t, log.Before("end:A", "start:P"), events)
		assert.True(t, log.Before("end:P", "start:S"), events)
		assert.True(t, log.Before("done:R", "start:C"), events)
		assert.True(t, log.Before("done:S", "start:C"), events)
		assert.True(t, log.Before("end:B", "start:C"), events)
	}
}

// TestConcurrency checks that nodes without a path between them may run at the same time, on
// backends whose plans allow it.
func TestConcurrency(t *testing.T, b backends.Backend) {
	if !b.Capabilities().ConcurrentNodes {
		t.Skipf("backend %q executes nodes in declaration order", b.Name())
	}
	log := NewLog(t)
	g := b.NewGraph()
	var ks []kernels.Kernel
	for i := range 4 {
		ks = append(ks, log.Kernel(t, b, fmt.Sprintf("K%d", i), 30*time.Millisecond))
	}
	ids := g.AddAll(ks)
	g.Add(log.Kernel(t, b, "Join", 0), ids...)
	require.NoError(t, g.Commit())
	require.NoError(t, g.Run())
	assert.GreaterOrEqual(t, log.MaxConcurrent(), 2)
	for i := range 4 {
		assert.True(t, log.Before(fmt.Sprintf("end:K%d", i), "start:Join"))
	}
}

// TestOverlap checks that a kernel B with no path to the producer P of a gated send S runs at
// the same time as both: P only ends once B started, and B only ends once S started.
func TestOverlap(t *testing.T, b backends.Backend) {
	if !b.Capabilities().ConcurrentNodes {
		t.Skipf("backend %q executes nodes in declaration order", b.Name())
	}
	log := NewLog(t)
	g := b.NewGraph()
	s := log.Request("S", time.Millisecond, nil)
	p := g.Add(log.Await(t, b, "P", "start:B"))
	g.AddCommRequest(s, p)
	bn := g.Add(log.Await(t, b, "B", "start:S"))
	w := g.MakeWait(s)
	g.Add(log.Kernel(t, b, "C", 0), w, bn)
	require.NoError(t, g.Commit())

	for iter := range 2 {
		log.Reset()
		require.NoError(t, g.Run(), "iteration %d", iter)
		events := log.Events()
		assert.True(t, log.Before("start:B", "end:P"), events)
		assert.True(t, log.Before("start:S", "end:B"), events)
		assert.True(t, log.Before("done:S", "start:C"), events)
	}
}

// TestDeclarationOrder checks that every declaration order consistent with the dependencies
// computes the same results.
func TestDeclarationOrder(t *testing.T, b backends.Backend) {
	x, y := newMatrix(t, b, 2, 3, nil), newMatrix(t, b, 2, 3, nil)
	z, w := newMatrix(t, b, 2, 3, nil), newMatrix(t, b, 2, 3, nil)
	require.NoError(t, b.Allocate(x, y, z, w))
	copyXZ, err := b.Copy(z, x)
	require.NoError(t, err)
	sumZY, err := b.Axnpby([]float64{1, 1}, z, y)
	require.NoError(t, err)
	scaleW, err := b.Axnpby([]float64{2}, w)
	require.NoError(t, err)

	type step struct {
		kernel kernels.Kernel
		deps   []string
	}
	steps := map[string]step{
		"fillX":  {Fill(t, b, x, 1), nil},
		"fillY":  {Fill(t, b, y, 2), nil},
		"fillW":  {Fill(t, b, w, 5), nil},
		"copyXZ": {copyXZ, []string{"fillX"}},
		"sumZY":  {sumZY, []string{"copyXZ", "fillY"}},
		"scaleW": {scaleW, []string{"fillW"}},
	}
	names := make([]string, 0, len(steps))
	for name := range steps {
		names = append(names, name)
	}
	slices.Sort(names)

	rng := rand.New(rand.NewPCG(17, 42))
	for iter := range 8 {
		// Random linear extension: repeatedly declare one of the steps whose dependencies are declared.
		ids := make(map[string]backends.NodeID, len(steps))
		var order []string
		g := b.NewGraph()
		for len(order) < len(steps) {
			var ready []string
			for _, name := range names {
				if _, declared := ids[name]; declared {
					continue
				}
				if !slices.ContainsFunc(steps[name].deps, func(dep string) bool { _, declared := ids[dep]; return !declared }) {
					ready = append(ready, name)
				}
			}
			name := ready[rng.IntN(len(ready))]
			var deps []backends.NodeID
			for _, dep := range steps[name].deps {
				deps = append(deps, ids[dep])
			}
			ids[name] = g.Add(steps[name].kernel, deps...)
			order = append(order, name)
		}
		require.NoError(t, g.Commit())
		for _, m := range []*memory.Matrix{x, y, z, w} {
			require.NoError(t, memory.Set(m, make([]float64, 6)))
		}
		require.NoError(t, g.Run(), "order %v", order)
		assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, get(t, x), "iteration %d, order %v", iter, order)
		assert.Equal(t, []float64{3, 3, 3, 3, 3, 3}, get(t, z), "iteration %d, order %v", iter, order)
		assert.Equal(t, []float64{10, 10, 10, 10, 10, 10}, get(t, w), "iteration %d, order %v", iter, order)
	}
}

// TestWaitDoesNotStallUnrelated checks that a kernel unrelated to a wait node completes while
// the communication is still in flight.
func TestWaitDoesNotStallUnrelated(t *testing.T, b backends.Backend) {
	log := NewLog(t)
	g := b.NewGraph()
	r := log.Request("R", 50*time.Millisecond, nil)
	g.AddCommRequest(r)
	g.Add(log.Kernel(t, b, "U", 0))
	w := g.MakeWait(r)
	g.Add(log.Kernel(t, b, "C", 0), w)
	require.NoError(t, g.Commit())
	require.NoError(t, g.Run())
	events := log.Events()
	assert.True(t, log.Before("end:U", "done:R"), events)
	assert.True(t, log.Before("done:R", "start:C"), events)
}

// TestIndependentChains checks the order within each of several interleaved chains.
func TestIndependentChains(t *testing.T, b backends.Backend) {
	const numChains, chainLen = 3, 4
	log := NewLog(t)
	g := b.NewGraph()
	last := make([]backends.NodeID, numChains)
	for step := range chainLen {
		for c := range numChains {
			k := log.Kernel(t, b, fmt.Sprintf("c%d-%d", c, step), time.Millisecond)
			if step == 0 {
				last[c] = g.Add(k)
			} else {
				last[c] = g.Add(k, last[c])
			}
		}
	}
	require.NoError(t, g.Commit())
	for range 2 {
		log.Reset()
		require.NoError(t, g.Run())
		events := log.Events()
		assert.Len(t, events, 2*numChains*chainLen)
		for c := range numChains {
			for step := 1; step < chainLen; step++ {
				assert.True(t, log.Before(fmt.Sprintf("end:c%d-%d", c, step-1), fmt.Sprintf("start:c%d-%d", c, step)), events)
			}
		}
	}
}

// TestEmptyGraphs checks graphs without kernels, with and without communication.
func TestEmptyGraphs(t *testing.T, b backends.Backend) {
	g := b.NewGraph()
	require.NoError(t, g.Commit())
	require.NoError(t, g.Run())
	require.NoError(t, g.Run())

	log := NewLog(t)
	g = b.NewGraph()
	waited := log.Request("Waited", time.Millisecond, nil)
	unwaited := log.Request("Unwaited", time.Millisecond, nil)
	g.AddCommRequests([]comm.Request{waited, unwaited})
	g.MakeWait(waited)
	require.NoError(t, g.Commit())
	for range 2 {
		log.Reset()
		require.NoError(t, g.Run())
		// Run is a full join: requests no wait node covers are finished too.
		assert.Equal(t, 1, log.Count("done:Waited"))
		assert.Equal(t, 1, log.Count("done:Unwaited"))
	}
}

func requireProgrammerError(t *testing.T, name string, fn func()) {
	err := exceptions.TryCatch[error](fn)
	var perr *backends.ProgrammerError
	require.ErrorAsf(t, err, &perr, "%s should panic with a *backends.ProgrammerError", name)
}

// TestProgrammerErrors checks that every misuse of the build/commit protocol panics
// immediately with a *backends.ProgrammerError.
func TestProgrammerErrors(t *testing.T, b backends.Backend) {
	log := NewLog(t)
	newGraph := func() (backends.Graph, backends.NodeID, backends.NodeID, *Request) {
		g := b.NewGraph()
		k := g.Add(log.Kernel(t, b, "K", 0))
		r := log.Request("R", 0, nil)
		g.AddCommRequest(r, k)
		w := g.MakeWait(r)
		return g, k, w, r
	}
	testCases := []struct {
		name string
		fn   func()
	}{
		{"unknown dependency", func() {
			g, _, _, _ := newGraph()
			g.Add(log.Kernel(t, b, "X", 0), 42)
		}},
		{"negative dependency", func() {
			g, _, _, _ := newGraph()
			g.Add(log.Kernel(t, b, "X", 0), backends.InvalidNodeID)
		}},
		{"nil kernel", func() {
			g, _, _, _ := newGraph()
			g.Add(nil)
		}},
		{"request added twice", func() {
			g, _, _, r := newGraph()
			g.AddCommRequest(r)
		}},
		{"nil request", func() {
			g, _, _, _ := newGraph()
			g.AddCommRequest(nil)
		}},
		{"request gated on a wait node", func() {
			g, _, w, _ := newGraph()
			g.AddCommRequest(log.Request("R2", 0, nil), w)
		}},
		{"wait without requests", func() {
			g, _, _, _ := newGraph()
			g.MakeWait()
		}},
		{"wait on unknown request", func() {
			g, _, _, _ := newGraph()
			g.MakeWait(log.Request("Unknown", 0, nil))
		}},
		{"request waited twice", func() {
			g, _, _, r := newGraph()
			g.MakeWait(r)
		}},
		{"MarkStale on a wait node", func() {
			g, _, w, _ := newGraph()
			g.MarkStale(w)
		}},
		{"Run before Commit", func() {
			g, _, _, _ := newGraph()
			_ = g.Run()
		}},
		{"Commit twice", func() {
			g, _, _, _ := newGraph()
			_ = g.Commit()
			_ = g.Commit()
		}},
		{"Add after Commit", func() {
			g, k, _, _ := newGraph()
			_ = g.Commit()
			g.Add(log.Kernel(t, b, "X", 0), k)
		}},
		{"AddCommRequest after Commit", func() {
			g, _, _, _ := newGraph()
			_ = g.Commit()
			g.AddCommRequest(log.Request("R2", 0, nil))
		}},
		{"MakeWait after Commit", func() {
			g := b.NewGraph()
			r := log.Request("R2", 0, nil)
			g.AddCommRequest(r)
			_ = g.Commit()
			g.MakeWait(r)
		}},
	}
	for _, tc := range testCases {
		requireProgrammerError(t, tc.name, tc.fn)
	}
}

// TestCommErrorPassThrough checks that a communication error is returned by Run unchanged,
// and that the nodes depending on the failed wait never run.
func TestCommErrorPassThrough(t *testing.T, b backends.Backend) {
	log := NewLog(t)
	commErr := &comm.CommunicationError{Op: "recv", Rank: 0, Peer: 1, Tag: 3, Err: errors.New("link down")}
	g := b.NewGraph()
	r := log.Request("R", time.Millisecond, commErr)
	g.AddCommRequest(r)
	w := g.MakeWait(r)
	g.Add(log.Kernel(t, b, "C", 0), w)
	require.NoError(t, g.Commit())

	err := g.Run()
	require.Error(t, err)
	assert.Same(t, commErr, err)
	assert.Zero(t, log.Count("start:C"))
}

// TestKernelError checks that a failing kernel fails the run without executing its
// dependents, and that the run does not hang.
func TestKernelError(t *testing.T, b backends.Backend) {
	log := NewLog(t)
	g := b.NewGraph()
	r := log.Request("R", 0, nil)
	f := g.Add(log.Failing(t, b, "F"))
	g.AddCommRequest(r, f)
	w := g.MakeWait(r)
	g.Add(log.Kernel(t, b, "D", 0), f)
	g.Add(log.Kernel(t, b, "E", 0), w)
	require.NoError(t, g.Commit())

	for range 2 {
		log.Reset()
		err := g.Run()
		require.ErrorIs(t, err, ErrInjected)
		assert.Equal(t, 1, log.Count("start:F"))
		assert.Zero(t, log.Count("start:D"))
		assert.Zero(t, log.Count("start:E"))
		assert.Zero(t, log.Count("start:R"))
	}
}

// TestStaleRefresh checks that launch parameters are captured at Commit and refreshed only for
// stale nodes: kernels bound to a bank follow its active member, other kernels must be marked.
func TestStaleRefresh(t *testing.T, b backends.Backend) {
	const n = 6
	m0, m1 := newMatrix(t, b, 2, 3, nil), newMatrix(t, b, 2, 3, nil)
	target := newMatrix(t, b, 2, 3, nil)
	require.NoError(t, b.Allocate(m0, m1, target))
	bank, err := memory.NewBank(m0, m1)
	require.NoError(t, err)
	fillFn := buildTestFunction(t, b, "fill", "iPd")

	value := 1.0
	custom := kernels.Func(func(l kernels.Launcher) error {
		l.Launch(fillFn, int32(n), target.Addr(), value)
		return nil
	})

	g := b.NewGraph()
	bankNode := g.Add(Fill(t, b, bank, 3))
	customNode := g.Add(custom, bankNode)
	require.NoError(t, g.Commit())

	require.NoError(t, g.Run())
	assert.Equal(t, []float64{3, 3, 3, 3, 3, 3}, get(t, m0))
	assert.Equal(t, make([]float64, n), get(t, m1))
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, get(t, target))

	// The bank swap is picked up automatically.
	bank.SetActive(1)
	value = 2
	require.NoError(t, g.Run())
	assert.Equal(t, []float64{3, 3, 3, 3, 3, 3}, get(t, m1))
	// The custom kernel still runs with the parameters captured at Commit.
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, get(t, target))

	g.MarkStale(customNode)
	require.NoError(t, g.Run())
	assert.Equal(t, []float64{2, 2, 2, 2, 2, 2}, get(t, target))
}
