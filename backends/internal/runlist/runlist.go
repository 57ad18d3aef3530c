// Package runlist implements the coarse plan of the host-driven backends: kernels run in
// declaration order, split into segments at the points where communication must be waited
// for or started.
package runlist

import (
	"maps"
	"slices"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/internal/graphbase"
	"github.com/gomlx/fluxgraph/backends/internal/queuebase"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/support/sets"
	"k8s.io/klog/v2"
)

// Segment is a run of consecutive kernels, with the requests waited before it and the requests
// started after it.
type Segment struct {
	Waits   []comm.Request
	Kernels []backends.NodeID
	Starts  []comm.Request
}

// Plan is the run-list of a committed graph.
type Plan struct {
	// Roots are started before anything else.
	Roots []comm.Request

	Segments []Segment

	// Final are the requests no wait node covers, waited after the last segment.
	Final []comm.Request
}

// Build the run-list of the graph g.
//
// With kernels numbered 0..n-1 in declaration order, a gated request is started at boundary
// i+1, where i is its last dependency, and the requests of a wait node are waited at boundary
// j, where j is the first kernel depending on it. Wait nodes no kernel depends on are waited
// at boundary n. Every kernel belongs to exactly one segment.
func Build(g *graphbase.Base) *Plan {
	ids := g.Kernels()
	ordinal := make(map[backends.NodeID]int, len(ids))
	for i, id := range ids {
		ordinal[id] = i
	}
	n := len(ids)

	starts := make(map[int][]comm.Request)
	for _, gated := range g.Gated() {
		last := -1
		for _, dep := range gated.Deps {
			last = max(last, ordinal[dep])
		}
		starts[last+1] = append(starts[last+1], gated.Req)
	}
	waits := make(map[int][]comm.Request)
	for _, w := range g.Waits() {
		at := n
		for _, dep := range g.Dependents(w) {
			if i, isKernel := ordinal[dep]; isKernel {
				at = min(at, i)
			}
		}
		waits[at] = append(waits[at], g.Node(w).Reqs...)
	}

	plan := &Plan{Roots: g.Roots(), Final: g.Unwaited()}
	for _, span := range Cut(n, waits, starts) {
		plan.Segments = append(plan.Segments, Segment{
			Waits:   span.Waits,
			Kernels: ids[span.First : span.First+span.Count],
			Starts:  span.Starts,
		})
	}
	klog.V(1).Infof("%s: run-list of %d segments for %d kernels", g, len(plan.Segments), n)
	return plan
}

// Span is a segment of kernel ordinals [First, First+Count).
type Span struct {
	Waits        []comm.Request
	First, Count int
	Starts       []comm.Request
}

// Cut splits n kernels into spans at every boundary with waits or starts. The requests of
// waits[i] are waited before kernel i, the ones of starts[i] are started after kernel i-1.
// Waits at boundary n get a trailing span with no kernels.
func Cut(n int, waits, starts map[int][]comm.Request) []Span {
	cuts := sets.MakeWith(0, n)
	cuts.Insert(slices.Collect(maps.Keys(waits))...)
	cuts.Insert(slices.Collect(maps.Keys(starts))...)
	points := sets.Sorted(cuts)

	var spans []Span
	for k := 0; k+1 < len(points); k++ {
		a, b := points[k], points[k+1]
		spans = append(spans, Span{Waits: waits[a], First: a, Count: b - a, Starts: starts[b]})
	}
	if len(waits[n]) > 0 {
		spans = append(spans, Span{Waits: waits[n], First: n})
	}
	return spans
}

// Run executes the plan: runKernels executes (or submits) the kernels of one segment, join
// blocks until every kernel submitted so far completed.
//
// Starts join the prior kernels first. A failure stops the run: Run joins the kernels already
// submitted and returns the error. Communication errors are returned unchanged.
func (p *Plan) Run(runKernels func(ids []backends.NodeID) error, join func() error) error {
	if err := comm.StartAll(p.Roots); err != nil {
		return err
	}
	abort := func(err error) error {
		_ = join()
		return err
	}
	for _, seg := range p.Segments {
		if err := comm.WaitAll(seg.Waits); err != nil {
			return abort(err)
		}
		if len(seg.Kernels) > 0 {
			if err := runKernels(seg.Kernels); err != nil {
				return abort(err)
			}
		}
		if len(seg.Starts) > 0 {
			if err := join(); err != nil {
				return err
			}
			if err := comm.StartAll(seg.Starts); err != nil {
				return err
			}
		}
	}
	if err := join(); err != nil {
		return err
	}
	return comm.WaitAll(p.Final)
}

// Graph implements backends.Graph with a run-list: kernels are dispatched to an executor in
// declaration order, and the executor is joined before requests are started.
type Graph struct {
	*graphbase.Base
	exec queuebase.Executor
	plan *Plan
}

var _ backends.Graph = (*Graph)(nil)

// NewGraph creates an empty graph for the named backend, executing its kernels on exec.
func NewGraph(backend string, exec queuebase.Executor) *Graph {
	return &Graph{Base: graphbase.New(backend), exec: exec}
}

// Commit implements backends.Graph.
func (g *Graph) Commit() error {
	if err := g.Freeze(); err != nil {
		return err
	}
	g.plan = Build(g.Base)
	return nil
}

// Run implements backends.Graph.
func (g *Graph) Run() error {
	if err := g.Err(); err != nil {
		return err
	}
	if _, err := g.Refresh(); err != nil {
		return err
	}
	return g.plan.Run(g.dispatch, g.exec.Join)
}

func (g *Graph) dispatch(ids []backends.NodeID) error {
	for _, id := range ids {
		for _, op := range g.Node(id).Ops {
			g.exec.Dispatch(op)
		}
	}
	return nil
}

// Plan returns the run-list, or nil if the graph is not committed.
func (g *Graph) Plan() *Plan { return g.plan }
