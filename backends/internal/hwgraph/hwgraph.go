// Package hwgraph emulates the hardware graph API shared by the GPU backends: a committed graph
// is captured once into kernel nodes, event-record nodes and host-function nodes, instantiated
// into an executable graph, and launched on every run.
//
// Gated requests get an event-record node depending on their kernels: a host goroutine per
// request waits for the event and starts the request, whatever the wait nodes declared before
// it. Wait nodes become host-function nodes, chained so only one host callback is in flight,
// that block until the host resolves their latch after the requests completed. Kernels
// depending on a wait node depend on its host-function node.
package hwgraph

import (
	"slices"
	"sync"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/internal/device"
	"github.com/gomlx/fluxgraph/backends/internal/graphbase"
	"github.com/gomlx/fluxgraph/internal/workerspool"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/fluxgraph/pkg/support/xsync"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

type nodeKind int

const (
	kernelNode nodeKind = iota
	eventNode
	hostNode
)

type node struct {
	kind       nodeKind
	ops        []device.Op
	deps       []int
	dependents []int

	// slot is the index of the event (eventNode) or host latch (hostNode) of a run.
	slot int
}

type gatedStart struct {
	req   comm.Request
	event int
}

type waitStep struct {
	host  int
	gated []gatedStart
	reqs  []comm.Request
}

// Exec is an instantiated hardware graph.
type Exec struct {
	name string
	dev  memory.Device
	pool *workerspool.Pool

	nodes      []*node
	kernelNode map[backends.NodeID]int
	numEvents  int
	numHosts   int

	roots   []comm.Request
	steps   []waitStep
	orphans []gatedStart
	final   []comm.Request
}

// Instantiate captures the committed graph g into an executable graph, run on dev with the
// workers of pool.
func Instantiate(g *graphbase.Base, dev memory.Device, pool *workerspool.Pool) *Exec {
	e := &Exec{
		name:       g.String(),
		dev:        dev,
		pool:       pool,
		kernelNode: make(map[backends.NodeID]int),
		roots:      g.Roots(),
		final:      g.Unwaited(),
	}
	addNode := func(n *node) int {
		e.nodes = append(e.nodes, n)
		return len(e.nodes) - 1
	}

	// Kernel and host-function nodes, in declaration order.
	hostOf := make(map[backends.NodeID]int)
	lastHost := -1
	for id := range backends.NodeID(g.NumNodes()) {
		gn := g.Node(id)
		switch gn.Kind {
		case graphbase.KernelNode:
			n := &node{kind: kernelNode, ops: slices.Clone(gn.Ops)}
			for _, dep := range gn.Deps {
				if idx, isKernel := e.kernelNode[dep]; isKernel {
					n.deps = append(n.deps, idx)
				} else {
					n.deps = append(n.deps, hostOf[dep])
				}
			}
			e.kernelNode[id] = addNode(n)
		case graphbase.WaitNode:
			n := &node{kind: hostNode, slot: e.numHosts}
			e.numHosts++
			if lastHost >= 0 {
				n.deps = []int{lastHost}
			}
			lastHost = addNode(n)
			hostOf[id] = lastHost
			e.steps = append(e.steps, waitStep{host: n.slot, reqs: gn.Reqs})
		}
	}

	// Event-record nodes of the gated requests.
	stepOf := make(map[backends.NodeID]int, len(e.steps))
	for i, w := range g.Waits() {
		stepOf[w] = i
	}
	for waitID, gated := range g.GatedBy() {
		for _, gr := range gated {
			n := &node{kind: eventNode, slot: e.numEvents}
			e.numEvents++
			for _, dep := range gr.Deps {
				n.deps = append(n.deps, e.kernelNode[dep])
			}
			addNode(n)
			start := gatedStart{req: gr.Req, event: n.slot}
			if waitID == backends.InvalidNodeID {
				e.orphans = append(e.orphans, start)
			} else {
				step := &e.steps[stepOf[waitID]]
				step.gated = append(step.gated, start)
			}
		}
	}
	for i, n := range e.nodes {
		for _, dep := range n.deps {
			e.nodes[dep].dependents = append(e.nodes[dep].dependents, i)
		}
	}
	klog.V(1).Infof("%s: instantiated hardware graph with %d nodes (%d event-record, %d host-function)",
		e.name, len(e.nodes), e.numEvents, e.numHosts)
	return e
}

// SetKernelParams updates, in place, the captured operations of the kernel node of graph node id.
func (e *Exec) SetKernelParams(id backends.NodeID, ops []device.Op) {
	e.nodes[e.kernelNode[id]].ops = slices.Clone(ops)
}

// NumNodes returns the number of nodes of the executable graph.
func (e *Exec) NumNodes() int { return len(e.nodes) }

// runState holds the synchronization slots of one launch: events and host latches are never
// reused across runs.
type runState struct {
	events []*xsync.Latch
	hosts  []*xsync.Latch
}

// Run launches the executable graph and drives its communication from the host: root requests
// are started before the launch, gated requests as soon as their events trigger, and for each
// wait step the requests are waited and the host-function node released.
//
// It returns when every node completed and every request finished. On failure the pending
// latches are released with the error, the launch and the starts are joined, and the first
// error is returned. Communication errors are returned unchanged.
func (e *Exec) Run() error {
	run := &runState{
		events: make([]*xsync.Latch, e.numEvents),
		hosts:  make([]*xsync.Latch, e.numHosts),
	}
	for i := range run.events {
		run.events[i] = xsync.NewLatch()
	}
	for i := range run.hosts {
		run.hosts[i] = xsync.NewLatch()
	}

	if err := comm.StartAll(e.roots); err != nil {
		return err
	}
	done := xsync.NewLatch()
	go func() { done.TriggerWithError(e.execute(run)) }()

	// Every event is eventually triggered or failed by execute, so the starts always finish.
	var starts errgroup.Group
	startFor := func(gated []gatedStart) []*xsync.Latch {
		latches := make([]*xsync.Latch, len(gated))
		for i, gs := range gated {
			started := xsync.NewLatch()
			latches[i] = started
			starts.Go(func() error {
				err := run.events[gs.event].Wait()
				if err == nil {
					err = gs.req.Start()
				}
				started.TriggerWithError(err)
				return err
			})
		}
		return latches
	}
	stepStarts := make([][]*xsync.Latch, len(e.steps))
	for i, step := range e.steps {
		stepStarts[i] = startFor(step.gated)
	}
	orphanStarts := startFor(e.orphans)

	err := e.drive(run, stepStarts, orphanStarts)
	if err != nil {
		xsync.FailPending(err, run.hosts...)
	}
	execErr := done.Wait()
	startErr := starts.Wait()
	if err != nil {
		return err
	}
	if execErr != nil {
		return execErr
	}
	return startErr
}

// drive is the host side of a run: each wait step waits for its gated requests to be started,
// then for its requests, and releases its host-function node.
func (e *Exec) drive(run *runState, stepStarts [][]*xsync.Latch, orphanStarts []*xsync.Latch) error {
	for i, step := range e.steps {
		if err := xsync.WaitAll(stepStarts[i]...); err != nil {
			return err
		}
		if err := comm.WaitAll(step.reqs); err != nil {
			return err
		}
		run.hosts[step.host].Trigger()
	}
	if err := xsync.WaitAll(orphanStarts...); err != nil {
		return err
	}
	return comm.WaitAll(e.final)
}

// execute runs the nodes as their dependencies complete, in parallel on the workers pool.
func (e *Exec) execute(run *runState) error {
	if len(e.nodes) == 0 {
		return nil
	}
	var (
		execMu    sync.Mutex
		firstErr  error
		completed int
		inFlight  sync.WaitGroup
	)
	remainingDeps := make([]int, len(e.nodes))
	readyToExecute := make(chan int, len(e.nodes))
	stopExecutionFn := sync.OnceFunc(func() { close(readyToExecute) })
	for idx, n := range e.nodes {
		remainingDeps[idx] = len(n.deps)
		if remainingDeps[idx] == 0 {
			readyToExecute <- idx
		}
	}

	for nodeIdx := range readyToExecute {
		inFlight.Add(1)
		e.pool.WaitToStart(func() {
			defer inFlight.Done()
			err := e.executeNode(run, e.nodes[nodeIdx])

			execMu.Lock()
			defer execMu.Unlock()
			if firstErr != nil {
				return
			}
			if err != nil {
				firstErr = err
				// Release the host waiting on events that will never be recorded.
				xsync.FailPending(err, run.events...)
				stopExecutionFn()
				return
			}
			completed++
			if completed == len(e.nodes) {
				stopExecutionFn()
				return
			}
			for _, depIdx := range e.nodes[nodeIdx].dependents {
				remainingDeps[depIdx]--
				if remainingDeps[depIdx] == 0 {
					readyToExecute <- depIdx
				}
			}
		})
	}
	inFlight.Wait()
	return firstErr
}

func (e *Exec) executeNode(run *runState, n *node) error {
	switch n.kind {
	case kernelNode:
		return device.ExecAll(e.dev, n.ops)
	case eventNode:
		run.events[n.slot].Trigger()
	case hostNode:
		var err error
		e.pool.Sleep(func() { err = run.hosts[n.slot].Wait() })
		return err
	}
	return nil
}

// Graph implements backends.Graph with a hardware graph: Commit captures and instantiates it,
// Run refreshes the parameters of stale kernel nodes in place and launches it.
type Graph struct {
	*graphbase.Base
	dev  memory.Device
	pool *workerspool.Pool
	exec *Exec
}

var _ backends.Graph = (*Graph)(nil)

// NewGraph creates an empty graph for the named backend. The pool must allow at least one
// worker: host-function nodes block a worker while the host waits for communication.
func NewGraph(backend string, dev memory.Device, pool *workerspool.Pool) *Graph {
	return &Graph{Base: graphbase.New(backend), dev: dev, pool: pool}
}

// Commit implements backends.Graph.
func (g *Graph) Commit() error {
	if err := g.Freeze(); err != nil {
		return err
	}
	g.exec = Instantiate(g.Base, g.dev, g.pool)
	return nil
}

// Run implements backends.Graph.
func (g *Graph) Run() error {
	if err := g.Err(); err != nil {
		return err
	}
	refreshed, err := g.Refresh()
	if err != nil {
		return err
	}
	for _, id := range refreshed {
		g.exec.SetKernelParams(id, g.Node(id).Ops)
	}
	return g.exec.Run()
}

// Exec returns the instantiated graph, or nil if the graph is not committed.
func (g *Graph) Exec() *Exec { return g.exec }
