// Package graphbase implements the build-phase bookkeeping shared by every backend graph: the
// node table, dependency validation, root and gated requests, wait nodes, the Building ->
// Committed state machine and the capture and refresh of kernel launch parameters.
//
// Backends embed *Base in their graph type and implement Commit and Run with their own plan.
package graphbase

import (
	"fmt"
	"slices"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/internal/device"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NodeKind is the kind of a graph node.
type NodeKind int

const (
	KernelNode NodeKind = iota
	WaitNode
)

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	switch k {
	case KernelNode:
		return "kernel"
	case WaitNode:
		return "wait"
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// Node of the graph.
type Node struct {
	ID   backends.NodeID
	Kind NodeKind

	// Kernel and its dependencies, for kernel nodes.
	Kernel kernels.Kernel
	Deps   []backends.NodeID

	// Reqs waited by a wait node.
	Reqs []comm.Request

	// Ops captured from the kernel at commit, refreshed when stale.
	Ops []device.Op

	fingerprinter kernels.Fingerprinter
	fingerprint   uint64
}

// Gated is a communication request started only after its dependencies completed.
type Gated struct {
	Req  comm.Request
	Deps []backends.NodeID
}

// Base holds the declared topology of a graph.
type Base struct {
	id      uuid.UUID
	backend string

	nodes   []*Node
	kernels []backends.NodeID
	waits   []backends.NodeID
	roots   []comm.Request
	gated   []Gated

	// known maps each request added to the graph to whether it was waited.
	known  map[comm.Request]bool
	order  []comm.Request
	waitOf map[comm.Request]backends.NodeID

	committed  bool
	commitErr  error
	stale      sets.Set[backends.NodeID]
	dependents [][]backends.NodeID
}

// New returns an empty graph in the Building state, for the named backend (used in logs).
func New(backend string) *Base {
	return &Base{
		id:      uuid.New(),
		backend: backend,
		known:   make(map[comm.Request]bool),
		waitOf:  make(map[comm.Request]backends.NodeID),
		stale:   sets.Make[backends.NodeID](),
	}
}

// String implements fmt.Stringer.
func (b *Base) String() string {
	return fmt.Sprintf("%s graph %s", b.backend, b.id.String()[:8])
}

func (b *Base) checkBuilding(method string) {
	if b.committed {
		backends.Programmerf("%s: %s called after Commit", b, method)
	}
}

func (b *Base) checkDeps(method string, deps []backends.NodeID) {
	for _, dep := range deps {
		if dep < 0 || int(dep) >= len(b.nodes) {
			backends.Programmerf("%s: %s with unknown dependency id %d (graph has %d nodes)", b, method, dep, len(b.nodes))
		}
	}
}

// Add implements backends.Graph.
func (b *Base) Add(k kernels.Kernel, deps ...backends.NodeID) backends.NodeID {
	b.checkBuilding("Add")
	b.checkDeps("Add", deps)
	if k == nil {
		backends.Programmerf("%s: Add with a nil kernel", b)
	}
	id := backends.NodeID(len(b.nodes))
	node := &Node{ID: id, Kind: KernelNode, Kernel: k, Deps: dedup(deps)}
	node.fingerprinter, _ = k.(kernels.Fingerprinter)
	b.nodes = append(b.nodes, node)
	b.kernels = append(b.kernels, id)
	return id
}

// AddAll implements backends.Graph.
func (b *Base) AddAll(ks []kernels.Kernel, deps ...backends.NodeID) []backends.NodeID {
	ids := make([]backends.NodeID, len(ks))
	for i, k := range ks {
		ids[i] = b.Add(k, deps...)
	}
	return ids
}

// AddCommRequest implements backends.Graph.
func (b *Base) AddCommRequest(req comm.Request, deps ...backends.NodeID) {
	b.checkBuilding("AddCommRequest")
	b.checkDeps("AddCommRequest", deps)
	if req == nil {
		backends.Programmerf("%s: AddCommRequest with a nil request", b)
	}
	if _, found := b.known[req]; found {
		backends.Programmerf("%s: request %v added twice", b, req)
	}
	for _, dep := range deps {
		if b.nodes[dep].Kind != KernelNode {
			backends.Programmerf("%s: request %v depends on %s node #%d, only kernel nodes can gate requests",
				b, req, b.nodes[dep].Kind, dep)
		}
	}
	b.known[req] = false
	b.order = append(b.order, req)
	if len(deps) == 0 {
		b.roots = append(b.roots, req)
	} else {
		b.gated = append(b.gated, Gated{Req: req, Deps: dedup(deps)})
	}
}

// AddCommRequests implements backends.Graph.
func (b *Base) AddCommRequests(reqs []comm.Request, deps ...backends.NodeID) {
	for _, req := range reqs {
		b.AddCommRequest(req, deps...)
	}
}

// MakeWait implements backends.Graph.
func (b *Base) MakeWait(reqs ...comm.Request) backends.NodeID {
	b.checkBuilding("MakeWait")
	if len(reqs) == 0 {
		backends.Programmerf("%s: MakeWait without requests", b)
	}
	id := backends.NodeID(len(b.nodes))
	for _, req := range reqs {
		waited, found := b.known[req]
		if !found {
			backends.Programmerf("%s: MakeWait on request %v that was not added to the graph", b, req)
		}
		if waited {
			backends.Programmerf("%s: request %v already waited by node #%d", b, req, b.waitOf[req])
		}
		b.known[req] = true
		b.waitOf[req] = id
	}
	b.nodes = append(b.nodes, &Node{ID: id, Kind: WaitNode, Reqs: slices.Clone(reqs)})
	b.waits = append(b.waits, id)
	return id
}

// Freeze transitions the graph to Committed and captures the launch parameters of every
// kernel node. It panics with a *ProgrammerError if the graph was already committed.
//
// If the capture fails the graph stays committed, and the error is returned by Freeze and by
// every later Err.
func (b *Base) Freeze() error {
	if b.committed {
		backends.Programmerf("%s: Commit called twice", b)
	}
	b.committed = true
	b.dependents = make([][]backends.NodeID, len(b.nodes))
	for _, node := range b.nodes {
		for _, dep := range node.Deps {
			b.dependents[dep] = append(b.dependents[dep], node.ID)
		}
	}
	for _, id := range b.kernels {
		if err := b.capture(b.nodes[id]); err != nil {
			b.commitErr = errors.WithMessagef(err, "%s: failed to capture node #%d", b, id)
			return b.commitErr
		}
	}
	klog.V(1).Infof("%s committed: %d kernel nodes, %d wait nodes, %d root and %d gated requests",
		b, len(b.kernels), len(b.waits), len(b.roots), len(b.gated))
	return nil
}

func (b *Base) capture(node *Node) error {
	ops, err := device.Capture(node.Kernel)
	if err != nil {
		return err
	}
	node.Ops = ops
	if node.fingerprinter != nil {
		node.fingerprint = node.fingerprinter.Fingerprint()
	}
	return nil
}

// Committed implements backends.Graph.
func (b *Base) Committed() bool { return b.committed }

// Err returns an error if the graph can't run: it was not committed, or its commit failed.
func (b *Base) Err() error {
	if !b.committed {
		backends.Programmerf("%s: Run called before Commit", b)
	}
	return b.commitErr
}

// MarkStale implements backends.Graph.
func (b *Base) MarkStale(ids ...backends.NodeID) {
	b.checkDeps("MarkStale", ids)
	for _, id := range ids {
		if b.nodes[id].Kind != KernelNode {
			backends.Programmerf("%s: MarkStale on %s node #%d", b, b.nodes[id].Kind, id)
		}
		b.stale.Insert(id)
	}
}

// Refresh re-captures the launch parameters of the kernel nodes marked stale or whose
// fingerprint changed, and returns their ids. The topology is not touched.
func (b *Base) Refresh() ([]backends.NodeID, error) {
	var refreshed []backends.NodeID
	for _, id := range b.kernels {
		node := b.nodes[id]
		if !b.stale.Has(id) && (node.fingerprinter == nil || node.fingerprinter.Fingerprint() == node.fingerprint) {
			continue
		}
		if err := b.capture(node); err != nil {
			return refreshed, errors.WithMessagef(err, "%s: failed to refresh node #%d", b, id)
		}
		b.stale.Delete(id)
		refreshed = append(refreshed, id)
	}
	if len(refreshed) > 0 {
		klog.V(2).Infof("%s: refreshed %d stale kernel nodes", b, len(refreshed))
	}
	return refreshed, nil
}

// NumNodes implements backends.Graph.
func (b *Base) NumNodes() int { return len(b.nodes) }

// Node returns the node with the given id.
func (b *Base) Node(id backends.NodeID) *Node { return b.nodes[id] }

// Kernels returns the ids of the kernel nodes, in declaration order.
func (b *Base) Kernels() []backends.NodeID { return b.kernels }

// Waits returns the ids of the wait nodes, in declaration order.
func (b *Base) Waits() []backends.NodeID { return b.waits }

// Roots returns the root requests, in declaration order.
func (b *Base) Roots() []comm.Request { return b.roots }

// Gated returns the gated requests, in declaration order.
func (b *Base) Gated() []Gated { return b.gated }

// Dependents returns the nodes that depend directly on id. Only valid after Freeze.
func (b *Base) Dependents(id backends.NodeID) []backends.NodeID { return b.dependents[id] }

// WaitOf returns the wait node waiting req, if any.
func (b *Base) WaitOf(req comm.Request) (backends.NodeID, bool) {
	id, found := b.waitOf[req]
	return id, found
}

// Unwaited returns the requests no wait node covers, in declaration order.
// Run waits for them before returning.
func (b *Base) Unwaited() []comm.Request {
	var reqs []comm.Request
	for _, req := range b.order {
		if !b.known[req] {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// GatedBy returns, for each wait node, the gated requests it waits, in declaration order.
// Gated requests not waited by any node are returned under backends.InvalidNodeID.
func (b *Base) GatedBy() map[backends.NodeID][]Gated {
	byWait := make(map[backends.NodeID][]Gated)
	for _, g := range b.gated {
		id, found := b.waitOf[g.Req]
		if !found {
			id = backends.InvalidNodeID
		}
		byWait[id] = append(byWait[id], g)
	}
	return byWait
}

func dedup(ids []backends.NodeID) []backends.NodeID {
	if len(ids) == 0 {
		return nil
	}
	set := sets.MakeWith(ids...)
	out := make([]backends.NodeID, 0, len(set))
	for _, id := range ids {
		if set.Has(id) {
			out = append(out, id)
			set.Delete(id)
		}
	}
	return out
}
