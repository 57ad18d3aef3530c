package backends

import (
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
)

// NodeID identifies a node of a Graph: a kernel node or a wait node.
// It is only valid for the graph that created it.
type NodeID int

// InvalidNodeID is never returned by a Graph.
const InvalidNodeID NodeID = -1

// Graph is a dependency graph of kernel invocations and communication operations, built once,
// frozen by Commit and replayed by Run once per timestep.
//
// Its state machine is Building -> Committed -> (Running)*: there is no way back to Building.
// Misuse of the protocol panics with a *ProgrammerError at the offending call.
//
// A Graph is not safe for concurrent use: one control goroutine builds and runs it.
type Graph interface {
	// Add registers a kernel node that won't begin execution until every node in deps has
	// completed and its effects are visible.
	Add(k kernels.Kernel, deps ...NodeID) NodeID

	// AddAll adds each kernel with the same dependencies. The kernels don't depend on each other.
	AddAll(ks []kernels.Kernel, deps ...NodeID) []NodeID

	// AddCommRequest binds a persistent request into the graph.
	//
	// If deps is empty the request is a root request, started as soon as Run begins. Otherwise
	// it is started only after every kernel node in deps completed.
	AddCommRequest(req comm.Request, deps ...NodeID)

	// AddCommRequests adds each request with the same dependencies.
	AddCommRequests(reqs []comm.Request, deps ...NodeID)

	// MakeWait creates a node that completes only when every request in reqs completed.
	// Nodes depending on it are delayed until then, without stalling unrelated nodes.
	// The requests must have been added to the graph, and each can be waited by one node only.
	MakeWait(reqs ...comm.Request) NodeID

	// Commit freezes the declared topology into the backend plan.
	//
	// Calling it twice panics with a *ProgrammerError. It returns an error if a kernel's
	// launch parameters can't be resolved (e.g. unallocated operands).
	Commit() error

	// Committed returns whether Commit was called.
	Committed() bool

	// MarkStale marks kernel nodes whose bound arguments must be refreshed before the next
	// Run. Kernels whose operands are fingerprinted (e.g. bound to a memory.Bank) are
	// refreshed automatically when the fingerprint changes.
	MarkStale(ids ...NodeID)

	// Run replays the committed plan and returns only when every node completed and every
	// communication request started during the run finished.
	//
	// Root requests are started first. Communication errors are returned unmodified.
	Run() error

	// NumNodes returns the number of kernel and wait nodes.
	NumNodes() int
}
