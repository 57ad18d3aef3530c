package opencl

import (
	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/internal/device"
	"github.com/gomlx/fluxgraph/backends/internal/graphbase"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/support/xsync"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// kernelEntry is a kernel node with the indices of the events it waits for: kernel events
// (its kernel dependencies) and user events (its wait node dependencies).
type kernelEntry struct {
	node        backends.NodeID
	waitKernels []int
	waitUsers   []int
}

// gatedEntry is a request started once the events of its kernels triggered, independently of
// the wait nodes.
type gatedEntry struct {
	req  comm.Request
	deps []int
}

// waitEntry is a wait node: once the gated requests it covers were started, its requests are
// waited and then its user event is completed.
type waitEntry struct {
	gated []gatedEntry
	reqs  []comm.Request
}

// graph implements backends.Graph with the event-index table built at Commit.
type graph struct {
	*graphbase.Base
	queue *device.EventQueue

	klist   []kernelEntry
	waits   []waitEntry
	orphans []gatedEntry
	roots   []comm.Request
	final   []comm.Request
}

var _ backends.Graph = (*graph)(nil)

func newGraph(b *Backend) *graph {
	return &graph{
		Base:  graphbase.New(BackendName),
		queue: device.NewEventQueue(b.Arena(), b.Pool()),
	}
}

// Commit implements backends.Graph.
func (g *graph) Commit() error {
	if err := g.Freeze(); err != nil {
		return err
	}
	eventOf := make(map[backends.NodeID]int, len(g.Kernels()))
	for i, id := range g.Kernels() {
		eventOf[id] = i
	}
	userOf := make(map[backends.NodeID]int, len(g.Waits()))
	for i, id := range g.Waits() {
		userOf[id] = i
	}

	for _, id := range g.Kernels() {
		entry := kernelEntry{node: id}
		for _, dep := range g.Node(id).Deps {
			if idx, isKernel := eventOf[dep]; isKernel {
				entry.waitKernels = append(entry.waitKernels, idx)
			} else {
				entry.waitUsers = append(entry.waitUsers, userOf[dep])
			}
		}
		g.klist = append(g.klist, entry)
	}

	g.waits = make([]waitEntry, len(g.Waits()))
	for i, id := range g.Waits() {
		g.waits[i].reqs = g.Node(id).Reqs
	}
	for _, gated := range g.Gated() {
		entry := gatedEntry{req: gated.Req}
		for _, dep := range gated.Deps {
			entry.deps = append(entry.deps, eventOf[dep])
		}
		if w, found := g.WaitOf(gated.Req); found {
			g.waits[userOf[w]].gated = append(g.waits[userOf[w]].gated, entry)
		} else {
			g.orphans = append(g.orphans, entry)
		}
	}
	g.roots = g.Roots()
	g.final = g.Unwaited()
	klog.V(1).Infof("%s: event table with %d kernel events and %d user events", g, len(g.klist), len(g.waits))
	return nil
}

// Run implements backends.Graph.
func (g *graph) Run() error {
	if err := g.Err(); err != nil {
		return err
	}
	if _, err := g.Refresh(); err != nil {
		return err
	}
	events := make([]*xsync.Latch, len(g.klist))
	users := make([]*xsync.Latch, len(g.waits))
	for i := range users {
		users[i] = g.queue.UserEvent()
	}

	if err := comm.StartAll(g.roots); err != nil {
		return err
	}
	for i, entry := range g.klist {
		waitFor := make([]*xsync.Latch, 0, len(entry.waitKernels)+len(entry.waitUsers))
		for _, k := range entry.waitKernels {
			waitFor = append(waitFor, events[k])
		}
		for _, u := range entry.waitUsers {
			waitFor = append(waitFor, users[u])
		}
		events[i] = g.queue.Enqueue(g.Node(entry.node).Ops, waitFor...)
	}

	// Kernel events always resolve once the queue finished, so the starts always finish.
	var starts errgroup.Group
	startFor := func(entries []gatedEntry) []*xsync.Latch {
		latches := make([]*xsync.Latch, len(entries))
		for i, entry := range entries {
			started := xsync.NewLatch()
			latches[i] = started
			starts.Go(func() error {
				err := xsync.WaitAll(pick(events, entry.deps)...)
				if err == nil {
					err = entry.req.Start()
				}
				started.TriggerWithError(err)
				return err
			})
		}
		return latches
	}
	waitStarts := make([][]*xsync.Latch, len(g.waits))
	for i, w := range g.waits {
		waitStarts[i] = startFor(w.gated)
	}
	orphanStarts := startFor(g.orphans)

	err := g.drive(users, waitStarts, orphanStarts)
	if err != nil {
		xsync.FailPending(err, users...)
	}
	g.queue.Finish()
	startErr := starts.Wait()
	if err != nil {
		return err
	}
	if err := xsync.WaitAll(events...); err != nil {
		return err
	}
	return startErr
}

func pick(latches []*xsync.Latch, indices []int) []*xsync.Latch {
	picked := make([]*xsync.Latch, len(indices))
	for i, idx := range indices {
		picked[i] = latches[idx]
	}
	return picked
}

// drive is the host side of a run: for each wait node it waits for its gated requests to be
// started, then for its requests, and completes its user event.
func (g *graph) drive(users []*xsync.Latch, waitStarts [][]*xsync.Latch, orphanStarts []*xsync.Latch) error {
	for i, w := range g.waits {
		if err := xsync.WaitAll(waitStarts[i]...); err != nil {
			return err
		}
		if err := comm.WaitAll(w.reqs); err != nil {
			return err
		}
		users[i].Trigger()
	}
	if err := xsync.WaitAll(orphanStarts...); err != nil {
		return err
	}
	return comm.WaitAll(g.final)
}
