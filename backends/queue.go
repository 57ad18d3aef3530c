package backends

import (
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Queue is an asynchronous submission context ordering kernel launches, exchange copies and
// communication on one native execution stream.
//
// Items are dispatched in submission order by Advance or Finish. On backends without
// fine-grained device-side dependency tracking (see Capabilities.FineGrainedQueue), switching
// from compute to communication joins the compute submitted before. Communication starts
// always join prior compute, since that compute usually produces the data being sent.
//
// A Queue is not safe for concurrent use.
type Queue interface {
	// Launcher receives kernel launches and exchange copies: Submit runs kernels on the queue.
	// Copies are asynchronous and ordered with the other items of the queue.
	kernels.Launcher

	// Submit enqueues the launches of k, without waiting. It returns an error only if the
	// kernel arguments can't be resolved.
	Submit(k kernels.Kernel) error

	// Start enqueues the start of the requests.
	Start(reqs ...comm.Request)

	// Wait enqueues a wait on the requests.
	Wait(reqs ...comm.Request)

	// Pending returns the number of items not yet dispatched.
	Pending() int

	// Advance dispatches items until it makes one step of progress, without blocking on
	// communication: if the next item is a wait whose requests haven't completed, it returns.
	// It returns whether items remain pending.
	Advance() (pending bool, err error)

	// Finish dispatches every pending item and blocks until all of them completed.
	// It returns the first error of any item since the last Finish.
	Finish() error
}

// DrainCooperatively advances the queues round-robin, so none starves the others, for as long
// as any of them makes progress. Then it finishes all of them concurrently.
//
// It returns the first error found.
func DrainCooperatively(queues ...Queue) error {
	var firstErr error
	rounds := 0
	for progress := true; progress && firstErr == nil; {
		progress = false
		rounds++
		for _, q := range queues {
			before := q.Pending()
			if before == 0 {
				continue
			}
			pending, err := q.Advance()
			if err != nil {
				firstErr = err
				break
			}
			if !pending || q.Pending() < before {
				progress = true
			}
		}
	}
	klog.V(3).Infof("DrainCooperatively: %d queues advanced in %d rounds", len(queues), rounds)

	var g errgroup.Group
	for _, q := range queues {
		g.Go(q.Finish)
	}
	if err := g.Wait(); firstErr == nil {
		firstErr = err
	}
	return firstErr
}
