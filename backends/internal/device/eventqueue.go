package device

import (
	"github.com/gomlx/fluxgraph/internal/workerspool"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/fluxgraph/pkg/support/xsync"
)

// EventQueue is an out-of-order command queue: each command waits only for the events in its
// wait list, and commands whose wait lists are satisfied run concurrently on the workers pool.
//
// Every command returns an event, triggered when it completes. If any event of its wait list
// carries an error, the command is not executed and its event carries that error.
type EventQueue struct {
	dev      memory.Device
	pool     *workerspool.Pool
	inFlight *xsync.DynamicWaitGroup
}

// NewEventQueue creates an out-of-order queue executing on dev with the given workers.
func NewEventQueue(dev memory.Device, pool *workerspool.Pool) *EventQueue {
	return &EventQueue{dev: dev, pool: pool, inFlight: xsync.NewDynamicWaitGroup()}
}

// Enqueue ops as one command, to run once every event in waitFor triggered. Nil events are ignored.
func (q *EventQueue) Enqueue(ops []Op, waitFor ...*xsync.Latch) *xsync.Latch {
	event := xsync.NewLatch()
	q.inFlight.Add(1)
	go func() {
		if err := xsync.WaitAll(waitFor...); err != nil {
			event.TriggerWithError(err)
			q.inFlight.Done()
			return
		}
		q.pool.WaitToStart(func() {
			defer q.inFlight.Done()
			event.TriggerWithError(ExecAll(q.dev, ops))
		})
	}()
	return event
}

// UserEvent returns an event the host triggers explicitly, to gate commands on host actions.
func (q *EventQueue) UserEvent() *xsync.Latch {
	return xsync.NewLatch()
}

// Finish blocks until every command enqueued so far completed (successfully or not).
func (q *EventQueue) Finish() {
	q.inFlight.Wait()
}
