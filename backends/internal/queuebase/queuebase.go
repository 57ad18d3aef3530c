// Package queuebase implements backends.Queue over an Executor, the native execution context
// of a backend that receives compute operations.
package queuebase

import (
	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/internal/device"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/fluxgraph/pkg/support/xsync"
)

// Executor receives the compute operations of a queue.
type Executor interface {
	// Dispatch op for asynchronous execution, ordered after the operations dispatched before.
	Dispatch(op device.Op)

	// Join blocks until every dispatched operation executed, and returns the first error since
	// the last Join.
	Join() error
}

type itemKind int

const (
	computeItem itemKind = iota
	startItem
	waitItem
)

type item struct {
	kind itemKind
	op   device.Op
	reqs []comm.Request
}

// Queue implements backends.Queue.
type Queue struct {
	exec        Executor
	fineGrained bool

	items          []item
	computePending bool
}

var _ backends.Queue = (*Queue)(nil)

// New creates a queue dispatching compute to exec. If fineGrained is false, waiting on
// communication joins the compute dispatched before.
func New(exec Executor, fineGrained bool) *Queue {
	return &Queue{exec: exec, fineGrained: fineGrained}
}

// Launch implements kernels.Launcher.
func (q *Queue) Launch(fn *kernels.Function, args ...any) {
	q.items = append(q.items, item{kind: computeItem, op: device.Op{Kind: device.OpLaunch, Fn: fn, Args: args}})
}

// CopyToHost implements kernels.Launcher.
func (q *Queue) CopyToHost(x *memory.XchgMatrix) {
	q.items = append(q.items, item{kind: computeItem, op: device.Op{Kind: device.OpCopyToHost, Xchg: x}})
}

// CopyToDevice implements kernels.Launcher.
func (q *Queue) CopyToDevice(x *memory.XchgMatrix) {
	q.items = append(q.items, item{kind: computeItem, op: device.Op{Kind: device.OpCopyToDevice, Xchg: x}})
}

// Submit implements backends.Queue.
func (q *Queue) Submit(k kernels.Kernel) error {
	return k.Run(q)
}

// Start implements backends.Queue.
func (q *Queue) Start(reqs ...comm.Request) {
	q.items = append(q.items, item{kind: startItem, reqs: reqs})
}

// Wait implements backends.Queue.
func (q *Queue) Wait(reqs ...comm.Request) {
	q.items = append(q.items, item{kind: waitItem, reqs: reqs})
}

// Pending implements backends.Queue.
func (q *Queue) Pending() int { return len(q.items) }

func (q *Queue) pop() {
	q.items[0] = item{}
	q.items = q.items[1:]
}

func (q *Queue) join() error {
	if !q.computePending {
		return nil
	}
	q.computePending = false
	return q.exec.Join()
}

// Advance implements backends.Queue.
func (q *Queue) Advance() (pending bool, err error) {
	if len(q.items) == 0 {
		return false, nil
	}
	it := q.items[0]
	switch it.kind {
	case computeItem:
		q.exec.Dispatch(it.op)
		q.computePending = true
	case startItem:
		if err := q.join(); err != nil {
			q.pop()
			return len(q.items) > 0, err
		}
		if err := comm.StartAll(it.reqs); err != nil {
			q.pop()
			return len(q.items) > 0, err
		}
	case waitItem:
		if !q.fineGrained {
			if err := q.join(); err != nil {
				q.pop()
				return len(q.items) > 0, err
			}
		}
		done, err := testAll(it.reqs)
		if err != nil {
			q.pop()
			return len(q.items) > 0, err
		}
		if !done {
			return true, nil
		}
	}
	q.pop()
	return len(q.items) > 0, nil
}

// testAll tests every request, so completed ones are retired, and reports whether all completed.
func testAll(reqs []comm.Request) (bool, error) {
	allDone := true
	for _, req := range reqs {
		done, err := req.Test()
		if err != nil {
			return true, err
		}
		allDone = allDone && done
	}
	return allDone, nil
}

// Finish implements backends.Queue.
func (q *Queue) Finish() error {
	for len(q.items) > 0 {
		it := q.items[0]
		q.pop()
		var err error
		switch it.kind {
		case computeItem:
			q.exec.Dispatch(it.op)
			q.computePending = true
		case startItem:
			if err = q.join(); err == nil {
				err = comm.StartAll(it.reqs)
			}
		case waitItem:
			if !q.fineGrained {
				err = q.join()
			}
			if err == nil {
				err = comm.WaitAll(it.reqs)
			}
		}
		if err != nil {
			q.items = nil
			_ = q.join()
			return err
		}
	}
	return q.join()
}

// StreamExecutor dispatches to an in-order device stream.
type StreamExecutor struct {
	Stream *device.Stream
}

// Dispatch implements Executor.
func (e StreamExecutor) Dispatch(op device.Op) { e.Stream.Enqueue(op) }

// Join implements Executor.
func (e StreamExecutor) Join() error { return e.Stream.Synchronize() }

// InlineExecutor executes operations synchronously as they are dispatched.
// After a failure, operations are skipped until Join collects the error.
type InlineExecutor struct {
	Device memory.Device
	err    error
}

// Dispatch implements Executor.
func (e *InlineExecutor) Dispatch(op device.Op) {
	if e.err == nil {
		e.err = op.Exec(e.Device)
	}
}

// Join implements Executor.
func (e *InlineExecutor) Join() error {
	err := e.err
	e.err = nil
	return err
}

// EventExecutor dispatches to an out-of-order event queue, chaining each operation on the
// event of the previous one so they execute in order.
type EventExecutor struct {
	Queue *device.EventQueue
	last  *xsync.Latch
}

// Dispatch implements Executor.
func (e *EventExecutor) Dispatch(op device.Op) {
	e.last = e.Queue.Enqueue([]device.Op{op}, e.last)
}

// Join implements Executor.
func (e *EventExecutor) Join() error {
	if e.last == nil {
		return nil
	}
	err := e.last.Wait()
	e.last = nil
	return err
}
