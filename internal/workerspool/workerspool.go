// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the number of goroutines executing device work concurrently.
//
// Workers that block waiting on other work (e.g. a node waiting for a communication latch)
// should bracket the wait with Sleep, so the pool temporarily admits one more worker and the
// work they are waiting on can make progress.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool of workers.
type Pool struct {
	// maxParallelism is the limit of tasks running concurrently, not counting sleeping workers.
	// 0 runs tasks inline, negative values mean unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases or a worker goes to sleep.
	numRunning int
	inFlight   sync.WaitGroup

	// sleeping is the number of workers blocked in Sleep.
	sleeping atomic.Int32
}

// New returns a Pool with runtime.NumCPU() workers.
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a Pool running at most maxParallelism tasks concurrently.
// If maxParallelism is 0 tasks are run inline, if it is negative parallelism is unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// Running returns the number of tasks currently running, sleeping ones included.
func (w *Pool) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}

// lockedIsFull returns whether all workers are in use. It must be called with w.mu held.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism+int(w.sleeping.Load())
}

// WaitToStart blocks until a worker is available and runs task on it.
//
// If parallelism is disabled the task runs inline and WaitToStart returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRun(task)
}

// lockedRun runs task in a new goroutine. It must be called with w.mu held.
func (w *Pool) lockedRun(task func()) {
	w.numRunning++
	w.inFlight.Add(1)
	go func() {
		defer w.inFlight.Done()
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Sleep runs wait, which is expected to block on other tasks, with one extra worker admitted
// for its duration.
func (w *Pool) Sleep(wait func()) {
	w.WorkerIsAsleep()
	defer w.WorkerRestarted()
	wait()
}

// WorkerIsAsleep indicates the calling worker is going to block waiting for other workers.
// Call WorkerRestarted when it is ready to run again.
func (w *Pool) WorkerIsAsleep() {
	w.sleeping.Add(1)
	w.mu.Lock()
	w.cond.Signal()
	w.mu.Unlock()
}

// WorkerRestarted indicates the calling worker, after WorkerIsAsleep, is running again.
func (w *Pool) WorkerRestarted() {
	w.sleeping.Add(-1)
}

// Wait for every task started so far to finish.
func (w *Pool) Wait() {
	w.inFlight.Wait()
}
