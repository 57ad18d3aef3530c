package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/fluxgraph/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Limit(t *testing.T) {
	pool := NewWithParallelism(2)
	release := xsync.NewLatch()
	var running, peak atomic.Int32
	task := func() {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		_ = release.Wait()
		running.Add(-1)
	}
	pool.WaitToStart(task)
	pool.WaitToStart(task)
	assert.Equal(t, 2, pool.Running())

	started := make(chan struct{})
	go func() {
		pool.WaitToStart(task)
		close(started)
	}()
	select {
	case <-started:
		t.Fatal("WaitToStart should block while the pool is full")
	case <-time.After(20 * time.Millisecond):
	}
	release.Trigger()
	<-started
	pool.Wait()
	assert.Equal(t, int32(2), peak.Load())
	assert.Equal(t, 0, pool.Running())
}

func TestPool_Sleep(t *testing.T) {
	pool := NewWithParallelism(1)
	inner := xsync.NewLatch()
	outer := make(chan struct{})
	pool.WaitToStart(func() {
		// The only worker sleeps waiting on a task that needs a worker of its own.
		pool.Sleep(func() {
			pool.WaitToStart(func() { inner.Trigger() })
			_ = inner.Wait()
		})
		close(outer)
	})
	select {
	case <-outer:
	case <-time.After(time.Second):
		t.Fatal("sleeping worker didn't release its slot")
	}
	pool.Wait()
}

func TestPool_InlineAndUnlimited(t *testing.T) {
	pool := NewWithParallelism(0)
	var count int
	pool.WaitToStart(func() { count++ })
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, pool.Running())

	pool = NewWithParallelism(-1)
	release := xsync.NewLatch()
	var started atomic.Int32
	for range 100 {
		pool.WaitToStart(func() {
			started.Add(1)
			_ = release.Wait()
		})
	}
	// None of the tasks finished, yet all of them were admitted.
	assert.Equal(t, 100, pool.Running())
	release.Trigger()
	pool.Wait()
	require.Equal(t, int32(100), started.Load())
	assert.Equal(t, 0, pool.Running())
}
