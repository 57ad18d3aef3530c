package xsync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	assert.NoError(t, l.Err())

	done := make(chan error)
	go func() { done <- l.Wait() }()
	select {
	case <-done:
		t.Fatal("Wait returned before the latch was triggered")
	case <-time.After(10 * time.Millisecond):
	}

	l.Trigger()
	require.NoError(t, <-done)
	assert.True(t, l.Test())

	// Triggering again is a no-op, the original result sticks.
	assert.False(t, l.TriggerWithError(errors.New("late")))
	assert.NoError(t, l.Wait())
}

func TestLatchWithError(t *testing.T) {
	want := errors.New("device fault")
	l := NewLatch()
	assert.True(t, l.TriggerWithError(want))
	assert.Same(t, want, l.Wait())
	assert.Same(t, want, l.Err())

	pending, triggered := NewLatch(), NewLatch()
	triggered.Trigger()
	FailPending(want, pending, triggered, nil)
	assert.Same(t, want, pending.Wait())
	assert.NoError(t, triggered.Wait())
	assert.Same(t, want, WaitAll(triggered, nil, pending))
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	var count atomic.Int32
	wg.Add(1)
	go func() {
		// Work added while the other goroutine is already waiting.
		wg.Add(1)
		go func() {
			count.Add(1)
			wg.Done()
		}()
		count.Add(1)
		wg.Done()
	}()
	wg.Wait()
	assert.Equal(t, int32(2), count.Load())
	assert.Equal(t, 0, wg.Pending())
	assert.Panics(t, func() { wg.Done() })
}
