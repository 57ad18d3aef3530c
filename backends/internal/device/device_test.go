package device

import (
	"sync"
	"testing"
	"time"

	"github.com/gomlx/fluxgraph/internal/workerspool"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/fluxgraph/pkg/support/xsync"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapture(t *testing.T) {
	x, err := memory.NewXchgMatrix(dtypes.Float32, 2, 2, false)
	require.NoError(t, err)
	ops, err := Capture(kernels.Func(func(l kernels.Launcher) error {
		l.Launch(nil, int32(1))
		l.CopyToHost(x)
		l.CopyToDevice(x)
		return nil
	}))
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, OpLaunch, ops[0].Kind)
	assert.Equal(t, []any{int32(1)}, ops[0].Args)
	assert.Equal(t, OpCopyToHost, ops[1].Kind)
	assert.Equal(t, OpCopyToDevice, ops[2].Kind)
	assert.Same(t, x, ops[2].Xchg)

	failure := errors.New("unallocated operand")
	_, err = Capture(kernels.Func(func(kernels.Launcher) error { return failure }))
	assert.ErrorIs(t, err, failure)
}

func TestExchangeOps(t *testing.T) {
	dev := memory.NewArena("test", 64, 0)
	x, err := memory.NewXchgMatrix(dtypes.Float64, 1, 2, false)
	require.NoError(t, err)
	require.NoError(t, memory.Allocate(dev, x))
	require.NoError(t, memory.Set(x, []float64{1, 2}))

	require.NoError(t, ExecAll(dev, []Op{{Kind: OpCopyToHost, Xchg: x}}))
	assert.Equal(t, []float64{1, 2}, memory.FromBytes[float64](x.HostData()))

	copy(x.HostData(), memory.AsBytes([]float64{3, 4}))
	require.NoError(t, ExecAll(dev, []Op{{Kind: OpCopyToDevice, Xchg: x}}))
	values, err := memory.Get[float64](x)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, values)

	assert.Error(t, Op{Kind: OpKind(42)}.Exec(dev))
}

func TestStream(t *testing.T) {
	s := NewStream(memory.NewArena("test", 64, 0), "s0")
	defer s.Close()

	var mu sync.Mutex
	var order []int
	for i := range 5 {
		s.EnqueueFunc(func() error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, s.Record().Wait())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

	// Errors are sticky until Synchronize.
	failure := errors.New("launch failed")
	s.EnqueueFunc(func() error { return failure })
	skipped := true
	s.EnqueueFunc(func() error { skipped = false; return nil })
	assert.ErrorIs(t, s.Record().Wait(), failure)
	assert.ErrorIs(t, s.Synchronize(), failure)
	assert.True(t, skipped)
	require.NoError(t, s.Synchronize())

	// The stream waits for events of other streams.
	event := xsync.NewLatch()
	ran := xsync.NewLatch()
	s.WaitEvent(event)
	s.EnqueueFunc(func() error { ran.Trigger(); return nil })
	time.Sleep(5 * time.Millisecond)
	assert.False(t, ran.Test())
	event.Trigger()
	require.NoError(t, s.Synchronize())
	assert.True(t, ran.Test())

	s.Close()
	assert.Error(t, s.Record().Wait())
}

func TestEventQueue(t *testing.T) {
	dev := memory.NewArena("test", 64, 0)
	q := NewEventQueue(dev, workerspool.NewWithParallelism(4))
	x, err := memory.NewXchgMatrix(dtypes.Float64, 1, 1, false)
	require.NoError(t, err)
	require.NoError(t, memory.Allocate(dev, x))
	require.NoError(t, memory.Set(x, []float64{7}))

	// Commands run once their wait lists are satisfied: b waits for the user event.
	user := q.UserEvent()
	a := q.Enqueue(nil)
	b := q.Enqueue([]Op{{Kind: OpCopyToHost, Xchg: x}}, a, user)
	require.NoError(t, a.Wait())
	time.Sleep(5 * time.Millisecond)
	assert.False(t, b.Test())
	assert.Equal(t, []float64{0}, memory.FromBytes[float64](x.HostData()))
	user.Trigger()
	require.NoError(t, b.Wait())
	assert.Equal(t, []float64{7}, memory.FromBytes[float64](x.HostData()))

	// Upstream errors propagate without executing the command.
	failure := errors.New("host failure")
	failedUser := q.UserEvent()
	c := q.Enqueue([]Op{{Kind: OpKind(42)}}, failedUser)
	d := q.Enqueue(nil, c, nil)
	xsync.FailPending(failure, failedUser)
	assert.ErrorIs(t, c.Wait(), failure)
	assert.ErrorIs(t, d.Wait(), failure)

	// Failing commands carry their own error.
	e := q.Enqueue([]Op{{Kind: OpKind(42)}})
	assert.ErrorContains(t, e.Wait(), "unknown device operation")
	q.Finish()
}
