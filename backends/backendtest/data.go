package backendtest

import (
	"math"
	"testing"
	"time"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// rank holds the matrices and requests of one rank of the exchange tests: it sends rows 1 and 3
// of its 4x3 source to the peer, and receives the peer's rows into dst.
type rank struct {
	src, dst     *memory.Matrix
	xsend, xrecv *memory.XchgMatrix
	send, recv   comm.Request
	pack, unpack kernels.Kernel
	copyBack     kernels.Kernel
}

var exchangeRows = []int{1, 3}

func newRank(t *testing.T, b backends.Backend, world *comm.World, r int) *rank {
	x := &rank{
		src: newMatrix(t, b, 4, 3, ramp(12, float64(100*r))),
		dst: newMatrix(t, b, 2, 3, nil),
	}
	var err error
	x.xsend, err = b.NewXchgMatrix(dtypes.Float64, len(exchangeRows), 3)
	require.NoError(t, err)
	x.xrecv, err = b.NewXchgMatrix(dtypes.Float64, len(exchangeRows), 3)
	require.NoError(t, err)
	assert.Equal(t, b.Capabilities().DeviceAwareExchange, x.xsend.Aware())
	require.NoError(t, b.Allocate(x.src, x.dst, x.xsend, x.xrecv))

	c := world.Comm(r)
	x.send = c.SendInit(x.xsend.HostData(), 1-r, 0)
	x.recv = c.RecvInit(x.xrecv.HostData(), 1-r, 0)
	x.pack, err = b.Pack(x.xsend, x.src, exchangeRows)
	require.NoError(t, err)
	x.unpack, err = b.Unpack(x.xrecv)
	require.NoError(t, err)
	x.copyBack, err = b.Copy(x.dst, x.xrecv)
	require.NoError(t, err)
	return x
}

// expectedRows returns the rows the peer of rank r sends in iteration iter.
func expectedRows(r, iter int) []float64 {
	src := ramp(12, float64(100*(1-r)+1000*iter))
	var want []float64
	for _, row := range exchangeRows {
		want = append(want, src[row*3:row*3+3]...)
	}
	return want
}

// TestExchange runs a pack/send/receive/unpack graph on two ranks concurrently, each with its
// own graph, as two processes would.
func TestExchange(t *testing.T, b backends.Backend) {
	world := comm.NewWorld(2)
	ranks := make([]*rank, 2)
	graphs := make([]backends.Graph, 2)
	for r := range ranks {
		x := newRank(t, b, world, r)
		ranks[r] = x
		g := b.NewGraph()
		g.AddCommRequest(x.recv)
		p := g.Add(x.pack)
		g.AddCommRequest(x.send, p)
		w := g.MakeWait(x.recv, x.send)
		u := g.Add(x.unpack, w)
		g.Add(x.copyBack, u)
		require.NoError(t, g.Commit())
		graphs[r] = g
	}

	for iter := range 3 {
		for r, x := range ranks {
			require.NoError(t, memory.Set(x.src, ramp(12, float64(100*r+1000*iter))))
		}
		var eg errgroup.Group
		for _, g := range graphs {
			eg.Go(g.Run)
		}
		require.NoError(t, eg.Wait())
		for r, x := range ranks {
			assert.Equal(t, expectedRows(r, iter), get(t, x.dst), "rank %d, iteration %d", r, iter)
		}
	}
}

// TestGatedSendAcrossRanks runs, on two ranks, a graph waiting for the receive before the send
// gated on the pack. The send must start once the pack completed even though the wait on the
// receive was declared first: the peer's receive needs it.
func TestGatedSendAcrossRanks(t *testing.T, b backends.Backend) {
	world := comm.NewWorld(2)
	ranks := make([]*rank, 2)
	graphs := make([]backends.Graph, 2)
	for r := range ranks {
		x := newRank(t, b, world, r)
		ranks[r] = x
		g := b.NewGraph()
		g.AddCommRequest(x.recv)
		p := g.Add(x.pack)
		g.AddCommRequest(x.send, p)
		wRecv := g.MakeWait(x.recv)
		u := g.Add(x.unpack, wRecv)
		g.Add(x.copyBack, u)
		g.MakeWait(x.send)
		require.NoError(t, g.Commit())
		graphs[r] = g
	}

	for iter := range 2 {
		for r, x := range ranks {
			require.NoError(t, memory.Set(x.src, ramp(12, float64(100*r+1000*iter))))
		}
		done := make(chan error, 1)
		go func() {
			var eg errgroup.Group
			for _, g := range graphs {
				eg.Go(g.Run)
			}
			done <- eg.Wait()
		}()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			world.Abort(errors.New("test timed out"))
			t.Fatalf("iteration %d: the runs of the two ranks did not complete", iter)
		}
		for r, x := range ranks {
			assert.Equal(t, expectedRows(r, iter), get(t, x.dst), "rank %d, iteration %d", r, iter)
		}
	}
}

// TestQueue runs the same exchange with one queue per rank, drained cooperatively from a single
// goroutine.
func TestQueue(t *testing.T, b backends.Backend) {
	world := comm.NewWorld(2)
	var queues []backends.Queue
	ranks := make([]*rank, 2)
	for r := range ranks {
		ranks[r] = newRank(t, b, world, r)
		queues = append(queues, b.NewQueue())
	}
	for iter := range 2 {
		for r, x := range ranks {
			require.NoError(t, memory.Set(x.src, ramp(12, float64(100*r+1000*iter))))
			q := queues[r]
			q.Start(x.recv)
			require.NoError(t, q.Submit(x.pack))
			q.Start(x.send)
			q.Wait(x.send, x.recv)
			require.NoError(t, q.Submit(x.unpack))
			require.NoError(t, q.Submit(x.copyBack))
			assert.Greater(t, q.Pending(), 0)
		}
		require.NoError(t, backends.DrainCooperatively(queues...))
		for r, x := range ranks {
			assert.Zero(t, queues[r].Pending())
			assert.Equal(t, expectedRows(r, iter), get(t, x.dst), "rank %d, iteration %d", r, iter)
		}
	}
}

// TestQueueOrdering checks that queue items are executed in submission order, and that Advance
// doesn't block on communication.
func TestQueueOrdering(t *testing.T, b backends.Backend) {
	log := NewLog(t)
	q := b.NewQueue()
	r := log.Request("R", 200*time.Millisecond, nil)
	require.NoError(t, q.Submit(log.Kernel(t, b, "A", time.Millisecond)))
	require.NoError(t, q.Submit(log.Kernel(t, b, "B", 0)))
	q.Start(r)
	q.Wait(r)
	require.NoError(t, q.Submit(log.Kernel(t, b, "C", 0)))

	// Advance until the wait: it must return without completing it.
	start := time.Now()
	for range 10 {
		pending, err := q.Advance()
		require.NoError(t, err)
		require.True(t, pending)
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	require.NoError(t, q.Finish())
	assert.Zero(t, q.Pending())

	events := log.Events()
	assert.True(t, log.Before("end:A", "start:B"), events)
	assert.True(t, log.Before("end:B", "start:R"), "starts join the prior compute: %v", events)
	assert.True(t, log.Before("done:R", "start:C"), events)

	// Errors are collected by Finish.
	require.NoError(t, q.Submit(log.Failing(t, b, "F")))
	assert.ErrorIs(t, q.Finish(), ErrInjected)
	require.NoError(t, q.Finish())
}

// TestProviders checks the kernels of the providers against host computations.
func TestProviders(t *testing.T, b backends.Backend) {
	q := b.NewQueue()
	run := func(k kernels.Kernel) {
		require.NoError(t, q.Submit(k))
		require.NoError(t, q.Finish())
	}

	t.Run("DenseMul", func(t *testing.T) {
		a := newMatrix(t, b, 2, 3, []float64{1, 2, 3, 4, 5, 6}, memory.TagDense)
		bm := newMatrix(t, b, 3, 2, []float64{1, 0, 0, 1, 1, 1})
		out := newMatrix(t, b, 2, 2, []float64{10, 10, 10, 10})
		require.NoError(t, b.Allocate(a, bm, out))
		k, err := b.Mul(a, bm, out, 2, 0.5)
		require.NoError(t, err)
		run(k)
		// a x bm = [[4, 5], [10, 11]].
		assert.Equal(t, []float64{13, 15, 25, 27}, get(t, out))
	})

	t.Run("DenseMulFloat32", func(t *testing.T) {
		newF32 := func(nrow, ncol int, values []float32) *memory.Matrix {
			m, err := b.NewMatrix(dtypes.Float32, []int{nrow, ncol}, memory.TagAlign)
			require.NoError(t, err)
			require.NoError(t, memory.SetInitial(m, values))
			return m
		}
		a := newF32(2, 2, []float32{1, 2, 3, 4})
		bm := newF32(2, 2, []float32{1, 1, 1, 1})
		out := newF32(2, 2, []float32{0, 0, 0, 0})
		require.NoError(t, b.Allocate(a, bm, out))
		k, err := b.Mul(a, bm, out, 1, 0)
		require.NoError(t, err)
		run(k)
		values, err := memory.Get[float32](out)
		require.NoError(t, err)
		assert.Equal(t, []float32{3, 3, 7, 7}, values)
	})

	t.Run("SparseMul", func(t *testing.T) {
		// A constant operator with few non-zeros, known before allocation.
		a := newMatrix(t, b, 3, 3, []float64{2, 0, 0, 0, 0, 0, 0, 1, -1}, memory.TagConst)
		bm := newMatrix(t, b, 3, 2, ramp(6, 1))
		out := newMatrix(t, b, 3, 2, nil)
		k, err := b.Mul(a, bm, out, 1, 0)
		require.NoError(t, err)
		require.NoError(t, b.Allocate(a, bm, out))
		run(k)
		// bm = [[1, 2], [3, 4], [5, 6]].
		assert.Equal(t, []float64{2, 4, 0, 0, -2, -2}, get(t, out))
	})

	t.Run("Axnpby", func(t *testing.T) {
		x0 := newMatrix(t, b, 2, 3, ramp(6, 0), memory.TagAlign)
		x1 := newMatrix(t, b, 2, 3, []float64{1, 1, 1, 1, 1, 1}, memory.TagAlign)
		require.NoError(t, b.Allocate(x0, x1))
		k, err := b.Axnpby([]float64{2, 3}, x0, x1)
		require.NoError(t, err)
		run(k)
		assert.Equal(t, []float64{3, 5, 7, 9, 11, 13}, get(t, x0))

		require.NoError(t, k.SetCoeffs(1, -1))
		run(k)
		assert.Equal(t, []float64{2, 4, 6, 8, 10, 12}, get(t, x0))
		assert.Error(t, k.SetCoeffs(1))
	})

	t.Run("Copy", func(t *testing.T) {
		parent := newMatrix(t, b, 4, 4, ramp(16, 0), memory.TagAlign)
		dst := newMatrix(t, b, 2, 2, nil)
		require.NoError(t, b.Allocate(parent, dst))
		slice, err := memory.NewSlice(parent, 1, 3, 2, 4)
		require.NoError(t, err)
		k, err := b.Copy(dst, slice)
		require.NoError(t, err)
		run(k)
		assert.Equal(t, []float64{6, 7, 10, 11}, get(t, dst))
	})

	t.Run("Errest", func(t *testing.T) {
		x := newMatrix(t, b, 2, 2, []float64{1, 2, 3, 4})
		y := newMatrix(t, b, 2, 2, []float64{1, -1, 1, -1})
		z := newMatrix(t, b, 2, 2, []float64{0, 3, 0, 0})
		require.NoError(t, b.Allocate(x, y, z))
		k, err := b.Errest(x, y, z, 1, 1)
		require.NoError(t, err)
		run(k)
		result, err := k.Result()
		require.NoError(t, err)
		want := []float64{
			math.Pow(1.0/2, 2) + math.Pow(3.0/2, 2),
			math.Pow(2.0/4, 2) + math.Pow(4.0/2, 2),
		}
		assert.InDeltaSlice(t, want, result, 1e-12)
	})
}

// TestNoProvider checks that operands no provider accepts are reported as such.
func TestNoProvider(t *testing.T, b backends.Backend) {
	newInt := func() *memory.Matrix {
		m, err := b.NewMatrix(dtypes.Int32, []int{2, 2})
		require.NoError(t, err)
		return m
	}
	a, bm, out := newInt(), newInt(), newInt()
	require.NoError(t, b.Allocate(a, bm, out))
	_, err := b.Mul(a, bm, out, 1, 0)
	require.ErrorIs(t, err, backends.ErrNoProvider)
	require.ErrorIs(t, err, backends.ErrNotSuitable)
}

// TestFinalize checks that a finalized backend refuses new allocations.
func TestFinalize(t *testing.T, b backends.Backend) {
	m := newMatrix(t, b, 2, 2, nil)
	require.NoError(t, b.Allocate(m))
	b.Finalize()
	b.Finalize()
	err := b.Allocate(newMatrix(t, b, 2, 2, nil))
	require.ErrorIs(t, err, backends.ErrFinalized)
}
