package queuebase

import (
	"testing"

	"github.com/gomlx/fluxgraph/backends/internal/device"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog []string

func (l *eventLog) add(event string) { *l = append(*l, event) }

// fakeRequest logs its starts and waits, and completes once done is set.
type fakeRequest struct {
	name string
	log  *eventLog
	done bool
	err  error
}

func (r *fakeRequest) Start() error {
	r.log.add("start:" + r.name)
	return nil
}

func (r *fakeRequest) Wait() error {
	r.log.add("wait:" + r.name)
	return r.err
}

func (r *fakeRequest) Test() (bool, error) { return r.done, r.err }

// logExecutor logs the names launched and the joins. Join returns joinErr once.
type logExecutor struct {
	log     *eventLog
	joinErr error
}

func (e *logExecutor) Dispatch(op device.Op) { e.log.add(op.Args[0].(string)) }

func (e *logExecutor) Join() error {
	e.log.add("join")
	err := e.joinErr
	e.joinErr = nil
	return err
}

func named(names ...string) kernels.Kernel {
	return kernels.Func(func(l kernels.Launcher) error {
		for _, name := range names {
			l.Launch(nil, name)
		}
		return nil
	})
}

func TestAdvance(t *testing.T) {
	for _, fineGrained := range []bool{true, false} {
		var log eventLog
		q := New(&logExecutor{log: &log}, fineGrained)
		r := &fakeRequest{name: "R", log: &log}
		require.NoError(t, q.Submit(named("A0", "A1")))
		q.Start(r)
		q.Wait(r)
		require.NoError(t, q.Submit(named("B")))
		assert.Equal(t, 5, q.Pending())

		for range 3 {
			pending, err := q.Advance()
			require.NoError(t, err)
			require.True(t, pending)
		}
		assert.Equal(t, eventLog{"A0", "A1", "join", "start:R"}, log)

		// The wait doesn't complete until the request does.
		for range 3 {
			pending, err := q.Advance()
			require.NoError(t, err)
			require.True(t, pending)
		}
		assert.Equal(t, 2, q.Pending())
		r.done = true
		pending, err := q.Advance()
		require.NoError(t, err)
		require.True(t, pending)
		pending, err = q.Advance()
		require.NoError(t, err)
		require.False(t, pending)
		require.NoError(t, q.Finish())
		assert.Equal(t, eventLog{"A0", "A1", "join", "start:R", "B", "join"}, log, "fineGrained=%v", fineGrained)

		pending, err = q.Advance()
		assert.NoError(t, err)
		assert.False(t, pending)
	}
}

func TestWaitJoinsCoarseQueues(t *testing.T) {
	var log eventLog
	q := New(&logExecutor{log: &log}, false)
	r := &fakeRequest{name: "R", log: &log, done: true}
	require.NoError(t, q.Submit(named("A")))
	q.Wait(r)
	require.NoError(t, q.Finish())
	assert.Equal(t, eventLog{"A", "join", "wait:R"}, log)

	log = nil
	q = New(&logExecutor{log: &log}, true)
	require.NoError(t, q.Submit(named("A")))
	q.Wait(r)
	require.NoError(t, q.Finish())
	assert.Equal(t, eventLog{"A", "wait:R", "join"}, log)
}

func TestFinishErrors(t *testing.T) {
	var log eventLog
	failure := errors.New("kernel failed")
	q := New(&logExecutor{log: &log, joinErr: failure}, true)
	r := &fakeRequest{name: "R", log: &log}
	require.NoError(t, q.Submit(named("A")))
	q.Start(r)
	require.NoError(t, q.Submit(named("B")))
	assert.ErrorIs(t, q.Finish(), failure)
	assert.Zero(t, q.Pending())
	assert.NotContains(t, log, "start:R")
	assert.NotContains(t, log, "B")

	commFailure := errors.New("connection reset")
	log = nil
	r = &fakeRequest{name: "R", log: &log, err: commFailure}
	q.Start(r)
	q.Wait(r)
	err := q.Finish()
	assert.Same(t, commFailure, err)

	q.Start(r)
	q.Wait(r)
	_, err = q.Advance()
	require.NoError(t, err)
	_, err = q.Advance()
	assert.Same(t, commFailure, err)
	assert.Zero(t, q.Pending())

	assert.ErrorIs(t, New(nil, true).Submit(kernels.Func(func(kernels.Launcher) error { return failure })), failure)
}

func TestExecutors(t *testing.T) {
	dev := memory.NewArena("test", 64, 0)
	x, err := memory.NewXchgMatrix(dtypes.Float64, 1, 2, false)
	require.NoError(t, err)
	require.NoError(t, memory.Allocate(dev, x))

	stream := device.NewStream(dev, "test")
	defer stream.Close()
	testCases := []struct {
		name string
		exec Executor
	}{
		{"inline", &InlineExecutor{Device: dev}},
		{"stream", StreamExecutor{Stream: stream}},
	}
	for i, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, memory.Set(x, []float64{float64(i), 1}))
			q := New(tc.exec, true)
			q.CopyToHost(x)
			require.NoError(t, q.Finish())
			assert.Equal(t, []float64{float64(i), 1}, memory.FromBytes[float64](x.HostData()))

			// Failures are sticky until joined: the copy after the failing op is skipped.
			copy(x.HostData(), memory.AsBytes([]float64{7, 7}))
			tc.exec.Dispatch(device.Op{Kind: device.OpKind(42)})
			q.CopyToDevice(x)
			assert.Error(t, q.Finish())
			assert.NotEqual(t, []float64{7, 7}, get(t, x))
			require.NoError(t, tc.exec.Join())
		})
	}
}

func get(t *testing.T, x *memory.XchgMatrix) []float64 {
	values, err := memory.Get[float64](x)
	require.NoError(t, err)
	return values
}
