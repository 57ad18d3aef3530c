package comm

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorldExchange(t *testing.T) {
	w := NewWorld(2)
	c0, c1 := w.Comm(0), w.Comm(1)
	sendBuf, recvBuf := make([]byte, 4), make([]byte, 4)
	send := c0.SendInit(sendBuf, 1, 7)
	recv := c1.RecvInit(recvBuf, 0, 7)

	// Persistent requests are reusable across iterations.
	for iter := range 3 {
		copy(sendBuf, []byte{byte(iter), 1, 2, 3})
		require.NoError(t, recv.Start())
		require.NoError(t, send.Start())
		assert.Error(t, send.Start(), "start while active")
		require.NoError(t, WaitAll([]Request{send, recv}))
		assert.Equal(t, []byte{byte(iter), 1, 2, 3}, recvBuf)
	}

	// Inactive requests complete immediately.
	done, err := recv.Test()
	assert.True(t, done)
	assert.NoError(t, err)
	assert.NoError(t, recv.Wait())
}

func TestWorldTest(t *testing.T) {
	w := NewWorld(2)
	recv := w.Comm(1).RecvInit(make([]byte, 2), 0, 0)
	require.NoError(t, recv.Start())
	done, err := recv.Test()
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, StartAll([]Request{w.Comm(0).SendInit([]byte{1, 2}, 1, 0)}))
	assert.Eventually(t, func() bool {
		done, err := recv.Test()
		return done && err == nil
	}, time.Second, time.Millisecond)
}

func TestWorldErrors(t *testing.T) {
	w := NewWorld(2)
	recv := w.Comm(1).RecvInit(make([]byte, 8), 0, 3)
	send := w.Comm(0).SendInit(make([]byte, 4), 1, 3)
	require.NoError(t, StartAll([]Request{recv, send}))
	err := WaitAll([]Request{send, recv})
	var commErr *CommunicationError
	require.True(t, errors.As(err, &commErr))
	assert.Equal(t, "recv", commErr.Op)
	assert.Equal(t, 1, commErr.Rank)

	// Pending requests fail when the world is aborted.
	cause := errors.New("peer lost")
	pending := w.Comm(0).RecvInit(make([]byte, 1), 1, 9)
	require.NoError(t, pending.Start())
	w.Abort(cause)
	err = pending.Wait()
	require.True(t, errors.As(err, &commErr))
	assert.Same(t, cause, commErr.Err)

	assert.Panics(t, func() { w.Comm(2) })
	assert.Panics(t, func() { w.Comm(0).SendInit(nil, 5, 0) })
}
