package graphbase

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopRequest struct{ name string }

func (r *nopRequest) Start() error        { return nil }
func (r *nopRequest) Wait() error         { return nil }
func (r *nopRequest) Test() (bool, error) { return true, nil }

func nop() kernels.Kernel {
	return kernels.Func(func(kernels.Launcher) error { return nil })
}

// versioned launches its current version, and reports it as fingerprint.
type versioned struct{ version uint64 }

func (k *versioned) Run(l kernels.Launcher) error {
	l.Launch(nil, k.version)
	return nil
}

func (k *versioned) Fingerprint() uint64 { return k.version }

func TestTopology(t *testing.T) {
	b := New("test")
	r0, r1, r2 := &nopRequest{"r0"}, &nopRequest{"r1"}, &nopRequest{"r2"}
	a := b.Add(nop())
	b.AddCommRequest(r0)
	b.AddCommRequest(r1, a, a)
	w := b.MakeWait(r1)
	ids := b.AddAll([]kernels.Kernel{nop(), nop()}, w, a, w)
	b.AddCommRequest(r2, ids...)
	assert.Equal(t, 4, b.NumNodes())
	assert.Equal(t, []backends.NodeID{a, ids[0], ids[1]}, b.Kernels())
	assert.Equal(t, []backends.NodeID{w}, b.Waits())
	assert.Equal(t, []backends.NodeID{w, a}, b.Node(ids[0]).Deps, "duplicated dependencies are dropped")

	require.NoError(t, b.Freeze())
	assert.True(t, b.Committed())
	assert.NoError(t, b.Err())
	assert.ElementsMatch(t, []backends.NodeID{ids[0], ids[1]}, b.Dependents(w))
	assert.Equal(t, []Gated{{Req: r1, Deps: []backends.NodeID{a}}, {Req: r2, Deps: ids}}, b.Gated())
	assert.Len(t, b.Roots(), 1)
	assert.Len(t, b.Unwaited(), 2)
	waitedBy, found := b.WaitOf(r1)
	assert.True(t, found)
	assert.Equal(t, w, waitedBy)
	gatedBy := b.GatedBy()
	assert.Len(t, gatedBy[w], 1)
	assert.Len(t, gatedBy[backends.InvalidNodeID], 1)
}

func requirePanics(t *testing.T, fn func()) {
	t.Helper()
	err := exceptions.TryCatch[error](fn)
	var perr *backends.ProgrammerError
	require.ErrorAs(t, err, &perr)
}

func TestMisuse(t *testing.T) {
	r := &nopRequest{"r"}
	requirePanics(t, func() { New("test").Add(nop(), 0) })
	requirePanics(t, func() { New("test").Add(nil) })
	requirePanics(t, func() { New("test").MakeWait() })
	requirePanics(t, func() { New("test").MakeWait(r) })
	requirePanics(t, func() { New("test").Err() })
	requirePanics(t, func() {
		b := New("test")
		b.AddCommRequest(r)
		b.AddCommRequest(r)
	})
	requirePanics(t, func() {
		b := New("test")
		b.AddCommRequest(r)
		w := b.MakeWait(r)
		b.AddCommRequest(&nopRequest{"gated"}, w)
	})
	requirePanics(t, func() {
		b := New("test")
		b.AddCommRequest(r)
		b.MakeWait(r)
		b.MakeWait(r)
	})
	requirePanics(t, func() {
		b := New("test")
		require.NoError(t, b.Freeze())
		b.Add(nop())
	})
	requirePanics(t, func() {
		b := New("test")
		require.NoError(t, b.Freeze())
		_ = b.Freeze()
	})
}

func TestCaptureFailure(t *testing.T) {
	failure := errors.New("operand not allocated")
	b := New("test")
	b.Add(kernels.Func(func(kernels.Launcher) error { return failure }))
	assert.ErrorIs(t, b.Freeze(), failure)
	assert.ErrorIs(t, b.Err(), failure)
}

func TestRefresh(t *testing.T) {
	b := New("test")
	k := &versioned{version: 1}
	id := b.Add(k)
	other := b.Add(nop())
	require.NoError(t, b.Freeze())
	assert.Equal(t, []any{uint64(1)}, b.Node(id).Ops[0].Args)

	refreshed, err := b.Refresh()
	require.NoError(t, err)
	assert.Empty(t, refreshed)

	k.version = 2
	refreshed, err = b.Refresh()
	require.NoError(t, err)
	assert.Equal(t, []backends.NodeID{id}, refreshed)
	assert.Equal(t, []any{uint64(2)}, b.Node(id).Ops[0].Args)

	b.MarkStale(other)
	refreshed, err = b.Refresh()
	require.NoError(t, err)
	assert.Equal(t, []backends.NodeID{other}, refreshed)
	refreshed, err = b.Refresh()
	require.NoError(t, err)
	assert.Empty(t, refreshed)
}
