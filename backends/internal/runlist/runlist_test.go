package runlist

import (
	"testing"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/backends/internal/device"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog []string

func (l *eventLog) add(event string) { *l = append(*l, event) }

// fakeRequest completes immediately and logs its starts and waits.
type fakeRequest struct {
	name     string
	log      *eventLog
	startErr error
}

func (r *fakeRequest) Start() error {
	r.log.add("start:" + r.name)
	return r.startErr
}

func (r *fakeRequest) Wait() error {
	r.log.add("wait:" + r.name)
	return nil
}

func (r *fakeRequest) Test() (bool, error) { return true, nil }

// logExecutor logs the name launched by each operation, and its joins.
type logExecutor struct {
	log *eventLog
}

func (e logExecutor) Dispatch(op device.Op) { e.log.add(op.Args[0].(string)) }

func (e logExecutor) Join() error {
	e.log.add("join")
	return nil
}

func named(name string) kernels.Kernel {
	return kernels.Func(func(l kernels.Launcher) error {
		l.Launch(nil, name)
		return nil
	})
}

func TestCut(t *testing.T) {
	r0, r1 := &fakeRequest{name: "r0"}, &fakeRequest{name: "r1"}
	testCases := []struct {
		name          string
		n             int
		waits, starts map[int][]comm.Request
		want          []Span
	}{
		{"single span", 3, nil, nil, []Span{{First: 0, Count: 3}}},
		{"wait and start", 3,
			map[int][]comm.Request{2: {r0}},
			map[int][]comm.Request{1: {r1}},
			[]Span{
				{First: 0, Count: 1, Starts: []comm.Request{r1}},
				{First: 1, Count: 1},
				{Waits: []comm.Request{r0}, First: 2, Count: 1},
			}},
		{"trailing wait", 2,
			map[int][]comm.Request{2: {r0}}, nil,
			[]Span{
				{First: 0, Count: 2},
				{Waits: []comm.Request{r0}, First: 2},
			}},
		{"no kernels", 0,
			map[int][]comm.Request{0: {r0, r1}}, nil,
			[]Span{{Waits: []comm.Request{r0, r1}}}},
		{"empty", 0, nil, nil, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			spans := Cut(tc.n, tc.waits, tc.starts)
			assert.Equal(t, tc.want, spans)
			total := 0
			for _, span := range spans {
				total += span.Count
			}
			assert.Equal(t, tc.n, total, "every kernel in exactly one span")
		})
	}
}

func TestGraph(t *testing.T) {
	var log eventLog
	g := NewGraph("test", logExecutor{&log})
	root := &fakeRequest{name: "R", log: &log}
	send := &fakeRequest{name: "S", log: &log}

	g.AddCommRequest(root)
	a := g.Add(named("A"))
	g.Add(named("B"), a)
	g.AddCommRequest(send, a)
	w := g.MakeWait(send)
	g.Add(named("C"), w)
	g.Add(named("D"))
	require.NoError(t, g.Commit())

	plan := g.Plan()
	require.Len(t, plan.Segments, 3)
	var all []backends.NodeID
	for _, seg := range plan.Segments {
		all = append(all, seg.Kernels...)
	}
	assert.Equal(t, g.Kernels(), all)
	assert.Equal(t, []comm.Request{root}, plan.Final)

	for range 2 {
		log = nil
		require.NoError(t, g.Run())
		assert.Equal(t, eventLog{
			"start:R", "A", "join", "start:S", "B", "wait:S", "C", "D", "join", "wait:R",
		}, log)
	}
}

func TestGraphTrailingWait(t *testing.T) {
	var log eventLog
	g := NewGraph("test", logExecutor{&log})
	r := &fakeRequest{name: "R", log: &log}
	g.AddCommRequest(r)
	g.Add(named("A"))
	g.MakeWait(r)
	require.NoError(t, g.Commit())

	plan := g.Plan()
	require.Len(t, plan.Segments, 2)
	assert.Empty(t, plan.Segments[1].Kernels)
	assert.Empty(t, plan.Final)
	require.NoError(t, g.Run())
	assert.Equal(t, eventLog{"start:R", "A", "wait:R", "join"}, log)
}

func TestGraphCommError(t *testing.T) {
	var log eventLog
	failure := errors.New("peer unreachable")
	g := NewGraph("test", logExecutor{&log})
	a := g.Add(named("A"))
	g.AddCommRequest(&fakeRequest{name: "S", log: &log, startErr: failure}, a)
	g.Add(named("B"), a)
	require.NoError(t, g.Commit())

	err := g.Run()
	assert.Same(t, failure, err)
	assert.Equal(t, eventLog{"A", "join", "start:S"}, log)
}

func TestGraphRefresh(t *testing.T) {
	var log eventLog
	g := NewGraph("test", logExecutor{&log})
	name := "before"
	id := g.Add(kernels.Func(func(l kernels.Launcher) error {
		l.Launch(nil, name)
		return nil
	}))
	require.NoError(t, g.Commit())

	name = "after"
	require.NoError(t, g.Run())
	assert.Equal(t, eventLog{"before", "join"}, log, "captured parameters are reused until marked stale")

	log = nil
	g.MarkStale(id)
	require.NoError(t, g.Run())
	assert.Equal(t, eventLog{"after", "join"}, log)
}
