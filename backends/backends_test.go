package backends

import (
	"fmt"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend only carries its name and configuration: the registry never calls its methods.
type fakeBackend struct {
	Backend
	name, config string
}

func (b *fakeBackend) Name() string { return b.name }

func TestRegistry(t *testing.T) {
	var constructed []string
	for _, name := range []string{"fake-b", "fake-a"} {
		Register(name, func(config string) (Backend, error) {
			if config == "broken" {
				return nil, errors.New("bad configuration")
			}
			constructed = append(constructed, name+":"+config)
			return &fakeBackend{name: name, config: config}, nil
		})
	}
	assert.Subset(t, List(), []string{"fake-a", "fake-b"})

	b, err := NewWithConfig("fake-a:x=1,y=2")
	require.NoError(t, err)
	assert.Equal(t, "fake-a", b.Name())
	assert.Equal(t, "x=1,y=2", b.(*fakeBackend).config)

	// A bare name selects the backend with an empty configuration.
	b, err = NewWithConfig("fake-b")
	require.NoError(t, err)
	assert.Equal(t, "fake-b", b.Name())
	assert.Equal(t, "", b.(*fakeBackend).config)

	_, err = NewWithConfig("unknown:x=1")
	assert.ErrorContains(t, err, "can't find backend")
	_, err = NewWithConfig("fake-a:broken")
	assert.ErrorContains(t, err, "bad configuration")

	t.Setenv(FLUXGRAPH_BACKEND, "fake-b:from-env")
	b, err = New()
	require.NoError(t, err)
	assert.Equal(t, "from-env", b.(*fakeBackend).config)
	assert.Contains(t, constructed, "fake-b:from-env")
}

func TestProgrammerError(t *testing.T) {
	err := exceptions.TryCatch[error](func() { Programmerf("node #%d unknown", 3) })
	var perr *ProgrammerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "programmer error: node #3 unknown", perr.Error())
	assert.Contains(t, fmt.Sprintf("%+v", perr), "backends_test.go")
}

type fakeKernel struct{ by string }

func (k fakeKernel) Run(kernels.Launcher) error { return nil }

type fakeMul struct {
	name string
	err  error
}

func (p fakeMul) Mul(_, _, _ memory.Operand, _, _ float64) (kernels.Kernel, error) {
	if p.err != nil {
		return nil, p.err
	}
	return fakeKernel{by: p.name}, nil
}

func TestDispatch(t *testing.T) {
	mul := func(providers ...any) (kernels.Kernel, error) {
		return Dispatch(providers, "mul", func(p MulProvider) (kernels.Kernel, error) {
			return p.Mul(nil, nil, nil, 1, 0)
		})
	}
	notSuitable := fakeMul{name: "sparse", err: errors.Wrap(ErrNotSuitable, "too dense")}
	compileFailure := fakeMul{name: "broken", err: &kernels.CompileError{Name: "gemm", Err: errors.New("syntax error")}}
	dense := fakeMul{name: "dense"}

	testCases := []struct {
		name      string
		providers []any
		want      string
		wantErr   error
	}{
		{"first suitable wins", []any{dense, fakeMul{name: "other"}}, "dense", nil},
		{"falls through not suitable", []any{notSuitable, dense}, "dense", nil},
		{"falls through compile errors", []any{compileFailure, notSuitable, dense}, "dense", nil},
		{"skips other provider kinds", []any{"not a provider", dense}, "dense", nil},
		{"no provider", []any{notSuitable}, "", ErrNoProvider},
		{"empty", nil, "", ErrNoProvider},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			k, err := mul(tc.providers...)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, k.(fakeKernel).by)
		})
	}

	// The reasons are kept.
	_, err := mul(notSuitable, compileFailure)
	var noProvider *NoProviderError
	require.ErrorAs(t, err, &noProvider)
	assert.Len(t, noProvider.Reasons, 2)
	assert.ErrorIs(t, err, ErrNotSuitable)
	var compileErr *kernels.CompileError
	assert.ErrorAs(t, err, &compileErr)

	// Other errors stop the dispatch.
	fatal := errors.New("out of memory")
	_, err = mul(fakeMul{name: "failing", err: fatal}, dense)
	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrNoProvider)
}

// fakeQueue completes one item per Advance. Items listed in blocked never complete by Advance.
type fakeQueue struct {
	kernels.Launcher
	items    []string
	blocked  map[string]bool
	advanced []string
	finished bool
	err      error
}

func (q *fakeQueue) Submit(kernels.Kernel) error { return nil }
func (q *fakeQueue) Start(...comm.Request)       {}
func (q *fakeQueue) Wait(...comm.Request)        {}
func (q *fakeQueue) Pending() int                { return len(q.items) }

func (q *fakeQueue) Advance() (bool, error) {
	if len(q.items) == 0 {
		return false, nil
	}
	if q.blocked[q.items[0]] {
		return true, nil
	}
	q.advanced = append(q.advanced, q.items[0])
	q.items = q.items[1:]
	return len(q.items) > 0, q.err
}

func (q *fakeQueue) Finish() error {
	q.items = nil
	q.finished = true
	return nil
}

func TestDrainCooperatively(t *testing.T) {
	q0 := &fakeQueue{items: []string{"a0", "a1", "a2"}}
	q1 := &fakeQueue{items: []string{"b0", "wait", "b2"}, blocked: map[string]bool{"wait": true}}
	require.NoError(t, DrainCooperatively(q0, q1))
	// Round-robin: the blocked queue doesn't prevent the others from progressing.
	assert.Equal(t, []string{"a0", "a1", "a2"}, q0.advanced)
	assert.Equal(t, []string{"b0"}, q1.advanced)
	assert.True(t, q0.finished)
	assert.True(t, q1.finished)
	assert.Zero(t, q1.Pending())

	failure := errors.New("kernel failed")
	q2 := &fakeQueue{items: []string{"c0", "c1"}, err: failure}
	q3 := &fakeQueue{items: []string{"d0"}}
	assert.ErrorIs(t, DrainCooperatively(q2, q3), failure)
	assert.True(t, q2.finished)
	assert.True(t, q3.finished)
}
