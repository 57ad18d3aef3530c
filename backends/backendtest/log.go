package backendtest

import (
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// ErrInjected is returned by the kernels created with Log.Failing.
var ErrInjected = errors.New("injected kernel failure")

// AwaitTimeout is how long a kernel created with Log.Await waits for its event.
var AwaitTimeout = 2 * time.Second

func init() {
	kernels.Register("backendtest.mark", kernels.MustParseSignature("iii"), markImpl)
	kernels.Register("backendtest.fill", kernels.MustParseSignature("iPd"), fillImpl)
	kernels.Register("backendtest.fail", kernels.MustParseSignature("ii"), failImpl)
	kernels.Register("backendtest.await", kernels.MustParseSignature("iii"), awaitImpl)
}

const testSource = `// Kernels of the backend contract tests.
kernel mark(iii) = backendtest.mark
kernel fill(iPd) = backendtest.fill
kernel fail(ii) = backendtest.fail
kernel await(iii) = backendtest.await
`

var (
	logsMu sync.Mutex
	logs   = make(map[int32]*Log)
	nextID atomic.Int32
)

// Log records the events of a test: kernel starts and ends ("start:A", "end:A") and request
// starts and completions ("start:R", "done:R").
type Log struct {
	id int32

	mu                  sync.Mutex
	names               []string
	events              []string
	running, maxRunning int
}

// NewLog creates a log, unregistered when the test finishes.
func NewLog(t *testing.T) *Log {
	l := &Log{id: nextID.Add(1)}
	logsMu.Lock()
	logs[l.id] = l
	logsMu.Unlock()
	t.Cleanup(func() {
		logsMu.Lock()
		delete(logs, l.id)
		logsMu.Unlock()
	})
	return l
}

func lookupLog(id int32) (*Log, error) {
	logsMu.Lock()
	defer logsMu.Unlock()
	l, found := logs[id]
	if !found {
		return nil, errors.Errorf("unknown test log #%d", id)
	}
	return l, nil
}

func (l *Log) label(name string) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx := slices.Index(l.names, name); idx >= 0 {
		return int32(idx)
	}
	l.names = append(l.names, name)
	return int32(len(l.names) - 1)
}

func (l *Log) name(label int32) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.names[label]
}

func (l *Log) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *Log) begin(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running++
	l.maxRunning = max(l.maxRunning, l.running)
	l.events = append(l.events, "start:"+name)
}

func (l *Log) end(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running--
	l.events = append(l.events, "end:"+name)
}

// Events returns a copy of the recorded events.
func (l *Log) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// Reset clears the recorded events and the concurrency high-water mark.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
	l.maxRunning = 0
}

// MaxConcurrent returns the maximum number of kernels that were running at the same time.
func (l *Log) MaxConcurrent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxRunning
}

// Count returns how many times event was recorded.
func (l *Log) Count(event string) int {
	n := 0
	for _, e := range l.Events() {
		if e == event {
			n++
		}
	}
	return n
}

// Before returns whether the first occurrence of event a precedes the first occurrence of b.
// Both must have been recorded.
func (l *Log) Before(a, b string) bool {
	events := l.Events()
	ia, ib := slices.Index(events, a), slices.Index(events, b)
	return ia >= 0 && ib >= 0 && ia < ib
}

func buildTestFunction(t *testing.T, b backends.Backend, name, sig string) *kernels.Function {
	fn, err := b.Kernels().Build(name, testSource, kernels.MustParseSignature(sig))
	require.NoError(t, err)
	return fn
}

// Kernel returns a kernel recording its start and end as name, busy for d in between.
func (l *Log) Kernel(t *testing.T, b backends.Backend, name string, d time.Duration) kernels.Kernel {
	k, err := kernels.Bind(buildTestFunction(t, b, "mark", "iii"), l.id, l.label(name), int32(d/time.Microsecond))
	require.NoError(t, err)
	return k
}

// Failing returns a kernel that records its start as name and fails with ErrInjected.
func (l *Log) Failing(t *testing.T, b backends.Backend, name string) kernels.Kernel {
	k, err := kernels.Bind(buildTestFunction(t, b, "fail", "ii"), l.id, l.label(name))
	require.NoError(t, err)
	return k
}

// Await returns a kernel recording its start and end as name, that ends only once event was
// recorded by something running at the same time. It fails if event isn't recorded within
// AwaitTimeout.
func (l *Log) Await(t *testing.T, b backends.Backend, name, event string) kernels.Kernel {
	k, err := kernels.Bind(buildTestFunction(t, b, "await", "iii"), l.id, l.label(name), l.label(event))
	require.NoError(t, err)
	return k
}

// Fill returns a kernel setting every element of the float64 operand x to value.
func Fill(t *testing.T, b backends.Backend, x memory.Operand, value float64) *kernels.Bound {
	k, err := kernels.Bind(buildTestFunction(t, b, "fill", "iPd"), int32(x.NRow()*x.LeadDim()), x, value)
	require.NoError(t, err)
	return k
}

func markImpl(_ memory.Device, args []any) error {
	l, err := lookupLog(args[0].(int32))
	if err != nil {
		return err
	}
	name := l.name(args[1].(int32))
	l.begin(name)
	if us := args[2].(int32); us > 0 {
		time.Sleep(time.Duration(us) * time.Microsecond)
	}
	l.end(name)
	return nil
}

func fillImpl(dev memory.Device, args []any) error {
	flat, err := kernels.View[float64](dev, args[1].(memory.Addr), int(args[0].(int32)))
	if err != nil {
		return err
	}
	value := args[2].(float64)
	for i := range flat {
		flat[i] = value
	}
	return nil
}

func awaitImpl(_ memory.Device, args []any) error {
	l, err := lookupLog(args[0].(int32))
	if err != nil {
		return err
	}
	name, event := l.name(args[1].(int32)), l.name(args[2].(int32))
	l.begin(name)
	defer l.end(name)
	deadline := time.Now().Add(AwaitTimeout)
	for l.Count(event) == 0 {
		if time.Now().After(deadline) {
			return errors.Errorf("kernel %s: %q not recorded within %s while it was running", name, event, AwaitTimeout)
		}
		time.Sleep(100 * time.Microsecond)
	}
	return nil
}

func failImpl(_ memory.Device, args []any) error {
	l, err := lookupLog(args[0].(int32))
	if err != nil {
		return err
	}
	l.record("start:" + l.name(args[1].(int32)))
	return ErrInjected
}

// Request is a communication request recording its start and completion in a Log.
// It completes delay after being started, with err.
type Request struct {
	log   *Log
	name  string
	delay time.Duration
	err   error

	mu      sync.Mutex
	started time.Time
	active  bool
}

// Request creates a request named name in the log.
func (l *Log) Request(name string, delay time.Duration, err error) *Request {
	return &Request{log: l, name: name, delay: delay, err: err}
}

// Start implements comm.Request.
func (r *Request) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return errors.Errorf("request %s started while active", r.name)
	}
	r.active, r.started = true, time.Now()
	r.log.record("start:" + r.name)
	return nil
}

// complete must be called with r.mu held.
func (r *Request) complete() error {
	r.active = false
	r.log.record("done:" + r.name)
	return r.err
}

// Wait implements comm.Request.
func (r *Request) Wait() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return nil
	}
	time.Sleep(time.Until(r.started.Add(r.delay)))
	return r.complete()
}

// Test implements comm.Request.
func (r *Request) Test() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return true, nil
	}
	if time.Since(r.started) < r.delay {
		return false, nil
	}
	return true, r.complete()
}

// String implements fmt.Stringer.
func (r *Request) String() string { return r.name }
