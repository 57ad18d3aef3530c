package comm

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fluxgraph/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// mailboxDepth is the number of messages that can be in flight on one (source, destination, tag) route.
const mailboxDepth = 16

// ErrAborted is the cause of the CommunicationError of requests pending when a World is aborted
// without an explicit error.
var ErrAborted = errors.New("communication world aborted")

// World is an in-process transport connecting size ranks. Each rank gets its communicator with
// World.Comm and creates persistent send/receive requests on it.
//
// Messages are copied when a send starts (eager protocol), so a send completes as soon as
// the message is queued, and a receive completes when a matching message arrives.
type World struct {
	size int

	mu        sync.Mutex
	mailboxes map[route]chan []byte

	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  error
}

type route struct {
	src, dst, tag int
}

// NewWorld creates a world with size ranks.
func NewWorld(size int) *World {
	if size <= 0 {
		exceptions.Panicf("comm.NewWorld: size must be positive, got %d", size)
	}
	return &World{
		size:      size,
		mailboxes: make(map[route]chan []byte),
		aborted:   make(chan struct{}),
	}
}

// Size returns the number of ranks.
func (w *World) Size() int { return w.size }

// Comm returns the communicator of the given rank.
func (w *World) Comm(rank int) *Comm {
	if rank < 0 || rank >= w.size {
		exceptions.Panicf("comm.World: rank %d out of range for world of size %d", rank, w.size)
	}
	return &Comm{world: w, rank: rank}
}

// Abort fails every pending and future request with a CommunicationError caused by err
// (or ErrAborted if err is nil).
func (w *World) Abort(err error) {
	w.abortOnce.Do(func() {
		if err == nil {
			err = ErrAborted
		}
		w.abortErr = err
		klog.Warningf("communication world of size %d aborted: %v", w.size, err)
		close(w.aborted)
	})
}

func (w *World) mailbox(r route) chan []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	mb, found := w.mailboxes[r]
	if !found {
		mb = make(chan []byte, mailboxDepth)
		w.mailboxes[r] = mb
	}
	return mb
}

// Comm is the communicator of one rank of a World.
type Comm struct {
	world *World
	rank  int
}

// Rank of the communicator.
func (c *Comm) Rank() int { return c.rank }

// Size of the world.
func (c *Comm) Size() int { return c.world.size }

// SendInit creates a persistent send of buf to rank dest. The contents of buf are read each
// time the request is started.
func (c *Comm) SendInit(buf []byte, dest, tag int) *Persistent {
	return c.newPersistent("send", buf, dest, tag, route{src: c.rank, dst: dest, tag: tag})
}

// RecvInit creates a persistent receive into buf from rank source. The incoming message must
// have exactly len(buf) bytes.
func (c *Comm) RecvInit(buf []byte, source, tag int) *Persistent {
	return c.newPersistent("recv", buf, source, tag, route{src: source, dst: c.rank, tag: tag})
}

func (c *Comm) newPersistent(op string, buf []byte, peer, tag int, r route) *Persistent {
	if peer < 0 || peer >= c.world.size {
		exceptions.Panicf("comm: %s peer rank %d out of range for world of size %d", op, peer, c.world.size)
	}
	return &Persistent{comm: c, op: op, buf: buf, peer: peer, tag: tag, mailbox: c.world.mailbox(r)}
}

// Persistent is a persistent request created by Comm.SendInit or Comm.RecvInit.
type Persistent struct {
	comm      *Comm
	op        string
	buf       []byte
	peer, tag int
	mailbox   chan []byte

	mu     sync.Mutex
	active *xsync.Latch
}

var _ Request = (*Persistent)(nil)

func (p *Persistent) fail(err error) *CommunicationError {
	return &CommunicationError{Op: p.op, Rank: p.comm.rank, Peer: p.peer, Tag: p.tag, Err: err}
}

// Start implements Request. Starting a request that is still active is an error.
func (p *Persistent) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		return errors.Errorf("comm: %s rank %d <-> %d (tag %d) started while still active", p.op, p.comm.rank, p.peer, p.tag)
	}
	done := xsync.NewLatch()
	p.active = done
	aborted := p.comm.world.aborted
	if p.op == "send" {
		msg := slices.Clone(p.buf)
		go func() {
			select {
			case p.mailbox <- msg:
				done.Trigger()
			case <-aborted:
				done.TriggerWithError(p.fail(p.comm.world.abortErr))
			}
		}()
		return nil
	}
	go func() {
		select {
		case msg := <-p.mailbox:
			if len(msg) != len(p.buf) {
				done.TriggerWithError(p.fail(errors.Errorf("message of %d bytes does not fit receive buffer of %d bytes", len(msg), len(p.buf))))
				return
			}
			copy(p.buf, msg)
			done.Trigger()
		case <-aborted:
			done.TriggerWithError(p.fail(p.comm.world.abortErr))
		}
	}()
	return nil
}

// Wait implements Request. Waiting on a request that isn't active returns immediately.
func (p *Persistent) Wait() error {
	p.mu.Lock()
	done := p.active
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	err := done.Wait()
	p.mu.Lock()
	p.active = nil
	p.mu.Unlock()
	return err
}

// Test implements Request.
func (p *Persistent) Test() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return true, nil
	}
	if !p.active.Test() {
		return false, nil
	}
	err := p.active.Err()
	p.active = nil
	return true, err
}
