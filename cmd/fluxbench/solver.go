package main

import (
	"math"

	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/pkg/core/comm"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// rank holds the state of one rank of a periodic 1D linear advection problem, discretized with
// first-order upwinding over nupts points per rank and nvars independent variables.
//
// The right-hand side of each step is one graph:
//
//	uf = disu x u                      (sparse, interpolation to the right face)
//	pack uf -> xsend ; send to peer    (gated on the pack)
//	du = -a/h D x u                    (dense, overlaps the exchange)
//	wait recv, send ; unpack xrecv
//	du += a/h L x xrecv                (sparse, lifts the upwind neighbour value)
//	u += dt du
type rank struct {
	b     backends.Backend
	dtype dtypes.DType
	id    int

	u, du, uf, disu, div, lift *memory.Matrix
	xsend, xrecv               *memory.XchgMatrix
	send, recv                 comm.Request

	graph  backends.Graph
	errest backends.ReductionKernel
}

type problem struct {
	nupts, nvars int
	velocity, dt float64
}

// h is the grid spacing, for a unit domain split over the ranks of world.
func (p problem) h(world *comm.World) float64 {
	return 1 / float64(p.nupts*world.Size())
}

func newRank(b backends.Backend, world *comm.World, id int, p problem) (*rank, error) {
	r := &rank{b: b, dtype: b.Options().Precision, id: id}
	n := p.nupts
	newMatrix := func(nrow, ncol int, values []float64, tags ...string) (*memory.Matrix, error) {
		m, err := b.NewMatrix(r.dtype, []int{nrow, ncol}, tags...)
		if err != nil || values == nil {
			return m, err
		}
		return m, setInitial(m, values)
	}

	// Initial condition: one sine wave per variable, shifted by the variable index.
	h := p.h(world)
	u0 := make([]float64, n*p.nvars)
	for i := range n {
		x := (float64(id*n+i) + 0.5) * h
		for v := range p.nvars {
			u0[i*p.nvars+v] = math.Sin(2*math.Pi*x + float64(v))
		}
	}
	disu := make([]float64, n)
	disu[n-1] = 1
	div := make([]float64, n*n)
	for i := range n {
		div[i*n+i] = 1
		if i > 0 {
			div[i*n+i-1] = -1
		}
	}
	lift := make([]float64, n)
	lift[0] = 1

	var err error
	for _, m := range []struct {
		ptr        **memory.Matrix
		nrow, ncol int
		values     []float64
		tags       []string
	}{
		{&r.u, n, p.nvars, u0, []string{memory.TagAlign}},
		{&r.du, n, p.nvars, nil, []string{memory.TagAlign}},
		{&r.uf, 1, p.nvars, nil, []string{memory.TagAlign}},
		{&r.disu, 1, n, disu, []string{memory.TagConst}},
		{&r.div, n, n, div, []string{memory.TagConst, memory.TagDense}},
		{&r.lift, n, 1, lift, []string{memory.TagConst}},
	} {
		if *m.ptr, err = newMatrix(m.nrow, m.ncol, m.values, m.tags...); err != nil {
			return nil, err
		}
	}
	if r.xsend, err = b.NewXchgMatrix(r.dtype, 1, p.nvars); err != nil {
		return nil, err
	}
	if r.xrecv, err = b.NewXchgMatrix(r.dtype, 1, p.nvars); err != nil {
		return nil, err
	}
	if err = b.Allocate(r.u, r.du, r.uf, r.disu, r.div, r.lift, r.xsend, r.xrecv); err != nil {
		return nil, err
	}

	// The right face of this rank is the upwind neighbour of the left face of the next one.
	c := world.Comm(id)
	next, prev := (id+1)%world.Size(), (id+world.Size()-1)%world.Size()
	r.send = c.SendInit(r.xsend.HostData(), next, 0)
	r.recv = c.RecvInit(r.xrecv.HostData(), prev, 0)

	if err = r.buildGraph(p.velocity/h, p.dt); err != nil {
		return nil, errors.WithMessagef(err, "rank %d: failed to build the right-hand side graph", id)
	}
	r.errest, err = b.Errest(r.du, r.u, r.u, 1e-6, 1e-3)
	return r, err
}

func (r *rank) buildGraph(ah, dt float64) error {
	b := r.b
	interp, err := b.Mul(r.disu, r.u, r.uf, 1, 0)
	if err != nil {
		return err
	}
	pack, err := b.Pack(r.xsend, r.uf, []int{0})
	if err != nil {
		return err
	}
	divergence, err := b.Mul(r.div, r.u, r.du, -ah, 0)
	if err != nil {
		return err
	}
	unpack, err := b.Unpack(r.xrecv)
	if err != nil {
		return err
	}
	lift, err := b.Mul(r.lift, r.xrecv, r.du, ah, 1)
	if err != nil {
		return err
	}
	update, err := b.Axnpby([]float64{1, dt}, r.u, r.du)
	if err != nil {
		return err
	}

	g := b.NewGraph()
	g.AddCommRequest(r.recv)
	nInterp := g.Add(interp)
	nPack := g.Add(pack, nInterp)
	g.AddCommRequest(r.send, nPack)
	nDiv := g.Add(divergence)
	w := g.MakeWait(r.recv, r.send)
	nUnpack := g.Add(unpack, w)
	nLift := g.Add(lift, nUnpack, nDiv)
	g.Add(update, nLift)
	if err := g.Commit(); err != nil {
		return err
	}
	r.graph = g
	return nil
}

// estimate returns the weighted norm of du per variable, computed on a queue.
func (r *rank) estimate(q backends.Queue) ([]float64, error) {
	if err := q.Submit(r.errest); err != nil {
		return nil, err
	}
	if err := q.Finish(); err != nil {
		return nil, err
	}
	return r.errest.Result()
}

// mass returns the sum of u over the rank.
func (r *rank) mass() (float64, error) {
	values, err := getValues(r.u, r.dtype)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum, nil
}

func setInitial(m *memory.Matrix, values []float64) error {
	if m.DType() == dtypes.Float32 {
		f32 := make([]float32, len(values))
		for i, v := range values {
			f32[i] = float32(v)
		}
		return memory.SetInitial(m, f32)
	}
	return memory.SetInitial(m, values)
}

func getValues(m memory.BytesReader, dtype dtypes.DType) ([]float64, error) {
	if dtype == dtypes.Float32 {
		f32, err := memory.Get[float32](m)
		if err != nil {
			return nil, err
		}
		values := make([]float64, len(f32))
		for i, v := range f32 {
			values[i] = float64(v)
		}
		return values, nil
	}
	return memory.Get[float64](m)
}
