package providers

import (
	"github.com/gomlx/fluxgraph/backends"
	"github.com/gomlx/fluxgraph/pkg/core/kernels"
	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

func init() {
	kernels.Register("packing.pack", kernels.MustParseSignature("iiiiPPP"), packImpl)
}

const packTemplate = `// x[i, :] = src[map[i], :]
kernel pack(iiiiPPP) = packing.pack
`

// Packing provides the kernels staging exchange matrices: Pack gathers the rows to send into
// the exchange matrix (and copies them to its host shadow unless the transport is device
// aware), Unpack makes received data visible on the device.
type Packing struct {
	env Env
}

var _ backends.PackingProvider = (*Packing)(nil)

// NewPacking creates the provider.
func NewPacking(env Env) *Packing { return &Packing{env: env} }

type packKernel struct {
	*kernels.Bound
	x *memory.XchgMatrix
}

// Run implements kernels.Kernel.
func (k *packKernel) Run(l kernels.Launcher) error {
	if err := k.Bound.Run(l); err != nil {
		return err
	}
	if !k.x.Aware() {
		l.CopyToHost(k.x)
	}
	return nil
}

// Pack implements backends.PackingProvider.
func (p *Packing) Pack(x *memory.XchgMatrix, src memory.Operand, rows []int) (kernels.Kernel, error) {
	srcRows, ncol, srcLd := geometry(src)
	if x.DType() != src.DType() || x.NRow() != len(rows) || x.NCol() != ncol || x.NBlocks() != 1 {
		return nil, errors.Errorf("pack: exchange matrix %s can't hold %d rows of %s[%dx%d]",
			x, len(rows), src.DType(), srcRows, ncol)
	}
	mapping := make([]int32, len(rows))
	for i, r := range rows {
		if r < 0 || r >= srcRows {
			return nil, errors.Errorf("pack: row %d out of range for source with %d rows", r, srcRows)
		}
		mapping[i] = int32(r)
	}
	mapMatrix, err := memory.NewMatrix(dtypes.Int32, []int{1, len(rows)}, 0, memory.TagConst)
	if err != nil {
		return nil, err
	}
	if err := memory.SetInitial(mapMatrix, mapping); err != nil {
		return nil, err
	}
	if err := memory.Allocate(p.env.Device, mapMatrix); err != nil {
		return nil, errors.WithMessage(err, "pack: failed to allocate row mapping")
	}

	fn, err := build(p.env.Cache, "pack", packTemplate, nil, kernels.MustParseSignature("iiiiPPP"))
	if err != nil {
		return nil, err
	}
	itemSize := memory.ItemSize(src.DType())
	bound, err := kernels.Bind(fn, int32(len(rows)), int32(ncol*itemSize), int32(srcLd*itemSize),
		int32(x.LeadDim()*itemSize), src, mapMatrix, x)
	if err != nil {
		return nil, err
	}
	return &packKernel{Bound: bound, x: x}, nil
}

func packImpl(dev memory.Device, args []any) error {
	n, rowBytes := int(args[0].(int32)), int(args[1].(int32))
	srcStride, dstStride := int(args[2].(int32)), int(args[3].(int32))
	src, dst := args[4].(memory.Addr), args[6].(memory.Addr)
	mapping, err := kernels.View[int32](dev, args[5].(memory.Addr), n)
	if err != nil {
		return err
	}
	for i, r := range mapping {
		from, err := dev.Resolve(src+memory.Addr(int(r)*srcStride), rowBytes)
		if err != nil {
			return err
		}
		to, err := dev.Resolve(dst+memory.Addr(i*dstStride), rowBytes)
		if err != nil {
			return err
		}
		copy(to, from)
	}
	return nil
}

// Unpack implements backends.PackingProvider.
func (p *Packing) Unpack(x *memory.XchgMatrix) (kernels.Kernel, error) {
	return kernels.Func(func(l kernels.Launcher) error {
		if !x.IsAllocated() {
			return errors.Errorf("unpack: %s is not allocated", x)
		}
		if !x.Aware() {
			l.CopyToDevice(x)
		}
		return nil
	}), nil
}
