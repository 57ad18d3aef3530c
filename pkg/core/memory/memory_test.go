package memory

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func newMatrix(t *testing.T, dev Device, dtype dtypes.DType, ioshape []int, tags ...string) *Matrix {
	m, err := NewMatrix(dtype, ioshape, dev.Alignment(), tags...)
	require.NoError(t, err)
	require.NoError(t, Allocate(dev, m))
	return m
}

// testRoundTrip writes a bit pattern and reads it back, for one element type.
func testRoundTrip[T dtypes.Supported](t *testing.T, dev Device, pattern func(i int) T) {
	dtype := dtypes.FromGenericsType[T]()
	t.Run(dtype.String(), func(t *testing.T) {
		for _, ioshape := range [][]int{{3, 5}, {2, 3, 7}} {
			for _, tags := range [][]string{nil, {TagAlign}} {
				m := newMatrix(t, dev, dtype, ioshape, tags...)
				n := m.NBlocks() * m.NRow() * m.NCol()
				want := make([]T, n)
				for i := range want {
					want[i] = pattern(i)
				}
				require.NoError(t, Set(m, want))
				got, err := Get[T](m)
				require.NoError(t, err)
				assert.Equal(t, AsBytes(want), AsBytes(got), "ioshape=%v tags=%v", ioshape, tags)
			}
		}
	})
}

func TestRoundTrip(t *testing.T) {
	dev := NewArena("test", 64, 0)
	testRoundTrip(t, dev, func(i int) float64 { return math.Float64frombits(0x7ff0_0000_0000_0001 + uint64(i)) })
	testRoundTrip(t, dev, func(i int) float32 { return float32(i) * -1.25 })
	testRoundTrip(t, dev, func(i int) float16.Float16 { return float16.Frombits(uint16(0x3c00 + i)) })
	testRoundTrip(t, dev, func(i int) int64 { return int64(i) << 40 })
	testRoundTrip(t, dev, func(i int) int32 { return int32(-i * 7) })
	testRoundTrip(t, dev, func(i int) uint8 { return uint8(i * 13) })
	testRoundTrip(t, dev, func(i int) bool { return i%3 == 0 })
}

func TestLayout(t *testing.T) {
	dev := NewArena("test", 64, 0)
	a, err := NewMatrix(dtypes.Float64, []int{4, 5}, dev.Alignment(), TagAlign)
	require.NoError(t, err)
	assert.Equal(t, 8, a.LeadDim())
	assert.Equal(t, 4*8*8, a.NBytes())

	b, err := NewMatrix(dtypes.Float32, []int{2, 3, 5}, dev.Alignment(), TagConst)
	require.NoError(t, err)
	assert.Equal(t, 5, b.LeadDim())
	assert.Equal(t, 2*3*5*4, b.NBytes())
	assert.True(t, b.HasTag(TagConst))
	require.NoError(t, SetInitial(b, make([]float32, 30)))

	// Both carved out of one extent, each aligned and within bounds.
	require.NoError(t, Allocate(dev, a, b))
	assert.Equal(t, 0, a.Offset())
	assert.Equal(t, 0, b.Offset()%dev.Alignment())
	assert.GreaterOrEqual(t, b.Offset(), a.NBytes())
	assert.Equal(t, uint64(b.Offset()+(b.NBytes()+63)/64*64), dev.Used())
	assert.Error(t, Allocate(dev, a), "double allocation")

	_, err = NewMatrix(dtypes.Float64, []int{4}, 64)
	assert.Error(t, err)
	_, err = NewMatrix(dtypes.Float64, []int{0, 4}, 64)
	assert.Error(t, err)
}

func TestSliceAndBank(t *testing.T) {
	dev := NewArena("test", 64, 0)
	m := newMatrix(t, dev, dtypes.Int32, []int{4, 6}, TagAlign)
	flat := make([]int32, 24)
	for i := range flat {
		flat[i] = int32(i)
	}
	require.NoError(t, Set(m, flat))

	s, err := NewSlice(m, 1, 3, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, m.Addr()+Addr((1*m.LeadDim()+2)*4), s.Addr())
	got, err := Get[int32](s)
	require.NoError(t, err)
	assert.Equal(t, []int32{8, 9, 10, 14, 15, 16}, got)

	require.NoError(t, Set(s, []int32{-1, -2, -3, -4, -5, -6}))
	got, err = Get[int32](m)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), got[8])
	assert.Equal(t, int32(-6), got[16])
	assert.Equal(t, int32(17), got[17])

	_, err = NewSlice(m, 2, 2, 0, 1)
	assert.Error(t, err)

	m2 := newMatrix(t, dev, dtypes.Int32, []int{4, 6}, TagAlign)
	bank, err := NewBank(m, m2)
	require.NoError(t, err)
	fp := Fingerprint(bank, s)
	assert.Equal(t, m.Addr(), bank.Addr())
	bank.SetActive(0)
	assert.Equal(t, uint64(0), bank.Version())
	bank.SetActive(1)
	assert.Equal(t, uint64(1), bank.Version())
	assert.Equal(t, m2.Addr(), bank.Addr())
	assert.NotEqual(t, fp, Fingerprint(bank, s))
	assert.Panics(t, func() { bank.SetActive(2) })

	other := newMatrix(t, dev, dtypes.Int32, []int{4, 5})
	_, err = NewBank(m, other)
	assert.Error(t, err)
}

func TestXchgMatrix(t *testing.T) {
	dev := NewArena("test", 64, 0)
	for _, aware := range []bool{false, true} {
		x, err := NewXchgMatrix(dtypes.Float32, 2, 3, aware)
		require.NoError(t, err)
		require.NoError(t, Allocate(dev, x))
		assert.Len(t, x.HostData(), x.NBytes())

		require.NoError(t, Set(x, []float32{1, 2, 3, 4, 5, 6}))
		require.NoError(t, x.CopyToHost())
		assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, FromBytes[float32](x.HostData()))

		copy(x.HostData(), AsBytes([]float32{6, 5, 4, 3, 2, 1}))
		if !aware {
			got, err := Get[float32](x)
			require.NoError(t, err)
			assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got, "device unchanged before copy")
		}
		require.NoError(t, x.CopyToDevice())
		got, err := Get[float32](x)
		require.NoError(t, err)
		assert.Equal(t, []float32{6, 5, 4, 3, 2, 1}, got)
	}
}

func TestArena(t *testing.T) {
	dev := NewArena("small", 16, 100)
	addr, err := dev.Malloc(64)
	require.NoError(t, err)
	assert.Equal(t, Addr(0), addr%16)

	_, err = dev.Malloc(64)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceExhausted))

	m, err := NewMatrix(dtypes.Float64, []int{10, 10}, 16)
	require.NoError(t, err)
	err = Allocate(dev, m)
	assert.True(t, errors.Is(err, ErrResourceExhausted))

	_, err = dev.Resolve(addr+60, 8)
	assert.Error(t, err, "access past the end of the allocation")
	_, err = dev.Resolve(addr-1, 1)
	assert.Error(t, err)

	require.NoError(t, dev.Free(addr))
	assert.Equal(t, uint64(0), dev.Used())
	assert.Error(t, dev.Free(addr))
	_, err = dev.Malloc(96)
	assert.NoError(t, err)
}

func TestAllocateFailedBind(t *testing.T) {
	dev := NewArena("test", 64, 0)
	a, err := NewMatrix(dtypes.Float64, []int{2, 2}, 64)
	require.NoError(t, err)
	require.NoError(t, SetInitial(a, []float64{1, 2, 3, 4}))
	x, err := NewXchgMatrix(dtypes.Float64, 1, 2, false)
	require.NoError(t, err)

	// a is bound first, so binding it again fails after the extent was carved.
	require.Error(t, Allocate(dev, a, x, a))
	assert.False(t, a.IsAllocated())
	assert.False(t, x.IsAllocated())
	assert.Nil(t, x.HostData())
	assert.Equal(t, uint64(0), dev.Used())
	initial, err := a.InitialBytes()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, FromBytes[float64](initial))

	// The objects can be allocated again, with their initial values.
	require.NoError(t, Allocate(dev, a, x))
	got, err := Get[float64](a)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, got)
	assert.Len(t, x.HostData(), x.NBytes())
}
