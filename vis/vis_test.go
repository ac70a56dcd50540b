package vis_test

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/snake0/upcxx-2020.3.2-sub000/completion"
	"github.com/snake0/upcxx-2020.3.2-sub000/heap"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/snake0/upcxx-2020.3.2-sub000/rma"
	"github.com/snake0/upcxx-2020.3.2-sub000/rpc"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
	"github.com/snake0/upcxx-2020.3.2-sub000/vis"
	"github.com/stretchr/testify/require"
)

type rig struct {
	t        *transport.Loopback
	arena    *heap.Arena
	registry *heap.Registry
	engine   *rpc.Engine
	endpoint *rma.Endpoint
	vis      *vis.Endpoint
	master   *persona.Persona
	scope    *persona.Scope
}

func newRig(t *transport.Loopback, segSize uintptr) *rig {
	arena := heap.New(segSize, &heap.Footprint{})
	registry := heap.NewRegistry(t.Rank(), t.LocalTeam())
	master := persona.New(t.Rank(), true)
	engine := rpc.New(t, arena, registry, master)
	engine.InstallHandlers()
	endpoint := rma.New(t, registry, engine)
	v := vis.New(endpoint, &vis.BatcherConfig{MaxSize: 4, FlushInterval: 5 * time.Millisecond, MaxConcurrency: 2})
	return &rig{t: t, arena: arena, registry: registry, engine: engine, endpoint: endpoint, vis: v, master: master, scope: master.Activate()}
}

func (r *rig) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.arena.Base())), int(r.arena.Size()))
}

func setupCluster(t *testing.T, n int, segSize uintptr) []*rig {
	t.Helper()
	cluster := transport.NewCluster(n)
	transports := cluster.Transports()
	rigs := make([]*rig, n)
	for i, tp := range transports {
		rigs[i] = newRig(tp, segSize)
	}
	for _, tp := range transports {
		require.NoError(t, tp.Start(context.Background()))
	}
	for _, r := range rigs {
		for _, peer := range rigs {
			r.registry.Register(peer.t.Rank(), peer.arena.Base(), segSize)
		}
	}
	t.Cleanup(func() {
		for _, r := range rigs {
			r.vis.Close()
		}
	})
	return rigs
}

func pumpUntil(t *testing.T, rigs []*rig, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		for _, r := range rigs {
			r.engine.Poll()
			r.scope.Progress(persona.LevelUser, false)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for condition")
		}
	}
}

// TestPutRegular exercises spec.md §4.10's regular VIS form: a fixed stride
// and count across several elements landed at rank 1 in one call.
func TestPutRegular(t *testing.T) {
	const segSize = 1 << 16
	rigs := setupCluster(t, 2, segSize)

	dstPtr, ok := rigs[1].registry.LocalToGlobal(rigs[1].arena.Base())
	require.True(t, ok)

	const elemSize, count, stride = 8, 5, 16
	src := make([]byte, stride*(count-1)+elemSize)
	for i := 0; i < count; i++ {
		copy(src[i*stride:], []byte{byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i)})
	}

	comp := completion.New[struct{}]()
	var fired int
	comp.On(completion.EventOperation, func(_ struct{}, err error) {
		require.NoError(t, err)
		fired++
	})
	require.NoError(t, rigs[0].vis.PutRegular(src, stride, dstPtr, stride, elemSize, count, comp))

	pumpUntil(t, rigs, func() bool { return fired == count }, time.Second)
	for i := 0; i < count; i++ {
		require.Equal(t, byte(i), rigs[1].bytes()[i*stride])
	}
}

// TestPutStridedTranspose is spec.md §8 scenario E: a 5x2 column-major tile
// (stride (8, 16)) is rput into a 2x5 row-major destination (strides
// (N*8, 8)); after completion, the destination holds the transpose.
func TestPutStridedTranspose(t *testing.T) {
	const segSize = 1 << 16
	rigs := setupCluster(t, 2, segSize)

	dstPtr, ok := rigs[1].registry.LocalToGlobal(rigs[1].arena.Base())
	require.True(t, ok)

	const rows, cols, elem = 5, 2, 8
	// column-major source: element (r, c) at offset c*16 + r*8
	src := make([]byte, cols*16)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := byte(r*cols + c)
			off := c*16 + r*8
			for k := 0; k < elem; k++ {
				src[off+k] = v
			}
		}
	}

	comp := completion.New[struct{}]()
	total := rows * cols
	var fired int
	comp.On(completion.EventOperation, func(_ struct{}, err error) {
		require.NoError(t, err)
		fired++
	})

	// destination is the transposed 2x5 row-major array: the source's
	// fast-varying dimension (r, range rows) becomes the dst column index
	// (dst stride elem), and the source's slow dimension (c, range cols)
	// becomes the dst row index (dst stride rows*elem); both src and dst
	// strides are given in the same per-dimension order as extents, so
	// dstStrides pairs dimension 0 (r) with the column stride and
	// dimension 1 (c) with the row stride.
	require.NoError(t, rigs[0].vis.PutStrided(
		src, []int{8, 16}, dstPtr, []int{elem, rows * elem}, []int{rows, cols}, elem, comp,
	))

	pumpUntil(t, rigs, func() bool { return fired == total }, time.Second)

	dst := rigs[1].bytes()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			want := byte(r*cols + c)
			off := c*(rows*elem) + r*elem
			require.Equal(t, want, dst[off], "row %d col %d", r, c)
		}
	}
}

// TestGetIrregular exercises the Get-direction irregular form: several
// distinct extents on rank 1, pulled into local buffers in one call.
func TestGetIrregular(t *testing.T) {
	const segSize = 1 << 16
	rigs := setupCluster(t, 2, segSize)

	base, ok := rigs[1].registry.LocalToGlobal(rigs[1].arena.Base())
	require.True(t, ok)
	copy(rigs[1].bytes(), []byte("abcdefgh"))

	d0 := make([]byte, 3)
	d1 := make([]byte, 5)
	comp := completion.New[struct{}]()
	var fired int
	comp.On(completion.EventOperation, func(_ struct{}, err error) {
		require.NoError(t, err)
		fired++
	})
	require.NoError(t, rigs[0].vis.GetIrregular(
		[][]byte{d0, d1},
		[]vis.Extent{{Ptr: base, Len: 3}, {Ptr: base.Add(3), Len: 5}},
		comp,
	))

	pumpUntil(t, rigs, func() bool { return fired == 2 }, time.Second)
	require.Equal(t, []byte("abc"), d0)
	require.Equal(t, []byte("defgh"), d1)
}
