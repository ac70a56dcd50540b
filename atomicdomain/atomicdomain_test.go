package atomicdomain_test

import (
	"context"
	"testing"
	"time"

	"github.com/snake0/upcxx-2020.3.2-sub000/atomicdomain"
	"github.com/snake0/upcxx-2020.3.2-sub000/completion"
	"github.com/snake0/upcxx-2020.3.2-sub000/heap"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
	"github.com/stretchr/testify/require"
)

func TestDomainAddFetchingRoundTrip(t *testing.T) {
	cluster := transport.NewCluster(2)
	transports := cluster.Transports()
	for i, tp := range transports {
		_ = i
		for id := transport.HandlerID(0); id < transport.NumReservedHandlers; id++ {
			tp.RegisterHandler(id, func(int, []byte, []byte) {})
		}
	}
	for _, tp := range transports {
		require.NoError(t, tp.Start(context.Background()))
	}

	arena := heap.New(4096, &heap.Footprint{})
	registry := heap.NewRegistry(transports[1].Rank(), transports[1].LocalTeam())
	registry.Register(0, arena.Base(), arena.Size())
	registry.Register(1, arena.Base(), arena.Size())

	addr, ok := arena.AllocUser(8, 8)
	require.True(t, ok)
	g, ok := registry.LocalToGlobal(addr)
	require.True(t, ok)
	g.Rank = 1

	domain := atomicdomain.New[int64](registry, transports[0], atomicdomain.OpAdd, atomicdomain.OpLoad)

	comp := completion.New[int64]()
	var fetched int64
	var gotOp bool
	comp.On(completion.EventOperation, func(v int64, err error) {
		require.NoError(t, err)
		fetched = v
		gotOp = true
	})
	require.NoError(t, domain.Op(g, atomicdomain.OpAdd, 5, true, comp))

	deadline := time.Now().Add(time.Second)
	for !gotOp && time.Now().Before(deadline) {
		transports[1].Poll()
	}
	require.True(t, gotOp)
	require.EqualValues(t, 0, fetched) // fetch captures the pre-op value
}

func TestIntegralOnlyOpRejectedForFloat(t *testing.T) {
	registry := heap.NewRegistry(0, nil)
	cluster := transport.NewCluster(1)
	require.Panics(t, func() {
		atomicdomain.New[float64](registry, cluster.Transports()[0], atomicdomain.OpXor)
	})
}
