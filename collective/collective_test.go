package collective_test

import (
	"context"
	"testing"
	"time"

	"github.com/snake0/upcxx-2020.3.2-sub000/collective"
	"github.com/snake0/upcxx-2020.3.2-sub000/heap"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/snake0/upcxx-2020.3.2-sub000/rpc"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
	"github.com/stretchr/testify/require"
)

type rig struct {
	t      *transport.Loopback
	engine *rpc.Engine
	master *persona.Persona
	scope  *persona.Scope
	coll   *collective.Collectives
}

func newCluster(t *testing.T, n int) []*rig {
	t.Helper()
	cluster := transport.NewCluster(n)
	transports := cluster.Transports()
	rigs := make([]*rig, n)
	for i, tp := range transports {
		master := persona.New(tp.Rank(), true)
		arena := heap.New(1<<16, &heap.Footprint{})
		registry := heap.NewRegistry(tp.Rank(), tp.LocalTeam())
		engine := rpc.New(tp, arena, registry, master)
		engine.InstallHandlers()
		scope := master.Activate()
		rigs[i] = &rig{t: tp, engine: engine, master: master, scope: scope, coll: collective.New(tp, engine, scope)}
	}
	for _, tp := range transports {
		require.NoError(t, tp.Start(context.Background()))
	}
	return rigs
}

func runConcurrently(t *testing.T, rigs []*rig, fn func(r *rig) (int64, error)) []int64 {
	t.Helper()
	results := make([]int64, len(rigs))
	errs := make([]error, len(rigs))
	done := make(chan int, len(rigs))
	for i, r := range rigs {
		go func(i int, r *rig) {
			results[i], errs[i] = fn(r)
			done <- i
		}(i, r)
	}
	for range rigs {
		<-done
	}
	for _, err := range errs {
		require.NoError(t, err)
	}
	return results
}

func TestBarrierReleasesEveryRank(t *testing.T) {
	rigs := newCluster(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{}, len(rigs))
	for _, r := range rigs {
		go func(r *rig) {
			_ = collective.Barrier(ctx, r.t)
			done <- struct{}{}
		}(r)
	}
	for range rigs {
		<-done
	}
}

func TestReduceTrivialSum(t *testing.T) {
	rigs := newCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results := runConcurrently(t, rigs, func(r *rig) (int64, error) {
		return collective.ReduceTrivial(ctx, r.t, transport.OpAdd, int64(r.t.Rank()+1))
	})
	for _, v := range results {
		require.EqualValues(t, 6, v) // 1+2+3
	}
}

func TestReduceNonTrivialAllReduceSum(t *testing.T) {
	const n = 5
	rigs := newCluster(t, n)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sum := func(a, b int64) int64 { return a + b }
	results := runConcurrently(t, rigs, func(r *rig) (int64, error) {
		return collective.Reduce[int64](ctx, r.coll, 1, 0, true, int64(r.t.Rank()+1), sum)
	})
	for _, v := range results {
		require.EqualValues(t, 15, v) // 1+2+3+4+5
	}
}

func TestReduceNonTrivialToOne(t *testing.T) {
	const n = 4
	rigs := newCluster(t, n)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sum := func(a, b int64) int64 { return a + b }
	results := runConcurrently(t, rigs, func(r *rig) (int64, error) {
		return collective.Reduce[int64](ctx, r.coll, 2, 0, false, int64(r.t.Rank()+1), sum)
	})
	require.EqualValues(t, 10, results[0]) // 1+2+3+4, root only
}
