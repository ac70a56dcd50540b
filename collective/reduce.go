package collective

import (
	"context"
	"sync"

	"github.com/snake0/upcxx-2020.3.2-sub000/command"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/snake0/upcxx-2020.3.2-sub000/rpc"
	"github.com/snake0/upcxx-2020.3.2-sub000/wire"
)

// ReduceOp combines two partial contributions; must be associative and
// commutative for spec.md §6's determinism guarantee ("a reduction of a
// commutative associative op over the same inputs yields the same value on
// all ranks... to bit-exactness for integers") to hold regardless of the
// tree's arrival order.
type ReduceOp[T any] func(a, b T) T

// contribKey identifies one rank's pending tree-gather registration for one
// collective id. The rank component matters because every participating
// rank calls Reduce with the *same* id (spec.md §5's team-collective
// discipline), so a bare id can't tell one rank's registration apart from
// another's under this package's in-process, single-table executor
// (command.Dispatch resolves purely by ExecutorID, with no notion of which
// simulated rank is "currently" running it — see contributeExecutor below).
type contribKey struct {
	id   uint64
	rank int
}

var (
	contribMu sync.Mutex
	contribs  = map[contribKey]func(from int, payload []byte){}
)

// contributeExecutor is the single process-wide executor every rank's tree
// contribution travels through. Its body is entirely stateless: the sender
// always names its destination rank explicitly in the envelope (it already
// knows who it's sending to), so the lookup key reconstructed here always
// matches exactly the key the true recipient registered under, regardless
// of which rank's transport.Poll happened to drain the message — a real,
// one-process-per-rank deployment would need no such disambiguation, since
// each rank's executor table and contribs map would simply be its own.
var contributeExecutor = command.RegisterExecutor("collective-contribute", func(args []byte) []byte {
	id, dst, from, payload := decodeContribute(args)
	contribMu.Lock()
	fn := contribs[contribKey{id: id, rank: dst}]
	contribMu.Unlock()
	if fn != nil {
		fn(from, payload)
	}
	return nil
})

func registerContribute(id uint64, rank int, fn func(from int, payload []byte)) {
	contribMu.Lock()
	contribs[contribKey{id: id, rank: rank}] = fn
	contribMu.Unlock()
}

func unregisterContribute(id uint64, rank int) {
	contribMu.Lock()
	delete(contribs, contribKey{id: id, rank: rank})
	contribMu.Unlock()
}

func encodeContribute(id uint64, dst, from int, payload []byte) []byte {
	w := wire.NewUnboundedWriter()
	wire.Uint64Codec.Serialize(w, id)
	wire.Int32Codec.Serialize(w, int32(dst))
	wire.Int32Codec.Serialize(w, int32(from))
	w.WriteBytes(payload)
	return w.Bytes()
}

func decodeContribute(buf []byte) (id uint64, dst, from int, payload []byte) {
	r := wire.NewReader(buf)
	id = wire.Uint64Codec.Deserialize(r)
	dst = int(wire.Int32Codec.Deserialize(r))
	from = int(wire.Int32Codec.Deserialize(r))
	payload = r.Bytes(r.Remaining())
	return
}

// treeChildren mirrors rpc's own broadcast tree (spec.md §4.12: "each rank
// knows its incoming count from bit-arithmetic on its rank index"), just
// walked in the reduce direction: a rank's children are the ranks that feed
// contributions up to it.
func treeChildren(rank, root, rankN int) []int {
	offset := (rank - root + rankN) % rankN
	var children []int
	for _, c := range [2]int{offset*2 + 1, offset*2 + 2} {
		if c < rankN {
			children = append(children, (root+c)%rankN)
		}
	}
	return children
}

// treeParent returns the rank this one forwards its combined contribution
// to, or ok=false if rank is root.
func treeParent(rank, root, rankN int) (parent int, ok bool) {
	offset := (rank - root + rankN) % rankN
	if offset == 0 {
		return 0, false
	}
	return (root + (offset-1)/2) % rankN, true
}

// waitUntil spins this rank's own progress (the only way a tree contribution
// addressed to it can ever arrive) until cond reports true or ctx expires.
func waitUntil(ctx context.Context, c *Collectives, cond func() bool) error {
	for !cond() {
		c.engine.Poll()
		c.scope.Progress(persona.LevelInternal, false)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Reduce performs the non-trivial (user-op) reduce of spec.md §4.12: a
// binary tree rooted at root, each rank combining its own value with every
// child's contribution via op before forwarding to its parent — this is the
// "gather" half, the only part an arbitrary, non-transport-recognized op
// actually needs.
//
// If allReduce is false this is a reduce-to-one: only root's return value is
// meaningful, every other rank gets the zero value. If allReduce is true,
// root's combined result is fanned back out via the transport's trivial
// broadcast (every rank, root included, must call Reduce for the fan-out
// half to complete) and every rank's return value is the same result.
//
// id must be the same value, called in the same collective order, on every
// participating rank (spec.md §5's team-collective discipline) — a registry
// keyed by collective id is exactly how a real transport's non-trivial
// reduce disambiguates concurrently in-flight collectives, per spec.md
// §4.12.
func Reduce[T any](ctx context.Context, c *Collectives, id uint64, root int, allReduce bool, val T, op ReduceOp[T]) (T, error) {
	var zero T
	children := treeChildren(c.rank, root, c.rankN)
	parent, hasParent := treeParent(c.rank, root, c.rankN)

	var mu sync.Mutex
	acc := val
	received := 0
	registerContribute(id, c.rank, func(_ int, payload []byte) {
		mu.Lock()
		acc = op(acc, decodeVal[T](payload))
		received++
		mu.Unlock()
	})
	defer unregisterContribute(id, c.rank)

	if err := waitUntil(ctx, c, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == len(children)
	}); err != nil {
		return zero, err
	}

	if hasParent {
		mu.Lock()
		body := encodeContribute(id, parent, c.rank, encodeVal(acc))
		mu.Unlock()
		if _, err := c.engine.Send(parent, rpc.DispatchRestricted, 0, persona.LevelInternal, command.Command{
			Executor: contributeExecutor,
			Args:     body,
			Cleanup:  command.CleanupRestricted,
		}, false); err != nil {
			return zero, err
		}
	}

	if !allReduce {
		if hasParent {
			return zero, nil
		}
		return acc, nil
	}

	// Fan-out: by this point the value is a fixed-width scalar regardless of
	// how arbitrary op was, so the broadcast half reuses the transport's
	// trivial offload (spec.md §4.12's "trivial ones offloaded to transport")
	// rather than a second RPC tree — every rank, not just root, must reach
	// this call for it to complete.
	buf := encodeVal(acc)
	if err := c.t.BroadcastTrivial(ctx, root, buf); err != nil {
		return zero, err
	}
	return decodeVal[T](buf), nil
}
