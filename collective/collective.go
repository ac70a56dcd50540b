// Package collective implements the barrier, reduce, and broadcast
// operations of spec.md §4.12: a direct transport call for barrier, the
// transport's own offload for trivially-serializable reductions with a
// recognized built-in op, and a binary tree built atop the rpc package's
// command/persona machinery for everything else.
package collective

import (
	"context"
	"unsafe"

	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/snake0/upcxx-2020.3.2-sub000/rpc"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
)

// Collectives bundles what the non-trivial (tree-based) paths need beyond
// the raw transport: the rpc.Engine that carries tree contributions and the
// final broadcast, and the scope that drains the master persona those
// deliveries land on.
type Collectives struct {
	engine *rpc.Engine
	scope  *persona.Scope
	t      transport.Transport
	rank   int
	rankN  int
}

// New builds a Collectives for the calling rank. scope must activate the
// same master persona engine was constructed with, since the non-trivial
// paths below drive progress on it directly while waiting.
func New(t transport.Transport, engine *rpc.Engine, scope *persona.Scope) *Collectives {
	return &Collectives{engine: engine, scope: scope, t: t, rank: t.Rank(), rankN: t.RankN()}
}

// Barrier blocks until every rank has called Barrier, per spec.md §4.12:
// "a direct transport call; progresses internally while the barrier event
// is not complete."
func Barrier(ctx context.Context, t transport.Transport) error {
	return t.Barrier(ctx)
}

// ReduceTrivial all-reduces val across every rank using one of the
// transport's recognized built-in opcodes, for a trivially-serializable,
// fixed-width element type — spec.md §4.12's "recognized op" path,
// "delegates to the transport's reduce... passing a built-in opcode."
func ReduceTrivial[T any](ctx context.Context, t transport.Transport, opcode transport.Opcode, val T) (T, error) {
	buf := encodeVal(val)
	if err := t.ReduceTrivial(ctx, int(opcode), buf, len(buf)); err != nil {
		var zero T
		return zero, err
	}
	return decodeVal[T](buf), nil
}

// BroadcastTrivial publishes buf (on root) to every rank via the transport's
// offloaded broadcast, for a trivially-serializable fixed-width value.
func BroadcastTrivial[T any](ctx context.Context, t transport.Transport, root int, val T) (T, error) {
	buf := encodeVal(val)
	if err := t.BroadcastTrivial(ctx, root, buf); err != nil {
		var zero T
		return zero, err
	}
	return decodeVal[T](buf), nil
}

func encodeVal[T any](v T) []byte {
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(&v)), int(unsafe.Sizeof(v)))...)
}

func decodeVal[T any](buf []byte) T {
	var v T
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), int(unsafe.Sizeof(v))), buf)
	return v
}
