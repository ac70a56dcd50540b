// Package bind implements the bound-closure machinery of spec.md §4.4:
// packageable partial application whose captured arguments know how to
// travel across the wire (on-wire transform) and how to become usable
// local values again at the receiver (off-wire reification).
package bind

import (
	"reflect"

	"github.com/snake0/upcxx-2020.3.2-sub000/future"
)

// OnWireType is the binding<T> trait of spec.md §4.4: a type whose identity
// must change in flight (distributed object references, teams, personas)
// implements this to control how it is encoded for transport. Types that
// don't implement it travel as themselves.
type OnWireType interface {
	// OnWire returns the wire-transmissible representation of the
	// receiver, captured at Bind construction time.
	OnWire() any
}

// Deferred wraps a captured argument whose off-wire reification is not
// immediately available — e.g. a distributed object reference still
// waiting on its rank's copy to arrive. Invoke waits for Fut (through
// future.WhenAll) and passes its result in place of the Deferred.
type Deferred struct {
	Fut future.Future[any]
}

// piece is one captured argument or the bound function itself, already
// reduced to its on-wire form.
type piece struct {
	onWire   any
	deferred future.Future[any] // non-zero only if reification is async
}

func toPiece(v any) piece {
	if t, ok := v.(OnWireType); ok {
		v = t.OnWire()
	}
	if d, ok := v.(Deferred); ok {
		return piece{onWire: v, deferred: d.Fut}
	}
	return piece{onWire: v}
}

// BoundFunction is the result of Bind: an on-wire fn plus the on-wire
// tuple of its captured arguments, ready either for direct serialization or
// for immediate off-wire invocation.
type BoundFunction struct {
	fn   piece
	args []piece
}

// OnWireFn and OnWireArgs expose the captured on-wire pieces, for the
// serialization framework to encode — spec.md §4.4: "Serialization of a
// bound closure serializes the on-wire fn then the tuple of on-wire
// arguments."
func (b *BoundFunction) OnWireFn() any { return b.fn.onWire }
func (b *BoundFunction) OnWireArgs() []any {
	out := make([]any, len(b.args))
	for i, p := range b.args {
		out[i] = p.onWire
	}
	return out
}

// Bind constructs a BoundFunction capturing fn and args, per spec.md §4.4.
// Nested Bind(Bind(f, a...), b...) flattens at construction time into a
// single BoundFunction, rather than nesting a bound call inside another.
func Bind(fn any, args ...any) *BoundFunction {
	if inner, ok := fn.(*BoundFunction); ok {
		flattened := make([]any, 0, len(inner.args)+len(args))
		for _, p := range inner.args {
			flattened = append(flattened, p.onWire)
		}
		flattened = append(flattened, args...)
		return Bind(inner.fn.onWire, flattened...)
	}

	b := &BoundFunction{fn: toPiece(fn)}
	for _, a := range args {
		b.args = append(b.args, toPiece(a))
	}
	return b
}

// Invoke reifies every captured piece and forwards the call via reflection.
// If every piece reifies immediately it calls fn directly, returning an
// already-ready future; otherwise it composes the pending reifications
// with future.WhenAll and runs the call once they all land — spec.md
// §4.4's invocation rule.
func (b *BoundFunction) Invoke() future.Future[any] {
	var pending []future.Future[any]
	var pendingIdx []int
	values := make([]any, len(b.args)+1)

	collect := func(i int, p piece) {
		if (p.deferred == future.Future[any]{}) {
			values[i] = p.onWire
			return
		}
		if p.deferred.Ready() {
			v, _ := p.deferred.Result()
			values[i] = v
			return
		}
		pending = append(pending, p.deferred)
		pendingIdx = append(pendingIdx, i)
	}

	collect(0, b.fn)
	for i, a := range b.args {
		collect(i+1, a)
	}

	if len(pending) == 0 {
		return future.Ready(callReflect(values[0], values[1:]))
	}

	agg := future.WhenAll(pending...)
	prom, out := future.New[any]()
	agg.OnReady(func(results []any, err error) {
		if err != nil {
			prom.FulfillErr(err)
			return
		}
		for k, idx := range pendingIdx {
			values[idx] = results[k]
		}
		prom.Fulfill(callReflect(values[0], values[1:]))
	})
	return out
}

// callReflect invokes fn (a Go function value) with args via reflection,
// returning its first result (or nil for a void function). Bound closures
// are dynamically typed by construction, so there is no way to avoid
// reflection here without code generation per (Fn, Args...) instantiation.
func callReflect(fn any, args []any) any {
	fv := reflect.ValueOf(fn)
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		if a == nil {
			in[i] = reflect.Zero(fv.Type().In(i))
			continue
		}
		in[i] = reflect.ValueOf(a)
	}
	out := fv.Call(in)
	if len(out) == 0 {
		return nil
	}
	return out[0].Interface()
}
