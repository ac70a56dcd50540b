// Package atomicdomain implements typed, opcode-restricted atomic domains
// over global memory, spec.md §4.11: creation declares the usable opcode
// set, and every call checks membership, alignment, and the integral-only
// restriction on certain opcodes before issuing the transport call.
package atomicdomain

import (
	"fmt"
	"reflect"

	"github.com/snake0/upcxx-2020.3.2-sub000/completion"
	"github.com/snake0/upcxx-2020.3.2-sub000/gptr"
	"github.com/snake0/upcxx-2020.3.2-sub000/heap"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
)

// Op names one of the opcodes a domain may permit, independent of
// transport.Opcode's numbering so this package's public API doesn't leak
// the transport's internal enum.
type Op int

const (
	OpLoad Op = iota
	OpStore
	OpCompareExchange
	OpAdd
	OpSub
	OpMul
	OpMin
	OpMax
	OpInc
	OpDec
	OpAnd
	OpOr
	OpXor
)

// integralOnly is the set of opcodes spec.md §4.11 statically rejects on
// floating-point types ("Integral-only opcodes are statically rejected on
// floating-point types").
var integralOnly = map[Op]bool{
	OpInc: true, OpDec: true, OpAnd: true, OpOr: true, OpXor: true,
}

func (o Op) transportOpcode() transport.Opcode {
	switch o {
	case OpLoad:
		return transport.OpLoad
	case OpStore:
		return transport.OpStore
	case OpCompareExchange:
		return transport.OpCompareExchange
	case OpAdd:
		return transport.OpAdd
	case OpSub:
		return transport.OpSub
	case OpMul:
		return transport.OpMul
	case OpMin:
		return transport.OpMin
	case OpMax:
		return transport.OpMax
	case OpInc:
		return transport.OpInc
	case OpDec:
		return transport.OpDec
	case OpAnd:
		return transport.OpAnd
	case OpOr:
		return transport.OpOr
	case OpXor:
		return transport.OpXor
	default:
		panic(fmt.Sprintf("atomicdomain: unknown op %d", o))
	}
}

// state tracks a domain's collective lifecycle, per spec.md §5's "live,
// valid, dead" team-object states.
type state int

const (
	stateLive state = iota
	stateDead
)

// Domain[T] is an atomic-op-restricted view of global memory for one
// integral or float type T, created collectively over a team: every
// participating rank must call New with the same opcode set, in the same
// program order, the same discipline spec.md §5 requires of all collective
// team objects.
type Domain[T any] struct {
	registry *heap.Registry
	t        transport.Transport
	allowed  map[Op]bool
	width    int
	st       state
}

// New constructs a Domain over ops, valid for use until Destroy is called.
// It panics if ops includes an integral-only opcode and T is a
// floating-point type, per spec.md §4.11's static rejection — "static" in
// the original's template-instantiation sense; here the generic
// instantiation site is exactly analogous, so the check fires at domain
// construction rather than per call.
func New[T any](registry *heap.Registry, t transport.Transport, ops ...Op) *Domain[T] {
	var zero T
	width := int(reflect.TypeOf(zero).Size())
	isFloat := reflect.TypeOf(zero).Kind() == reflect.Float32 || reflect.TypeOf(zero).Kind() == reflect.Float64
	allowed := make(map[Op]bool, len(ops))
	for _, op := range ops {
		if isFloat && integralOnly[op] {
			panic(fmt.Sprintf("atomicdomain: op %d is integral-only, rejected for floating-point domain", op))
		}
		allowed[op] = true
	}
	return &Domain[T]{registry: registry, t: t, allowed: allowed, width: width, st: stateLive}
}

// Destroy marks the domain dead; further calls to Op panic, mirroring
// spec.md §5's team-object lifecycle discipline (destruction is itself
// collective, though this in-process harness has no separate resource to
// release beyond the flag).
func (d *Domain[T]) Destroy() { d.st = stateDead }

// Op issues one atomic operation of op against the memory g addresses.
// operand and fetchInto are encoded/decoded through an unsafe byte view of
// T, the same representation transport.Transport.AtomicOp expects; fetching
// variants thread the returned value through comp like any other RMA
// operation, per spec.md §4.11.
func (d *Domain[T]) Op(g gptr.Ptr, op Op, operand T, fetching bool, comp *completion.Set[T]) error {
	if d.st == stateDead {
		return fmt.Errorf("atomicdomain: operation on destroyed domain")
	}
	if !d.allowed[op] {
		return fmt.Errorf("atomicdomain: op %d not permitted on this domain", op)
	}
	if !g.CheckAlignment(uintptr(d.width)) {
		return fmt.Errorf("atomicdomain: %s is not aligned to %d bytes", g, d.width)
	}
	addr, ok := d.registry.ResolveRMA(g)
	if !ok {
		return fmt.Errorf("atomicdomain: failed to resolve address for %s", g)
	}
	operandBytes := encodeT(operand)
	var fetchBuf []byte
	if fetching {
		fetchBuf = make([]byte, d.width)
	}
	handle := d.t.AtomicOp(g.Rank, addr, int(op.transportOpcode()), operandBytes, fetchBuf)
	handle.OnComplete(func() {
		var zero T
		comp.Fire(completion.EventSource, zero, nil)
		if fetching {
			comp.Fire(completion.EventOperation, decodeT[T](fetchBuf), nil)
		} else {
			comp.Fire(completion.EventOperation, zero, nil)
		}
	})
	return nil
}

// CompareExchange issues a compare-exchange op: the memory at g is set to
// desired only if it currently equals expected; the fetched value (the
// memory's value before the operation) is always delivered via comp.
func (d *Domain[T]) CompareExchange(g gptr.Ptr, expected, desired T, comp *completion.Set[T]) error {
	if d.st == stateDead {
		return fmt.Errorf("atomicdomain: operation on destroyed domain")
	}
	if !d.allowed[OpCompareExchange] {
		return fmt.Errorf("atomicdomain: compare-exchange not permitted on this domain")
	}
	if !g.CheckAlignment(uintptr(d.width)) {
		return fmt.Errorf("atomicdomain: %s is not aligned to %d bytes", g, d.width)
	}
	addr, ok := d.registry.ResolveRMA(g)
	if !ok {
		return fmt.Errorf("atomicdomain: failed to resolve address for %s", g)
	}
	operand := append(encodeT(expected), encodeT(desired)...)
	fetchBuf := make([]byte, d.width)
	handle := d.t.AtomicOp(g.Rank, addr, int(transport.OpCompareExchange), operand, fetchBuf)
	handle.OnComplete(func() {
		var zero T
		comp.Fire(completion.EventSource, zero, nil)
		comp.Fire(completion.EventOperation, decodeT[T](fetchBuf), nil)
	})
	return nil
}
