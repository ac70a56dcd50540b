// Package completion implements the completion bundle of spec.md §3/§4.9: a
// compile-time-typed tuple of user-selected actions, each tagged by which
// event it reacts to. Go lacks the original's compile-time tuple-of-actions
// encoding, so [Set] is a small ordered-registration builder instead: each
// call to one of the package-level constructors (ReturnFuture,
// FulfillPromise, ScheduleLPC, SendRPC, Buffer, Block) appends one action for
// one [Event], and the issuing operation (rma.Put, rpc send, ...) calls
// [Set.Fire] once per event as it reaches that point in its protocol.
package completion

import (
	"github.com/snake0/upcxx-2020.3.2-sub000/future"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
)

// Event names one of the three notification points a put (or other
// operation) may fire, per spec.md §3's glossary entry.
type Event int

const (
	// EventSource fires once the initiator's source buffer may be reused.
	EventSource Event = iota
	// EventOperation fires once the operation is observable globally (the
	// initiator's own view of "done").
	EventOperation
	// EventRemote fires once a handler has run on the target rank.
	EventRemote

	numEvents = int(EventRemote) + 1
)

func (e Event) String() string {
	switch e {
	case EventSource:
		return "source"
	case EventOperation:
		return "operation"
	case EventRemote:
		return "remote"
	default:
		return "unknown-event"
	}
}

// Set collects the actions registered against each [Event] for one
// operation. The zero value is ready to use. Not safe for concurrent
// registration, but Fire may run concurrently with registration of a
// *different* event's actions — in practice all registration happens before
// the operation is issued, so this is only a documentation note, not a
// locking scheme.
type Set[T any] struct {
	actions [numEvents][]func(T, error)
}

// New returns an empty Set, for call sites that prefer a constructor to the
// zero value.
func New[T any]() *Set[T] { return &Set[T]{} }

// On appends fn to the actions fired for event. Exported so operations
// outside this package's six named constructors can still hook arbitrary
// behavior onto a completion point (e.g. rpc's reply-completion callback).
func (s *Set[T]) On(event Event, fn func(T, error)) {
	s.actions[event] = append(s.actions[event], fn)
}

// Fire invokes every action registered for event, in registration order,
// passing value and err to each. Issuing code calls this exactly once per
// event it supports, at the point in its protocol where that event becomes
// true — see the RMA put table in spec.md §4.9.
func (s *Set[T]) Fire(event Event, value T, err error) {
	for _, fn := range s.actions[event] {
		fn(value, err)
	}
}

// HasAction reports whether anything is registered for event, letting an
// issuing operation skip work (e.g. computing a fetched value) that nothing
// will observe.
func (s *Set[T]) HasAction(event Event) bool {
	return len(s.actions[event]) > 0
}

// ReturnFuture registers a future-fulfilling action for event and returns
// the future side, per spec.md §3's "return-a-future" completion action.
func ReturnFuture[T any](s *Set[T], event Event) future.Future[T] {
	prom, fut := future.New[T]()
	s.On(event, func(v T, err error) {
		if err != nil {
			prom.FulfillErr(err)
			return
		}
		prom.Fulfill(v)
	})
	return fut
}

// FulfillPromise registers an already-constructed promise to be fulfilled
// when event fires, per spec.md §3's "fulfill-a-promise" action.
func FulfillPromise[T any](s *Set[T], event Event, prom future.Promise[T]) {
	s.On(event, func(v T, err error) {
		if err != nil {
			prom.FulfillErr(err)
			return
		}
		prom.Fulfill(v)
	})
}

// ScheduleLPC registers an lpc on target, dispatched via scope, per spec.md
// §3's "schedule-an-lpc-on-a-persona" action. burstable mirrors the flag
// persona.Scope.LPC takes: true lets the callback run inline when event
// fires on target's own thread.
func ScheduleLPC[T any](s *Set[T], event Event, scope *persona.Scope, target *persona.Persona, burstable bool, fn func(T, error)) {
	s.On(event, func(v T, err error) {
		scope.LPCUser(target, burstable, func() { fn(v, err) })
	})
}

// SendRPC registers send to run when event fires, per spec.md §3's
// "send-a-remote-procedure-call" action — typically a closure over an
// rpc.Engine call, kept generic here since completion must not import rpc
// (rpc depends on completion, not the reverse).
func SendRPC[T any](s *Set[T], event Event, send func(T, error)) {
	s.On(event, send)
}

// Buffer registers a synchronous write of the completion value into *out
// (and, if non-nil, *errOut), per spec.md §3's "synchronously buffer"
// action. The caller is responsible for knowing event has already fired
// (typically via a preceding Block) before reading *out.
func Buffer[T any](s *Set[T], event Event, out *T, errOut *error) {
	s.On(event, func(v T, err error) {
		*out = v
		if errOut != nil {
			*errOut = err
		}
	})
}

// result is the payload handed over Block's channel.
type result[T any] struct {
	value T
	err   error
}

// Block registers a channel-backed action for event and returns a function
// that blocks the calling goroutine until it fires, per spec.md §3's
// "block-caller-until-done" action. Unlike every other completion action,
// this one suspends the OS thread — spec.md §5 names wait()/barrier as the
// only sanctioned blocking points, and Block is the completion-bundle
// equivalent used internally by those.
func Block[T any](s *Set[T], event Event) func() (T, error) {
	ch := make(chan result[T], 1)
	s.On(event, func(v T, err error) { ch <- result[T]{value: v, err: err} })
	return func() (T, error) {
		r := <-ch
		return r.value, r.err
	}
}
