// Package future implements the deferred-value machinery of spec.md §4.3:
// futures, promises and chained continuations scheduled through a persona.
// Reference counting, which the original design uses to keep a result alive
// exactly as long as something observes it, is replaced here by Go's
// garbage collector: a dependent future's header holds a normal Go pointer
// to its source's header, so the source outlives the dependent for free —
// see DESIGN.md for this Open Question resolution.
package future

import (
	"sync"
	"unsafe"

	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
)

// header is the shared state behind every Future[T]/Promise[T] pair. The
// three small interfaces below (resultHeader, dependentHeader,
// promiseHeader) let code branch on "what kind of header is this" without
// a type switch on the concrete generic type, echoing the header_ops
// dispatch tables of spec.md §4.3.
type header[T any] struct {
	mu         sync.Mutex
	ready      bool
	value      T
	err        error
	successors []func()
}

type resultHeader interface{ isReady() bool }
type dependentHeader interface{ proxyFor() any }
type promiseHeader interface{ isPromise() bool }

func (h *header[T]) isReady() bool { h.mu.Lock(); defer h.mu.Unlock(); return h.ready }

// Future is a count-pointer wrapper around a future header, per spec.md
// §4.3 — except the "count" is now just whatever references to *header[T]
// Go's collector tracks.
type Future[T any] struct {
	h *header[T]
}

// Promise is the writable side of a Future: exactly one of Fulfill or
// FulfillErr must be called exactly once.
type Promise[T any] struct {
	h *header[T]
}

func (Promise[T]) isPromise() bool { return true }

// New creates a linked Promise/Future pair; the future becomes ready when
// the promise is fulfilled.
func New[T any]() (Promise[T], Future[T]) {
	h := &header[T]{}
	return Promise[T]{h: h}, Future[T]{h: h}
}

// Ready returns an already-fulfilled Future, skipping the promise step —
// the common case for completion paths that already have their result in
// hand (e.g. a near-rank RMA fast path).
func Ready[T any](value T) Future[T] {
	return Future[T]{h: &header[T]{ready: true, value: value}}
}

// ReadyErr returns an already-failed Future.
func ReadyErr[T any](err error) Future[T] {
	return Future[T]{h: &header[T]{ready: true, err: err}}
}

// Fulfill sets the promise's value, making its future ready and running
// every continuation registered via Then, each dispatched through
// scope.LPCUser at the recorded target persona — spec.md §4.3's "promise as
// callback node".
func (p Promise[T]) Fulfill(value T) {
	p.complete(value, nil)
}

// FulfillErr fails the promise.
func (p Promise[T]) FulfillErr(err error) {
	var zero T
	p.complete(zero, err)
}

func (p Promise[T]) complete(value T, err error) {
	p.h.mu.Lock()
	if p.h.ready {
		p.h.mu.Unlock()
		panic("future: promise fulfilled twice")
	}
	p.h.ready = true
	p.h.value = value
	p.h.err = err
	successors := p.h.successors
	p.h.successors = nil
	p.h.mu.Unlock()

	for _, fn := range successors {
		fn()
	}
}

// Future returns the Future half of this promise, for code that holds a
// Promise but needs to hand out read access.
func (p Promise[T]) Future() Future[T] { return Future[T]{h: p.h} }

// Ready reports whether f's value has been produced.
func (f Future[T]) Ready() bool { return f.h.isReady() }

// Result returns f's value and error; valid only if Ready() is true (spec.md
// §4.3's "ready-only accessors").
func (f Future[T]) Result() (T, error) {
	f.h.mu.Lock()
	defer f.h.mu.Unlock()
	if !f.h.ready {
		panic("future: Result called on a future that is not ready")
	}
	return f.h.value, f.h.err
}

// OnReady registers fn to run once f becomes ready, receiving its value and
// error. Unlike Then, this does not dispatch through any persona — it is
// the low-level hook other packages (bind, completion) use to compose their
// own scheduling on top of a future's readiness.
func (f Future[T]) OnReady(fn func(T, error)) {
	f.onReady(func() {
		v, err := f.Result()
		fn(v, err)
	})
}

// onReady registers fn to run once f becomes ready: immediately, inline, if
// it already is; otherwise appended to its successor list, per spec.md
// §4.3's then() description.
func (f Future[T]) onReady(fn func()) {
	f.h.mu.Lock()
	if f.h.ready {
		f.h.mu.Unlock()
		fn()
		return
	}
	f.h.successors = append(f.h.successors, fn)
	f.h.mu.Unlock()
}

// Then allocates a dependent future and schedules fn to run (dispatched
// through scope at target, per spec.md §4.3) once f is ready, producing the
// dependent's value. If fn returns an error, the dependent future fails
// with it rather than running further continuations.
func Then[T, U any](f Future[T], scope *persona.Scope, target *persona.Persona, fn func(T) (U, error)) Future[U] {
	prom, fut := New[U]()
	recordEdge(unsafe.Pointer(fut.h), unsafe.Pointer(f.h), "then")
	f.onReady(func() {
		scope.LPCUser(target, true, func() {
			v, err := f.Result()
			if err != nil {
				prom.FulfillErr(err)
				return
			}
			out, err := fn(v)
			if err != nil {
				prom.FulfillErr(err)
				return
			}
			prom.Fulfill(out)
		})
	})
	return fut
}

// ThenFuture is Then's flattening variant: used when fn itself returns a
// Future[U], so the result is the inner future's eventual value rather than
// a Future[Future[U]] — spec.md §4.3's "flattened if fn returns a future".
func ThenFuture[T, U any](f Future[T], scope *persona.Scope, target *persona.Persona, fn func(T) (Future[U], error)) Future[U] {
	prom, fut := New[U]()
	recordEdge(unsafe.Pointer(fut.h), unsafe.Pointer(f.h), "then_future")
	f.onReady(func() {
		scope.LPCUser(target, true, func() {
			v, err := f.Result()
			if err != nil {
				prom.FulfillErr(err)
				return
			}
			inner, err := fn(v)
			if err != nil {
				prom.FulfillErr(err)
				return
			}
			inner.onReady(func() {
				iv, ierr := inner.Result()
				if ierr != nil {
					prom.FulfillErr(ierr)
					return
				}
				prom.Fulfill(iv)
			})
		})
	})
	return fut
}

// Wait spins calling progressFn until f is ready, then returns its value by
// value — spec.md §4.3's wait(progress_fn). Panics if f's result is an
// error; callers that want to observe the error should call Result once
// Ready() is confirmed instead.
func Wait[T any](f Future[T], progressFn func()) T {
	for !f.Ready() {
		progressFn()
	}
	v, err := f.Result()
	if err != nil {
		panic(err)
	}
	return v
}
