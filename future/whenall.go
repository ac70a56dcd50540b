package future

import (
	"sync"
	"unsafe"
)

// WhenAll aggregates futures into one Future that becomes ready once every
// input is ready, per spec.md §4.3: "aggregate header with a dependency
// counter equal to the number of not-yet-ready inputs; each input's
// successor list is augmented with a link pointing to the aggregate; each
// completion decrements." The result is the slice of individual results, in
// input order; if any input failed, WhenAll's result fails with the first
// such error observed.
func WhenAll[T any](futures ...Future[T]) Future[[]T] {
	prom, fut := New[[]T]()
	if len(futures) == 0 {
		prom.Fulfill(nil)
		return fut
	}

	results := make([]T, len(futures))
	var mu sync.Mutex
	remaining := len(futures)
	var firstErr error

	for i, f := range futures {
		i, f := i, f
		recordEdge(unsafe.Pointer(fut.h), unsafe.Pointer(f.h), "when_all")
		f.onReady(func() {
			v, err := f.Result()
			mu.Lock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			results[i] = v
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				if firstErr != nil {
					prom.FulfillErr(firstErr)
				} else {
					prom.Fulfill(results)
				}
			}
		})
	}
	return fut
}
