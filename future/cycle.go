package future

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// cycleCheckEnabled gates the debug aid spec.md §9 allows but does not
// require: "implementers may add cycle detection in debug builds by
// walking successor lists during shutdown." It is a runtime flag rather
// than a build tag, toggled via EnableCycleCheck.
var cycleCheckEnabled atomic.Bool

// EnableCycleCheck turns the dependency-edge recording used by CheckCycles
// on or off. Off by default: recording an edge on every Then/WhenAll call
// is pure overhead when nobody asks for the diagnostic.
func EnableCycleCheck(enabled bool) {
	cycleCheckEnabled.Store(enabled)
}

var edges sync.Map // map[unsafe.Pointer][]edge

type edge struct {
	to   unsafe.Pointer
	desc string
}

// recordEdge notes that dependent's completion depends on source, for
// CheckCycles to walk later. No-op unless EnableCycleCheck(true) was
// called; this keeps the hot Then/WhenAll paths branch-free in the common
// case where nobody is debugging a suspected cycle.
func recordEdge(dependent, source unsafe.Pointer, desc string) {
	if !cycleCheckEnabled.Load() || dependent == source {
		return
	}
	v, _ := edges.LoadOrStore(dependent, &[]edge{})
	list := v.(*[]edge)
	*list = append(*list, edge{to: source, desc: desc})
}

// CheckCycles walks every edge recorded while checking was enabled (turning
// it off or on again does not clear earlier edges) and returns a human-readable description of each cycle found. This is a
// debug aid, not a correctness guarantee: the library does not prevent
// cycle creation (spec.md §4.3, "cycle creation is not prevented by the
// library"), and a future graph with no recorded edges (recording was
// disabled, or every dependency completed and its edge was never walked)
// reports no cycles even if one exists.
func CheckCycles() []string {
	var found []string
	visiting := map[unsafe.Pointer]bool{}
	path := map[unsafe.Pointer]bool{}

	var visit func(n unsafe.Pointer, trail []string)
	visit = func(n unsafe.Pointer, trail []string) {
		if path[n] {
			found = append(found, fmt.Sprintf("future cycle: %v", append(trail, fmt.Sprintf("%p", n))))
			return
		}
		if visiting[n] {
			return
		}
		visiting[n] = true
		path[n] = true
		if v, ok := edges.Load(n); ok {
			for _, e := range *v.(*[]edge) {
				visit(e.to, append(trail, fmt.Sprintf("%p(%s)", n, e.desc)))
			}
		}
		path[n] = false
	}

	edges.Range(func(k, _ any) bool {
		visit(k.(unsafe.Pointer), nil)
		return true
	})
	return found
}

// resetCycleGraph clears all recorded edges; exposed for tests that toggle
// EnableCycleCheck repeatedly.
func resetCycleGraph() {
	edges.Range(func(k, _ any) bool {
		edges.Delete(k)
		return true
	})
}
