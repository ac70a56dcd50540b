package persona

import (
	"unsafe"

	"github.com/snake0/upcxx-2020.3.2-sub000/internal/queue"
)

// nodePointer recovers the *Callback that embeds n as its first field. This
// relies on Go's guarantee that a struct and its first field share an
// address, the same trick the serialization/wire layer uses for zero-copy
// views over trivially-serializable elements.
func nodePointer(n *queue.Node) unsafe.Pointer {
	return unsafe.Pointer(n)
}
