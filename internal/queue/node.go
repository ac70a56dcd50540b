package queue

import "unsafe"

// notEnqueued is a unique, non-nil sentinel stored in [Node.next] to mark a
// node that has not (yet, or any longer) been linked into a queue. Any real
// successor pointer is a distinct address, so this can never collide with a
// legitimate link.
var notEnqueuedSentinel int

var notEnqueued = unsafe.Pointer(&notEnqueuedSentinel)

// Node is an intrusive callback-queue link. Embed it (or hold a pointer to
// one) in whatever payload a queue carries; enqueueing a *Node never
// allocates. The zero value (nil next) counts as enqueued; call Reset
// before a node's first push onto an STQueue.
type Node struct {
	next unsafe.Pointer // *Node, atomically updated; notEnqueued when unlinked
}

// Reset marks the node as not-yet-enqueued. Callers must not call this while
// the node may still be reachable from a consumer.
func (n *Node) Reset() {
	n.next = notEnqueued
}

// enqueued reports whether the node currently looks linked (best-effort,
// non-atomic; used only for single-threaded queues and debug assertions).
func (n *Node) enqueued() bool {
	return n.next != notEnqueued
}
