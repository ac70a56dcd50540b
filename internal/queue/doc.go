// Package queue implements the intrusive callback queues that back personas:
// a non-atomic single-threaded variant and a lock-free multi-producer/
// single-consumer variant, both operating on caller-owned [Node] values so
// that enqueueing never allocates.
//
// Both variants share the same [Node]/burst contract: nodes carry their own
// "next" link, enqueue never allocates, and Burst tolerates a callback that
// re-enqueues onto the same queue from within its own invocation.
package queue
