package queue

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// sizeOfCacheLine mirrors the padding constant used throughout the example
// pack's event loop (it targets the largest common line size, 128 bytes on
// Apple Silicon/ARM64, so padding is safe on x86-64 too).
const sizeOfCacheLine = 128

// MPSCQueue is the multi-producer/single-consumer variant of spec.md §4.1.
//
// The tail is a single atomic word encoding xor(realTailAddr, headerAddr):
// a self-relative pointer rather than an absolute one. The header address
// (q, cast to uintptr) is folded in; Init stores the encoding of &q.stub, so
// the tail is never nil and the hot path skips a null check. A zero-value
// queue does not decode to &q.stub and must be initialized first.
// Enqueue is a single atomic-exchange (claiming the new tail) followed by a
// single atomic store (linking the old tail to the new node); dequeue
// spins briefly at the tail handoff, waiting for that store to become
// visible.
type MPSCQueue struct {
	_ [sizeOfCacheLine]byte

	tail atomic.Uintptr // xor(realTail, headerAddr); never observably zero

	_ [sizeOfCacheLine - 8]byte

	// head is owned exclusively by the consumer.
	head *Node
	stub Node

	// missCount tracks consecutive empty bursts, for the adaptive back-off
	// policy described in spec.md §4.1: a queue that has recently been
	// empty tolerates more consecutive misses before a caller gives up
	// polling it, while a queue that is usually full keeps being scanned
	// aggressively.
	missCount int
}

// NewMPSCQueue returns a ready-to-use queue. Because of the self-relative
// tail encoding, a zero-value MPSCQueue is NOT ready to use — callers must
// go through this constructor (or [MPSCQueue.Init] for embedding).
func NewMPSCQueue() *MPSCQueue {
	q := &MPSCQueue{}
	q.Init()
	return q
}

// Init prepares an embedded, zero-value MPSCQueue for use. Must be called
// exactly once, before any Push/Burst, and the queue must never be moved
// afterwards (its header address is baked into the tail encoding).
func (q *MPSCQueue) Init() {
	q.stub.next = nil
	q.head = &q.stub
	q.tail.Store(q.encode(&q.stub))
}

func (q *MPSCQueue) headerAddr() uintptr {
	return uintptr(unsafe.Pointer(q))
}

func (q *MPSCQueue) encode(n *Node) uintptr {
	return uintptr(unsafe.Pointer(n)) ^ q.headerAddr()
}

func (q *MPSCQueue) decode(v uintptr) *Node {
	return (*Node)(unsafe.Pointer(v ^ q.headerAddr()))
}

// Push enqueues n. Safe to call concurrently from any number of producer
// goroutines; the consumer must be a single goroutine (the queue's owning
// persona thread).
func (q *MPSCQueue) Push(n *Node) {
	n.next = nil
	prev := q.decode(q.tail.Swap(q.encode(n)))
	// Single atomic store: visible to the consumer once it follows
	// prev's link, which per Go's memory model is guaranteed by the
	// preceding atomic Swap acting as a release/acquire pair on q.tail.
	atomic.StorePointer(&prev.next, unsafe.Pointer(n))
}

// pop1 attempts to dequeue exactly one node. It returns (node, true) on
// success, (nil, false) if the queue is empty, and (nil, "inconsistent") —
// modeled as a third boolean — if a producer's Push is caught mid-flight
// (the atomic exchange landed but the linking store has not yet become
// visible): the caller should spin briefly and retry.
func (q *MPSCQueue) pop1() (node *Node, empty bool, inconsistent bool) {
	head := q.head
	next := (*Node)(atomic.LoadPointer(&head.next))

	if head == &q.stub {
		if next == nil {
			return nil, true, false
		}
		q.head = next
		head = next
		next = (*Node)(atomic.LoadPointer(&head.next))
	}

	if next != nil {
		q.head = next
		head.Reset()
		return head, false, false
	}

	if head != q.decode(q.tail.Load()) {
		// A producer has claimed the tail slot but not yet linked it.
		return nil, false, true
	}

	// Queue looks empty from the consumer's perspective, but a concurrent
	// Push may be racing the tail exchange. Re-push the stub: this forces
	// any racing producer's link to resolve onto a node we already own,
	// so a subsequent read of head.next is conclusive.
	q.Push(&q.stub)
	next = (*Node)(atomic.LoadPointer(&head.next))
	if next != nil {
		q.head = next
		head.Reset()
		return head, false, false
	}
	return nil, false, true
}

// Burst pops up to limit nodes (or all currently available, if limit <= 0)
// and invokes fn on each, returning the number executed. fn may re-enqueue
// onto q from within its own invocation.
//
// If a burst observes zero completed work, the adaptive back-off counter
// grows; callers that consult [MPSCQueue.ShouldSkip] can use this to avoid
// repeatedly scanning queues that are reliably empty, while queues that
// were recently busy keep being polled aggressively.
func (q *MPSCQueue) Burst(limit int, fn func(*Node)) int {
	n := 0
	for limit <= 0 || n < limit {
		node, empty, inconsistent := q.pop1()
		if empty {
			break
		}
		if inconsistent {
			// Bounded spin for the handoff window between a producer's
			// atomic exchange and its linking store.
			for spins := 0; spins < 64; spins++ {
				runtime.Gosched()
				node, empty, inconsistent = q.pop1()
				if !inconsistent {
					break
				}
			}
			if inconsistent {
				break
			}
			if empty {
				break
			}
		}
		fn(node)
		n++
	}
	if n == 0 {
		q.missCount++
	} else {
		q.missCount = 0
	}
	return n
}

// ShouldSkip reports whether a caller polling many queues in round-robin
// may skip this one this round, per the adaptive back-off policy: a queue
// tolerates 4+history consecutive empty bursts before being deprioritized.
func (q *MPSCQueue) ShouldSkip(round int) bool {
	return q.missCount > 4+round
}
