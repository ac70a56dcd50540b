package heap

import (
	"fmt"
	"sort"
	"unsafe"
)

// block is one entry in the arena's address-ordered free/used list. This is
// a deliberately simple first-fit allocator in the manner of dlmalloc's
// basic strategy (coalesce-on-free, scan free blocks in address order)
// without dlmalloc's bin/fastpath machinery — the shared heap's allocation
// rate is nowhere near malloc's, since most user allocations are long-lived
// symmetric buffers.
type block struct {
	off  uintptr
	size uintptr
	free bool
	kind Kind
}

// Arena is the single-segment shared-heap allocator of spec.md §4.14: one
// contiguous byte slice, partitioned into variable-size blocks, with every
// allocation charged against a [Footprint] bucket chosen by the caller.
type Arena struct {
	segment   []byte
	base      uintptr
	blocks    []block // address-ordered, covers [0, len(segment)) with no gaps
	footprint *Footprint
}

// FatalAllocationError is panicked by AllocInternal when the arena cannot
// satisfy an internal allocation: spec.md §4.14 says internal allocation
// failure is always fatal, never a recoverable null return.
type FatalAllocationError struct {
	Requested uintptr
	Kind      Kind
}

func (e *FatalAllocationError) Error() string {
	return fmt.Sprintf("heap: fatal: could not allocate %d bytes for %s", e.Requested, e.Kind)
}

// New creates an Arena backed by a freshly allocated segment of size bytes.
// The segment is real process memory (not a simulation): in the Loopback
// harness, where every rank shares one address space, this is exactly what
// a real symmetric-segment allocator hands a transport that maps host
// memory directly.
func New(size uintptr, footprint *Footprint) *Arena {
	seg := make([]byte, size)
	a := &Arena{
		segment:   seg,
		footprint: footprint,
		blocks:    []block{{off: 0, size: size, free: true}},
	}
	if size > 0 {
		a.base = uintptr(unsafe.Pointer(&seg[0]))
	}
	return a
}

// Base returns the arena's starting address, for globalization.
func (a *Arena) Base() uintptr { return a.base }

// Size returns the arena's total capacity.
func (a *Arena) Size() uintptr { return uintptr(len(a.segment)) }

// Footprint returns the footprint tracker this arena charges allocations
// against.
func (a *Arena) Footprint() *Footprint { return a.footprint }

// AllocUser allocates n bytes aligned to align (must be a power of two),
// charged to [KindUser]. It returns (0, false) rather than erroring — per
// spec.md §4.14, user-allocation failure returns null, leaving the decision
// of what to do about it to the caller.
func (a *Arena) AllocUser(n, align uintptr) (uintptr, bool) {
	return a.alloc(n, align, KindUser)
}

// AllocRendezvous allocates a rendezvous-protocol staging buffer.
func (a *Arena) AllocRendezvous(n, align uintptr) (uintptr, bool) {
	return a.alloc(n, align, KindRendezvous)
}

// AllocInternal allocates runtime-internal bookkeeping memory. Per spec.md
// §4.14, failure here is fatal, not recoverable: this panics with a
// [FatalAllocationError] rather than returning ok=false.
func (a *Arena) AllocInternal(n, align uintptr) uintptr {
	addr, ok := a.alloc(n, align, KindInternal)
	if !ok {
		panic(&FatalAllocationError{Requested: n, Kind: KindInternal})
	}
	return addr
}

func (a *Arena) alloc(n, align uintptr, kind Kind) (uintptr, bool) {
	if n == 0 {
		n = 1
	}
	for i := range a.blocks {
		b := &a.blocks[i]
		if !b.free {
			continue
		}
		start := alignUp(a.base+b.off, align) - a.base
		pad := start - b.off
		if pad+n > b.size {
			continue
		}
		a.splitAndTake(i, pad, n, kind)
		a.footprint.add(kind, n)
		return a.base + start, true
	}
	return 0, false
}

// splitAndTake carves out [off+pad, off+pad+n) from free block i, leaving
// up to two new free blocks (leading padding, trailing remainder) behind.
func (a *Arena) splitAndTake(i int, pad, n uintptr, kind Kind) {
	orig := a.blocks[i]
	var replacement []block
	if pad > 0 {
		replacement = append(replacement, block{off: orig.off, size: pad, free: true})
	}
	replacement = append(replacement, block{off: orig.off + pad, size: n, free: false, kind: kind})
	if rem := orig.size - pad - n; rem > 0 {
		replacement = append(replacement, block{off: orig.off + pad + n, size: rem, free: true})
	}
	a.blocks = append(a.blocks[:i], append(replacement, a.blocks[i+1:]...)...)
}

// Free releases the allocation at addr, which must be a value previously
// returned by one of the Alloc* methods, charged to kind (which must match
// the kind it was allocated under).
func (a *Arena) Free(addr uintptr, kind Kind) {
	off := addr - a.base
	i := sort.Search(len(a.blocks), func(i int) bool { return a.blocks[i].off >= off })
	if i >= len(a.blocks) || a.blocks[i].off != off || a.blocks[i].free {
		panic("heap: Free of address not currently allocated")
	}
	a.footprint.sub(kind, a.blocks[i].size)
	a.blocks[i].free = true
	a.coalesce(i)
}

// coalesce merges block i with its free neighbors, keeping the block list
// free of adjacent free-free pairs.
func (a *Arena) coalesce(i int) {
	if i+1 < len(a.blocks) && a.blocks[i+1].free {
		a.blocks[i].size += a.blocks[i+1].size
		a.blocks = append(a.blocks[:i+1], a.blocks[i+2:]...)
	}
	if i > 0 && a.blocks[i-1].free {
		a.blocks[i-1].size += a.blocks[i].size
		a.blocks = append(a.blocks[:i], a.blocks[i+1:]...)
	}
}

func alignUp(addr, align uintptr) uintptr {
	if align <= 1 {
		return addr
	}
	rem := addr % align
	if rem == 0 {
		return addr
	}
	return addr + (align - rem)
}
