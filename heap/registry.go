package heap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/snake0/upcxx-2020.3.2-sub000/gptr"
)

// peerSegment is one rank's shared-segment extent, as known to this
// process. In the Loopback harness every rank's Arena lives in this same
// process's address space, so every peer, not just local-team ones, can in
// principle be registered; GlobalToLocal still enforces the local-team
// restriction spec.md §3 documents for the reverse direction, since that
// restriction reflects a real deployment's shared-memory visibility, not
// just this harness's convenience.
type peerSegment struct {
	rank int
	base uintptr
	size uintptr
}

// Registry implements the local_to_global / global_to_local globalization
// functions of spec.md §4.14: a sorted table of peer segment base
// addresses, searched by upper-bound to identify the owning rank.
type Registry struct {
	mu        sync.RWMutex
	peers     []peerSegment // sorted by base
	localTeam map[int]bool
	rank      int
}

// NewRegistry creates a Registry for the calling rank, which is always
// considered part of its own local team.
func NewRegistry(rank int, localTeam []int) *Registry {
	team := make(map[int]bool, len(localTeam)+1)
	team[rank] = true
	for _, r := range localTeam {
		team[r] = true
	}
	return &Registry{localTeam: team, rank: rank}
}

// Register records rank's segment extent. Must be called once per peer
// before any LocalToGlobal/GlobalToLocal call involving that peer.
func (r *Registry) Register(rank int, base, size uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, peerSegment{rank: rank, base: base, size: size})
	sort.Slice(r.peers, func(i, j int) bool { return r.peers[i].base < r.peers[j].base })
}

// LocalToGlobal resolves a raw process address into a [gptr.Ptr], per
// spec.md §4.14: an upper-bound search on the sorted peer table identifies
// the owning rank, then the result is bounds-checked against that peer's
// segment size.
func (r *Registry) LocalToGlobal(addr uintptr) (gptr.Ptr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := sort.Search(len(r.peers), func(i int) bool { return r.peers[i].base > addr }) - 1
	if i < 0 {
		return gptr.Ptr{}, false
	}
	p := r.peers[i]
	if addr < p.base || addr >= p.base+p.size {
		return gptr.Ptr{}, false
	}
	return gptr.Ptr{Kind: gptr.KindHost, Rank: p.rank, Addr: addr - p.base, Device: gptr.NoDevice}, true
}

// PeerBase returns the registered segment base address for rank, regardless
// of local-team membership. Unlike GlobalToLocal, this is meaningful for
// any rank: a real RDMA transport resolves a (rank, raw_address) pair
// against that rank's own registered memory region without this process
// ever touching the bytes directly, but the Loopback transport simulates
// every rank in this same address space, so RMA-facing packages (rma, vis,
// atomicdomain, copyengine) use PeerBase to recover the actual pointer a
// gptr.Ptr's offset was taken relative to before handing it to transport.Put
// /Get/AtomicOp.
func (r *Registry) PeerBase(rank int) (uintptr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if p.rank == rank {
			return p.base, true
		}
	}
	return 0, false
}

// GlobalToLocal resolves g back into a raw process address, but only for
// peers in the calling rank's local team: spec.md §3 restricts the reverse
// direction this way, since a non-local peer's memory isn't actually
// addressable from this process in a real deployment.
func (r *Registry) GlobalToLocal(g gptr.Ptr) (uintptr, bool) {
	if g.Kind != gptr.KindHost {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.localTeam[g.Rank] {
		return 0, false
	}
	for _, p := range r.peers {
		if p.rank == g.Rank {
			if g.Addr >= p.size {
				return 0, false
			}
			return p.base + g.Addr, true
		}
	}
	return 0, false
}

// MustGlobalToLocal is GlobalToLocal, panicking on failure; used internally
// where the caller has already validated g belongs to the local team.
func (r *Registry) MustGlobalToLocal(g gptr.Ptr) uintptr {
	addr, ok := r.GlobalToLocal(g)
	if !ok {
		panic(fmt.Sprintf("heap: GlobalToLocal failed for %s", g))
	}
	return addr
}

// ResolveRMA recovers the raw process address a gptr.Ptr addresses under the
// Loopback transport, for any rank (not just the local team): PeerBase(g.Rank)
// + g.Addr, bounds-checked against that peer's registered segment size. This
// is what rma/vis/atomicdomain/copyengine call before handing an address to
// transport.Transport, which — in this in-process harness — needs a real
// pointer rather than the rank-relative offset gptr carries on the wire.
func (r *Registry) ResolveRMA(g gptr.Ptr) (uintptr, bool) {
	if g.Kind != gptr.KindHost {
		return 0, false
	}
	base, ok := r.PeerBase(g.Rank)
	if !ok {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if p.rank == g.Rank {
			if g.Addr >= p.size {
				return 0, false
			}
			return base + g.Addr, true
		}
	}
	return 0, false
}
