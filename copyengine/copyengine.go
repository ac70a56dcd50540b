// Package copyengine implements the cross-memory-kind copy orchestration of
// spec.md §4.13: copy(src, dst, n) handles any pairing of host / device /
// remote by dispatching to the narrowest primitive that applies — a local
// memcpy, a driver-level device copy, a plain put/get, or a staged copy
// through a rank-local host bounce buffer — and, when the initiator is
// neither endpoint's rank, an RPC that hands the whole operation to whichever
// rank can resolve it directly.
package copyengine

import (
	"fmt"
	"sync"

	"github.com/snake0/upcxx-2020.3.2-sub000/command"
	"github.com/snake0/upcxx-2020.3.2-sub000/completion"
	"github.com/snake0/upcxx-2020.3.2-sub000/gptr"
	"github.com/snake0/upcxx-2020.3.2-sub000/heap"
	"github.com/snake0/upcxx-2020.3.2-sub000/rma"
	"github.com/snake0/upcxx-2020.3.2-sub000/rpc"
	"github.com/snake0/upcxx-2020.3.2-sub000/wire"
)

// Endpoint orchestrates copy across memory kinds for one rank. Every
// Endpoint in a simulated job (see transport.Loopback) registers itself by
// rank in a process-wide table (endpoints), the same disambiguation trick
// collective.Reduce uses for its tree contributions: the executors below
// are process-wide singletons, so they need a rank to find "the Endpoint
// standing in for that simulated process."
type Endpoint struct {
	rank     int
	registry *heap.Registry
	arena    *heap.Arena
	rma      *rma.Endpoint
	engine   *rpc.Engine
	driver   Driver
}

var (
	endpointsMu sync.RWMutex
	endpoints   = map[int]*Endpoint{}
)

// New builds an Endpoint for the calling rank and registers it for inbound
// delegated copies (see delegate.go). driver may be nil if this rank never
// participates in a device-kind copy.
func New(rank int, registry *heap.Registry, arena *heap.Arena, r *rma.Endpoint, engine *rpc.Engine, driver Driver) *Endpoint {
	e := &Endpoint{rank: rank, registry: registry, arena: arena, rma: r, engine: engine, driver: driver}
	endpointsMu.Lock()
	endpoints[rank] = e
	endpointsMu.Unlock()
	return e
}

func lookupEndpoint(rank int) (*Endpoint, bool) {
	endpointsMu.RLock()
	defer endpointsMu.RUnlock()
	e, ok := endpoints[rank]
	return e, ok
}

func hostSlice(registry *heap.Registry, p gptr.Ptr, n int) ([]byte, error) {
	addr, ok := registry.ResolveRMA(p)
	if !ok {
		return nil, fmt.Errorf("copyengine: failed to resolve host address for %s", p)
	}
	return unsafeByteSlice(addr, n), nil
}

// Copy orchestrates spec.md §4.13's copy(src_gptr, dst_gptr, n) from the
// calling rank's perspective (the "initiator"). comp's EventSource and
// EventOperation fire per spec.md §3's completion semantics; EventRemote is
// never fired since copy is not an RPC send in the rma sense.
func (e *Endpoint) Copy(dst, src gptr.Ptr, n int, comp *completion.Set[struct{}]) error {
	switch {
	case e.rank == dst.Rank:
		return e.copyIntoLocal(dst, src, n, comp)
	case e.rank == src.Rank:
		return e.copyFromLocal(dst, src, n, comp)
	default:
		// Three-party: spec.md §4.13's "the initiator sends an RPC to the
		// destination rank to perform a get from the source, with nested
		// staging as above."
		return e.delegateTo(dst.Rank, dst, src, n, comp)
	}
}

// localCopy handles spec.md §4.13's first two cases: src and dst share a
// rank (this one), with same or different memory kind.
func (e *Endpoint) localCopy(dst, src gptr.Ptr, n int, comp *completion.Set[struct{}]) error {
	switch {
	case src.Kind == gptr.KindHost && dst.Kind == gptr.KindHost:
		s, err := hostSlice(e.registry, src, n)
		if err != nil {
			return err
		}
		d, err := hostSlice(e.registry, dst, n)
		if err != nil {
			return err
		}
		copy(d, s)
		comp.Fire(completion.EventSource, struct{}{}, nil)
		comp.Fire(completion.EventOperation, struct{}{}, nil)
		return nil

	case src.Kind == gptr.KindHost && dst.Kind == gptr.KindDevice:
		s, err := hostSlice(e.registry, src, n)
		if err != nil {
			return err
		}
		if e.driver == nil {
			return fmt.Errorf("copyengine: rank %d has no Driver for device-kind copy", e.rank)
		}
		e.driver.HostToDevice(dst.Device, dst.Addr, s).OnComplete(func() {
			comp.Fire(completion.EventSource, struct{}{}, nil)
			comp.Fire(completion.EventOperation, struct{}{}, nil)
		})
		return nil

	case src.Kind == gptr.KindDevice && dst.Kind == gptr.KindHost:
		d, err := hostSlice(e.registry, dst, n)
		if err != nil {
			return err
		}
		if e.driver == nil {
			return fmt.Errorf("copyengine: rank %d has no Driver for device-kind copy", e.rank)
		}
		e.driver.DeviceToHost(src.Device, src.Addr, d).OnComplete(func() {
			comp.Fire(completion.EventSource, struct{}{}, nil)
			comp.Fire(completion.EventOperation, struct{}{}, nil)
		})
		return nil

	default: // device -> device
		if e.driver == nil {
			return fmt.Errorf("copyengine: rank %d has no Driver for device-kind copy", e.rank)
		}
		e.driver.DeviceToDevice(dst.Device, dst.Addr, src.Device, src.Addr, uintptr(n)).OnComplete(func() {
			comp.Fire(completion.EventSource, struct{}{}, nil)
			comp.Fire(completion.EventOperation, struct{}{}, nil)
		})
		return nil
	}
}

// copyIntoLocal handles every case where this rank is the destination:
// fully local (delegates to localCopy), a plain get from a remote host
// source, or — when dst is device-kind — a get into a rank-local host
// bounce buffer followed by a driver landing, per spec.md §4.13's
// "destination has device memory: the destination allocates a host
// bounce... on put-completion the destination driver copies into the
// device."
func (e *Endpoint) copyIntoLocal(dst, src gptr.Ptr, n int, comp *completion.Set[struct{}]) error {
	if src.Rank == e.rank {
		return e.localCopy(dst, src, n, comp)
	}
	if src.Kind == gptr.KindDevice {
		// Remote device source: only src's own rank can drive its driver,
		// so this rank (the destination) delegates the whole operation
		// there instead of trying to pull device bytes directly.
		return e.delegateTo(src.Rank, dst, src, n, comp)
	}
	if dst.Kind == gptr.KindHost {
		d, err := hostSlice(e.registry, dst, n)
		if err != nil {
			return err
		}
		return e.rma.Get(d, src, comp)
	}

	// dst is this rank's device, src is a remote host: stage through a
	// rendezvous-bucket bounce buffer, then land via the driver. The
	// bounce's release is chained onto the driver copy's completion,
	// per spec.md §4.13's "leaks are prevented by chaining every
	// allocation release onto the next stage's completion callback."
	addr, ok := e.arena.AllocRendezvous(uintptr(n), 1)
	if !ok {
		return fmt.Errorf("copyengine: rank %d failed to allocate %d-byte bounce buffer", e.rank, n)
	}
	bounce := unsafeByteSlice(addr, n)
	if e.driver == nil {
		e.arena.Free(addr, heap.KindRendezvous)
		return fmt.Errorf("copyengine: rank %d has no Driver for device-kind copy", e.rank)
	}
	getComp := completion.New[struct{}]()
	getComp.On(completion.EventOperation, func(_ struct{}, err error) {
		if err != nil {
			e.arena.Free(addr, heap.KindRendezvous)
			comp.Fire(completion.EventOperation, struct{}{}, err)
			return
		}
		e.driver.HostToDevice(dst.Device, dst.Addr, bounce).OnComplete(func() {
			e.arena.Free(addr, heap.KindRendezvous)
			comp.Fire(completion.EventSource, struct{}{}, nil)
			comp.Fire(completion.EventOperation, struct{}{}, nil)
		})
	})
	return e.rma.Get(bounce, src, getComp)
}

// copyFromLocal handles every case where this rank is the source: fully
// local (delegates to localCopy), a plain put to a remote host destination,
// or — when src is device-kind — a driver stage into a rank-local host
// bounce buffer followed by a put (spec.md §4.13's device-source case). The
// bounce buffer is freed when the put's operation completion fires.
func (e *Endpoint) copyFromLocal(dst, src gptr.Ptr, n int, comp *completion.Set[struct{}]) error {
	if dst.Rank == e.rank {
		return e.localCopy(dst, src, n, comp)
	}
	if dst.Kind == gptr.KindDevice {
		// Remote device destination: only dst's own rank can drive its
		// driver, so delegate the whole operation there.
		return e.delegateTo(dst.Rank, dst, src, n, comp)
	}
	if src.Kind == gptr.KindHost {
		s, err := hostSlice(e.registry, src, n)
		if err != nil {
			return err
		}
		return e.rma.Put(dst, s, comp, false)
	}

	// src is this rank's device, dst is a remote host: stage then put.
	addr, ok := e.arena.AllocRendezvous(uintptr(n), 1)
	if !ok {
		return fmt.Errorf("copyengine: rank %d failed to allocate %d-byte bounce buffer", e.rank, n)
	}
	bounce := unsafeByteSlice(addr, n)
	if e.driver == nil {
		e.arena.Free(addr, heap.KindRendezvous)
		return fmt.Errorf("copyengine: rank %d has no Driver for device-kind copy", e.rank)
	}
	e.driver.DeviceToHost(src.Device, src.Addr, bounce).OnComplete(func() {
		putComp := completion.New[struct{}]()
		putComp.On(completion.EventOperation, func(_ struct{}, err error) {
			e.arena.Free(addr, heap.KindRendezvous)
			comp.Fire(completion.EventSource, struct{}{}, nil)
			comp.Fire(completion.EventOperation, struct{}{}, err)
		})
		if err := e.rma.Put(dst, bounce, putComp, false); err != nil {
			e.arena.Free(addr, heap.KindRendezvous)
			comp.Fire(completion.EventOperation, struct{}{}, err)
		}
	})
	return nil
}

func encodeVal(w *wire.Writer, v int) { w.WriteUvarint(uint64(v)) }
func decodeVal(r *wire.Reader) int    { return int(r.ReadUvarint()) }

func encodeGptr(w *wire.Writer, p gptr.Ptr) {
	wire.Uint8Codec.Serialize(w, uint8(p.Kind))
	encodeVal(w, p.Rank)
	wire.Uint64Codec.Serialize(w, uint64(p.Addr))
	encodeVal(w, p.Device)
}

func decodeGptr(r *wire.Reader) gptr.Ptr {
	kind := gptr.Kind(wire.Uint8Codec.Deserialize(r))
	rank := decodeVal(r)
	addr := uintptr(wire.Uint64Codec.Deserialize(r))
	device := decodeVal(r)
	return gptr.Ptr{Kind: kind, Rank: rank, Addr: addr, Device: device}
}
