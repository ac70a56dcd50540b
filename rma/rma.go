// Package rma implements global-pointer put/get, spec.md §4.9: a put's wire
// protocol and synchronization level are chosen from the completion events
// the caller actually requested, and a near-rank fast path bypasses the
// transport entirely when the target is a local-team host.
package rma

import (
	"fmt"

	"github.com/snake0/upcxx-2020.3.2-sub000/command"
	"github.com/snake0/upcxx-2020.3.2-sub000/completion"
	"github.com/snake0/upcxx-2020.3.2-sub000/gptr"
	"github.com/snake0/upcxx-2020.3.2-sub000/heap"
	"github.com/snake0/upcxx-2020.3.2-sub000/rpc"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
)

// Endpoint bundles the pieces a put/get needs beyond the raw transport:
// address resolution and the RPC engine that carries remote-completion
// notifications and near-rank dispatch.
type Endpoint struct {
	t        transport.Transport
	registry *heap.Registry
	engine   *rpc.Engine
	local    map[int]bool
}

// New builds an Endpoint for the calling rank.
func New(t transport.Transport, registry *heap.Registry, engine *rpc.Engine) *Endpoint {
	local := make(map[int]bool)
	for _, r := range t.LocalTeam() {
		local[r] = true
	}
	return &Endpoint{t: t, registry: registry, engine: engine, local: local}
}

// remoteCompleteExecutor is the trivial command run on the destination rank
// for a far put that requested remote completion: it does nothing itself —
// the rpc package's reply-completion machinery is what notifies the
// initiator — but DispatchRestricted still needs a registered executor to
// point at, since a Command always names one.
var remoteCompleteExecutor = command.RegisterExecutor("rma-remote-complete", func(args []byte) []byte {
	return nil
})

// Put copies src (a local byte slice) to dst, a global pointer on some rank.
// want selects which completion events comp is expected to fire:
// wantRemote requests the remote-completion notification described by
// spec.md §4.9's put table (implemented as a reply for far puts; on the
// near-rank fast path it fires as soon as the copy completes).
func (e *Endpoint) Put(dst gptr.Ptr, src []byte, comp *completion.Set[struct{}], wantRemote bool) error {
	if dst.Kind != gptr.KindHost {
		return fmt.Errorf("rma: Put only supports host-kind global pointers, got %s", dst.Kind)
	}

	if e.local[dst.Rank] {
		return e.putNear(dst, src, comp, wantRemote)
	}
	return e.putFar(dst, src, comp, wantRemote)
}

// putNear implements the near-rank fast path (spec.md §4.9): a direct
// memcpy via heap.Registry.ResolveRMA, with remote completion (if
// requested) fired directly when the copy completes, with no AM and no
// round trip, since both ranks already share this process's address space
// under the Loopback harness — or, on a real deployment, because the
// segment genuinely is host-shared-memory reachable without the NIC.
func (e *Endpoint) putNear(dst gptr.Ptr, src []byte, comp *completion.Set[struct{}], wantRemote bool) error {
	addr, ok := e.registry.ResolveRMA(dst)
	if !ok {
		return fmt.Errorf("rma: failed to resolve near-rank address for %s", dst)
	}
	handle := e.t.Put(dst.Rank, addr, src)
	handle.OnComplete(func() {
		comp.Fire(completion.EventSource, struct{}{}, nil)
		comp.Fire(completion.EventOperation, struct{}{}, nil)
		if wantRemote {
			// already landed synchronously; remote completion is
			// indistinguishable from operation completion on the fast path.
			comp.Fire(completion.EventRemote, struct{}{}, nil)
		}
	})
	return nil
}

// putFar implements the plain rows via a direct transport.Put, and the
// "operation + remote" and "remote only" rows via a transport.Put followed
// by a restricted-dispatch notification (rpc.Engine.SendNotify) whose reply
// fires operation and remote completion.
func (e *Endpoint) putFar(dst gptr.Ptr, src []byte, comp *completion.Set[struct{}], wantRemote bool) error {
	if !wantRemote {
		addr, ok := e.registry.ResolveRMA(dst)
		if !ok {
			return fmt.Errorf("rma: failed to resolve address for %s", dst)
		}
		handle := e.t.Put(dst.Rank, addr, src)
		handle.OnComplete(func() {
			comp.Fire(completion.EventSource, struct{}{}, nil)
			comp.Fire(completion.EventOperation, struct{}{}, nil)
		})
		return nil
	}

	addr, ok := e.registry.ResolveRMA(dst)
	if !ok {
		return fmt.Errorf("rma: failed to resolve address for %s", dst)
	}
	handle := e.t.Put(dst.Rank, addr, src)
	// src completion: the local buffer may be reused once the RDMA handle
	// resolves, whether or not remote completion has fired yet.
	handle.OnComplete(func() { comp.Fire(completion.EventSource, struct{}{}, nil) })
	handle.OnComplete(func() {
		err := e.engine.SendNotify(dst.Rank, rpc.DispatchRestricted, 0, 0, command.Command{
			Executor: remoteCompleteExecutor,
			Cleanup:  command.CleanupRestricted,
		}, func() {
			comp.Fire(completion.EventOperation, struct{}{}, nil)
			comp.Fire(completion.EventRemote, struct{}{}, nil)
		})
		if err != nil {
			comp.Fire(completion.EventOperation, struct{}{}, err)
			comp.Fire(completion.EventRemote, struct{}{}, err)
		}
	})
	return nil
}

// Get copies n bytes from src (a global pointer) into local dst. Remote
// completion is meaningless for get (spec.md §4.9), so only source/op
// completion are ever fired.
func (e *Endpoint) Get(dst []byte, src gptr.Ptr, comp *completion.Set[struct{}]) error {
	if src.Kind != gptr.KindHost {
		return fmt.Errorf("rma: Get only supports host-kind global pointers, got %s", src.Kind)
	}
	addr, ok := e.registry.ResolveRMA(src)
	if !ok {
		return fmt.Errorf("rma: failed to resolve address for %s", src)
	}
	handle := e.t.Get(src.Rank, addr, dst)
	handle.OnComplete(func() {
		comp.Fire(completion.EventSource, struct{}{}, nil)
		comp.Fire(completion.EventOperation, struct{}{}, nil)
	})
	return nil
}
