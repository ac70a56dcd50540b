package persona

import (
	"fmt"
	"runtime"
)

// Scope represents one goroutine's exclusive activation of a Persona. Go
// provides no goroutine-local storage, so ownership cannot be checked by
// comparing thread identity the way the original design does; instead a
// Scope is the API boundary that stands in for "this goroutine currently
// has this persona active" — see DESIGN.md for the Open Question
// resolution this represents.
type Scope struct {
	p *Persona
}

// Activate marks p active for the calling goroutine, returning a Scope that
// must be released exactly once. It panics if p is already active (the CAS
// guard substituting for true thread-identity introspection): nested
// activation of the same persona on two goroutines concurrently is a bug
// class spec.md §7 treats as an assertion failure.
//
// If any worker goroutines are registered via RegisterWorker, Activate
// blocks until they have all called UnregisterWorker, per spec.md §9's
// "persona stealing" design note: the owner, on reacquiring the persona,
// refuses to proceed while a worker might still be mid-callback on it.
func (p *Persona) Activate() *Scope {
	if !p.active.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("persona: persona %d activated twice concurrently", p.id))
	}
	for p.hasWorkers() {
		runtime.Gosched()
	}
	return &Scope{p: p}
}

// Release ends this Scope's activation, making the persona available for
// activation by another goroutine.
func (s *Scope) Release() {
	if !s.p.active.CompareAndSwap(true, false) {
		panic(fmt.Sprintf("persona: persona %d released while not active", s.p.id))
	}
}

// Persona returns the persona this scope activated.
func (s *Scope) Persona() *Persona { return s.p }

// LPC ("local procedure call") submits fn to run on target's owning thread,
// per spec.md §4.2: if the calling scope s already activates target, and
// burstable allows it, fn runs inline on the calling stack (guarded by the
// "burstable" flag on the current progress level); otherwise fn is enqueued
// on target's internal inbox for its owner's next progress call.
func (s *Scope) LPC(target *Persona, burstable bool, fn func()) {
	if burstable && s.p == target {
		fn()
		return
	}
	target.enqueueInternal(fn)
}

// LPCUser is LPC's user-level counterpart: queued work only runs at
// progress(LevelUser), never LevelInternal.
func (s *Scope) LPCUser(target *Persona, burstable bool, fn func()) {
	if burstable && s.p == target {
		fn()
		return
	}
	target.enqueueUser(fn)
}
