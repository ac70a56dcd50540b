// Package persona implements the cooperative scheduling unit of spec.md
// §4.2: a persona owns three MPSC inboxes (internal callbacks, user
// callbacks, trivial-promise fulfillments), any goroutine may feed them, and
// progress(level) drains the ones that level covers.
package persona

import (
	"sync"
	"sync/atomic"

	"github.com/snake0/upcxx-2020.3.2-sub000/internal/queue"
)

// Level selects how much work a single progress call is willing to do.
type Level int

const (
	// LevelInternal drains only infrastructure callbacks (acks, buffer
	// releases) — the minimum needed to keep the wire protocols moving.
	LevelInternal Level = iota
	// LevelUser additionally drains user-submitted callbacks (then/lpc
	// continuations) and the deferred-trivial-promise queue.
	LevelUser
)

// Callback is one queued unit of work: an lpc, a continuation body, or a
// promise fulfillment. It embeds [queue.Node] so it can be enqueued
// directly without a second allocation.
type Callback struct {
	queue.Node
	Run func()
}

// Persona is a single-threaded scheduling domain, per spec.md §4.2: all
// code running "on" a persona sees linearized access to whatever state that
// code closes over, because only one goroutine — the one currently holding
// an active [Scope] over this persona — ever drains its inboxes.
type Persona struct {
	id int

	// internalInbox and userInbox are both fed by lpc() calls from
	// goroutines that don't own this persona, so both must tolerate
	// concurrent producers (MPSC). They're kept separate so LevelInternal
	// progress never has to look at user work, per spec.md §4.2.
	internalInbox *queue.MPSCQueue
	userInbox     *queue.MPSCQueue

	// trivialPromises holds deferred-trivial-promise fulfillments (spec.md
	// §4.3's "lighter trivial-promises queue"); drained only at LevelUser.
	trivialPromises *queue.MPSCQueue

	master bool

	active atomic.Bool // CAS guard for Activate, the Open Question resolution documented in DESIGN.md

	undischarged atomic.Int64 // quiescence counter, spec.md §4.2

	mu      sync.Mutex
	workers map[int]struct{} // goroutine-opaque worker tokens registered via RegisterWorker

	idleStreak    int // consecutive fully-idle progress calls, for oversubscription yield
	progressDepth int // re-entry guard for Progress
}

// New creates a persona. master marks the process-wide master persona,
// which is the dispatch target for RPC arriving with dispatch point
// "master" (spec.md §4.8).
func New(id int, master bool) *Persona {
	return &Persona{
		id:              id,
		internalInbox:   queue.NewMPSCQueue(),
		userInbox:       queue.NewMPSCQueue(),
		trivialPromises: queue.NewMPSCQueue(),
		master:          master,
		workers:         make(map[int]struct{}),
	}
}

// ID returns this persona's process-local identifier.
func (p *Persona) ID() int { return p.id }

// IsMaster reports whether this is the process's master persona.
func (p *Persona) IsMaster() bool { return p.master }

// RegisterWorker records that worker token w may poll this persona's
// inboxes via progress, even though it doesn't hold this persona's Scope as
// its topmost activation. This is how spec.md §5's "threads may register as
// workers for personas they don't own" is implemented: §4.2 only says
// progress "iterates all personas active on the calling thread", so a
// thread that wants to help drain a persona it doesn't own must opt in
// explicitly, since Go has no ambient notion of "personas active on this
// goroutine" beyond the Scope stack.
func (p *Persona) RegisterWorker(token int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[token] = struct{}{}
}

// UnregisterWorker undoes RegisterWorker.
func (p *Persona) UnregisterWorker(token int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, token)
}

func (p *Persona) isWorker(token int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.workers[token]
	return ok
}

// hasWorkers reports whether any worker token is currently registered.
func (p *Persona) hasWorkers() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers) != 0
}

// EnqueueRemote submits fn onto target's internal (userLevel false) or user
// (userLevel true) inbox, always queuing — never running inline. This is the
// entry point for code that delivers work onto a persona from a goroutine
// holding no [Scope] over it at all, e.g. the rpc package's inbound
// active-message handlers, which run on whatever goroutine is currently
// inside transport.Transport.Poll rather than on target's owning thread.
func EnqueueRemote(target *Persona, userLevel bool, fn func()) {
	if userLevel {
		target.enqueueUser(fn)
		return
	}
	target.enqueueInternal(fn)
}

// enqueueInternal submits fn onto the internal inbox, to run when this
// persona's owner next calls progress (any level).
func (p *Persona) enqueueInternal(fn func()) {
	p.undischarged.Add(1)
	cb := &Callback{Run: p.wrapDischarge(fn)}
	p.internalInbox.Push(&cb.Node)
}

// enqueueUser submits fn onto the user inbox, to run only at LevelUser.
func (p *Persona) enqueueUser(fn func()) {
	p.undischarged.Add(1)
	cb := &Callback{Run: p.wrapDischarge(fn)}
	p.userInbox.Push(&cb.Node)
}

// EnqueueTrivialPromise submits fn onto the trivial-promises queue (spec.md
// §4.3): a fulfillment whose promise is already both zero-counter and
// trivially destructible once run.
func (p *Persona) EnqueueTrivialPromise(fn func()) {
	p.undischarged.Add(1)
	cb := &Callback{Run: p.wrapDischarge(fn)}
	p.trivialPromises.Push(&cb.Node)
}

// wrapDischarge decrements the undischarged counter after fn runs, so
// Discharge/Finalize quiescence checks (spec.md §4.2) see every enqueued
// callback drained, not just dequeued.
func (p *Persona) wrapDischarge(fn func()) func() {
	return func() {
		defer p.undischarged.Add(-1)
		fn()
	}
}
