package persona

import (
	"runtime"

	"github.com/snake0/upcxx-2020.3.2-sub000/internal/queue"
)

// burstLimit bounds how many callbacks a single progress call drains from
// one queue before moving on, so one persona's backlog can't starve others
// being polled in the same pass.
const burstLimit = 64

// oversubscriptionIdleThreshold is K from spec.md §4.2: "progress yields to
// the OS after K fully-idle consecutive calls."
const oversubscriptionIdleThreshold = 16

// reentryGuard detects re-entry into Progress from inside a user callback,
// per spec.md §4.2 ("short-circuits to avoid recursion"). It is
// goroutine-scoped via the calling Scope rather than a true thread-local,
// consistent with this package's Scope-based ownership model.
type reentryGuard struct {
	depth int
}

// Progress drains p per spec.md §4.2: internal inbox always; at LevelUser,
// additionally the user inbox and the trivial-promises queue. oversub, when
// true, causes this call to yield to the OS scheduler after
// oversubscriptionIdleThreshold consecutive fully-idle calls (spec.md's
// oversubscription behavior). Returns the number of callbacks executed.
func (s *Scope) Progress(level Level, oversub bool) int {
	p := s.p
	if p.reentered() {
		return 0
	}
	p.enterProgress()
	defer p.exitProgress()

	n := runBurst(p.internalInbox, burstLimit)
	if level == LevelUser {
		n += runBurst(p.userInbox, burstLimit)
		n += runBurst(p.trivialPromises, burstLimit)
	}

	if n == 0 {
		p.idleStreak++
		if oversub && p.idleStreak >= oversubscriptionIdleThreshold {
			runtime.Gosched()
			p.idleStreak = 0
		}
	} else {
		p.idleStreak = 0
	}
	return n
}

func runBurst(q *queue.MPSCQueue, limit int) int {
	return q.Burst(limit, func(n *queue.Node) {
		cb := (*Callback)(nodePointer(n))
		cb.Run()
	})
}

// reentered/enterProgress/exitProgress implement the re-entry short-circuit
// via a plain (non-atomic) counter: valid because Progress is only ever
// called by the goroutine that currently holds this persona's Scope, so
// there is no concurrent access to guard against, only recursive calls on
// the same stack.
func (p *Persona) reentered() bool { return p.progressDepth > 0 }
func (p *Persona) enterProgress()  { p.progressDepth++ }
func (p *Persona) exitProgress()   { p.progressDepth-- }

// Discharge reports whether p's undischarged count has reached zero, per
// spec.md §4.2 ("discharge() returns when the current persona's
// undischarged count is zero"). Every enqueued callback increments the
// count when queued and decrements it once run; Discharge itself performs
// no draining, matching the scenario-F "single isolated persona" test in
// spec.md §8, where the caller drives Progress explicitly.
func (p *Persona) Discharge() bool {
	return p.undischarged.Load() == 0
}
