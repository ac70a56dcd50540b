// Package rpc implements the RPC/active-message send engine of spec.md
// §4.8: eager-medium and long-with-payload wire protocols,
// restricted/master/persona dispatch points, a broadcast tree, and
// reply-completion — all issued over a transport.Transport. There is no
// rendezvous protocol: a command whose encoding exceeds the eager cutover
// travels long-with-payload.
package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/snake0/upcxx-2020.3.2-sub000/command"
	"github.com/snake0/upcxx-2020.3.2-sub000/heap"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
	"github.com/snake0/upcxx-2020.3.2-sub000/wire"
)

// DispatchPoint selects where an inbound command is delivered, per spec.md
// §4.8: "restricted", "master", or an explicit "persona(P*)".
type DispatchPoint uint8

const (
	// DispatchRestricted executes the command inline in the AM handler. The
	// callable must be trivial and must not suspend — used by internal
	// infrastructure (acks, buffer-release callbacks).
	DispatchRestricted DispatchPoint = iota
	// DispatchMaster enqueues onto the master persona's inbox.
	DispatchMaster
	// DispatchPersona enqueues onto an explicit, registered persona.
	DispatchPersona
)

// ErrBackpressure is returned by Send/SendNotify when the long-with-payload
// admission limiter has refused a new initiation (spec.md §5's
// backpressure). Since nothing in this package may block the calling
// goroutine outside wait()/barrier() (§5), admission refusal surfaces as an
// error instead of a spin-block; callers retry after a progress call, which
// is the same backpressure effect without violating the no-suspend rule.
var ErrBackpressure = fmt.Errorf("rpc: admission limiter refused initiation, retry after progress")

// Engine ties a transport.Transport to the command/persona/heap layers,
// implementing spec.md §4.8's three wire protocols and their dispatch.
type Engine struct {
	rank  int
	rankN int
	t     transport.Transport

	arena    *heap.Arena
	registry *heap.Registry
	master   *persona.Persona

	mu       sync.RWMutex
	personas map[int]*persona.Persona

	// rendezvousCutover is the runtime-tuned threshold of spec.md §4.8:
	// payloads at or below it travel eager; above it, long-with-payload.
	rendezvousCutover int

	// longAdmit gates long-with-payload initiation the way catrate gates any
	// other bursty resource in this runtime (SPEC_FULL.md §1): a rank that
	// starts more long sends to one destination within a rate window than
	// the window allows gets [ErrBackpressure] instead of unbounded in-flight
	// RDMA stages.
	longAdmit *catrate.Limiter

	replyMu sync.Mutex
	replies map[uint64]func()
}

// New constructs an Engine for this rank. arena and registry are stored on
// the Engine; no send or dispatch path in this package reads them. master is
// the process's master persona, the dispatch target for DispatchMaster
// deliveries.
func New(t transport.Transport, arena *heap.Arena, registry *heap.Registry, master *persona.Persona) *Engine {
	cutover := t.MaxEagerSize()
	e := &Engine{
		rank:              t.Rank(),
		rankN:             t.RankN(),
		t:                 t,
		arena:             arena,
		registry:          registry,
		master:            master,
		personas:          make(map[int]*persona.Persona),
		rendezvousCutover: cutover,
		replies:           make(map[uint64]func()),
	}
	e.longAdmit = catrate.NewLimiter(map[time.Duration]int{
		10 * time.Millisecond: 64,
		time.Second:           4096,
	})
	e.RegisterPersona(master)
	return e
}

// RegisterPersona makes p a valid DispatchPersona target, addressable by
// p.ID() in inbound command envelopes — the Go stand-in for spec.md §4.8's
// "P* may be encoded with its low bit set to indicate 'dereference this
// pointer to a persona in the target's memory'": Go has no portable
// cross-process pointer, so personas are addressed by process-local
// integer id instead, resolved through this registry on the receiving rank.
func (e *Engine) RegisterPersona(p *persona.Persona) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.personas[p.ID()] = p
}

func (e *Engine) personaByID(id int) (*persona.Persona, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.personas[id]
	return p, ok
}

// InstallHandlers registers every one of the 8 reserved handler slots of
// spec.md §6 on the underlying transport. Must be called once, before
// transport.Transport.Start.
func (e *Engine) InstallHandlers() {
	e.t.RegisterHandler(transport.HandlerEagerRestricted, e.handleEager(DispatchRestricted))
	e.t.RegisterHandler(transport.HandlerEagerMaster, e.handleEager(DispatchMaster))
	e.t.RegisterHandler(transport.HandlerEagerPersona, e.handleEager(DispatchPersona))
	e.t.RegisterHandler(transport.HandlerBcastMasterEager, e.handleBroadcast)
	e.t.RegisterHandler(transport.HandlerLongPackedCmd, e.handleLongPacked)
	e.t.RegisterHandler(transport.HandlerLongPayloadPart, e.handleLongPayloadPart)
	e.t.RegisterHandler(transport.HandlerLongCmdPart, e.handleLongCmdPart)
	e.t.RegisterHandler(transport.HandlerReplyCB, e.handleReplyCB)
}

// Poll drains any currently-available inbound active messages, invoking
// their handlers (which in turn may enqueue callbacks onto persona inboxes,
// per dispatch point). This is the "polls the transport once" step of
// spec.md §4.2's progress(level) that the persona package itself cannot
// perform, since persona deliberately has no transport dependency; the root
// runtime package calls Engine.Poll immediately before persona.Scope.Progress.
func (e *Engine) Poll() int {
	return e.t.Poll()
}

func encodeCommand(cmd command.Command) []byte {
	w := wire.NewUnboundedWriter()
	command.Codec().Serialize(w, cmd)
	return w.Bytes()
}

func decodeCommand(buf []byte) command.Command {
	r := wire.NewReader(buf)
	return command.Codec().Deserialize(r)
}

func levelByte(level persona.Level) byte {
	if level == persona.LevelUser {
		return 1
	}
	return 0
}

func byteLevel(b byte) persona.Level {
	if b == 1 {
		return persona.LevelUser
	}
	return persona.LevelInternal
}

// dispatchLocal runs cmd according to point, on this rank.
func (e *Engine) dispatchLocal(point DispatchPoint, level persona.Level, personaID int, cmd command.Command) {
	switch point {
	case DispatchRestricted:
		command.Dispatch(cmd)
	case DispatchMaster:
		persona.EnqueueRemote(e.master, level == persona.LevelUser, func() { command.Dispatch(cmd) })
	case DispatchPersona:
		p, ok := e.personaByID(personaID)
		if !ok {
			// spec.md §4.8: "dereference this pointer to a persona in the
			// target's memory" assumes the id is always valid on arrival;
			// an unknown id here is a wiring bug in the caller, not a
			// recoverable runtime condition.
			panic(fmt.Sprintf("rpc: inbound command for unregistered persona id %d", personaID))
		}
		persona.EnqueueRemote(p, level == persona.LevelUser, func() { command.Dispatch(cmd) })
	}
}
