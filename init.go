package pgas

import (
	"errors"
	"os"

	"github.com/snake0/upcxx-2020.3.2-sub000/atomicdomain"
	"github.com/snake0/upcxx-2020.3.2-sub000/collective"
	"github.com/snake0/upcxx-2020.3.2-sub000/copyengine"
	"github.com/snake0/upcxx-2020.3.2-sub000/distobject"
	"github.com/snake0/upcxx-2020.3.2-sub000/future"
	"github.com/snake0/upcxx-2020.3.2-sub000/heap"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/snake0/upcxx-2020.3.2-sub000/rma"
	"github.com/snake0/upcxx-2020.3.2-sub000/rpc"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
	"github.com/snake0/upcxx-2020.3.2-sub000/vis"
)

// Runtime is the process-wide handle spec.md §9's "Global mutable state"
// design note calls for: the master persona and the shared-heap arena,
// plus every subsystem built on top of them for this rank. Exactly one
// Runtime is created per simulated rank; under transport.Cluster that means
// one per goroutine, all sharing this process's address space.
type Runtime struct {
	rank      int
	rankN     int
	transport transport.Transport
	logger    Logger

	arena    *heap.Arena
	registry *heap.Registry
	master   *persona.Persona
	scope    *persona.Scope

	engine *rpc.Engine
	rma    *rma.Endpoint
	vis    *vis.Endpoint
	copy   *copyengine.Endpoint
	coll   *collective.Collectives
	dobj   *distobject.Space
}

// Init wires together one rank's Runtime: parses the §6 environment
// variables, applies opts over them, and constructs the persona/heap/rpc/
// rma/vis/copyengine/collective stack in the order each depends on the
// last. A transport must be supplied via WithTransport — discovering a real
// RDMA-capable transport from the environment is explicitly out of scope
// (spec.md §1), so Init has nothing to fall back to without one.
func Init(opts ...Option) (*Runtime, error) {
	probe := &config{logger: getLogger()}
	for _, o := range opts {
		if o != nil {
			o.apply(probe)
		}
	}
	if probe.transport == nil {
		return nil, &FatalConfigError{Setting: "transport", Cause: errors.New("no transport configured; pass pgas.WithTransport")}
	}

	env, err := loadEnvConfig(len(probe.transport.LocalTeam()))
	if err != nil {
		return nil, err
	}
	cfg := resolveOptions(env, opts)
	cfg.transport = probe.transport
	if _, noOp := cfg.logger.(*noOpLogger); noOp && cfg.env.Verbose {
		cfg.logger = newDefaultLogger(os.Stderr, true)
	}

	t := cfg.transport
	rt := &Runtime{
		rank:      t.Rank(),
		rankN:     t.RankN(),
		transport: t,
		logger:    cfg.logger,
	}

	rt.arena = heap.New(cfg.env.SharedHeapSize, &heap.Footprint{})
	rt.registry = heap.NewRegistry(rt.rank, t.LocalTeam())
	rt.master = persona.New(rt.rank, true)
	rt.scope = rt.master.Activate()

	rt.engine = rpc.New(t, rt.arena, rt.registry, rt.master)
	rt.engine.InstallHandlers()

	rt.rma = rma.New(t, rt.registry, rt.engine)

	visCfg := vis.DefaultBatcherConfig
	rt.vis = vis.New(rt.rma, &visCfg)

	rt.copy = copyengine.New(rt.rank, rt.registry, rt.arena, rt.rma, rt.engine, cfg.driver)
	rt.coll = collective.New(t, rt.engine, rt.scope)
	rt.dobj = distobject.NewSpace(rt.engine, rt.scope, rt.rank, rt.rankN)

	if cfg.env.Verbose {
		rt.logger.Debugf("pgas: rank %d/%d initialized, shared heap %d bytes", rt.rank, rt.rankN, cfg.env.SharedHeapSize)
	}

	return rt, nil
}

// Finalize releases rank-local resources started by Init (the vis batcher's
// background flush goroutine) and checks quiescence: every initiated
// operation should already have had its completion observed by the time a
// caller finalizes, per spec.md §8 invariant 9. A non-empty progress drain
// is reported as a QuiescenceWarning rather than treated as fatal, since
// finalize is sometimes called opportunistically during shutdown.
func (rt *Runtime) Finalize() error {
	if cycles := future.CheckCycles(); len(cycles) != 0 {
		for _, c := range cycles {
			rt.logger.Errorf("pgas: finalize: %s", c)
		}
	}
	if n := rt.scope.Progress(persona.LevelUser, false); n != 0 {
		rt.logger.Errorf("pgas: finalize found %d outstanding callback(s) for rank %d", n, rt.rank)
		_ = rt.vis.Close()
		return &QuiescenceWarning{Outstanding: n}
	}
	return rt.vis.Close()
}

// Rank returns this Runtime's rank within the job.
func (rt *Runtime) Rank() int { return rt.rank }

// RankN returns the total number of ranks in the job.
func (rt *Runtime) RankN() int { return rt.rankN }

// Registry returns the heap.Registry backing local_to_global/global_to_local
// for this rank's shared segment.
func (rt *Runtime) Registry() *heap.Registry { return rt.registry }

// Arena returns this rank's shared-heap arena.
func (rt *Runtime) Arena() *heap.Arena { return rt.arena }

// Persona returns this rank's master persona.
func (rt *Runtime) Persona() *persona.Persona { return rt.master }

// Scope returns the Scope the master persona was activated with at Init.
func (rt *Runtime) Scope() *persona.Scope { return rt.scope }

// Engine returns this rank's RPC/AM engine.
func (rt *Runtime) Engine() *rpc.Engine { return rt.engine }

// RMA returns this rank's put/get endpoint.
func (rt *Runtime) RMA() *rma.Endpoint { return rt.rma }

// VIS returns this rank's irregular/regular/strided batched-RMA endpoint.
func (rt *Runtime) VIS() *vis.Endpoint { return rt.vis }

// CopyEngine returns this rank's cross-memory-kind copy orchestrator.
func (rt *Runtime) CopyEngine() *copyengine.Endpoint { return rt.copy }

// Collectives returns this rank's barrier/reduce/broadcast endpoint.
func (rt *Runtime) Collectives() *collective.Collectives { return rt.coll }

// DistObjects returns this rank's dist_object id-assignment and fetch
// routing endpoint (spec.md §4.4's binding<T> motivating example, glossary
// "Dist object").
func (rt *Runtime) DistObjects() *distobject.Space { return rt.dobj }

// Transport returns the transport this Runtime was initialized with.
func (rt *Runtime) Transport() transport.Transport { return rt.transport }

// Progress drains this rank's master persona at level, returning the
// number of callbacks run, per spec.md §5's explicit progress model.
func (rt *Runtime) Progress(level persona.Level) int {
	return rt.scope.Progress(level, false)
}

// NewAtomicDomain creates a T-typed atomic domain over this Runtime's
// registry and transport. It is a free function rather than a method
// because Go methods cannot introduce their own type parameters.
func NewAtomicDomain[T any](rt *Runtime, ops ...atomicdomain.Op) *atomicdomain.Domain[T] {
	return atomicdomain.New[T](rt.registry, rt.transport, ops...)
}

// NewDistObject constructs this rank's T-typed member of a new dist_object,
// per spec.md §4.4's binding<T> motivating example. Every rank must call
// NewDistObject the same number of times, in the same order, for ids to
// line up across ranks — see distobject.Create. A free function, not a
// method, for the same reason as NewAtomicDomain.
func NewDistObject[T any](rt *Runtime, val T) *distobject.DistObject[T] {
	return distobject.Create[T](rt.dobj, val)
}
