// Command pgasrun is a launcher-less local demo: it runs a small multi-rank
// job inside one OS process, over transport.Loopback, exercising neighbor
// exchange, an atomic ring, a batched VIS put, a cross-memory-kind copy,
// and a future composition, end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"
	"unsafe"

	pgas "github.com/snake0/upcxx-2020.3.2-sub000"
	"github.com/snake0/upcxx-2020.3.2-sub000/atomicdomain"
	"github.com/snake0/upcxx-2020.3.2-sub000/collective"
	"github.com/snake0/upcxx-2020.3.2-sub000/completion"
	"github.com/snake0/upcxx-2020.3.2-sub000/copyengine"
	"github.com/snake0/upcxx-2020.3.2-sub000/future"
	"github.com/snake0/upcxx-2020.3.2-sub000/gptr"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
)

func main() {
	ranks := flag.Int("ranks", 4, "number of simulated ranks")
	fibN := flag.Int("fib", 12, "fib(n) to compute via future composition")
	flag.Parse()

	fmt.Printf("fib(%d) = %d\n", *fibN, runFib(*fibN))

	if err := runCluster(*ranks); err != nil {
		log.Fatal(err)
	}
}

// runFib demonstrates future composition in a single persona, with no
// transport involved: fib(n) = (fib(n-1), fib(n-2)) joined by when_all and
// summed in a continuation, per spec.md §8 scenario B.
func runFib(n int) int {
	master := persona.New(0, true)
	scope := master.Activate()
	defer scope.Release()

	var fib func(n int) future.Future[int]
	fib = func(n int) future.Future[int] {
		if n < 2 {
			return future.Ready(n)
		}
		joined := future.WhenAll(fib(n-1), fib(n-2))
		return future.Then(joined, scope, master, func(vs []int) (int, error) {
			return vs[0] + vs[1], nil
		})
	}

	f := fib(n)
	return future.Wait(f, func() { scope.Progress(persona.LevelUser, false) })
}

// arenaInfo is what each rank publishes about its shared segment so every
// other rank can register it with its own heap.Registry — the discovery
// step a real job's launcher would otherwise perform out of band.
type arenaInfo struct {
	base uintptr
	size uintptr
}

// rankResult is what each simulated rank reports back to main after
// finishing its share of the demo.
type rankResult struct {
	rank        int
	neighborBuf []int64
	ringTotal   int64
	visBuf      []int64
	deviceEcho  []byte
	err         error
}

// runCluster builds an n-rank transport.Cluster and drives each rank's
// Runtime concurrently: one goroutine per rank, matching persona affinity
// (every operation a rank issues must run on the goroutine that activated
// its master persona).
func runCluster(n int) error {
	ctx := context.Background()
	cluster := transport.NewCluster(n)
	transports := cluster.Transports()

	arenas := make([]arenaInfo, n)
	var arenasWG sync.WaitGroup
	arenasWG.Add(n)

	var wg sync.WaitGroup
	results := make([]rankResult, n)
	wg.Add(n)
	for i, tp := range transports {
		go func(i int, tp transport.Transport) {
			defer wg.Done()
			results[i] = runRank(ctx, tp, n, arenas, &arenasWG)
		}(i, tp)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return fmt.Errorf("rank %d: %w", r.rank, r.err)
		}
	}
	for _, r := range results {
		fmt.Printf("rank %d: neighbor=%v ring=%d vis=%v device=%q\n",
			r.rank, r.neighborBuf, r.ringTotal, r.visBuf, r.deviceEcho)
	}
	return nil
}

func runRank(ctx context.Context, tp transport.Transport, n int, arenas []arenaInfo, arenasWG *sync.WaitGroup) rankResult {
	rank := tp.Rank()
	res := rankResult{rank: rank}

	driver := copyengine.NewFakeDriver()
	driver.AddDevice(0, 64)

	rt, err := pgas.Init(pgas.WithTransport(tp), pgas.WithSharedHeapSize(1<<20), pgas.WithDriver(driver))
	if err != nil {
		res.err = err
		return res
	}
	defer func() {
		if ferr := rt.Finalize(); ferr != nil && res.err == nil {
			res.err = ferr
		}
	}()

	if err := tp.Start(ctx); err != nil {
		res.err = err
		return res
	}

	arenas[rank] = arenaInfo{base: rt.Arena().Base(), size: rt.Arena().Size()}
	arenasWG.Done()
	arenasWG.Wait()
	for r, info := range arenas {
		rt.Registry().Register(r, info.base, info.size)
	}

	buf, err := neighborExchange(ctx, rt, n)
	if err != nil {
		res.err = err
		return res
	}
	res.neighborBuf = buf

	ring, err := atomicRing(ctx, rt, n)
	if err != nil {
		res.err = err
		return res
	}
	res.ringTotal = ring

	visBuf, err := visPutDemo(ctx, rt, n)
	if err != nil {
		res.err = err
		return res
	}
	res.visBuf = visBuf

	echo, err := copyDemo(rt, driver)
	if err != nil {
		res.err = err
		return res
	}
	res.deviceEcho = echo

	return res
}

func unsafeInt64Slice(addr uintptr, n int) []int64 {
	return unsafe.Slice((*int64)(unsafe.Pointer(addr)), n)
}

func encodeInt64(v int64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&v)), 8)
}

// pump drains rt's engine and master persona until cond is satisfied,
// mirroring the package tests' own pumpUntil harness.
func pump(rt *pgas.Runtime, cond func() bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		rt.Engine().Poll()
		rt.Progress(persona.LevelUser)
		if time.Now().After(deadline) {
			return fmt.Errorf("rank %d: timed out waiting for completion", rt.Rank())
		}
	}
	return nil
}

// neighborExchange is spec.md §8 scenario A, simplified: every rank holds an
// n-slot int64 buffer; rank r writes its own rank into slot r of every
// peer's buffer via rput, then all ranks barrier; afterward every rank's
// buffer holds buf[i] == i.
func neighborExchange(ctx context.Context, rt *pgas.Runtime, n int) ([]int64, error) {
	addr, ok := rt.Arena().AllocUser(uintptr(n)*8, 8)
	if !ok {
		return nil, fmt.Errorf("rank %d: failed to allocate neighbor buffer", rt.Rank())
	}
	buf := unsafeInt64Slice(addr, n)
	for i := range buf {
		buf[i] = -1
	}
	mine, ok := rt.Registry().LocalToGlobal(addr)
	if !ok {
		return nil, fmt.Errorf("rank %d: failed to globalize neighbor buffer", rt.Rank())
	}

	ptrs := make([]gptr.Ptr, n)
	for r := 0; r < n; r++ {
		var send gptr.Ptr
		if r == rt.Rank() {
			send = mine
		}
		v, err := collective.BroadcastTrivial[gptr.Ptr](ctx, rt.Transport(), r, send)
		if err != nil {
			return nil, err
		}
		ptrs[r] = v
	}

	var fired int
	for r := 0; r < n; r++ {
		if r == rt.Rank() {
			buf[rt.Rank()] = int64(rt.Rank())
			continue
		}
		comp := completion.New[struct{}]()
		comp.On(completion.EventOperation, func(_ struct{}, err error) {
			if err != nil {
				return
			}
			fired++
		})
		dst := ptrs[r].Add(int64(rt.Rank()) * 8)
		if err := rt.RMA().Put(dst, encodeInt64(int64(rt.Rank())), comp, false); err != nil {
			return nil, err
		}
	}
	want := n - 1
	if err := pump(rt, func() bool { return fired == want }, 5*time.Second); err != nil {
		return nil, err
	}

	if err := collective.Barrier(ctx, rt.Transport()); err != nil {
		return nil, err
	}
	return append([]int64(nil), buf...), nil
}

// atomicRing is spec.md §8 scenario D: rank 0 allocates one global int64,
// every rank fetch_adds it ten times, and after a barrier the counter
// equals 10 * rank_n().
func atomicRing(ctx context.Context, rt *pgas.Runtime, n int) (int64, error) {
	const root = 0
	var addr uintptr
	if rt.Rank() == root {
		var ok bool
		addr, ok = rt.Arena().AllocUser(8, 8)
		if !ok {
			return 0, fmt.Errorf("rank %d: failed to allocate ring counter", rt.Rank())
		}
		unsafeInt64Slice(addr, 1)[0] = 0
	}
	var mine gptr.Ptr
	if rt.Rank() == root {
		var ok bool
		mine, ok = rt.Registry().LocalToGlobal(addr)
		if !ok {
			return 0, fmt.Errorf("rank %d: failed to globalize ring counter", rt.Rank())
		}
	}
	counter, err := collective.BroadcastTrivial[gptr.Ptr](ctx, rt.Transport(), root, mine)
	if err != nil {
		return 0, err
	}

	domain := pgas.NewAtomicDomain[int64](rt, atomicdomain.OpAdd)
	var fired int
	for i := 0; i < 10; i++ {
		comp := completion.New[int64]()
		comp.On(completion.EventOperation, func(_ int64, err error) {
			if err != nil {
				return
			}
			fired++
		})
		if err := domain.Op(counter, atomicdomain.OpAdd, 1, false, comp); err != nil {
			return 0, err
		}
	}
	if err := pump(rt, func() bool { return fired == 10 }, 5*time.Second); err != nil {
		return 0, err
	}

	if err := collective.Barrier(ctx, rt.Transport()); err != nil {
		return 0, err
	}

	resolved, ok := rt.Registry().ResolveRMA(counter)
	if !ok {
		return 0, fmt.Errorf("rank %d: failed to resolve ring counter", rt.Rank())
	}
	return unsafeInt64Slice(resolved, 1)[0], nil
}

// visPutDemo is a small instance of spec.md §4.10's regular VIS form: rank 0
// pushes 4 elements into rank 1's buffer in a single batched call. Skipped
// when there are fewer than two ranks.
func visPutDemo(ctx context.Context, rt *pgas.Runtime, n int) ([]int64, error) {
	if n < 2 {
		return nil, nil
	}
	const owner = 1
	const sender = 0
	const count = 4

	var addr uintptr
	if rt.Rank() == owner {
		var ok bool
		addr, ok = rt.Arena().AllocUser(count*8, 8)
		if !ok {
			return nil, fmt.Errorf("rank %d: failed to allocate vis buffer", rt.Rank())
		}
		buf := unsafeInt64Slice(addr, count)
		for i := range buf {
			buf[i] = -1
		}
	}
	var mine gptr.Ptr
	if rt.Rank() == owner {
		var ok bool
		mine, ok = rt.Registry().LocalToGlobal(addr)
		if !ok {
			return nil, fmt.Errorf("rank %d: failed to globalize vis buffer", rt.Rank())
		}
	}
	dst, err := collective.BroadcastTrivial[gptr.Ptr](ctx, rt.Transport(), owner, mine)
	if err != nil {
		return nil, err
	}

	if rt.Rank() == sender {
		src := make([]byte, count*8)
		for i := 0; i < count; i++ {
			copy(src[i*8:], encodeInt64(int64(100+i)))
		}
		var fired int
		comp := completion.New[struct{}]()
		comp.On(completion.EventOperation, func(_ struct{}, err error) {
			if err != nil {
				return
			}
			fired++
		})
		if err := rt.VIS().PutRegular(src, 8, dst, 8, 8, count, comp); err != nil {
			return nil, err
		}
		if err := pump(rt, func() bool { return fired == count }, 5*time.Second); err != nil {
			return nil, err
		}
	}

	if err := collective.Barrier(ctx, rt.Transport()); err != nil {
		return nil, err
	}

	resolved, ok := rt.Registry().ResolveRMA(dst)
	if !ok {
		return nil, fmt.Errorf("rank %d: failed to resolve vis buffer", rt.Rank())
	}
	return append([]int64(nil), unsafeInt64Slice(resolved, count)...), nil
}

// copyDemo exercises copyengine.Endpoint's same-rank, cross-kind path: host
// bytes land on this rank's FakeDriver device, then come back, round-
// tripping through both directions of Endpoint.Copy.
func copyDemo(rt *pgas.Runtime, driver *copyengine.FakeDriver) ([]byte, error) {
	addr, ok := rt.Arena().AllocUser(16, 8)
	if !ok {
		return nil, fmt.Errorf("rank %d: failed to allocate copy source", rt.Rank())
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 16)
	copy(src, fmt.Sprintf("rank-%d---------", rt.Rank())[:16])

	srcPtr, ok := rt.Registry().LocalToGlobal(addr)
	if !ok {
		return nil, fmt.Errorf("rank %d: failed to globalize copy source", rt.Rank())
	}
	devPtr := gptr.Ptr{Kind: gptr.KindDevice, Rank: rt.Rank(), Addr: 0, Device: 0}

	var fired int
	toDev := completion.New[struct{}]()
	toDev.On(completion.EventOperation, func(_ struct{}, err error) {
		if err != nil {
			return
		}
		fired++
	})
	if err := rt.CopyEngine().Copy(devPtr, srcPtr, 16, toDev); err != nil {
		return nil, err
	}
	if err := pump(rt, func() bool { return fired == 1 }, 5*time.Second); err != nil {
		return nil, err
	}

	back, ok := rt.Arena().AllocUser(16, 8)
	if !ok {
		return nil, fmt.Errorf("rank %d: failed to allocate copy destination", rt.Rank())
	}
	backPtr, ok := rt.Registry().LocalToGlobal(back)
	if !ok {
		return nil, fmt.Errorf("rank %d: failed to globalize copy destination", rt.Rank())
	}
	fromDev := completion.New[struct{}]()
	fromDev.On(completion.EventOperation, func(_ struct{}, err error) {
		if err != nil {
			return
		}
		fired++
	})
	if err := rt.CopyEngine().Copy(backPtr, devPtr, 16, fromDev); err != nil {
		return nil, err
	}
	if err := pump(rt, func() bool { return fired == 2 }, 5*time.Second); err != nil {
		return nil, err
	}
	_ = driver
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(back)), 16)...), nil
}
