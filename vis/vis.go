// Package vis implements the batched non-contiguous RMA forms of spec.md
// §4.10: irregular (paired variable-length extents), regular (fixed stride
// and count), and strided (N-dimensional). Each form queues one job per
// element onto a [microbatch](github.com/joeycumines/go-microbatch)
// Batcher, whose processor issues one [rma.Endpoint] call per job: batching
// groups the issue calls into flushes, and each element still costs its own
// transport operation.
package vis

import (
	"context"
	"fmt"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"
	"github.com/snake0/upcxx-2020.3.2-sub000/completion"
	"github.com/snake0/upcxx-2020.3.2-sub000/gptr"
	"github.com/snake0/upcxx-2020.3.2-sub000/rma"
)

// BatcherConfig is the coalescing knob set for an [Endpoint], a direct
// alias of [microbatch.BatcherConfig] since VIS needs nothing beyond what
// the example pack's own batching library already exposes.
type BatcherConfig = microbatch.BatcherConfig

// DefaultBatcherConfig flushes on a short timer (see flushInterval) so a
// lone extent never waits long for batchmates, while still coalescing any
// extents genuinely submitted together.
var DefaultBatcherConfig = BatcherConfig{MaxSize: 64, FlushInterval: flushInterval, MaxConcurrency: 4}

// Extent is one (pointer, length) pair of spec.md §4.10's irregular form.
type Extent struct {
	Ptr gptr.Ptr
	Len int
}

// Endpoint issues VIS operations atop an [rma.Endpoint]. Each element of a
// VIS call becomes its own scalar put or get, not one batched transport
// operation, so the events of the call's completion.Set fire once per
// element.
type Endpoint struct {
	rma     *rma.Endpoint
	batcher *microbatch.Batcher[*visJob]
}

// New builds a VIS Endpoint atop rma. cfg configures the coalescing
// microbatch.Batcher; a nil cfg uses [DefaultBatcherConfig].
func New(r *rma.Endpoint, cfg *BatcherConfig) *Endpoint {
	if cfg == nil {
		c := DefaultBatcherConfig
		cfg = &c
	}
	e := &Endpoint{rma: r}
	e.batcher = microbatch.NewBatcher(cfg, e.runBatch)
	return e
}

// Close releases the Endpoint's Batcher, flushing any queued jobs first.
func (e *Endpoint) Close() error { return e.batcher.Close() }

// submit enqueues job onto the shared Batcher, surfacing a failed
// enqueue (e.g. the Batcher was already closed) through the job's own
// completion.Set rather than the call stack, since VIS issue calls return
// before any individual extent's outcome is known.
func (e *Endpoint) submit(job *visJob) {
	if _, err := e.batcher.Submit(context.Background(), job); err != nil {
		job.comp.Fire(completion.EventOperation, struct{}{}, err)
	}
}

// visJob is one element of a single irregular/regular/strided call, queued
// onto the shared Batcher so concurrent VIS calls against the same Endpoint
// share flush cycles.
type visJob struct {
	src, dst []byte
	dstPtr   gptr.Ptr // destination of a Put; unused when isGet is set
	isGet    bool
	comp     *completion.Set[struct{}]
	srcPtr   gptr.Ptr // used for Get
}

// runBatch is the Batcher's processor: it just forwards each queued job to
// the scalar rma.Endpoint, one RMA issue per job — batching here buys
// scheduling locality (many extents flushed in one pass of the caller's
// event loop) rather than collapsing them into a single transport call,
// since transport.Transport (spec.md §1's external collaborator) exposes no
// scatter-gather primitive of its own in this harness.
func (e *Endpoint) runBatch(_ context.Context, jobs []*visJob) error {
	for _, j := range jobs {
		if j.isGet {
			if err := e.rma.Get(j.dst, j.srcPtr, j.comp); err != nil {
				j.comp.Fire(completion.EventOperation, struct{}{}, err)
			}
			continue
		}
		if err := e.rma.Put(j.dstPtr, j.src, j.comp, j.comp.HasAction(completion.EventRemote)); err != nil {
			j.comp.Fire(completion.EventOperation, struct{}{}, err)
		}
	}
	return nil
}

// PutIrregular implements spec.md §4.10's irregular form: src and dst are
// parallel ranges of (pointer, length) extents. All dst pointers must share
// a rank (the spec's "all pointers must have identical rank" check); src
// extents are local byte slices matched by index.
func (e *Endpoint) PutIrregular(srcs [][]byte, dsts []Extent, comp *completion.Set[struct{}]) error {
	if len(srcs) != len(dsts) {
		return fmt.Errorf("vis: PutIrregular: %d src extents, %d dst extents", len(srcs), len(dsts))
	}
	if len(dsts) == 0 {
		return nil
	}
	rank := dsts[0].Ptr.Rank
	for i, d := range dsts {
		if d.Ptr.Rank != rank {
			return fmt.Errorf("vis: PutIrregular: dst[%d] rank %d != dst[0] rank %d", i, d.Ptr.Rank, rank)
		}
		if len(srcs[i]) != d.Len {
			return fmt.Errorf("vis: PutIrregular: src[%d] len %d != dst[%d].Len %d", i, len(srcs[i]), i, d.Len)
		}
	}
	for i := range dsts {
		e.submit(&visJob{src: srcs[i], dstPtr: dsts[i].Ptr, comp: comp})
	}
	return nil
}

// GetIrregular is the Get-direction counterpart: dsts are local byte slices,
// srcs are global-pointer extents, all sharing a rank.
func (e *Endpoint) GetIrregular(dsts [][]byte, srcs []Extent, comp *completion.Set[struct{}]) error {
	if len(dsts) != len(srcs) {
		return fmt.Errorf("vis: GetIrregular: %d dst extents, %d src extents", len(dsts), len(srcs))
	}
	if len(srcs) == 0 {
		return nil
	}
	rank := srcs[0].Ptr.Rank
	for i, s := range srcs {
		if s.Ptr.Rank != rank {
			return fmt.Errorf("vis: GetIrregular: src[%d] rank %d != src[0] rank %d", i, s.Ptr.Rank, rank)
		}
		if len(dsts[i]) != s.Len {
			return fmt.Errorf("vis: GetIrregular: dst[%d] len %d != src[%d].Len %d", i, len(dsts[i]), i, s.Len)
		}
	}
	for i := range srcs {
		e.submit(&visJob{dst: dsts[i], srcPtr: srcs[i].Ptr, isGet: true, comp: comp})
	}
	return nil
}

// PutRegular implements spec.md §4.10's regular form: count elements of
// elemSize bytes, read from srcBase+i*srcStride, written to
// dstBase+i*dstStride. Total bytes moved must match on both sides, which
// holds automatically here since a single elemSize/count pair drives both
// ranges.
func (e *Endpoint) PutRegular(srcBase []byte, srcStride int, dstBase gptr.Ptr, dstStride int, elemSize, count int, comp *completion.Set[struct{}]) error {
	if count < 0 || elemSize < 0 {
		return fmt.Errorf("vis: PutRegular: negative count/elemSize")
	}
	if len(srcBase) < srcStride*(count-1)+elemSize && count > 0 {
		return fmt.Errorf("vis: PutRegular: srcBase too short for %d elements of stride %d", count, srcStride)
	}
	for i := 0; i < count; i++ {
		off := i * srcStride
		e.submit(&visJob{
			src:    srcBase[off : off+elemSize],
			dstPtr: dstBase.Add(int64(i * dstStride)),
			comp:   comp,
		})
	}
	return nil
}

// GetRegular is the Get-direction counterpart of PutRegular.
func (e *Endpoint) GetRegular(dstBase []byte, dstStride int, srcBase gptr.Ptr, srcStride int, elemSize, count int, comp *completion.Set[struct{}]) error {
	if count < 0 || elemSize < 0 {
		return fmt.Errorf("vis: GetRegular: negative count/elemSize")
	}
	if len(dstBase) < dstStride*(count-1)+elemSize && count > 0 {
		return fmt.Errorf("vis: GetRegular: dstBase too short for %d elements of stride %d", count, dstStride)
	}
	for i := 0; i < count; i++ {
		off := i * dstStride
		e.submit(&visJob{
			dst:    dstBase[off : off+elemSize],
			srcPtr: srcBase.Add(int64(i * srcStride)),
			isGet:  true,
			comp:   comp,
		})
	}
	return nil
}

// PutStrided implements spec.md §4.10's N-dimensional strided form: two
// base pointers, two per-dimension stride arrays, one shared extents array
// (element counts per dimension). elemSize is the leaf element width.
// len(srcStrides) == len(dstStrides) == len(extents) is required.
func (e *Endpoint) PutStrided(srcBase []byte, srcStrides []int, dstBase gptr.Ptr, dstStrides []int, extents []int, elemSize int, comp *completion.Set[struct{}]) error {
	if len(srcStrides) != len(extents) || len(dstStrides) != len(extents) {
		return fmt.Errorf("vis: PutStrided: stride/extent dimension mismatch")
	}
	total := 1
	for _, n := range extents {
		total *= n
	}
	idx := make([]int, len(extents))
	for done := 0; done < total; done++ {
		srcOff, dstOff := 0, int64(0)
		for d := range extents {
			srcOff += idx[d] * srcStrides[d]
			dstOff += int64(idx[d] * dstStrides[d])
		}
		e.submit(&visJob{
			src:    srcBase[srcOff : srcOff+elemSize],
			dstPtr: dstBase.Add(dstOff),
			comp:   comp,
		})
		incrementIndex(idx, extents)
	}
	return nil
}

// GetStrided is the Get-direction counterpart of PutStrided.
func (e *Endpoint) GetStrided(dstBase []byte, dstStrides []int, srcBase gptr.Ptr, srcStrides []int, extents []int, elemSize int, comp *completion.Set[struct{}]) error {
	if len(srcStrides) != len(extents) || len(dstStrides) != len(extents) {
		return fmt.Errorf("vis: GetStrided: stride/extent dimension mismatch")
	}
	total := 1
	for _, n := range extents {
		total *= n
	}
	idx := make([]int, len(extents))
	for done := 0; done < total; done++ {
		srcOff, dstOff := int64(0), 0
		for d := range extents {
			srcOff += int64(idx[d] * srcStrides[d])
			dstOff += idx[d] * dstStrides[d]
		}
		e.submit(&visJob{
			dst:    dstBase[dstOff : dstOff+elemSize],
			srcPtr: srcBase.Add(srcOff),
			isGet:  true,
			comp:   comp,
		})
		incrementIndex(idx, extents)
	}
	return nil
}

// incrementIndex advances idx as an odometer bounded by extents, innermost
// dimension (index 0) fastest — e.g. for the classic 5x2 transpose of
// spec.md §8 scenario E, dimension 0 is the fast-varying column index.
func incrementIndex(idx, extents []int) {
	for d := 0; d < len(idx); d++ {
		idx[d]++
		if idx[d] < extents[d] {
			return
		}
		idx[d] = 0
	}
}

// flushInterval is the Batcher's default time-based flush trigger, chosen
// short enough that a single-extent VIS call (the common case in the §8
// scenario E transpose test) never waits long for a partner to arrive.
const flushInterval = 200 * time.Microsecond
