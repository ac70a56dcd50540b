package transport

import "context"

// reduceState accumulates one trivial all-reduce's contributions.
type reduceState struct {
	contributed int
	data        []byte
}

// bcastState holds one trivial broadcast's payload until every rank has
// observed it.
type bcastState struct {
	data    []byte
	waiting int
}

// barrier is a simple generation-counted rendezvous: every rank increments
// the count and waits on the condition variable until a full generation has
// arrived, mirroring the "direct transport call" spec.md §4.12 describes
// without needing any real network round trip.
func (c *Cluster) barrier(ctx context.Context, rank int) error {
	c.barrierMu.Lock()
	defer c.barrierMu.Unlock()
	gen := c.barrierGen
	c.barrierCount++
	if c.barrierCount == len(c.ranks) {
		c.barrierCount = 0
		c.barrierGen++
		c.barrierCond.Broadcast()
		return nil
	}
	for gen == c.barrierGen {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.barrierCond.Wait()
	}
	return nil
}

// reduceTrivial implements a fixed, deterministic reduction: it combines
// contributions element by element (elemWidth bytes each, little-endian
// unsigned integers) with the requested opcode, using the same
// applyAtomicOp arithmetic/bitwise operators the atomic path uses. This
// mirrors a transport's native reduce offload: it understands a
// closed set of primitive operators, not arbitrary user functions (those
// fall back to the non-trivial, tree-based path in the collective
// package).
func (c *Cluster) reduceTrivial(ctx context.Context, rank int, opcode int, inout []byte, elemWidth int) error {
	const id = 0 // a real transport would use a caller-supplied collective id/tag; Loopback serializes all reduces
	c.collMu.Lock()
	st, ok := c.reduce[id]
	if !ok {
		st = &reduceState{data: make([]byte, len(inout))}
		copy(st.data, inout)
		c.reduce[id] = st
	} else {
		combineTrivial(st.data, inout, opcode, elemWidth)
	}
	st.contributed++
	done := st.contributed == len(c.ranks)
	if done {
		delete(c.reduce, id)
		c.collCond.Broadcast()
	} else {
		gen := st
		for c.reduce[id] == gen {
			if ctx.Err() != nil {
				c.collMu.Unlock()
				return ctx.Err()
			}
			c.collCond.Wait()
		}
	}
	copy(inout, st.data)
	c.collMu.Unlock()
	return nil
}

func combineTrivial(acc, in []byte, opcode int, elemWidth int) {
	for off := 0; off+elemWidth <= len(acc); off += elemWidth {
		applyAtomicOp(acc[off:off+elemWidth], in[off:off+elemWidth], opcode)
	}
}

// broadcastTrivial has the root publish buf; every rank (including root)
// copies it out before the call returns, approximating a transport-level
// broadcast without a tree (the non-trivial path in the collective package
// supplies its own tree atop the RPC engine).
func (c *Cluster) broadcastTrivial(ctx context.Context, rank int, root int, buf []byte) error {
	const id = 0
	c.collMu.Lock()
	st, ok := c.bcast[id]
	if !ok {
		st = &bcastState{waiting: len(c.ranks)}
		if rank == root {
			st.data = append([]byte(nil), buf...)
		}
		c.bcast[id] = st
	}
	if rank == root && st.data == nil {
		st.data = append([]byte(nil), buf...)
	}
	st.waiting--
	if st.waiting == 0 {
		delete(c.bcast, id)
		c.collCond.Broadcast()
	} else {
		gen := st
		for c.bcast[id] == gen {
			if ctx.Err() != nil {
				c.collMu.Unlock()
				return ctx.Err()
			}
			c.collCond.Wait()
		}
	}
	if rank != root {
		copy(buf, st.data)
	}
	c.collMu.Unlock()
	return nil
}
