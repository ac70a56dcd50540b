package rpc

import (
	"github.com/snake0/upcxx-2020.3.2-sub000/command"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
	"github.com/snake0/upcxx-2020.3.2-sub000/wire"
)

// Broadcast delivers cmd to every rank's master persona, fanning out over a
// binary tree rooted at this rank rather than issuing rankN-1 point-to-point
// sends, the non-trivial-broadcast path of spec.md §4.12 ("tree-based" as
// opposed to the transport-offloaded trivial case transport.BroadcastTrivial
// already covers for fixed-width buffers). Each recipient re-forwards to up
// to two children before running cmd locally, halving the remaining fanout
// at every hop.
func (e *Engine) Broadcast(cmd command.Command) error {
	err := e.broadcastTo(e.rank, cmd)
	persona.EnqueueRemote(e.master, false, func() { command.Dispatch(cmd) })
	return err
}

// broadcastTo forwards cmd to the calling rank's children in the tree
// rooted at root. It does not dispatch cmd here; Broadcast and
// handleBroadcast do that after calling it.
func (e *Engine) broadcastTo(root int, cmd command.Command) error {
	body := encodeBroadcastEnvelope(root, cmd)
	for _, child := range e.treeChildren(root) {
		if err := e.t.SendEager(child, transport.HandlerBcastMasterEager, body); err != nil {
			return err
		}
	}
	return nil
}

// treeChildren returns the (at most two) ranks the calling rank forwards a
// broadcast rooted at root to, per a binary tree numbered by offset from
// root modulo rankN.
func (e *Engine) treeChildren(root int) []int {
	offset := (e.rank - root + e.rankN) % e.rankN
	var children []int
	for _, c := range [2]int{offset*2 + 1, offset*2 + 2} {
		if c < e.rankN {
			children = append(children, (root+c)%e.rankN)
		}
	}
	return children
}

func encodeBroadcastEnvelope(root int, cmd command.Command) []byte {
	w := wire.NewUnboundedWriter()
	wire.Int32Codec.Serialize(w, int32(root))
	command.Codec().Serialize(w, cmd)
	return w.Bytes()
}

func decodeBroadcastEnvelope(buf []byte) (root int, cmd command.Command) {
	r := wire.NewReader(buf)
	root = int(wire.Int32Codec.Deserialize(r))
	cmd = command.Codec().Deserialize(r)
	return
}

// handleBroadcast is HandlerBcastMasterEager's handler: continue forwarding
// down the tree, then run cmd on the master persona here.
func (e *Engine) handleBroadcast(_ int, args []byte, _ []byte) {
	root, cmd := decodeBroadcastEnvelope(args)
	if err := e.broadcastTo(root, cmd); err != nil {
		// A mid-tree send failure only breaks the subtree behind this rank;
		// this rank's own copy still runs so its persona state stays
		// consistent with every other rank that did receive it.
		_ = err
	}
	persona.EnqueueRemote(e.master, false, func() { command.Dispatch(cmd) })
}
