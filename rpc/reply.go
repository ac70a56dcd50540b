package rpc

import (
	"sync/atomic"

	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
	"github.com/snake0/upcxx-2020.3.2-sub000/wire"
)

// replyTokenCounter hands out process-wide unique reply tokens; a plain
// atomic counter rather than per-Engine state, since token 0 is reserved as
// "no reply requested" and every Engine in a process must agree a token
// never collides across ranks sending to each other (tokens are only ever
// looked up against the Engine that minted them, via the from rank, but a
// shared counter keeps the invariant simple to state).
var replyTokenCounter atomic.Uint64

// registerReplyCallback mints a token for a reply-completion request and
// registers fn to run when handleReplyCB later sees it come back,
// fulfilling the event-remote leg of spec.md §4.9's completion table for
// operations issued through this package. Exported (within the package) as
// the primitive both the blocking newReplyToken and callers that want an
// async completion callback (e.g. the rma package) build on.
func (e *Engine) registerReplyCallback(fn func()) uint64 {
	token := replyTokenCounter.Add(1)
	e.replyMu.Lock()
	e.replies[token] = fn
	e.replyMu.Unlock()
	return token
}

// newReplyToken mints a reply token whose callback closes a channel,
// returning a function that blocks until the reply arrives.
func (e *Engine) newReplyToken() (token uint64, wait func()) {
	done := make(chan struct{})
	token = e.registerReplyCallback(func() { close(done) })
	return token, func() { <-done }
}

// sendReply fires the reply-completion AM back to the originating rank,
// once the dispatched command has actually run there (see
// dispatchLocalThen), per spec.md §3's "remote" completion event.
func (e *Engine) sendReply(to int, token uint64) {
	w := wire.NewBoundedWriter(8)
	wire.Uint64Codec.Serialize(w, token)
	// reply-completion callbacks are themselves trivial and must not block,
	// so they travel restricted-dispatch and a send failure here (the peer
	// having already gone away) is not actionable by the replying rank.
	_ = e.t.SendEager(to, transport.HandlerReplyCB, w.Bytes())
}

// handleReplyCB is the receive side of sendReply: look up the token's
// registered callback and fire it, removing it from the table.
func (e *Engine) handleReplyCB(_ int, args []byte, _ []byte) {
	r := wire.NewReader(args)
	token := wire.Uint64Codec.Deserialize(r)
	e.replyMu.Lock()
	fn, ok := e.replies[token]
	if ok {
		delete(e.replies, token)
	}
	e.replyMu.Unlock()
	if ok {
		fn()
	}
}
