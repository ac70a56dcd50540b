// Package transport defines the boundary between this runtime and the
// underlying network library that actually moves bytes: reliable active
// messages and RDMA. Per spec.md §1 the real transport ("the underlying
// network library that provides reliable messaging, RDMA, and
// active-message delivery") is explicitly out of scope and treated as an
// external collaborator; this package names the interface such a
// collaborator must satisfy, plus Loopback, an in-process implementation
// used by tests and the cmd/pgasrun demo driver.
package transport

import "context"

// HandlerID identifies one of the reserved active-message handler slots.
// spec.md §6 reserves eight, assigned in a fixed order.
type HandlerID int

const (
	HandlerEagerRestricted HandlerID = iota
	HandlerEagerMaster
	HandlerEagerPersona
	HandlerBcastMasterEager
	HandlerLongPackedCmd
	HandlerLongPayloadPart
	HandlerLongCmdPart
	HandlerReplyCB
	// NumReservedHandlers is the count of handler slots the runtime itself
	// reserves at the top of the transport's AM namespace; user handlers
	// (none are defined by this spec) would start above this index.
	NumReservedHandlers
)

// AMHandler processes one inbound active message. args is the fixed-size
// argument payload carried inline in the AM; payload is any bulk data
// delivered alongside it (long-with-payload form), or nil otherwise.
// Handlers registered as restricted must not block or call back into the
// transport.
type AMHandler func(from int, args []byte, payload []byte)

// RDMAHandle is returned by an RDMA operation, resolved when the operation's
// local buffer may be reused (src completion) — it does not imply the
// remote side has observed the write.
type RDMAHandle interface {
	// Done reports whether the operation has completed locally.
	Done() bool
	// OnComplete registers fn to run (on an unspecified goroutine) when the
	// operation completes locally. If already complete, fn runs inline.
	OnComplete(fn func())
}

// Transport is the set of operations this runtime needs from the underlying
// network library: active-message send, RDMA put/get, atomics, and a small
// set of trivial collectives it can offload rather than implement itself
// (spec.md §4.12 — "trivial ones offloaded to transport").
type Transport interface {
	// Rank returns this process's rank within the job.
	Rank() int
	// RankN returns the total number of ranks in the job.
	RankN() int
	// LocalTeam returns the ranks (including Rank()) that share this host,
	// used to pick the near-rank fast path (spec.md §4.9).
	LocalTeam() []int

	// RegisterHandler installs fn at the given reserved slot. Must be
	// called for all [NumReservedHandlers] slots before Start.
	RegisterHandler(id HandlerID, fn AMHandler)
	// Start begins delivering active messages; handlers may now be invoked
	// from Poll.
	Start(ctx context.Context) error
	// Poll drains any currently-available inbound active messages,
	// invoking their handlers synchronously on the calling goroutine, and
	// returns the number handled. This is the single entry point into the
	// transport that spec.md §5 requires progress to call.
	Poll() int

	// SendEager sends args (which must fit within MaxEagerSize) to the
	// given handler slot on rank dst.
	SendEager(dst int, id HandlerID, args []byte) error
	// SendLongWithPayload sends args plus a bulk payload to rank dst,
	// landing payload via RDMA put before args is delivered to the
	// handler, per spec.md §4.8's long-with-payload protocol.
	SendLongWithPayload(dst int, id HandlerID, args []byte, payload []byte) error

	// MaxEagerSize returns the medium-AM landing zone size this transport
	// was tuned for (256/512/1024 per spec.md §4.8).
	MaxEagerSize() int

	// Put copies n bytes from local src to rank dst's address dstAddr.
	Put(dst int, dstAddr uintptr, src []byte) RDMAHandle
	// Get copies n bytes from rank src's address srcAddr into local dst.
	Get(src int, srcAddr uintptr, dst []byte) RDMAHandle

	// AtomicOp issues a single atomic memory operation against rank dst's
	// address addr. opcode and operand encoding are owned by the
	// atomicdomain package; this layer only moves the bytes.
	AtomicOp(dst int, addr uintptr, opcode int, operand []byte, fetch []byte) RDMAHandle

	// Barrier blocks (internally progressing, per spec.md §4.12) until
	// every rank has called Barrier.
	Barrier(ctx context.Context) error
	// ReduceTrivial performs a transport-offloaded reduction of a
	// trivially-serializable, fixed-width element across all ranks, for a
	// recognized arithmetic/bitwise op (identified by opcode), writing the
	// all-reduced result into inout.
	ReduceTrivial(ctx context.Context, opcode int, inout []byte, elemWidth int) error
	// BroadcastTrivial broadcasts buf from root to every rank.
	BroadcastTrivial(ctx context.Context, root int, buf []byte) error
}
