// Package command implements the wire-representable callable of spec.md
// §4.7: a serialized function-dispatch token plus argument bytes, dispatched
// at the receiver through a process-wide, init-time-populated executor
// table. Go has no stable function-pointer ABI across processes (the
// "link-time-stable table" of the original design), so ExecutorID is an
// index into a table populated at program startup by RegisterExecutor
// calls, which must run identically (same order, same ids) on every rank —
// the SPMD program's own source is what keeps the table consistent, the
// same discipline the original relies on for its link-time table.
package command

import (
	"fmt"
	"sync"

	"github.com/snake0/upcxx-2020.3.2-sub000/wire"
)

// ExecutorID indexes the process-wide executor table.
type ExecutorID uint32

// Cleanup selects what the receiver does with a Command's backing buffer
// after its Executor returns, per spec.md §4.7.
type Cleanup uint8

const (
	// CleanupFree means the receiver should free the buffer itself.
	CleanupFree Cleanup = iota
	// CleanupRendezvous means a rendezvous-protocol stage owns the
	// buffer's lifetime; the command handler must not free it.
	CleanupRendezvous
	// CleanupRestricted means this command ran in a restricted dispatch
	// context (an AM handler) and must not perform any cleanup that could
	// block or re-enter the transport.
	CleanupRestricted
)

// Executor reads a Command's argument bytes via the serialization
// framework and invokes the underlying callable, returning any result
// bytes (for commands that expect a reply).
type Executor func(args []byte) []byte

// Command is the wire-representable callable: an ExecutorID identifying
// which function to run, its serialized argument bytes, and a Cleanup
// selector telling the receiver what to do with the buffer afterward.
type Command struct {
	Executor ExecutorID
	Args     []byte
	Cleanup  Cleanup
}

var (
	tableMu sync.RWMutex
	table   []Executor
	names   []string
)

// RegisterExecutor appends fn to the process-wide executor table and
// returns its ExecutorID. Must be called at program init, in the same
// order on every rank.
func RegisterExecutor(name string, fn Executor) ExecutorID {
	tableMu.Lock()
	defer tableMu.Unlock()
	id := ExecutorID(len(table))
	table = append(table, fn)
	names = append(names, name)
	return id
}

// Dispatch runs cmd's executor against its argument bytes, returning
// whatever the executor returns.
func Dispatch(cmd Command) []byte {
	tableMu.RLock()
	fn := table[cmd.Executor]
	tableMu.RUnlock()
	return fn(cmd.Args)
}

// Name returns the registered name of an ExecutorID, for diagnostics.
func Name(id ExecutorID) string {
	tableMu.RLock()
	defer tableMu.RUnlock()
	if int(id) >= len(names) {
		return fmt.Sprintf("executor#%d", id)
	}
	return names[id]
}

// codec is the Codec[Command] used to ship a Command itself over the wire
// (the "packaged" RPC form before it reaches an executor), exposed so the
// rpc package can serialize commands without duplicating the layout.
var codec = commandCodec{}

// Codec returns the Codec[Command] for encoding/decoding a Command
// envelope (ExecutorID + length-prefixed args + cleanup byte); it does not
// touch the argument bytes' own internal structure, which only the
// identified Executor understands.
func Codec() wire.Codec[Command] { return codec }

type commandCodec struct{}

func (commandCodec) IsTriviallySerializable() bool { return false }
func (commandCodec) ReferencesBuffer() bool         { return true }
func (commandCodec) SkipIsFast() bool               { return false }

func (commandCodec) Ubound(prefix int, v Command) int {
	return 4 + 10 + len(v.Args) + 1
}

func (commandCodec) Serialize(w *wire.Writer, v Command) {
	wire.Int32Codec.Serialize(w, int32(v.Executor))
	w.WriteUvarint(uint64(len(v.Args)))
	w.WriteBytes(v.Args)
	wire.Uint8Codec.Serialize(w, uint8(v.Cleanup))
}

func (commandCodec) Deserialize(r *wire.Reader) Command {
	id := ExecutorID(wire.Int32Codec.Deserialize(r))
	n := int(r.ReadUvarint())
	args := r.Bytes(n)
	cleanup := Cleanup(wire.Uint8Codec.Deserialize(r))
	return Command{Executor: id, Args: args, Cleanup: cleanup}
}

func (commandCodec) Skip(r *wire.Reader) {
	wire.Int32Codec.Skip(r)
	n := int(r.ReadUvarint())
	r.Advance(n)
	wire.Uint8Codec.Skip(r)
}
