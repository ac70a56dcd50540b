// Package wire implements the serialization framework of spec.md §4.5 and
// §4.6: a type-directed writer/reader protocol with a trivially-copyable
// fast path, plus zero-copy and lazily-deserializing views over sequences.
package wire

import (
	"encoding/binary"
	"math"
)

// Codec is the serialization<T> trait of spec.md §4.5. Implementations are
// plain values passed where needed: the primitive codecs below, the
// SliceCodec/MapCodec builders, or a caller's own type; there is no registry.
type Codec[T any] interface {
	// IsTriviallySerializable reports whether T may be bit-copied: its
	// wire form is simply its in-memory bytes.
	IsTriviallySerializable() bool
	// ReferencesBuffer reports whether a deserialized T borrows bytes from
	// the wire buffer rather than owning its own copy.
	ReferencesBuffer() bool
	// SkipIsFast reports whether a serialized T's byte length can be read
	// without materializing the value (Skip can avoid a full Deserialize).
	SkipIsFast() bool
	// Ubound returns an upper bound on the serialized size of value,
	// given the bytes already written to the buffer so far (prefix),
	// for buffers the writer can size up front.
	Ubound(prefix int, value T) int
	// Serialize writes value's wire form to w.
	Serialize(w *Writer, value T)
	// Deserialize reads one T from r.
	Deserialize(r *Reader) T
	// Skip advances r past one encoded T without building a value.
	Skip(r *Reader)
}

// trivialCodec implements Codec[T] for any fixed-width T using
// encoding/binary's little-endian primitive accessors, reached through the
// read/write closure pair each instance carries. This is the "trivially-copyable
// fast path" spec.md §4.5 describes: no per-field logic, just a memcpy-
// shaped read/write of a fixed number of bytes.
type trivialCodec[T any] struct {
	width int
	read  func([]byte) T
	write func([]byte, T)
}

func (c trivialCodec[T]) IsTriviallySerializable() bool { return true }
func (c trivialCodec[T]) ReferencesBuffer() bool         { return false }
func (c trivialCodec[T]) SkipIsFast() bool               { return true }
func (c trivialCodec[T]) Ubound(prefix int, _ T) int     { return c.width }

func (c trivialCodec[T]) Serialize(w *Writer, v T) {
	buf := w.reserve(c.width)
	c.write(buf, v)
}

func (c trivialCodec[T]) Deserialize(r *Reader) T {
	return c.read(r.take(c.width))
}

func (c trivialCodec[T]) Skip(r *Reader) {
	r.advance(c.width)
}

// Uint8Codec, Uint32Codec etc. are the primitive trivially-serializable
// codecs the container and view codecs below are built from.
var (
	Uint8Codec = trivialCodec[uint8]{
		width: 1,
		read:  func(b []byte) uint8 { return b[0] },
		write: func(b []byte, v uint8) { b[0] = v },
	}
	Int32Codec = trivialCodec[int32]{
		width: 4,
		read:  func(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) },
		write: func(b []byte, v int32) { binary.LittleEndian.PutUint32(b, uint32(v)) },
	}
	Int64Codec = trivialCodec[int64]{
		width: 8,
		read:  func(b []byte) int64 { return int64(binary.LittleEndian.Uint64(b)) },
		write: func(b []byte, v int64) { binary.LittleEndian.PutUint64(b, uint64(v)) },
	}
	Uint64Codec = trivialCodec[uint64]{
		width: 8,
		read:  func(b []byte) uint64 { return binary.LittleEndian.Uint64(b) },
		write: func(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) },
	}
	Float64Codec = trivialCodec[float64]{
		width: 8,
		read:  func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) },
		write: func(b []byte, v float64) { binary.LittleEndian.PutUint64(b, math.Float64bits(v)) },
	}
)
