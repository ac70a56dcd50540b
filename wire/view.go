package wire

import "unsafe"

// FixedWidth is implemented by codecs whose trivially-serializable wire
// form always occupies the same number of bytes — every trivialCodec[T]
// does. View uses it to reinterpret a contiguous wire run directly as
// []T without a copy.
type FixedWidth interface {
	Width() int
}

func (c trivialCodec[T]) Width() int { return c.width }

// View is a non-owning range over a sequence, per spec.md §4.6: "two
// iterators plus a length" generalized here to whichever of the two
// backing forms applies. For trivially-serializable T, View addresses
// directly into the wire buffer (valid only for the lifetime of the
// owning callback); for non-trivial T, View lazily deserializes each
// element on access via a DeserializingIterator.
type View[T any] struct {
	// zeroCopy holds the reinterpreted slice when the element codec is
	// trivially serializable and fixed-width; nil otherwise.
	zeroCopy []T
	// lazy holds the reader-backed iterator state for non-trivial T.
	lazy *DeserializingIterator[T]
}

// DeserializingIterator lazily deserializes elements of a non-trivial
// sequence one at a time, per spec.md §4.6.
type DeserializingIterator[T any] struct {
	r     *Reader
	codec Codec[T]
	n     int
	i     int
}

func (it *DeserializingIterator[T]) Len() int { return it.n }

// Next returns the next element and advances, or ok=false once exhausted.
func (it *DeserializingIterator[T]) Next() (T, bool) {
	var zero T
	if it.i >= it.n {
		return zero, false
	}
	it.i++
	return it.codec.Deserialize(it.r), true
}

// DeserializeView reads a sequence written by SliceCodec's wire form (a
// uvarint length followed by elements) as a View rather than a fully
// materialized []T: trivially-serializable, fixed-width elements get a
// zero-copy slice straight over the wire bytes; everything else gets a
// DeserializingIterator.
func DeserializeView[T any](r *Reader, codec Codec[T]) View[T] {
	n := int(r.ReadUvarint())
	if fw, ok := codec.(FixedWidth); ok && codec.IsTriviallySerializable() {
		width := fw.Width()
		raw := r.take(n * width)
		return View[T]{zeroCopy: reinterpretSlice[T](raw, n)}
	}
	return View[T]{lazy: &DeserializingIterator[T]{r: r, codec: codec, n: n}}
}

// reinterpretSlice reinterprets raw's backing bytes as a []T of length n,
// the zero-copy path spec.md §4.6 describes for trivially-serializable
// element views. raw must hold exactly n contiguous, correctly aligned
// encodings of T.
func reinterpretSlice[T any](raw []byte, n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), n)
}

// Len reports the view's element count, valid for either backing form.
func (v View[T]) Len() int {
	if v.lazy != nil {
		return v.lazy.n
	}
	return len(v.zeroCopy)
}

// ZeroCopy reports whether this view addresses directly into the wire
// buffer (true) or must deserialize lazily (false).
func (v View[T]) ZeroCopy() bool { return v.lazy == nil }

// Slice returns the zero-copy backing slice. Valid only if ZeroCopy()
// is true.
func (v View[T]) Slice() []T {
	if v.lazy != nil {
		panic("wire: Slice called on a lazily-deserializing View")
	}
	return v.zeroCopy
}

// Iterator returns the lazy backing iterator. Valid only if ZeroCopy() is
// false.
func (v View[T]) Iterator() *DeserializingIterator[T] {
	if v.lazy == nil {
		panic("wire: Iterator called on a zero-copy View")
	}
	return v.lazy
}

// Materialize copies out every element of v into an owned []T, regardless
// of which backing form it uses.
func (v View[T]) Materialize() []T {
	if v.lazy == nil {
		out := make([]T, len(v.zeroCopy))
		copy(out, v.zeroCopy)
		return out
	}
	out := make([]T, 0, v.lazy.n)
	for {
		e, ok := v.lazy.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}
