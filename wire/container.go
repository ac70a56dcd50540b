package wire

// SliceCodec builds a Codec[[]T] from an element Codec[T], per spec.md
// §4.5's container rule: "length followed by elements". Trivially
// serializable elements are laid out contiguously so the reader could
// equally hand back a zero-copy View (see view.go); this codec always
// materializes an owned slice, for callers that need to keep the result
// past the wire buffer's lifetime.
func SliceCodec[T any](elem Codec[T]) Codec[[]T] {
	return sliceCodec[T]{elem: elem}
}

type sliceCodec[T any] struct{ elem Codec[T] }

func (c sliceCodec[T]) IsTriviallySerializable() bool { return false }
func (c sliceCodec[T]) ReferencesBuffer() bool         { return false }
func (c sliceCodec[T]) SkipIsFast() bool               { return c.elem.IsTriviallySerializable() }

func (c sliceCodec[T]) Ubound(prefix int, value []T) int {
	n := 10 // generous uvarint bound
	for _, v := range value {
		n += c.elem.Ubound(prefix+n, v)
	}
	return n
}

func (c sliceCodec[T]) Serialize(w *Writer, value []T) {
	w.WriteUvarint(uint64(len(value)))
	for _, v := range value {
		c.elem.Serialize(w, v)
	}
}

func (c sliceCodec[T]) Deserialize(r *Reader) []T {
	n := int(r.ReadUvarint())
	out := make([]T, n)
	for i := range out {
		out[i] = c.elem.Deserialize(r)
	}
	return out
}

func (c sliceCodec[T]) Skip(r *Reader) {
	n := int(r.ReadUvarint())
	for i := 0; i < n; i++ {
		c.elem.Skip(r)
	}
}

// MapCodec builds a Codec[map[K]V] serializing as an element sequence, per
// spec.md §4.5 ("Maps and sets serialize as element sequences plus the
// hasher/comparator" — the hasher/comparator is Go's built-in map equality,
// so only the sequence needs encoding here).
func MapCodec[K comparable, V any](key Codec[K], val Codec[V]) Codec[map[K]V] {
	return mapCodec[K, V]{key: key, val: val}
}

type mapCodec[K comparable, V any] struct {
	key Codec[K]
	val Codec[V]
}

func (c mapCodec[K, V]) IsTriviallySerializable() bool { return false }
func (c mapCodec[K, V]) ReferencesBuffer() bool         { return false }
func (c mapCodec[K, V]) SkipIsFast() bool               { return false }

func (c mapCodec[K, V]) Ubound(prefix int, value map[K]V) int {
	n := 10
	for k, v := range value {
		n += c.key.Ubound(prefix+n, k)
		n += c.val.Ubound(prefix+n, v)
	}
	return n
}

func (c mapCodec[K, V]) Serialize(w *Writer, value map[K]V) {
	w.WriteUvarint(uint64(len(value)))
	for k, v := range value {
		c.key.Serialize(w, k)
		c.val.Serialize(w, v)
	}
}

func (c mapCodec[K, V]) Deserialize(r *Reader) map[K]V {
	n := int(r.ReadUvarint())
	out := make(map[K]V, n)
	for i := 0; i < n; i++ {
		k := c.key.Deserialize(r)
		v := c.val.Deserialize(r)
		out[k] = v
	}
	return out
}

func (c mapCodec[K, V]) Skip(r *Reader) {
	n := int(r.ReadUvarint())
	for i := 0; i < n; i++ {
		c.key.Skip(r)
		c.val.Skip(r)
	}
}
