package atomicdomain

import "unsafe"

// encodeT reinterprets v's bytes directly, the same trivially-serializable
// fast path wire.Codec uses for fixed-width types (spec.md §4.5):
// atomicdomain only ever instantiates over integral/float types, all of
// which are safe to bit-copy this way.
func encodeT[T any](v T) []byte {
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(&v)), int(unsafe.Sizeof(v)))...)
}

// decodeT reinterprets buf's bytes back into a T.
func decodeT[T any](buf []byte) T {
	var v T
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), int(unsafe.Sizeof(v))), buf)
	return v
}
