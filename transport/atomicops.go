package transport

import "encoding/binary"

// Opcode enumerates the atomic operations a transport's NIC (or, here, the
// Loopback reference implementation) is asked to perform. atomicdomain
// restricts which of these are usable on a given domain and type; this
// layer just executes them against little-endian integer bytes.
type Opcode int

const (
	OpLoad Opcode = iota
	OpStore
	OpCompareExchange
	OpAdd
	OpSub
	OpMul
	OpMin
	OpMax
	OpInc
	OpDec
	OpAnd
	OpOr
	OpXor
)

// applyAtomicOp performs opcode against the little-endian integer stored in
// p (in place), using operand as the right-hand side where applicable.
// CompareExchange takes its "expected" value as the first half of operand
// and "desired" as the second half.
func applyAtomicOp(p []byte, operand []byte, opcode int) {
	switch Opcode(opcode) {
	case OpLoad:
		// no mutation; fetch already captured by the caller
	case OpStore:
		copy(p, operand)
	case OpCompareExchange:
		half := len(operand) / 2
		expected, desired := operand[:half], operand[half:]
		if bytesEqual(p, expected) {
			copy(p, desired)
		}
	case OpAdd:
		writeUint(p, readUint(p)+readUint(operand))
	case OpSub:
		writeUint(p, readUint(p)-readUint(operand))
	case OpMul:
		writeUint(p, readUint(p)*readUint(operand))
	case OpMin:
		if a, b := readUint(p), readUint(operand); b < a {
			writeUint(p, b)
		}
	case OpMax:
		if a, b := readUint(p), readUint(operand); b > a {
			writeUint(p, b)
		}
	case OpInc:
		writeUint(p, readUint(p)+1)
	case OpDec:
		writeUint(p, readUint(p)-1)
	case OpAnd:
		for i := range p {
			p[i] &= operand[i]
		}
	case OpOr:
		for i := range p {
			p[i] |= operand[i]
		}
	case OpXor:
		for i := range p {
			p[i] ^= operand[i]
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// readUint and writeUint treat p as a little-endian unsigned integer of its
// own width (1/2/4/8 bytes), which covers every integral atomicdomain type.
func readUint(p []byte) uint64 {
	switch len(p) {
	case 1:
		return uint64(p[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(p))
	case 4:
		return uint64(binary.LittleEndian.Uint32(p))
	case 8:
		return binary.LittleEndian.Uint64(p)
	default:
		return 0
	}
}

func writeUint(p []byte, v uint64) {
	switch len(p) {
	case 1:
		p[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(p, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(p, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(p, v)
	}
}
