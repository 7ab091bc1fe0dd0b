package tcp

import "strconv"

// Value is a 32 bit sequence number as defined in RFC 793 §3.3. Sequence space
// arithmetic wraps modulo 2**32; comparisons must use LessThan/LessThanEq/InWindow
// instead of the naive operators, which only give correct results for differences
// that do not straddle the wraparound point.
type Value uint32

// Size is a count of octets in sequence space, such as a window size or segment length.
type Size uint32

// Add returns the sequence number that results from advancing v by sz octets.
func Add(v Value, sz Size) Value {
	return v + Value(sz)
}

// Sizeof returns the number of octets between start (inclusive) and end (exclusive)
// in sequence space, i.e. end-start performed with wraparound-correct arithmetic.
func Sizeof(start, end Value) Size {
	return Size(end - start)
}

// LessThan reports whether v precedes u in sequence space, per RFC 793's
// definition: SEQ1 < SEQ2 if (int32)(SEQ1-SEQ2) < 0.
func (v Value) LessThan(u Value) bool {
	return int32(v-u) < 0
}

// LessThanEq reports whether v precedes or equals u in sequence space.
func (v Value) LessThanEq(u Value) bool {
	return v == u || v.LessThan(u)
}

// InWindow reports whether v falls within the half-open window [start, start+size)
// in sequence space, per RFC 793's definition of an acceptable segment:
//
//	start <= v < start+size
func (v Value) InWindow(start Value, size Size) bool {
	if size == 0 {
		return v == start
	}
	offset := Size(v - start)
	return offset < size
}

// UpdateForward advances v by size octets, mutating it in place. Used to move
// snd.NXT/rcv.NXT forward by a segment's length after it has been processed.
func (v *Value) UpdateForward(size Size) {
	*v = Add(*v, size)
}

func (v Value) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

func (sz Size) String() string {
	return strconv.FormatUint(uint64(sz), 10)
}
