package tcp

import "sort"

// recvQueue buffers TCP segments that arrive out of sequence order but within the
// receive window, so [ControlBlock] -- which as documented only accepts the next
// expected sequence number -- can be fed segments strictly in order once the gap before
// them closes. This is the piece [ControlBlock]'s own doc comment defers to "the caller"
// for: [Handler] (handler.go) owns one recvQueue per connection and drains it in
// drainReassembled.
//
// Segments are stored as copies of their payload bytes keyed by starting sequence
// number, not as retained network buffers, so the queue's memory footprint is bounded by
// the advertised receive window rather than by frame count.
type recvQueue struct {
	segs []pendingSeg
	fin  bool    // true if a FIN has been observed; finSeq is the sequence number of the FIN.
	finSeq Value
}

type pendingSeg struct {
	seq  Value
	data []byte
}

func (s pendingSeg) end() Value { return Add(s.seq, Size(len(s.data))) }

// Reset empties the queue, releasing references to buffered data.
func (q *recvQueue) Reset() {
	q.segs = q.segs[:0]
	q.fin = false
	q.finSeq = 0
}

// Insert buffers a copy of a segment's payload for later reassembly. A segment wholly
// contained in an already-buffered one is discarded; a partial overlap is stored as is and
// its duplicate octets are skipped by [recvQueue.Drain]. A zero-length payload is ignored;
// a FIN is recorded separately by [recvQueue.MarkFIN], which nothing in the package calls.
func (q *recvQueue) Insert(seq Value, data []byte) {
	if len(data) == 0 {
		return
	}
	end := Add(seq, Size(len(data)))
	for _, s := range q.segs {
		if s.seq.LessThanEq(seq) && end.LessThanEq(s.end()) {
			return // Fully contained in an already-buffered segment.
		}
	}
	buf := append([]byte(nil), data...)
	q.segs = append(q.segs, pendingSeg{seq: seq, data: buf})
	sort.Slice(q.segs, func(i, j int) bool { return q.segs[i].seq.LessThan(q.segs[j].seq) })
}

// MarkFIN records that the remote sent FIN at sequence number seq (the sequence number
// consumed by the FIN itself, i.e. one past the last data octet).
func (q *recvQueue) MarkFIN(seq Value) {
	q.fin = true
	q.finSeq = seq
}

// ContiguousSeq returns the sequence number reached by walking the buffered segments in
// order starting from "from", extending through any segment whose start lies at or
// before the current reassembly point and whose end lies beyond it, and stopping at the
// first gap. This is the exact helper SPEC_FULL.md's reassembly section names:
// candidate starts at from and is extended while seq <= candidate < seq+len holds for the
// next segment in sequence order.
func (q *recvQueue) ContiguousSeq(from Value) Value {
	candidate := from
	for _, s := range q.segs {
		switch {
		case s.end().LessThanEq(candidate):
			continue // Entirely covered already; skip.
		case s.seq.LessThanEq(candidate):
			candidate = s.end() // Extends (or overlaps) the contiguous run.
		default:
			return candidate // Gap: s.seq > candidate, stop extending.
		}
	}
	return candidate
}

// Drain removes and returns the contiguous run of bytes starting at "from" up to (not
// including) upTo, writing them into dst in sequence order. It is the caller's
// responsibility to have computed upTo via ContiguousSeq first. Returns the number of
// bytes written, which may be less than upTo-from if dst is too small -- in that case the
// remaining bytes stay buffered for a subsequent Drain call.
func (q *recvQueue) Drain(dst []byte, from, upTo Value) int {
	want := int(Sizeof(from, upTo))
	if want > len(dst) {
		want = len(dst)
	}
	n := 0
	cur := from
	keep := q.segs[:0]
	for _, s := range q.segs {
		if n >= want || s.end().LessThanEq(cur) {
			if !s.end().LessThanEq(cur) {
				keep = append(keep, s) // Not yet reached; keep buffered.
			}
			continue
		}
		// Skip any bytes in s already consumed by cur.
		skip := int(Sizeof(s.seq, cur))
		data := s.data
		if skip > 0 {
			data = data[skip:]
		}
		copyN := len(data)
		if n+copyN > want {
			copyN = want - n
		}
		copy(dst[n:], data[:copyN])
		n += copyN
		cur = Add(cur, Size(copyN))
		if copyN < len(data) {
			// Partially drained: keep remainder for the next call.
			keep = append(keep, pendingSeg{seq: cur, data: append([]byte(nil), data[copyN:]...)})
		}
	}
	q.segs = keep
	return n
}

// Buffered returns the total number of bytes currently held, contiguous or not.
func (q *recvQueue) Buffered() int {
	n := 0
	for _, s := range q.segs {
		n += len(s.data)
	}
	return n
}
