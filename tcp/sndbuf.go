package tcp

import "errors"

var (
	errSndBufFull    = errors.New("tcp: send buffer full")
	errSndBufNoRange = errors.New("tcp: requested range not buffered")
)

// sndChunk is one fixed-ordered piece of outgoing data, identified by the sequence
// number of its first octet. Chunks are appended in strictly increasing sequence order
// by Write and only ever freed whole, from the front, by ConsumeTo -- a chunk that is
// only partially acknowledged stays allocated in full until it is entirely covered.
type sndChunk struct {
	seq  Value
	data []byte
}

func (c sndChunk) end() Value { return Add(c.seq, Size(len(c.data))) }

// sndBuf is a sequence-number-indexed send buffer: bytes handed to Write are retained,
// addressable by sequence number, until ConsumeTo confirms the remote has acknowledged
// them, so the exact bytes of an unacknowledged segment can be re-read for resending.
// No other code in the package uses it: [Handler] keeps its transmit data in a ringTx
// and retransmits through [ControlBlock.Retransmit].
//
// Internally it is a sequence of chunks in sequence-number order (grounded on the
// same "ring of packet extents" idea as ringTx.slist in txqueue.go, but chunks hold
// their own bytes rather than indexing into one shared ring, since the whole point is to
// keep data alive past the point ringTx would have overwritten it).
type sndBuf struct {
	chunks   []sndChunk
	start    Value // Sequence number of the first unacknowledged octet.
	capacity int   // Maximum total buffered bytes (advertised/assumed peer window).
	buffered int
}

// Init resets the send buffer to start tracking data beginning at seq, with room for up
// to capacity bytes outstanding at once.
func (b *sndBuf) Init(seq Value, capacity int) {
	b.chunks = b.chunks[:0]
	b.start = seq
	b.capacity = capacity
	b.buffered = 0
}

// Write appends data to the buffer as a new chunk starting at the current end of
// buffered data. Returns the number of bytes accepted, which may be less than len(data)
// if doing so would exceed capacity.
func (b *sndBuf) Write(data []byte) (int, error) {
	free := b.capacity - b.buffered
	if free <= 0 {
		return 0, errSndBufFull
	}
	if len(data) > free {
		data = data[:free]
	}
	if len(data) == 0 {
		return 0, nil
	}
	seq := b.end()
	buf := append([]byte(nil), data...)
	b.chunks = append(b.chunks, sndChunk{seq: seq, data: buf})
	b.buffered += len(buf)
	return len(buf), nil
}

// end returns the sequence number one past the last buffered octet.
func (b *sndBuf) end() Value {
	if len(b.chunks) == 0 {
		return b.start
	}
	return b.chunks[len(b.chunks)-1].end()
}

// Available returns the number of contiguously buffered bytes starting at "from",
// i.e. how much data Read(from, ...) can return in one call.
func (b *sndBuf) Available(from Value) int {
	cur := from
	n := 0
	for _, c := range b.chunks {
		if c.seq != cur {
			break
		}
		n += len(c.data)
		cur = c.end()
	}
	return n
}

// Read copies up to len(dest) bytes starting at sequence number "from" into dest and
// returns the number of bytes copied. from must fall within buffered, unconsumed data.
func (b *sndBuf) Read(from Value, dest []byte) (int, error) {
	n := 0
	cur := from
	for _, c := range b.chunks {
		if n >= len(dest) {
			break
		}
		if c.seq.LessThanEq(cur) && cur.LessThan(c.end()) {
			off := int(Sizeof(c.seq, cur))
			copyN := copy(dest[n:], c.data[off:])
			n += copyN
			cur = Add(cur, Size(copyN))
		} else if c.seq == cur {
			copyN := copy(dest[n:], c.data)
			n += copyN
			cur = Add(cur, Size(copyN))
		} else if cur.LessThan(c.seq) {
			break // Gap: stop, caller asked for contiguous data only.
		}
	}
	if n == 0 && len(dest) > 0 {
		return 0, errSndBufNoRange
	}
	return n, nil
}

// ConsumeTo releases all fully-acknowledged whole chunks up to newStart, shrinking or
// dropping the oldest chunk as needed. A chunk is only ever freed once newStart reaches
// or passes its end -- a chunk partially covered by newStart keeps its unacknowledged
// tail allocated, trimming only the acknowledged prefix.
func (b *sndBuf) ConsumeTo(newStart Value) {
	if newStart.LessThanEq(b.start) {
		return
	}
	i := 0
	for ; i < len(b.chunks); i++ {
		c := &b.chunks[i]
		if newStart.LessThan(c.end()) {
			break
		}
		b.buffered -= len(c.data)
	}
	b.chunks = b.chunks[i:]
	if len(b.chunks) > 0 {
		c := &b.chunks[0]
		if c.seq.LessThan(newStart) {
			trim := int(Sizeof(c.seq, newStart))
			b.buffered -= trim
			c.data = c.data[trim:]
			c.seq = newStart
		}
	}
	b.start = newStart
}

// Buffered returns the total number of bytes currently held (acked-but-not-yet-consumed
// chunks included, since ConsumeTo is the only thing that frees them).
func (b *sndBuf) Buffered() int { return b.buffered }

// Free returns how many more bytes Write will currently accept.
func (b *sndBuf) Free() int { return b.capacity - b.buffered }
