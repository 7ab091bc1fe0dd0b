package tcp

import "github.com/nanostack/netstack/internal"

// cookieQueue is a small fixed-size queue of pending SYN-ACK replies generated from a
// [SYNCookieJar] instead of an allocated [Conn], used when a [Listener]'s backlog (its
// pool of free Conns) is exhausted. No per-connection state is held: the cookie itself
// carries everything needed to validate the client's final ACK later.
type cookieQueue struct {
	buf [4]cookieReply
	len uint8
}

type cookieReply struct {
	remoteAddr [4]byte
	remotePort uint16
	localPort  uint16
	clientISN  Value
	iss        Value
	wnd        Size
	mss        uint16
}

// Queue enqueues a cookie SYN-ACK reply, carrying the client's advertised MSS (recovered
// from its SYN's own MSS option, or 0 if it sent none) so [cookieQueue.Drain] can echo an
// MSS option back despite holding no other per-connection state. Silently drops if
// remoteAddr is not IPv4 or the queue is full, mirroring [RSTQueue.Queue]'s best-effort
// semantics.
func (q *cookieQueue) Queue(remoteAddr []byte, remotePort, localPort uint16, clientISN, iss Value, wnd Size, mss uint16) {
	if len(remoteAddr) == 4 && q.len < uint8(len(q.buf)) {
		entry := &q.buf[q.len]
		copy(entry.remoteAddr[:], remoteAddr)
		entry.remotePort = remotePort
		entry.localPort = localPort
		entry.clientISN = clientISN
		entry.iss = iss
		entry.wnd = wnd
		entry.mss = mss
		q.len++
	}
}

// Pending returns the number of queued cookie replies.
func (q *cookieQueue) Pending() int { return int(q.len) }

// Drain writes one pending SYN-ACK to the carrier buffer and returns the TCP frame length written.
func (q *cookieQueue) Drain(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	if q.len == 0 || offsetToIP < 0 {
		return 0, nil
	}
	q.len--
	entry := &q.buf[q.len]
	segLen := sizeHeaderTCP
	withMSS := entry.mss != 0 && len(carrierData[offsetToFrame:]) >= sizeHeaderTCP+4
	if withMSS {
		segLen += 4
	}
	tfrm, err := NewFrame(carrierData[offsetToFrame : offsetToFrame+segLen])
	if err != nil {
		return 0, nil
	}
	tfrm.SetSourcePort(entry.localPort)
	tfrm.SetDestinationPort(entry.remotePort)
	offsetWords := uint8(5)
	if withMSS {
		offsetWords = 6
	}
	tfrm.SetSegment(Segment{
		SEQ:   entry.iss,
		ACK:   entry.clientISN + 1,
		WND:   entry.wnd,
		Flags: FlagSYN | FlagACK,
	}, offsetWords)
	tfrm.SetUrgentPtr(0)
	if withMSS {
		var codec OptionCodec
		if _, err := codec.PutOption16(tfrm.Options(), OptMaxSegmentSize, entry.mss); err != nil {
			return 0, nil
		}
	}
	err = internal.SetIPAddrs(carrierData[offsetToIP:offsetToFrame], 0, nil, entry.remoteAddr[:])
	if err != nil {
		return 0, nil
	}
	return segLen, nil
}
