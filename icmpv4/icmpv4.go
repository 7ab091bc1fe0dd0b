// Package icmpv4 answers ICMPv4 Echo Request traffic and originates Echo Requests for a
// local Ping helper. It is adapted from the wire-format codec in ipv4/icmpv4 into the
// LocalPort()/ConnectionID()/Protocol()/Demux()/Encapsulate() shape used throughout this
// module (see [tcp.Conn], [arp.Handler]) to plug into an IPv4 dispatcher.
package icmpv4

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/nanostack/netstack"
	"github.com/nanostack/netstack/internal"
	wireicmp "github.com/nanostack/netstack/ipv4/icmpv4"
)

var (
	errPingTimeout = errors.New("icmpv4: ping timeout")
	errNotIPv4     = errors.New("icmpv4: destination is not an IPv4 address")
	errShortFrame  = errors.New("icmpv4: frame too short for IP header")
	errQueueFull   = errors.New("icmpv4: reply queue full")
)

const queueCap = 8

type echoReply struct {
	dstAddr [4]byte
	ident   uint16
	seq     uint16
	data    [56]byte
	datalen uint8
}

type echoRequest struct {
	dstAddr [4]byte
	ident   uint16
	seq     uint16
	data    [56]byte
	datalen uint8
}

// Responder answers incoming Echo Requests with Echo Replies and lets local code originate
// its own Echo Requests via [Responder.Ping]. One Responder should be registered per IPv4
// dispatcher as the protocol-1 handler.
type Responder struct {
	mu       sync.Mutex
	connID   uint64
	ident    uint16
	nextSeq  uint16
	pending  map[uint32]chan time.Time
	replies  []echoReply
	requests []echoRequest
	logger
}

// NewResponder creates a Responder that identifies its own outgoing Echo Requests (for
// [Responder.Ping]) with ident, analogous to a ping process's PID.
func NewResponder(ident uint16) *Responder {
	return &Responder{
		ident:   ident,
		pending: make(map[uint32]chan time.Time),
	}
}

func (r *Responder) SetLogger(log *slog.Logger) { r.logger.log = log }

// LocalPort implements the IPv4 dispatcher's node interface. ICMP has no port concept.
func (r *Responder) LocalPort() uint16 { return 0 }

// ConnectionID implements the IPv4 dispatcher's node interface.
func (r *Responder) ConnectionID() *uint64 { return &r.connID }

// Protocol implements the IPv4 dispatcher's node interface.
func (r *Responder) Protocol() uint64 { return uint64(lneto.IPProtoICMP) }

// Demux implements the IPv4 dispatcher's node interface. ipFrame is the full IP
// datagram and off is the offset of the ICMP message within it.
func (r *Responder) Demux(ipFrame []byte, off int) error {
	if off < 20 || off > len(ipFrame) {
		return errShortFrame
	}
	wfrm, err := wireicmp.NewFrame(ipFrame[off:])
	if err != nil {
		return err
	}
	var srcAddr [4]byte
	copy(srcAddr[:], ipFrame[12:16])
	switch wfrm.Type() {
	case wireicmp.TypeEcho:
		efrm := wireicmp.FrameEcho{Frame: wfrm}
		r.debug("icmpv4:echo-request", slog.Uint64("ident", uint64(efrm.Identifier())), slog.Uint64("seq", uint64(efrm.SequenceNumber())))
		r.queueReply(srcAddr, efrm.Identifier(), efrm.SequenceNumber(), efrm.Data())
	case wireicmp.TypeEchoReply:
		efrm := wireicmp.FrameEcho{Frame: wfrm}
		r.deliver(efrm.Identifier(), efrm.SequenceNumber())
	default:
		r.trace("icmpv4:ignored", slog.Uint64("type", uint64(wfrm.Type())))
	}
	return nil
}

// Encapsulate implements the IPv4 dispatcher's node interface, draining one queued Echo
// Reply (to an incoming request) or Echo Request (from [Responder.Ping]) per call, replies
// taking priority. It writes the ICMP message and the IP destination address, leaving the
// source address and header fields to the IPv4 dispatcher. offsetToIP is unused: ICMP sits
// directly atop IPv4 with no further encapsulation layer of its own to report.
func (r *Responder) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	r.mu.Lock()
	if len(r.replies) > 0 {
		reply := r.replies[len(r.replies)-1]
		r.replies = r.replies[:len(r.replies)-1]
		r.mu.Unlock()
		return r.writeEcho(carrierData, offsetToFrame, wireicmp.TypeEchoReply, reply.dstAddr, reply.ident, reply.seq, reply.data[:reply.datalen])
	}
	if len(r.requests) > 0 {
		req := r.requests[len(r.requests)-1]
		r.requests = r.requests[:len(r.requests)-1]
		r.mu.Unlock()
		return r.writeEcho(carrierData, offsetToFrame, wireicmp.TypeEcho, req.dstAddr, req.ident, req.seq, req.data[:req.datalen])
	}
	r.mu.Unlock()
	return 0, nil
}

func (r *Responder) writeEcho(ipFrame []byte, off int, typ wireicmp.Type, dst [4]byte, ident, seq uint16, data []byte) (int, error) {
	n := 8 + len(data)
	if off+n > len(ipFrame) {
		return 0, errShortFrame
	}
	wfrm, err := wireicmp.NewFrame(ipFrame[off : off+n])
	if err != nil {
		return 0, err
	}
	efrm := wireicmp.FrameEcho{Frame: wfrm}
	efrm.SetType(typ)
	efrm.SetCode(0)
	efrm.SetIdentifier(ident)
	efrm.SetSequenceNumber(seq)
	copy(efrm.Data(), data)
	efrm.SetCRC(0)
	var crc lneto.CRC791
	efrm.CRCWrite(&crc)
	efrm.SetCRC(crc.Sum16())
	if err := internal.SetIPAddrs(ipFrame[:off], 0, nil, dst[:]); err != nil {
		return 0, err
	}
	r.debug("icmpv4:handle", slog.String("type", typeString(typ)), slog.Uint64("ident", uint64(ident)), slog.Uint64("seq", uint64(seq)))
	return n, nil
}

func (r *Responder) queueReply(srcAddr [4]byte, ident, seq uint16, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) >= queueCap {
		return // Drop under load; the peer will retry its ping.
	}
	var entry echoReply
	entry.dstAddr = srcAddr
	entry.ident = ident
	entry.seq = seq
	entry.datalen = uint8(copy(entry.data[:], data))
	r.replies = append(r.replies, entry)
}

func (r *Responder) deliver(ident, seq uint16) {
	key := pingKey(ident, seq)
	r.mu.Lock()
	ch, ok := r.pending[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- time.Now():
	default:
	}
}

// Ping sends an Echo Request to dst and blocks until the matching Echo Reply arrives or
// timeout elapses, returning the measured round-trip time.
func (r *Responder) Ping(dst netip.Addr, timeout time.Duration) (time.Duration, error) {
	if !dst.Is4() {
		return 0, errNotIPv4
	}
	r.mu.Lock()
	if len(r.requests) >= queueCap {
		r.mu.Unlock()
		return 0, errQueueFull
	}
	seq := r.nextSeq
	r.nextSeq++
	key := pingKey(r.ident, seq)
	ch := make(chan time.Time, 1)
	r.pending[key] = ch
	var entry echoRequest
	entry.dstAddr = dst.As4()
	entry.ident = r.ident
	entry.seq = seq
	binary.BigEndian.PutUint64(entry.data[:8], uint64(time.Now().UnixNano()))
	entry.datalen = 8
	r.requests = append(r.requests, entry)
	r.mu.Unlock()
	sent := time.Now()
	defer func() {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
	}()
	select {
	case recvd := <-ch:
		return recvd.Sub(sent), nil
	case <-time.After(timeout):
		return 0, errPingTimeout
	}
}

func pingKey(ident, seq uint16) uint32 { return uint32(ident)<<16 | uint32(seq) }

func typeString(t wireicmp.Type) string {
	switch t {
	case wireicmp.TypeEcho:
		return "echo"
	case wireicmp.TypeEchoReply:
		return "echo-reply"
	default:
		return "other"
	}
}

type logger struct {
	log *slog.Logger
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}
func (l logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}
