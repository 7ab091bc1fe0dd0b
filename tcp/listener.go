package tcp

import (
	"bytes"
	"crypto/rand"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/nanostack/netstack"
	"github.com/nanostack/netstack/internal"
)

// pool is a [sync.Pool] like
type pool interface {
	GetTCP() (*Conn, Value)
	PutTCP(*Conn)
}

// defaultCookieWindow is advertised in a cookie SYN-ACK, where no receive buffer has been
// allocated yet to report a real window from.
const defaultCookieWindow Size = 8192

type Listener struct {
	connID uint64
	mu     sync.Mutex
	cond   *sync.Cond
	// incoming stores connections that are potential candidates for acceptance.
	incoming []*Conn
	// accepted stores all connections that have been accepted and are open.
	accepted   []*Conn
	port       uint16
	poolGet    func() (*Conn, Value)
	poolReturn func(*Conn)
	// cookies and cookieOut implement SYN-flood resistant acceptance: when the pool has no
	// free Conn (poolGet returns nil), a SYN is answered with a cookie-derived
	// ISS instead of consuming a pooled Conn, and the Conn is only allocated once the
	// client's final ACK proves the handshake.
	cookies   SYNCookieJar
	cookieOut cookieQueue
	// rstOut answers segments that match neither an accepted/incoming Conn nor a cookie,
	// per RFC 793's requirement that a CLOSED port reset unexpected segments.
	rstOut RSTQueue
	// sock registers this Listener in the process-wide socket table for the duration it
	// is bound to a port, so diagnostics (see [ActiveSockets]) can see live LISTEN
	// endpoints without reaching into each protocol handler individually.
	sock *Socket
	logger
}

func (listener *Listener) reset(port uint16, tcppool pool) {
	listener.accepted = listener.accepted[:0]
	listener.incoming = listener.incoming[:0]
	listener.connID++
	listener.port = port
	listener.poolGet = tcppool.GetTCP
	listener.poolReturn = tcppool.PutTCP
	listener.cookies.Reset(SYNCookieConfig{Rand: rand.Reader, MaxCounterDelta: 2})
	if listener.cond == nil {
		listener.cond = sync.NewCond(&listener.mu)
	}
	if listener.sock != nil {
		globalSockets.Remove(listener.sock)
	}
	listener.sock = NewSocket(fourTuple{localPort: port}, true, nil)
	globalSockets.Add(listener.sock)
}

func (listener *Listener) SetLogger(logger *slog.Logger) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.logger.log = logger
}

// LocalPort implements [StackNode].
func (listener *Listener) LocalPort() uint16 {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return listener.port
}

// ConnectionID implements [StackNode].
func (listener *Listener) ConnectionID() *uint64 { return &listener.connID }

// Protocol implements [StackNode].
func (listener *Listener) Protocol() uint64 { return uint64(lneto.IPProtoTCP) }

func (listener *Listener) Close() error {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return errors.New("already closed")
	}
	listener.debug("listener:reset", slog.Uint64("port", uint64(listener.port)))
	listener.connID++
	listener.port = 0
	if listener.sock != nil {
		globalSockets.Remove(listener.sock)
		listener.sock = nil
	}
	listener.cond.Broadcast()
	return nil
}

func (listener *Listener) Reset(port uint16, pool pool) error {
	if port == 0 {
		return errZeroDstPort
	} else if pool == nil {
		return errors.New("nil TCP pool")
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.debug("listener:reset", slog.Uint64("port", uint64(port)))
	listener.reset(port, pool)
	return nil
}

func (listener *Listener) NumberOfReadyToAccept() (nready int) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0
	}
	for _, conn := range listener.incoming {
		if conn == nil || conn.State() != StateEstablished {
			continue
		}
		nready++
	}
	return nready
}

// TryAccept polls the list of ready connections that have been established
func (listener *Listener) TryAccept() (*Conn, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return nil, net.ErrClosed
	}
	listener.debug("listener:tryaccept", slog.Uint64("port", uint64(listener.port)))
	listener.maintainConns()
	for i, conn := range listener.incoming {
		if conn == nil || conn.State() != StateEstablished {
			continue
		}
		listener.accepted = append(listener.accepted, conn)
		listener.incoming[i] = nil // discard from ready.
		return conn, nil
	}
	return nil, errors.New("no conns available")
}

// Accept blocks until a connection completes its handshake and becomes available, or the
// listener is closed. It is the blocking counterpart to [Listener.TryAccept].
func (listener *Listener) Accept() (*Conn, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	for {
		if listener.isClosed() {
			return nil, net.ErrClosed
		}
		listener.maintainConns()
		for i, conn := range listener.incoming {
			if conn == nil || conn.State() != StateEstablished {
				continue
			}
			listener.accepted = append(listener.accepted, conn)
			listener.incoming[i] = nil
			return conn, nil
		}
		listener.cond.Wait()
	}
}

// Encapsulate implements [StackNode].
func (listener *Listener) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0, net.ErrClosed
	}
	//listener.trace("listener:encaps", slog.Uint64("port", uint64(listener.port)))
	// Stateless replies (RST, cookie SYN-ACK) go out before anything that needs a live Conn.
	if n, err := listener.rstOut.Drain(carrierData, offsetToIP, offsetToFrame); n > 0 || err != nil {
		return n, err
	}
	if n, err := listener.cookieOut.Drain(carrierData, offsetToIP, offsetToFrame); n > 0 || err != nil {
		return n, err
	}
	// First try incoming connections (for handshake SYN-ACK).
	for i, conn := range listener.incoming {
		if conn == nil || conn.State() == StateEstablished {
			// Nil or already established.
			continue
		}
		n, err := conn.Encapsulate(carrierData, offsetToIP, offsetToFrame)
		if err != nil {
			err = listener.maintainConn(listener.incoming, i, err)
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:encaps", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "incoming"))
		return n, err
	}
	// Then try accepted connections.
	for i, conn := range listener.accepted {
		if conn == nil {
			continue
		}
		n, err := conn.Encapsulate(carrierData, offsetToIP, offsetToFrame)
		if err != nil {
			err = listener.maintainConn(listener.accepted, i, err)
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:encaps", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "accepted"))
		return n, err
	}
	return 0, nil
}

// Demux implements [StackNode].
func (listener *Listener) Demux(carrierData []byte, tcpFrameOffset int) error {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return net.ErrClosed
	}
	tfrm, err := NewFrame(carrierData[tcpFrameOffset:])
	if err != nil {
		return err
	}
	srcaddr, dstaddr, _, _, err := internal.GetIPAddr(carrierData)
	if err != nil {
		return err
	}
	dst := tfrm.DestinationPort()
	if dst != listener.port {
		return errors.New("not our port")
	}
	src := tfrm.SourcePort()

	// Try to demux in accepted:
	accepted := true
	demuxed, err := listener.tryDemux(listener.accepted, src, srcaddr, carrierData, tcpFrameOffset)
	if !demuxed {
		accepted = false
		demuxed, err = listener.tryDemux(listener.incoming, src, srcaddr, carrierData, tcpFrameOffset)
	}
	if demuxed {
		listener.debug("tcplistener:demux", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)), slog.Bool("accepted", accepted))
		listener.cond.Broadcast()
		return err
	}

	// Connection not in ready nor accepted.
	seg := tfrm.Segment(len(tfrm.Payload()))
	switch {
	case seg.Flags.HasAny(FlagSYN) && !seg.Flags.HasAny(FlagACK):
		err = listener.admitSYN(carrierData, tcpFrameOffset, dst, src, srcaddr, dstaddr, seg)
	case seg.Flags.HasAny(FlagACK) && !seg.Flags.HasAny(FlagRST):
		// Could be the final ACK of a cookie-backed handshake, since such a connection
		// holds no state here until this packet arrives.
		err = listener.admitCookieAck(carrierData, tcpFrameOffset, dst, src, srcaddr, dstaddr, seg)
	default:
		if !seg.Flags.HasAny(FlagRST) {
			listener.queueReset(srcaddr, src, dst, seg)
		}
		err = lneto.ErrPacketDrop
	}
	listener.cond.Broadcast()
	return err
}

// admitSYN handles a SYN for a port with no matching Conn: either allocates a fresh Conn
// from the pool in the common case, or, if the pool (backlog) is exhausted, answers with a
// stateless SYN cookie instead of dropping the connection attempt.
func (listener *Listener) admitSYN(carrierData []byte, tcpFrameOffset int, dst, src uint16, srcaddr, dstaddr []byte, seg Segment) error {
	conn, iss := listener.poolGet()
	if conn == nil {
		mss := synMSS(carrierData, tcpFrameOffset)
		listener.cookies.IncrementCounter()
		cookieISS := listener.cookies.MakeSYNCookie(srcaddr, dstaddr, src, dst, seg.SEQ, mss)
		listener.cookieOut.Queue(srcaddr, src, dst, seg.SEQ, cookieISS, defaultCookieWindow, mss)
		listener.debug("tcplistener:syn-cookie", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)))
		return nil
	}
	err := conn.OpenListen(dst, iss)
	if err != nil {
		listener.poolReturn(conn)
		slog.Error("Listener:open", slog.String("err", err.Error()))
		return err // This should not happend
	}
	err = conn.Demux(carrierData, tcpFrameOffset)
	if err != nil {
		listener.poolReturn(conn)
		slog.Error("Listener:demux", slog.String("err", err.Error()))
		return lneto.ErrPacketDrop
	}
	listener.incoming = append(listener.incoming, conn)
	listener.debug("tcplistener:demux-new", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)))
	return nil
}

// synMSS extracts the MSS option from a SYN's TCP options, for preserving the client's
// requested segment size across a cookie-backed handshake that holds no other per-connection
// state. Returns 0 if the frame carries no MSS option or cannot be parsed.
func synMSS(carrierData []byte, tcpFrameOffset int) uint16 {
	tfrm, err := NewFrame(carrierData[tcpFrameOffset:])
	if err != nil {
		return 0
	}
	var v lneto.Validator
	tfrm.ValidateSize(&v)
	if v.ErrPop() != nil {
		return 0
	}
	var mss uint16
	var codec OptionCodec
	codec.ForEachOption(tfrm.Options(), func(kind OptionKind, data []byte) error {
		if kind == OptMaxSegmentSize && len(data) == 2 {
			mss = uint16(data[0])<<8 | uint16(data[1])
		}
		return nil
	})
	return mss
}

// admitCookieAck validates seg as the closing ACK of a cookie-backed handshake. If valid,
// only now does it allocate a Conn from the pool and fast-forward it to ESTABLISHED by
// replaying a synthetic SYN (reconstructed from the cookie) followed by the real ACK.
func (listener *Listener) admitCookieAck(carrierData []byte, tcpFrameOffset int, dst, src uint16, srcaddr, dstaddr []byte, seg Segment) error {
	clientISN := seg.SEQ - 1
	cookieISS, mss, err := listener.cookies.ValidateSYNCookie(srcaddr, dstaddr, src, dst, clientISN, seg.ACK)
	if err != nil {
		listener.queueReset(srcaddr, src, dst, seg)
		return lneto.ErrPacketDrop
	}
	conn, _ := listener.poolGet()
	if conn == nil {
		// Pool still exhausted even though the handshake is now proven legitimate;
		// nothing to do but drop, same as a real backlog-full TCP stack would.
		return lneto.ErrPacketDrop
	}
	if err := conn.OpenListen(dst, cookieISS); err != nil {
		listener.poolReturn(conn)
		return err
	}
	offsetWords := uint8(5)
	tcpHdrLen := sizeHeaderTCP
	if mss != 0 {
		offsetWords = 6
		tcpHdrLen += 4
	}
	var ipHdr [20]byte
	ipHdr[0] = 0x45
	synFrame := append(append([]byte{}, ipHdr[:]...), make([]byte, tcpHdrLen)...)
	if err := internal.SetIPAddrs(synFrame, 0, srcaddr, dstaddr); err != nil {
		listener.poolReturn(conn)
		return lneto.ErrPacketDrop
	}
	tfrm, err := NewFrame(synFrame[len(ipHdr):])
	if err != nil {
		listener.poolReturn(conn)
		return lneto.ErrPacketDrop
	}
	tfrm.SetSourcePort(src)
	tfrm.SetDestinationPort(dst)
	tfrm.SetSegment(Segment{SEQ: clientISN, WND: seg.WND, Flags: FlagSYN}, offsetWords)
	if mss != 0 {
		var codec OptionCodec
		if _, err := codec.PutOption16(tfrm.Options(), OptMaxSegmentSize, mss); err != nil {
			listener.poolReturn(conn)
			return lneto.ErrPacketDrop
		}
	}
	if err := conn.Demux(synFrame, len(ipHdr)); err != nil {
		listener.poolReturn(conn)
		return lneto.ErrPacketDrop
	}
	if err := conn.Demux(carrierData, tcpFrameOffset); err != nil {
		listener.poolReturn(conn)
		return lneto.ErrPacketDrop
	}
	listener.incoming = append(listener.incoming, conn)
	listener.debug("tcplistener:cookie-admit", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)))
	return nil
}

// queueReset answers an unmatched segment per RFC 793's CLOSED-state rule: a segment
// without RST always gets a reset, with SEQ/ACK chosen from whether the offending segment
// itself carried an ACK.
func (listener *Listener) queueReset(srcaddr []byte, src, dst uint16, seg Segment) {
	if seg.Flags.HasAny(FlagACK) {
		listener.rstOut.Queue(srcaddr, src, dst, seg.ACK, 0, FlagRST)
	} else {
		listener.rstOut.Queue(srcaddr, src, dst, 0, seg.SEQ+Value(seg.LEN()), FlagRST|FlagACK)
	}
}

func (listener *Listener) tryDemux(conns []*Conn, remotePort uint16, remoteAddr, carrierData []byte, tcpFrameOffset int) (demuxed bool, err error) {
	idx := getConn(conns, remotePort, remoteAddr)
	if idx >= 0 {
		err := conns[idx].Demux(carrierData, tcpFrameOffset)
		if err != nil {
			err = listener.maintainConn(conns, idx, err)
		}
		return true, err
	}
	return false, nil
}

func (listener *Listener) isClosed() bool {
	return listener.port == 0
}

func (listener *Listener) maintainConns() {
	listener.accepted = internal.DeleteZeroed(listener.accepted)
	for i := range listener.incoming {
		if listener.incoming[i] == nil {
			continue
		}
		state := listener.incoming[i].State()
		if state > StateEstablished || state.IsClosed() {
			// Something went wrong in handshake or pool aborted/closed the connection.
			listener.poolReturn(listener.incoming[i])
			listener.incoming[i] = nil
		}
	}
	listener.incoming = internal.DeleteZeroed(listener.incoming)
}

func getConn(conns []*Conn, remotePort uint16, remoteAddr []byte) int {
	for i, conn := range conns {
		if conn == nil {
			continue
		}
		gotPort := conn.RemotePort()
		gotaddr := conn.RemoteAddr()
		if remotePort == gotPort && bytes.Equal(remoteAddr, gotaddr) {
			return i
		}
	}
	return -1
}

func (listener *Listener) maintainConn(conns []*Conn, idx int, err error) error {
	if err == net.ErrClosed {
		listener.poolReturn(conns[idx])
		conns[idx] = nil
		return nil // avoid closing listener entirely.
	}
	return err
}
