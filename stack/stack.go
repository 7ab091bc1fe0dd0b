// Package stack wires the link, IPv4/ARP and TCP layers together into a runnable
// interface pump, adapted from the composition in the teacher's examples/stack demo:
// a LinkStack dispatches by EtherType, an IPv4Stack dispatches by IP protocol number, an
// ARPStack answers address resolution, and a TCPStack dispatches by local port directly
// to tcp.Conn/tcp.Listener values (dropping the demo's single-handler TCPPort wrapper,
// since Conn and Listener already speak the Demux/Encapsulate shape this package expects).
package stack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"github.com/nanostack/netstack"
	"github.com/nanostack/netstack/arp"
	"github.com/nanostack/netstack/ethernet"
	"github.com/nanostack/netstack/icmpv4"
	"github.com/nanostack/netstack/internal"
	"github.com/nanostack/netstack/ipv4"
	"github.com/nanostack/netstack/tcp"
)

// Node is the handler shape every layer in this package dispatches to: an Ethernet
// payload handler (ARP, IPv4) or an IPv4 payload handler (ICMP, TCP). It matches the
// Demux/Encapsulate contract already used by [arp.Handler], [tcp.Conn] and [tcp.Listener].
type Node interface {
	Protocol() uint64
	Demux(carrierData []byte, frameOffset int) error
	Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error)
}

// node is the registration record kept by LinkStack and IPv4Stack: a Node plus the
// static remote address it answers to, if any. A nil/empty remoteAddr means the
// handler itself decides the destination on each Encapsulate call, the way [tcp.Conn]
// and [icmpv4.Responder] do, one per demultiplexed peer rather than one per handler.
type node struct {
	Node
	remoteAddr []byte
	proto      uint64
}

type logger struct {
	log *slog.Logger
}

func (l logger) error(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}
func (l logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}
func (l logger) warn(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelWarn, msg, attrs...)
}
func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

// LinkStack is the Ethernet-layer dispatcher: it demultiplexes incoming frames by
// EtherType and, on the outgoing side, asks each registered Node in turn whether it has
// something to send.
type LinkStack struct {
	nodes []node
	logger
	mac [6]byte
	mtu uint16
}

// Register adds h as the handler for its own Protocol() (an [ethernet.Type]), replying
// to remoteHWAddr when non-zero, or leaving the destination for h itself to set
// (mirroring IPv4Stack.Register's nil case) otherwise.
func (ls *LinkStack) Register(h Node, remoteHWAddr [6]byte) error {
	proto := h.Protocol()
	for i := range ls.nodes {
		if ls.nodes[i].proto == proto {
			return errors.New("protocol already registered")
		}
	}
	n := node{Node: h, proto: proto}
	if remoteHWAddr != ([6]byte{}) {
		n.remoteAddr = append(n.remoteAddr, remoteHWAddr[:]...)
	}
	ls.nodes = append(ls.nodes, n)
	return nil
}

// RecvEth processes one incoming Ethernet frame, dispatching its payload to the
// registered handler for its EtherType.
func (ls *LinkStack) RecvEth(ethFrame []byte) error {
	efrm, err := ethernet.NewFrame(ethFrame)
	if err != nil {
		return err
	}
	etype := efrm.EtherTypeOrSize()
	dstaddr := efrm.DestinationHardwareAddr()
	if !efrm.IsBroadcast() && ls.mac != *dstaddr {
		return fmt.Errorf("incoming %s mismatch hwaddr %s", etype.String(), net.HardwareAddr(dstaddr[:]).String())
	}
	var vld lneto.Validator
	efrm.ValidateSize(&vld)
	if err := vld.Err(); err != nil {
		return err
	}
	for i := range ls.nodes {
		if ls.nodes[i].proto == uint64(etype) {
			return ls.nodes[i].Demux(ethFrame, efrm.HeaderLength())
		}
	}
	return nil
}

// HandleEth polls each registered handler for an outgoing frame and, on the first one
// with something to send, finishes the Ethernet header and returns the total frame
// length to transmit.
func (ls *LinkStack) HandleEth(dst []byte) (int, error) {
	if len(dst) < int(ls.mtu) {
		return 0, io.ErrShortBuffer
	}
	const ethHeaderLen = 14
	for i := range ls.nodes {
		h := &ls.nodes[i]
		n, err := h.Encapsulate(dst[:ls.mtu], -1, ethHeaderLen)
		if err != nil {
			ls.error("linkstack:handle", slog.String("proto", ethernet.Type(h.proto).String()), slog.String("err", err.Error()))
			continue
		}
		if n > 0 {
			efrm, _ := ethernet.NewFrame(dst[:ethHeaderLen])
			if len(h.remoteAddr) == 6 {
				copy(efrm.DestinationHardwareAddr()[:], h.remoteAddr)
			}
			*efrm.SourceHardwareAddr() = ls.mac
			efrm.SetEtherType(ethernet.Type(h.proto))
			return n + ethHeaderLen, nil
		}
	}
	return 0, nil
}

// IPv4Stack is the IPv4-layer dispatcher: it validates/strips the IP header on receive
// and fills it in (header fields and, for protocol-less nodes, the destination address)
// on send. Satisfies [Node] itself, for registration on a [LinkStack].
type IPv4Stack struct {
	ip        [4]byte
	validator lneto.Validator
	nodes     []node
	logger
	nextID uint16
}

func (is *IPv4Stack) Protocol() uint64 { return uint64(ethernet.TypeIPv4) }

// Register adds h as the handler for its own Protocol() (an [lneto.IPProto]). remoteAddr
// is the static destination IPv4 address to use for every packet h emits, or nil if h
// addresses each packet itself (as [tcp.Conn]/[tcp.Listener] and [icmpv4.Responder] do).
func (is *IPv4Stack) Register(h Node, remoteAddr *[4]byte) error {
	proto := h.Protocol()
	for i := range is.nodes {
		if is.nodes[i].proto == proto {
			return errors.New("protocol already registered")
		}
	}
	n := node{Node: h, proto: proto}
	if remoteAddr != nil {
		n.remoteAddr = append(n.remoteAddr, remoteAddr[:]...)
	}
	is.nodes = append(is.nodes, n)
	return nil
}

func (is *IPv4Stack) Demux(ethFrame []byte, ipOff int) error {
	ifrm, err := ipv4.NewFrame(ethFrame[ipOff:])
	if err != nil {
		return err
	}
	if *ifrm.DestinationAddr() != is.ip {
		return nil // Not for us; silently drop like a real stack would.
	}
	is.validator.ResetErr()
	ifrm.ValidateExceptCRC(&is.validator)
	if err = is.validator.Err(); err != nil {
		return err
	}
	gotCRC := ifrm.CRC()
	wantCRC := ifrm.CalculateHeaderCRC()
	if gotCRC != wantCRC {
		is.error("ipv4stack:crc-mismatch", slog.Uint64("want", uint64(wantCRC)), slog.Uint64("got", uint64(gotCRC)))
		return errors.New("IPv4 header CRC mismatch")
	}
	off := ifrm.HeaderLength()
	totalLen := ifrm.TotalLength()
	proto := uint64(ifrm.Protocol())
	for i := range is.nodes {
		if is.nodes[i].proto == proto {
			return is.nodes[i].Demux(ethFrame[ipOff:ipOff+totalLen], off)
		}
	}
	return nil
}

func (is *IPv4Stack) Encapsulate(ethFrame []byte, _, ipOff int) (int, error) {
	if len(ethFrame)-ipOff < 256 {
		return 0, io.ErrShortBuffer
	}
	ifrm, _ := ipv4.NewFrame(ethFrame[ipOff:])
	const ihl = 5
	const headerLen = ihl * 4
	ifrm.SetVersionAndIHL(4, ihl)
	*ifrm.SourceAddr() = is.ip
	ifrm.SetToS(0)
	for i := range is.nodes {
		h := &is.nodes[i]
		proto := lneto.IPProto(h.proto)
		ifrm.SetProtocol(proto)
		if len(h.remoteAddr) == 4 {
			copy(ifrm.DestinationAddr()[:], h.remoteAddr)
		}
		// Else: leave the destination alone. A dynamic-destination node (TCP's
		// per-connection remote, ICMP's per-reply source) sets it itself below.
		n, err := h.Encapsulate(ethFrame[ipOff:], 0, headerLen)
		if err != nil {
			is.error("ipv4stack:handle", slog.String("proto", proto.String()), slog.String("err", err.Error()))
			continue
		}
		if n > 0 {
			const dontFragment ipv4.Flags = 0x4000
			totalLen := n + headerLen
			is.nextID++
			ifrm.SetTotalLength(uint16(totalLen))
			ifrm.SetID(is.nextID)
			ifrm.SetFlags(dontFragment)
			ifrm.SetTTL(64)
			ifrm.SetCRC(ifrm.CalculateHeaderCRC())
			return totalLen, nil
		}
	}
	return 0, nil
}

// ARPStack adapts an [arp.Handler] (which already speaks Demux/Encapsulate) onto a
// [LinkStack]. Both calls are forwarded unchanged; ARPStack does not write the Ethernet
// header, so the destination of outgoing ARP frames is the address given to
// [LinkStack.Register].
type ARPStack struct {
	Handler arp.Handler
}

func (as *ARPStack) Protocol() uint64 { return uint64(ethernet.TypeARP) }

func (as *ARPStack) Demux(ethFrame []byte, arpOff int) error {
	return as.Handler.Demux(ethFrame, arpOff)
}

func (as *ARPStack) Encapsulate(ethFrame []byte, offsetToIP, arpOff int) (int, error) {
	n, err := as.Handler.Encapsulate(ethFrame, offsetToIP, arpOff)
	return n, err
}

// TCPStack is the port-keyed TCP dispatcher: it validates/computes the TCP checksum
// (never the TCP layer's own job, since it needs the IP pseudo-header) and hands the
// segment to whichever registered [tcp.Conn] or [tcp.Listener] owns the destination port.
type TCPStack struct {
	validator lneto.Validator
	ports     []tcpPort
	logger
	crc lneto.CRC791
}

type tcpNode interface {
	Demux(carrierData []byte, tcpFrameOffset int) error
	Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error)
}

type tcpPort struct {
	node tcpNode
	port uint16
}

func (ts *TCPStack) Protocol() uint64 { return uint64(lneto.IPProtoTCP) }

// Register adds node (a *[tcp.Conn] or *[tcp.Listener]) as the handler for lport.
func (ts *TCPStack) Register(node tcpNode, lport uint16) error {
	if lport == 0 {
		return errors.New("tcpstack: zero port")
	}
	ts.ports = append(ts.ports, tcpPort{node: node, port: lport})
	return nil
}

func (ts *TCPStack) Demux(ipFrame []byte, tcpOff int) error {
	version := ipFrame[0] >> 4
	if version != 4 {
		return errors.New("tcpstack: only IPv4 supported")
	}
	tfrm, err := tcp.NewFrame(ipFrame[tcpOff:])
	if err != nil {
		return err
	}
	lport := tfrm.DestinationPort()
	idx := ts.indexOf(lport)
	if idx < 0 {
		return nil // No listener/conn on this port; let the caller's caller decide whether to RST.
	}
	ts.validator.ResetErr()
	tfrm.ValidateSize(&ts.validator)
	if err = ts.validator.Err(); err != nil {
		return err
	}
	ts.crc.Reset()
	ifrm, _ := ipv4.NewFrame(ipFrame)
	ifrm.CRCWriteTCPPseudo(&ts.crc)
	tcpCRCWrite(&ts.crc, tfrm)
	if gotCRC, wantCRC := tfrm.CRC(), ts.crc.Sum16(); gotCRC != wantCRC {
		ts.error("tcpstack:crc-mismatch", slog.Uint64("lport", uint64(lport)), slog.Uint64("want", uint64(wantCRC)), slog.Uint64("got", uint64(gotCRC)))
		return errors.New("TCP checksum mismatch")
	}
	return ts.ports[idx].node.Demux(ipFrame, tcpOff)
}

func (ts *TCPStack) Encapsulate(ipFrame []byte, offsetToIP, tcpOff int) (int, error) {
	var n int
	var err error
	for i := range ts.ports {
		n, err = ts.ports[i].node.Encapsulate(ipFrame, offsetToIP, tcpOff)
		if err != nil {
			if err == net.ErrClosed {
				ts.ports = append(ts.ports[:i], ts.ports[i+1:]...)
				return 0, nil
			}
			ts.error("tcpstack:handle", slog.Uint64("lport", uint64(ts.ports[i].port)), slog.String("err", err.Error()))
			continue
		}
		if n > 0 {
			break
		}
	}
	if n == 0 {
		return 0, err
	}
	tfrm, _ := tcp.NewFrame(ipFrame[tcpOff : tcpOff+n])
	ts.validator.ResetErr()
	tfrm.ValidateSize(&ts.validator)
	if err = ts.validator.Err(); err != nil {
		return 0, err
	}
	ts.crc.Reset()
	ifrm, _ := ipv4.NewFrame(ipFrame)
	// IPv4Stack hasn't set TotalLength yet at this point in the Encapsulate chain (it
	// does so only after this call returns), so the pseudo header length is supplied
	// directly rather than read back via ifrm.CRCWriteTCPPseudo.
	ts.crc.Write(ifrm.SourceAddr()[:])
	ts.crc.Write(ifrm.DestinationAddr()[:])
	ts.crc.AddUint16(uint16(n))
	ts.crc.AddUint16(uint16(lneto.IPProtoTCP))
	tcpCRCWrite(&ts.crc, tfrm)
	tfrm.SetCRC(ts.crc.Sum16())
	return n, nil
}

// tcpCRCWrite folds tfrm's header+options+payload into crc with the checksum field
// treated as zero, matching the convention [icmpv4.Frame.CRCWrite] and [udp.Frame] use:
// tcp.Frame itself has no CRCWrite since the TCP layer deliberately does no CRC work
// (see tcp.Handler's doc comment), leaving pseudo-header assembly to the IP-aware caller.
func tcpCRCWrite(crc *lneto.CRC791, tfrm tcp.Frame) {
	buf := tfrm.RawData()
	crc.AddUint16(binary.BigEndian.Uint16(buf[0:2]))  // source port
	crc.AddUint16(binary.BigEndian.Uint16(buf[2:4]))  // destination port
	crc.AddUint32(binary.BigEndian.Uint32(buf[4:8]))  // sequence number
	crc.AddUint32(binary.BigEndian.Uint32(buf[8:12])) // ack number
	crc.AddUint16(binary.BigEndian.Uint16(buf[12:14])) // data offset, reserved, flags
	crc.AddUint16(binary.BigEndian.Uint16(buf[14:16])) // window
	// Checksum field buf[16:18] is treated as zero, so skip straight to urgent pointer.
	crc.AddUint16(binary.BigEndian.Uint16(buf[18:20]))
	rest := buf[20:]
	odd := len(rest) & 1
	crc.WriteEven(rest[:len(rest)-odd])
	if odd > 0 {
		crc.AddUint16(uint16(rest[len(rest)-1]) << 8)
	}
}

func (ts *TCPStack) indexOf(port uint16) int {
	for i := range ts.ports {
		if ts.ports[i].port == port {
			return i
		}
	}
	return -1
}

// EthernetStack bundles everything NewEthernetStack wires together, for callers (like
// cmd/tcpecho) that need to reach into a particular layer -- e.g. to Listen on a port or
// issue a Ping.
type EthernetStack struct {
	Link *LinkStack
	IPv4 *IPv4Stack
	ARP  *ARPStack
	TCP  *TCPStack
	ICMP *icmpv4.Responder
	// Timer drives every registered connection's RFC 6298 retransmission timer; share
	// it across [tcp.ConnConfig.Timer] values passed to pooled Conns.
	Timer *internal.Timer
}

// NewEthernetStack builds a LinkStack carrying ARP and IPv4 (with ICMP echo and an empty
// TCP port table) for the given MAC/IP pair, ready for [TCPStack.Register] calls and an
// interface pump loop reading/writing raw Ethernet frames.
func NewEthernetStack(mac [6]byte, ip netip.Addr, mtu int, slogger *slog.Logger) (*EthernetStack, error) {
	if !ip.Is4() {
		return nil, errors.New("stack: only IPv4 addresses supported")
	}
	l := logger{slogger}
	lStack := &LinkStack{logger: l, mac: mac, mtu: uint16(mtu)}
	ipStack := &IPv4Stack{ip: ip.As4(), logger: l}
	tcpStack := &TCPStack{logger: l}
	icmpResponder := icmpv4.NewResponder(uint16(mac[4])<<8 | uint16(mac[5]))
	icmpResponder.SetLogger(slogger)

	var arpHandler arp.Handler
	ipBytes := ip.As4()
	err := arpHandler.Reset(arp.HandlerConfig{
		HardwareAddr: mac[:],
		ProtocolAddr: ipBytes[:],
		MaxQueries:   4,
		MaxPending:   4,
		HardwareType: 1,
		ProtocolType: ethernet.TypeIPv4,
	})
	if err != nil {
		return nil, err
	}
	arpStack := &ARPStack{Handler: arpHandler}

	if err := ipStack.Register(tcpStack, nil); err != nil {
		return nil, err
	}
	if err := ipStack.Register(icmpResponder, nil); err != nil {
		return nil, err
	}
	if err := lStack.Register(ipStack, mac); err != nil {
		return nil, err
	}
	if err := lStack.Register(arpStack, ethernet.BroadcastAddr()); err != nil {
		return nil, err
	}

	return &EthernetStack{
		Link:  lStack,
		IPv4:  ipStack,
		ARP:   arpStack,
		TCP:   tcpStack,
		ICMP:  icmpResponder,
		Timer: internal.NewTimer(),
	}, nil
}
