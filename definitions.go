package lneto

import "strconv"

// IPProto identifies the protocol encapsulated in an IPv4/IPv6 payload. See RFC 790.
type IPProto uint8

const (
	IPProtoICMP    IPProto = 1
	IPProtoTCP     IPProto = 6
	IPProtoUDP     IPProto = 17
	IPProtoUDPLite IPProto = 136
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	case IPProtoUDPLite:
		return "UDPLite"
	default:
		return "IPProto(" + strconv.Itoa(int(p)) + ")"
	}
}
