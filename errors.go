package lneto

import "errors"

// Generic errors shared across protocol packages (ethernet, arp, ipv4, tcp, udp, icmpv4).
var (
	ErrPacketDrop         = errors.New("packet dropped")
	ErrBadCRC             = errors.New("incorrect checksum")
	ErrZeroSource         = errors.New("zero source port/address")
	ErrZeroDestination    = errors.New("zero destination port/address")
	ErrShortBuffer        = errors.New("buffer too short")
	ErrInvalidLengthField = errors.New("invalid length field")
	ErrInvalidField       = errors.New("invalid field value")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMismatch           = errors.New("mismatch")
)
