package tcp

import (
	"encoding/binary"
	"io"

	"github.com/nanostack/netstack"
	"golang.org/x/crypto/blake2b"
)

// Embed low 5 bits of counter and a 2-bit MSS index into cookie for efficient validation
// and to carry the client's negotiated MSS across the stateless handshake.
// Lowest bits of cookie are counter bits, next are the MSS index, remainder is hash.
const (
	cookiebits  = 32
	counterbits = 5
	mssbits     = 2
	hashbits    = cookiebits - counterbits - mssbits
	countermsk  = (1 << counterbits) - 1
	mssmsk      = (1 << mssbits) - 1
)

// SYNCookieJar implements SYN cookie generation and validation for TCP SYN flood protection.
// SYN cookies allow a server to avoid allocating state for half-open connections by
// encoding connection parameters into the Initial Sequence Number (ISS) of the SYN-ACK response.
//
// The cookie encodes:
//   - A hash of the connection tuple (src IP, dst IP, src port, dst port)
//   - A timestamp counter for cookie expiration
//   - MSS index (optional, for preserving Maximum Segment Size negotiation)
//
// See RFC 4987 for background on SYN flood attacks and cookie-based mitigations.
type SYNCookieJar struct {
	// counter is incremented periodically or under pressure to expire old cookies.
	// Cookies generated with a counter more than maxCounterDelta behind current are rejected.
	counter uint32
	// maxCounterDelta defines how many counter increments a cookie remains valid.
	// A value of 2 means cookies from counter, counter-1, and counter-2 are accepted.
	maxCounterDelta uint32
	// secret is the key used for cookie generation. Should be random and kept private.
	secret [16]byte
}

// SYNCookieConfig contains configuration for SYN cookie initialization.
type SYNCookieConfig struct {
	// Rand is used for entropy generation of cookies.
	Rand io.Reader
	// MaxCounterDelta defines cookie validity window in counter increments.
	// Recommended value is 1-2. Zero defaults to 1.
	MaxCounterDelta uint32
}

var errInvalidCookie error = lneto.ErrMismatch

// Reset initializes or reinitializes the SYNCookie with the given configuration.
// The counter is preserved across resets to maintain cookie validity during secret rotation.
func (sc *SYNCookieJar) Reset(config SYNCookieConfig) error {
	if config.Rand == nil {
		return lneto.ErrInvalidConfig
	}
	_, err := io.ReadFull(config.Rand, sc.secret[:])
	if err != nil {
		return err
	}
	maxDelta := config.MaxCounterDelta
	if maxDelta == 0 {
		maxDelta = 1
	}
	sc.maxCounterDelta = maxDelta
	// counter is intentionally NOT reset to preserve validity of recent cookies
	return nil
}

// IncrementCounter advances the counter, which will eventually expire old cookies.
// Call this periodically (e.g., every few seconds) or when under SYN flood pressure.
func (sc *SYNCookieJar) IncrementCounter() {
	sc.counter++
}

// Counter returns the current counter value.
func (sc *SYNCookieJar) Counter() uint32 {
	return sc.counter
}

// MakeSYNCookie creates a SYN cookie value to be used as the ISS in a SYN-ACK response.
// The cookie encodes the connection tuple and current counter for later validation.
//
// Parameters:
//   - srcAddr: source IP address (4 bytes for IPv4, 16 for IPv6)
//   - dstAddr: destination IP address
//   - srcPort: source TCP port
//   - dstPort: destination TCP port
//   - clientISN: the client's Initial Sequence Number from the SYN packet
//   - mss: the client's advertised MSS from its SYN, folded into a 2-bit index and
//     returned again by [SYNCookieJar.ValidateSYNCookie] once the handshake completes
func (sc *SYNCookieJar) MakeSYNCookie(srcAddr, dstAddr []byte, srcPort, dstPort uint16, clientISN Value, mss uint16) Value {
	return sc.generateWithCounter(srcAddr, dstAddr, srcPort, dstPort, clientISN, sc.counter, encodeMSSIndex(mss))
}

// generateWithCounter creates a cookie using a specific counter value.
func (sc *SYNCookieJar) generateWithCounter(srcAddr, dstAddr []byte, srcPort, dstPort uint16, clientISN Value, counter uint32, mssIdx uint8) Value {
	// Cookie structure (32 bits):
	//   [25 bits: hash of tuple+secret+counter+mssIdx][2 bits: MSS index][5 bits: counter low bits]
	//
	// The counter bits allow validation to check multiple counter values efficiently.
	// The hash provides cryptographic binding to the connection tuple and the MSS index.
	hash := sc.hashTuple(srcAddr, dstAddr, srcPort, dstPort, clientISN, counter, mssIdx)
	hash = hash << (counterbits + mssbits)
	packed := hash | (uint32(mssIdx&mssmsk) << counterbits) | counter&countermsk
	return Value(packed)
}

// ValidateSYNCookie checks if an ACK number from a client completing the handshake contains
// a valid cookie. Returns the original cookie value if valid.
//
// Parameters:
//   - srcAddr, dstAddr: IP addresses (must match original SYN)
//   - srcPort, dstPort: TCP ports (must match original SYN)
//   - clientISN: client's ISN from original SYN (can be derived from ack-1 of final ACK)
//   - ackNum: the ACK number from the client's ACK packet (should be cookie+1)
//
// Returns the cookie value, the client's MSS recovered from the cookie, and a nil error
// if valid, or zero and an error if invalid.
func (sc *SYNCookieJar) ValidateSYNCookie(srcAddr, dstAddr []byte, srcPort, dstPort uint16, clientISN Value, ackNum Value) (Value, uint16, error) {
	// Client ACKs cookie+1, so the cookie is ackNum-1
	cookie := ackNum - 1

	// Extract counter and MSS index bits from cookie
	cookieCounterBits := uint32(cookie) & countermsk
	mssIdx := uint8(uint32(cookie)>>counterbits) & mssmsk

	// Try validation with current counter and allowed previous values
	for delta := uint32(0); delta <= sc.maxCounterDelta; delta++ {
		tryCounter := sc.counter - delta
		tryCounterBits := tryCounter & countermsk
		if tryCounterBits != cookieCounterBits {
			continue
		}

		// Counter bits match, verify full hash
		expected := sc.generateWithCounter(srcAddr, dstAddr, srcPort, dstPort, clientISN, tryCounter, mssIdx)
		if expected == cookie {
			return cookie, decodeMSSIndex(mssIdx), nil
		}
	}

	return 0, 0, errInvalidCookie
}

// hashTuple computes a keyed BLAKE2b hash of the connection tuple, secret, counter and MSS
// index, folded down to 32 bits. The secret keys the hash so an off-path attacker who cannot
// observe the server's traffic cannot forge a valid cookie for a tuple it hasn't seen, and
// binding the MSS index prevents it being tampered with independently of the rest of the cookie.
func (sc *SYNCookieJar) hashTuple(srcAddr, dstAddr []byte, srcPort, dstPort uint16, clientISN Value, counter uint32, mssIdx uint8) uint32 {
	h, err := blake2b.New256(sc.secret[:])
	if err != nil {
		// secret is a fixed 16 byte key, well within blake2b's 64 byte key limit.
		panic(err)
	}
	var ports [4]byte
	binary.LittleEndian.PutUint16(ports[0:2], srcPort)
	binary.LittleEndian.PutUint16(ports[2:4], dstPort)
	h.Write(ports[:])
	h.Write(srcAddr)
	h.Write(dstAddr)
	var tail [9]byte
	binary.LittleEndian.PutUint32(tail[0:4], uint32(clientISN))
	binary.LittleEndian.PutUint32(tail[4:8], counter)
	tail[8] = mssIdx
	h.Write(tail[:])

	var sum [blake2b.Size256]byte
	h.Sum(sum[:0])
	var folded uint32
	for i := 0; i < len(sum); i += 4 {
		folded ^= binary.LittleEndian.Uint32(sum[i : i+4])
	}
	return folded
}

// encodeMSSIndex encodes an MSS value into a 2-bit index for embedding in cookies.
// The index selects one of 536, 1220, 1460 and 8960: the smallest of these that is not
// below mss, or 8960 for anything larger.
func encodeMSSIndex(mss uint16) uint8 {
	// Table values: 536 (minimum), 1220, 1460 (Ethernet), 8960 (jumbo)
	switch {
	case mss <= 536:
		return 0
	case mss <= 1220:
		return 1
	case mss <= 1460:
		return 2
	default:
		return 3
	}
}

// decodeMSSIndex converts a 2-bit index back to an MSS value.
func decodeMSSIndex(idx uint8) uint16 {
	switch idx & 0x3 {
	case 0:
		return 536
	case 1:
		return 1220
	case 2:
		return 1460
	default:
		return 8960
	}
}
