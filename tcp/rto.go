package tcp

import (
	"time"

	"github.com/nanostack/netstack/internal"
)

// RFC 6298 constants. alpha=1/8, beta=1/4 are the gains recommended by the RFC; rtoMin
// and rtoMax bound the computed RTO; clockGranularity models the RFC's "G" term as the
// smallest RTO adjustment the estimator will resolve.
const (
	rtoAlphaNum, rtoAlphaDen = 1, 8
	rtoBetaNum, rtoBetaDen   = 1, 4
	rtoMin                   = time.Second
	rtoMax                   = 60 * time.Second
	rtoInitial               = time.Second
	clockGranularity         = 100 * time.Millisecond

	// synRTO and synMaxRetries bound SYN retransmission, which RFC 6298 explicitly
	// leaves to implementations (§2.1): a fixed interval and a fixed retry count
	// rather than the full RTT-sampled estimator, since there is no RTT sample yet.
	synRTO        = time.Second
	synMaxRetries = 6

	// maxBackoffShift caps the doubling applied on each RTO timer expiry so current_rto
	// cannot overflow/grow unbounded on a persistently unresponsive peer.
	maxBackoffShift = 6
)

// rtoEstimator implements the RFC 6298 SRTT/RTTVAR/RTO recurrence. Call Sample once per
// RTT measurement that obeys Karn's algorithm (see Handler.onAck in handler.go: only
// ACKs of segments that were never retransmitted contribute a sample).
type rtoEstimator struct {
	srtt      time.Duration
	rttvar    time.Duration
	rto       time.Duration
	hasSample bool
}

// Sample folds one new RTT measurement into the estimator.
func (r *rtoEstimator) Sample(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	if !r.hasSample {
		// RFC 6298 §2.2: first measurement seeds SRTT directly and RTTVAR to half of it.
		r.srtt = rtt
		r.rttvar = rtt / 2
		r.hasSample = true
	} else {
		delta := r.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		r.rttvar = r.rttvar - r.rttvar*rtoBetaNum/rtoBetaDen + delta*rtoBetaNum/rtoBetaDen
		r.srtt = r.srtt - r.srtt*rtoAlphaNum/rtoAlphaDen + rtt*rtoAlphaNum/rtoAlphaDen
	}
	rto := r.srtt + max4(clockGranularity, 4*r.rttvar)
	if rto < rtoMin {
		rto = rtoMin
	} else if rto > rtoMax {
		rto = rtoMax
	}
	r.rto = rto
}

// RTO returns the current retransmission timeout, or the RFC-mandated 1s default before
// any sample has been taken.
func (r *rtoEstimator) RTO() time.Duration {
	if !r.hasSample {
		return rtoInitial
	}
	return r.rto
}

func max4(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// unackedSeg describes the single outstanding retransmittable segment (retransmitTimer
// holds none; Handler keeps the same state in its outSeq/outLen fields):
// TCP only needs to remember the oldest unacknowledged segment's {seq,len,flags} to
// regenerate it, since ControlBlock.PendingSegment can recompute the rest.
type unackedSeg struct {
	seq          Value
	len          Size
	flags        Flags
	sentAt       time.Time
	retransmitted bool
}

// retransmitTimer drives RFC 6298 §5's retransmission algorithm for one connection: an
// RTO timer rearmed on every new segment sent, doubling the timeout on repeated
// expiries ("exponential backoff", RFC 6298 §5.5) and invoking a resend callback instead
// of silently dropping the connection, capped by a separate SYN retry counter while the
// handshake is incomplete.
type retransmitTimer struct {
	timer   *internal.Timer
	est     rtoEstimator
	ev      internal.EventID
	active  bool
	backoff int
	synTry  int
	resend  func()
}

// Init wires the retransmitTimer to a shared timer service and resend callback. resend
// is invoked (on the Timer's own goroutine) whenever the RTO or SYN-retry timer expires;
// it is expected to re-derive and re-send the oldest unacked segment.
func (rt *retransmitTimer) Init(timer *internal.Timer, resend func()) {
	rt.timer = timer
	rt.resend = resend
	rt.est = rtoEstimator{}
	rt.backoff = 0
	rt.synTry = 0
	rt.active = false
}

// ArmData (re)schedules the data/FIN retransmission timer using the current RTO
// estimate. Call this whenever new unacknowledged data is sent and no timer is running.
func (rt *retransmitTimer) ArmData() {
	rt.cancelLocked()
	rto := rt.est.RTO() << min4(rt.backoff, maxBackoffShift)
	rt.ev = rt.timer.QueueRelative(rto, rt.onDataExpire)
	rt.active = true
}

// ArmSyn (re)schedules the fixed-interval SYN retransmission timer. synMaxRetries bounds
// the number of times this may fire before the caller should give up the connection
// attempt with -ETIMEDOUT.
func (rt *retransmitTimer) ArmSyn() {
	rt.cancelLocked()
	rt.ev = rt.timer.QueueRelative(synRTO, rt.onSynExpire)
	rt.active = true
}

// Disarm cancels any pending retransmission timer, e.g. because the outstanding segment
// was acknowledged.
func (rt *retransmitTimer) Disarm() {
	rt.cancelLocked()
	rt.backoff = 0
}

func (rt *retransmitTimer) cancelLocked() {
	if rt.active {
		rt.timer.Cancel(rt.ev)
		rt.active = false
	}
}

func (rt *retransmitTimer) onDataExpire() {
	rt.active = false
	if rt.backoff < maxBackoffShift {
		rt.backoff++
	}
	rt.resend()
}

func (rt *retransmitTimer) onSynExpire() {
	rt.active = false
	rt.synTry++
	if rt.synTry > synMaxRetries {
		return // Caller's resend must check SynExceeded and abort instead of retrying.
	}
	rt.resend()
}

// SynExceeded reports whether the SYN retry budget (TCP_SYN_COUNT) has been exhausted;
// the connection should be aborted with an ETIMEDOUT-equivalent error.
func (rt *retransmitTimer) SynExceeded() bool { return rt.synTry > synMaxRetries }

func min4(a, b int) int {
	if a < b {
		return a
	}
	return b
}
