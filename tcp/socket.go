package tcp

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

// fourTuple identifies a TCP endpoint pairing. A zero field matches any value in the
// opposing tuple during a lookup -- this is how a LISTEN socket (no remote endpoint yet)
// matches the first SYN from any client on its port.
type fourTuple struct {
	remoteAddr netip.Addr
	localAddr  netip.Addr
	remotePort uint16
	localPort  uint16
}

func (t fourTuple) matches(in fourTuple) bool {
	return (!t.remoteAddr.IsValid() || t.remoteAddr == in.remoteAddr) &&
		(!t.localAddr.IsValid() || t.localAddr == in.localAddr) &&
		(t.remotePort == 0 || t.remotePort == in.remotePort) &&
		(t.localPort == 0 || t.localPort == in.localPort)
}

// Socket is the refcounted handle a [SocketTable] stores, tracking the 4-tuple it
// answers to and how many owners still reference it. Listener.reset creates one per bound
// [Listener]; a [Conn] does not register a Socket.
// Destruction is deferred until the last reference is dropped, matching the socket
// lifetime rules of a BSD-style stack: a TIME_WAIT socket or a Conn still draining its
// receive buffer after the peer's FIN must survive being unlinked from the table.
type Socket struct {
	refs      int32
	tuple     fourTuple
	isListen  bool
	onDestroy func()
}

// NewSocket creates a Socket bound to tuple with an initial reference count of one (held
// implicitly by the caller until it registers the socket in a table or releases it).
func NewSocket(tuple fourTuple, isListen bool, onDestroy func()) *Socket {
	return &Socket{refs: 1, tuple: tuple, isListen: isListen, onDestroy: onDestroy}
}

// Incref adds a reference, e.g. when a lookup hands out a socket to a caller that will
// hold onto it past the lookup itself (an accepted connection, a scheduled retransmit).
func (s *Socket) Incref() { atomic.AddInt32(&s.refs, 1) }

// Decref releases a reference. The caller must not otherwise be holding the socket's own
// lock across this call: once the count reaches zero, onDestroy runs synchronously to
// release buffers, cancel timers and finally free the Socket.
func (s *Socket) Decref() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		if s.onDestroy != nil {
			s.onDestroy()
		}
	}
}

// SocketTable is the process-wide registry of live TCP sockets, looked up by 4-tuple on
// every inbound segment demultiplexed off the IP layer. Exact (fully-specified) tuples
// are kept ahead of wildcard LISTEN entries in iteration order so a connected socket
// always wins a lookup over a listener sharing its local port, per the "first match
// wins, LISTEN last" rule.
type SocketTable struct {
	mu      sync.Mutex
	sockets []*Socket
}

// Add registers s in the table, taking a reference. LISTEN sockets are appended to the
// end; connected sockets are inserted at the front.
func (st *SocketTable) Add(s *Socket) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s.Incref()
	if s.isListen {
		st.sockets = append(st.sockets, s)
	} else {
		st.sockets = append(st.sockets, nil)
		copy(st.sockets[1:], st.sockets)
		st.sockets[0] = s
	}
}

// Remove unlinks s from the table and drops the table's reference to it.
func (st *SocketTable) Remove(s *Socket) {
	st.mu.Lock()
	idx := -1
	for i, e := range st.sockets {
		if e == s {
			idx = i
			break
		}
	}
	if idx >= 0 {
		st.sockets = append(st.sockets[:idx], st.sockets[idx+1:]...)
	}
	st.mu.Unlock()
	if idx >= 0 {
		s.Decref()
	}
}

// Lookup returns the first socket whose tuple matches in, or nil. The returned socket's
// reference count is NOT incremented; callers that retain it past the lookup call must
// Incref explicitly (this mirrors find_socket in the design notes, which is read-only).
func (st *SocketTable) Lookup(in fourTuple) *Socket {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.sockets {
		if s.tuple.matches(in) {
			return s
		}
	}
	return nil
}

// Len reports the number of registered sockets, for diagnostics and backlog accounting.
func (st *SocketTable) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sockets)
}

// globalSockets is the process-wide table every [Listener] registers itself into for the
// duration it is bound to a port. A per-process table (rather than one instance per
// Listener) mirrors a real kernel's socket table, where a diagnostic tool can ask "what is
// listening right now" without being handed a reference to each listener individually.
var globalSockets SocketTable

// ActiveSockets reports how many sockets (currently: bound Listeners) are registered
// process-wide, for a stack's periodic diagnostic logging.
func ActiveSockets() int { return globalSockets.Len() }
