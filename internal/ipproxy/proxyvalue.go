package ipproxy

// BufLen is the fixed capacity of each direction buffer in a
// ProxyValue: 10*4096 bytes.
const BufLen = 10 * 4096

// ShutdownState tracks which half of a TCP socket has been retired.
// The lattice is None -> {Read, Write} -> Both; once a side reaches
// Both it never regresses.
type ShutdownState int

const (
	ShutdownNone ShutdownState = iota
	ShutdownRead
	ShutdownWrite
	ShutdownBoth
)

// combine applies add to prev per the half-close lattice: a fresh
// direction is recorded as-is, repeating the same direction is a
// no-op, and any two distinct directions saturate to Both.
func combine(prev, add ShutdownState) ShutdownState {
	switch {
	case prev == ShutdownNone:
		return add
	case prev == add && (add == ShutdownRead || add == ShutdownWrite):
		return prev
	default:
		return ShutdownBoth
	}
}

func (s ShutdownState) String() string {
	switch s {
	case ShutdownNone:
		return "none"
	case ShutdownRead:
		return "read"
	case ShutdownWrite:
		return "write"
	case ShutdownBoth:
		return "both"
	default:
		return "invalid"
	}
}

// drainBuf is a fixed-capacity byte queue: append grows it up to its
// capacity, advance drops a consumed prefix. It intentionally never
// reallocates past capacity — the Relay Engine must stop reading its
// source once a direction is at capacity (backpressure). A zero
// capacity (the drainBuf zero value) falls back to BufLen, so tests
// that build one directly keep working unconfigured.
type drainBuf struct {
	b        []byte
	capacity int
}

func (d *drainBuf) Len() int { return len(d.b) }

func (d *drainBuf) Empty() bool { return len(d.b) == 0 }

func (d *drainBuf) Full() bool {
	limit := d.capacity
	if limit <= 0 {
		limit = BufLen
	}
	return len(d.b) >= limit
}

// Append adds p to the buffer. Callers must not exceed the capacity;
// the Relay Engine's read-drain loop enforces that by checking Full()
// before every read and reading no more than the remaining room.
func (d *drainBuf) Append(p []byte) {
	d.b = append(d.b, p...)
}

// Advance drops the first n bytes, which the caller has just
// successfully written out.
func (d *drainBuf) Advance(n int) {
	d.b = d.b[n:]
}

// Bytes returns the buffer's current unconsumed contents.
func (d *drainBuf) Bytes() []byte { return d.b }

func (d *drainBuf) Clear() { d.b = nil }

// ProxyValue is the per-flow relay record: exclusive owner of the two
// OS sockets the Relay Engine shuttles bytes between, plus their
// direction buffers and half-close states. Only ever touched by the
// Relay Engine's own goroutine/thread — never shared.
type ProxyValue struct {
	// srcFD/destFD are the raw OS file descriptors of the redirected
	// client connection and the real-target connection, obtained via
	// SyscallConn so the engine — not Go's netpoller — arbitrates
	// readiness.
	srcFD, destFD int

	srcBuf, destBuf drainBuf

	srcState, destState ShutdownState
}

// newProxyValue builds a ProxyValue for a freshly accepted+connected
// flow; both states start at ShutdownNone. bufLen sizes both direction
// buffers' capacity; 0 falls back to BufLen.
func newProxyValue(srcFD, destFD, bufLen int) *ProxyValue {
	return &ProxyValue{
		srcFD:   srcFD,
		destFD:  destFD,
		srcBuf:  drainBuf{capacity: bufLen},
		destBuf: drainBuf{capacity: bufLen},
	}
}

// sides returns, for the socket on which an event fired (identified by
// fd), (stream1 fd, stream2 fd, buf1, buf2, state1, state2) per §4.2's
// naming: buf1 holds bytes read from stream1 awaiting write to
// stream2; buf2 is the reverse.
func (pv *ProxyValue) sides(fd int) (stream1, stream2 int, buf1, buf2 *drainBuf, state1, state2 *ShutdownState) {
	if fd == pv.srcFD {
		return pv.srcFD, pv.destFD, &pv.srcBuf, &pv.destBuf, &pv.srcState, &pv.destState
	}
	return pv.destFD, pv.srcFD, &pv.destBuf, &pv.srcBuf, &pv.destState, &pv.srcState
}

// terminated implements the exact, intentionally bug-for-bug-preserved
// condition for closing a flow. The original Rust source guards this
// whole check on both states already being set at least once (neither
// is the "untouched" None value), then evaluates:
//
//	(state1==Both && (state2==Write || buf1.is_empty()))
//	  || (state2==Both && state1==Write || buf2.is_empty())
//
// `&&` binds tighter than `||`, so the second disjunct actually parses
// as `(state2==Both && state1==Write) || buf2.is_empty()` — an empty
// buf2 alone closes the flow regardless of either state. That is not a
// typo we're correcting: it is reproduced here exactly, including the
// asymmetry between clause 1 (buf1 is properly gated on state1==Both)
// and clause 2 (buf2 is not gated on state2==Both at all).
func (pv *ProxyValue) terminated() bool {
	s1, s2 := pv.srcState, pv.destState
	if s1 == ShutdownNone || s2 == ShutdownNone {
		return false
	}
	b1empty, b2empty := pv.srcBuf.Empty(), pv.destBuf.Empty()

	if s1 == ShutdownBoth && (s2 == ShutdownWrite || b1empty) {
		return true
	}
	if (s2 == ShutdownBoth && s1 == ShutdownWrite) || b2empty {
		return true
	}
	if s1 == s2 && (s1 == ShutdownBoth || s1 == ShutdownWrite || (b1empty && b2empty)) {
		return true
	}
	return false
}
