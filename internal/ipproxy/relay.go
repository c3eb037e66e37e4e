//go:build linux

package ipproxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"ianus-proxy-core/internal/config"
	"ianus-proxy-core/internal/corelog"
)

// Engine is the Relay Engine: a long-lived, single-threaded worker that
// owns the anchor listener, accepts redirected connections, dials the
// real remote target looked up from the NAT table, and shuttles bytes
// between the two sockets with readiness-based non-blocking I/O.
//
// Every exported method except Start/WireStop/Stop/AnchorPort is only ever
// called from the engine's own goroutine — there is no internal
// locking because there is nothing to contend for.
type Engine struct {
	nat *Table
	bus *corelog.EventBus
	log *corelog.Logger
	cfg config.RelayConfig

	listener   *net.TCPListener
	listenerFD int
	anchorPort uint16

	poller *poller

	// primary maps src fd -> flow; secondary maps dest fd -> src fd.
	primary   map[int]*flow
	secondary map[int]int

	stopCh chan struct{}
}

// flow pairs a ProxyValue with the raw net.Conn handles needed for
// actual Read/Write/CloseRead/CloseWrite syscalls; ProxyValue itself
// only tracks fds, buffers and state.
type flow struct {
	pv         *ProxyValue
	srcConn    *net.TCPConn
	destConn   *net.TCPConn
	srcRawFD   int
	destRawFD  int
}

// NewEngine builds an Engine bound to nat, ready to Start. bus may be
// nil (events are simply not published); log may be nil (falls back to
// corelog.Default). cfg supplies the buffer size, connect timeout, and
// anchor bind address tunables; its zero value falls back to the same
// defaults config.Default() returns.
func NewEngine(nat *Table, bus *corelog.EventBus, log *corelog.Logger, cfg config.RelayConfig) *Engine {
	if log == nil {
		log = corelog.Default
	}
	return &Engine{
		nat:       nat,
		bus:       bus,
		log:       log,
		cfg:       cfg,
		primary:   make(map[int]*flow),
		secondary: make(map[int]int),
		stopCh:    make(chan struct{}),
	}
}

// AnchorPort returns the ephemeral local port bound at Start. Valid
// only after Start returns without error.
func (e *Engine) AnchorPort() uint16 { return e.anchorPort }

// bufLen returns the configured per-direction buffer capacity, falling
// back to BufLen when cfg didn't set one.
func (e *Engine) bufLen() int {
	if e.cfg.BufferSize > 0 {
		return e.cfg.BufferSize
	}
	return BufLen
}

// connectTimeout returns the configured dial timeout for reaching the
// real target, falling back to 3 seconds when cfg didn't set one.
func (e *Engine) connectTimeout() time.Duration {
	if e.cfg.ConnectTimeoutMS > 0 {
		return e.cfg.ConnectTimeout()
	}
	return 3 * time.Second
}

// Start binds the anchor listener on cfg.AnchorBindAddr:0 (falling
// back to all interfaces when unset), initializes the poller, and
// registers the listener and the wakeup eventfd under their reserved
// tokens. It does not block; call Run to enter the main loop.
func (e *Engine) Start() error {
	var bindIP net.IP
	if e.cfg.AnchorBindAddr != "" {
		bindIP = net.ParseIP(e.cfg.AnchorBindAddr)
		if bindIP == nil {
			return fmt.Errorf("ipproxy: invalid anchor bind address %q", e.cfg.AnchorBindAddr)
		}
	}

	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: bindIP, Port: 0})
	if err != nil {
		return fmt.Errorf("ipproxy: bind anchor listener: %w", err)
	}
	e.listener = ln
	e.anchorPort = uint16(ln.Addr().(*net.TCPAddr).Port)

	fd, err := sysFD(ln)
	if err != nil {
		ln.Close()
		return fmt.Errorf("ipproxy: anchor listener fd: %w", err)
	}
	if fd == tokenServer || fd == tokenNotify {
		ln.Close()
		return fmt.Errorf("ipproxy: anchor listener fd collides with reserved token %d", fd)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		ln.Close()
		return fmt.Errorf("ipproxy: set listener nonblocking: %w", err)
	}
	e.listenerFD = fd

	p, err := newPoller()
	if err != nil {
		ln.Close()
		return err
	}
	e.poller = p

	if err := e.poller.add(fd, tokenServer, true, false); err != nil {
		ln.Close()
		p.close()
		return err
	}

	e.log.Infof("relay", "anchor listening on port %d", e.anchorPort)
	return nil
}

// WireStop registers a listener on sm so that sm.Stop() wakes the
// engine's poller and causes Run to return on its next iteration.
func (e *Engine) WireStop(sm stopNotifier) error {
	_, err := sm.AddListener("ipproxy-engine", func() {
		select {
		case <-e.stopCh:
		default:
			close(e.stopCh)
		}
		e.poller.wake()
	})
	return err
}

// stopNotifier is the subset of stopmgr.StopManager the engine needs;
// declared locally so internal/ipproxy does not import internal/stopmgr
// directly (keeps the dependency direction pointing from glue inward).
type stopNotifier interface {
	AddListener(name string, cb func()) (any, error)
}

// Run executes the single-threaded main loop: poll for readiness,
// check the stop flag, dispatch by token. It returns when the stop
// signal fires or the poller fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdownAll()
	defer e.poller.close()
	defer e.listener.Close()

	var events []Event
	for {
		select {
		case <-e.stopCh:
			e.publish(corelog.EventEngineStopped, nil)
			return nil
		case <-ctx.Done():
			e.publish(corelog.EventEngineStopped, nil)
			return nil
		default:
		}

		var err error
		events, err = e.poller.wait(events)
		if err != nil {
			e.log.Errorf("relay", "poller failure: %v", err)
			e.publish(corelog.EventEngineStopped, nil)
			return fmt.Errorf("ipproxy: fatal poller failure: %w", err)
		}

		select {
		case <-e.stopCh:
			e.publish(corelog.EventEngineStopped, nil)
			return nil
		default:
		}

		for _, ev := range events {
			switch ev.Token {
			case tokenServer:
				e.acceptLoop()
			case tokenNotify:
				e.poller.drainNotify()
			default:
				e.handleFlowEvent(ev)
			}
		}
	}
}

// Stop signals the engine to terminate on its next poll iteration.
// Safe to call from any goroutine.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	if e.poller != nil {
		e.poller.wake()
	}
}

// acceptLoop drains the anchor listener non-blockingly until it would
// block, per §4.2.
func (e *Engine) acceptLoop() {
	for {
		rawFD, sa, err := unix.Accept4(e.listenerFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			e.log.Errorf("relay", "accept failure: %v", err)
			return
		}

		peer, ok := sa.(*unix.SockaddrInet4)
		if !ok {
			// IPv6 or unrecognized family: this core is IPv4-only.
			unix.Close(rawFD)
			continue
		}

		if rawFD == tokenServer || rawFD == tokenNotify {
			e.log.Errorf("relay", "accepted fd %d collides with reserved token", rawFD)
			unix.Close(rawFD)
			continue
		}

		peerPort := uint16(peer.Port)

		target, ok := e.nat.Lookup(ClientKey{IP: netip.AddrFrom4(peer.Addr), Port: peerPort})
		if !ok {
			unix.Close(rawFD)
			continue
		}

		e.acceptOne(rawFD, peerPort, target)
	}
}

// acceptOne completes one accepted connection: wraps the raw src fd,
// dials the real target, registers both fds with the poller, and
// inserts the new flow into both maps.
func (e *Engine) acceptOne(srcFD int, peerPort uint16, target Target) {
	srcConn, err := tcpConnFromFD(srcFD, "relay-src")
	if err != nil {
		e.log.Errorf("relay", "register failure wrapping src fd %d: %v", srcFD, err)
		unix.Close(srcFD)
		return
	}
	// net.FileConn dups the descriptor and tcpConnFromFD closes the
	// accepted one, so the flow is keyed on srcConn's own fd.
	if srcFD, err = sysFD(srcConn); err != nil || srcFD == tokenServer || srcFD == tokenNotify {
		e.log.Errorf("relay", "register failure: unusable src fd %d: %v", srcFD, err)
		srcConn.Close()
		return
	}
	srcConn.SetNoDelay(false) // Nagle enabled, matching the original's documented behavior (no-op: this is the net package default).

	destConn, destRawFD, err := e.dialTarget(target, peerPort)
	if err != nil {
		e.log.Warnf("relay", "connect failed for %s:%d: %v", target.IP, target.Port, err)
		srcConn.Close()
		return
	}
	destConn.SetNoDelay(false)

	if destRawFD == tokenServer || destRawFD == tokenNotify {
		e.log.Errorf("relay", "register failure: dest fd %d collides with reserved token", destRawFD)
		srcConn.Close()
		destConn.Close()
		return
	}

	if err := e.poller.add(srcFD, srcFD, true, true); err != nil {
		e.log.Errorf("relay", "register failure for src fd %d: %v", srcFD, err)
		srcConn.Close()
		destConn.Close()
		return
	}
	if err := e.poller.add(destRawFD, destRawFD, true, true); err != nil {
		e.log.Errorf("relay", "register failure for dest fd %d: %v", destRawFD, err)
		e.poller.remove(srcFD)
		srcConn.Close()
		destConn.Close()
		return
	}

	fl := &flow{
		pv:        newProxyValue(srcFD, destRawFD, e.bufLen()),
		srcConn:   srcConn,
		destConn:  destConn,
		srcRawFD:  srcFD,
		destRawFD: destRawFD,
	}
	e.primary[srcFD] = fl
	e.secondary[destRawFD] = srcFD

	e.log.Infof("relay", "flow opened src_fd=%d dest_fd=%d -> %s:%d", srcFD, destRawFD, target.IP, target.Port)
	e.publishAsync(corelog.EventFlowOpened, corelog.FlowPayload{SrcFD: srcFD, DestFD: destRawFD})
}

// dialTarget opens a TCP connection to target, binding to
// 0.0.0.0:peerPort if available (source-port preservation) with
// fallback to an ephemeral port, then connects with the engine's
// configured connect timeout. Returns the wrapped conn and its raw fd.
func (e *Engine) dialTarget(target Target, peerPort uint16) (*net.TCPConn, int, error) {
	dialer := net.Dialer{
		Timeout:   e.connectTimeout(),
		LocalAddr: &net.TCPAddr{Port: int(peerPort)},
	}
	addr := fmt.Sprintf("%s:%d", target.IP, target.Port)

	conn, err := dialer.Dial("tcp4", addr)
	if err != nil {
		// Preferred source port unavailable: fall back to ephemeral.
		dialer.LocalAddr = nil
		conn, err = dialer.Dial("tcp4", addr)
		if err != nil {
			return nil, 0, err
		}
	}
	tcpConn := conn.(*net.TCPConn)

	fd, err := sysFD(tcpConn)
	if err != nil {
		tcpConn.Close()
		return nil, 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		tcpConn.Close()
		return nil, 0, err
	}
	return tcpConn, fd, nil
}

// handleFlowEvent implements §4.2's flow event handling in order:
// readable, writable, read-closed, write-closed, then the termination
// check.
func (e *Engine) handleFlowEvent(ev Event) {
	fl := e.lookupFlow(ev.Token)
	if fl == nil {
		return
	}

	stream1, stream2, buf1, buf2, state1, state2 := fl.pv.sides(ev.Token)
	conn1, conn2 := fl.connFor(stream1), fl.connFor(stream2)

	if ev.Readable {
		if err := e.readDrain(conn1, conn2, buf1, state2); err != nil {
			if buf1.Empty() {
				conn2.CloseWrite()
				*state1 = combine(*state1, ShutdownRead)
			}
		}
	}

	if ev.Writable {
		wasFull := buf2.Full()
		err := e.writeDrain(conn1, buf2)
		if err != nil {
			buf2.Clear()
			conn2.CloseRead()
			*state1 = combine(*state1, ShutdownWrite)
		} else if wasFull {
			if err := e.readDrain(conn2, conn1, buf2, state1); err != nil {
				if buf2.Empty() {
					conn1.CloseWrite()
					*state2 = combine(*state2, ShutdownRead)
				}
			}
		}
	}

	if ev.ReadClosed {
		if buf1.Empty() {
			conn2.CloseWrite()
		}
		*state1 = combine(*state1, ShutdownRead)
	}

	if ev.Error {
		conn2.CloseRead()
		*state1 = combine(*state1, ShutdownWrite)
	}

	if fl.pv.terminated() {
		e.closeFlow(fl)
	}
}

func (fl *flow) connFor(fd int) *net.TCPConn {
	if fd == fl.srcRawFD {
		return fl.srcConn
	}
	return fl.destConn
}

// readDrain implements §4.2's read-drain: stop at capacity
// (backpressure), read until would-block, inline-write into dst when
// mid_buf is empty, else buffer.
func (e *Engine) readDrain(src, dst *net.TCPConn, mid *drainBuf, dstState *ShutdownState) error {
	buf := make([]byte, e.bufLen())
	limit := mid.capacity
	if limit <= 0 {
		limit = BufLen
	}
	for {
		if mid.Full() {
			return nil
		}
		// Read no more than the buffer has room for, so a partial inline
		// write or a buffered append never takes mid past its capacity.
		n, err := rawRead(src, buf[:min(len(buf), limit-mid.Len())])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("ipproxy: eof")
		}

		chunk := buf[:n]
		if mid.Empty() {
			written, werr := rawWrite(dst, chunk)
			if werr != nil && werr != unix.EAGAIN && werr != unix.EWOULDBLOCK {
				mid.Clear()
				*dstState = combine(*dstState, ShutdownWrite)
				return werr
			}
			if written == 0 && werr == nil {
				mid.Clear()
				*dstState = combine(*dstState, ShutdownWrite)
				return fmt.Errorf("ipproxy: inline write eof")
			}
			if written < len(chunk) {
				mid.Append(chunk[written:])
			}
		} else {
			mid.Append(chunk)
		}
	}
}

// writeDrain implements §4.2's write-drain: flush mid's prefix to
// stream until would-block or mid is empty.
func (e *Engine) writeDrain(stream *net.TCPConn, mid *drainBuf) error {
	for !mid.Empty() {
		n, err := rawWrite(stream, mid.Bytes())
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}
		mid.Advance(n)
	}
	return nil
}

func (e *Engine) lookupFlow(token int) *flow {
	if fl, ok := e.primary[token]; ok {
		return fl
	}
	if srcFD, ok := e.secondary[token]; ok {
		return e.primary[srcFD]
	}
	return nil
}

// closeFlow deregisters both sockets, flushes best-effort, and removes
// the flow from both maps.
func (e *Engine) closeFlow(fl *flow) {
	e.poller.remove(fl.srcRawFD)
	e.poller.remove(fl.destRawFD)
	fl.srcConn.Close()
	fl.destConn.Close()
	delete(e.primary, fl.srcRawFD)
	delete(e.secondary, fl.destRawFD)

	e.log.Infof("relay", "flow closed src_fd=%d dest_fd=%d", fl.srcRawFD, fl.destRawFD)
	e.publishAsync(corelog.EventFlowClosed, corelog.FlowPayload{SrcFD: fl.srcRawFD, DestFD: fl.destRawFD})
}

func (e *Engine) shutdownAll() {
	for _, fl := range e.primary {
		fl.srcConn.Close()
		fl.destConn.Close()
	}
	e.primary = make(map[int]*flow)
	e.secondary = make(map[int]int)
}

func (e *Engine) publish(t corelog.EventType, payload any) {
	if e.bus != nil {
		e.bus.Publish(corelog.Event{Type: t, Payload: payload})
	}
}

func (e *Engine) publishAsync(t corelog.EventType, payload any) {
	if e.bus != nil {
		e.bus.PublishAsync(corelog.Event{Type: t, Payload: payload})
	}
}

// rawRead/rawWrite perform a single non-blocking syscall on conn's raw
// fd, bypassing Go's internal netpoller so the engine thread remains
// the sole arbiter of readiness, per the concurrency model.
func rawRead(conn *net.TCPConn, buf []byte) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var serr error
	cerr := rc.Read(func(fd uintptr) bool {
		n, serr = unix.Read(int(fd), buf)
		return true
	})
	if cerr != nil {
		return 0, cerr
	}
	return n, serr
}

func rawWrite(conn *net.TCPConn, buf []byte) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var serr error
	cerr := rc.Write(func(fd uintptr) bool {
		n, serr = unix.Write(int(fd), buf)
		return true
	})
	if cerr != nil {
		return 0, cerr
	}
	return n, serr
}

// sysFD extracts the raw OS file descriptor backing a *net.TCPListener
// or *net.TCPConn via SyscallConn, without transferring ownership (Go
// retains the fd in its netpoller bookkeeping, but the engine performs
// all actual I/O with direct syscalls instead of conn.Read/Write).
func sysFD(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	cerr := rc.Control(func(f uintptr) { fd = int(f) })
	if cerr != nil {
		return 0, cerr
	}
	return fd, nil
}

// tcpConnFromFD wraps an already-accepted, already-nonblocking raw fd
// as a *net.TCPConn so Close/CloseRead/CloseWrite bookkeeping works the
// normal Go way, while actual data I/O still goes through rawRead/
// rawWrite via SyscallConn.
func tcpConnFromFD(fd int, name string) (*net.TCPConn, error) {
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, fmt.Errorf("ipproxy: os.NewFile failed for fd %d", fd)
	}
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("ipproxy: fd %d is not a TCP connection", fd)
	}
	return tcpConn, nil
}
