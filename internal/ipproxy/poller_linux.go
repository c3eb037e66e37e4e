//go:build linux

package ipproxy

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Reserved tokens: SERVER is the anchor listener, NOTIFY is the
// cross-thread wakeup eventfd. Any accepted socket reporting one of
// these fds as its own is rejected (§3 invariant).
const (
	tokenServer = 0
	tokenNotify = 1
)

// Event is one readiness notification returned by Wait.
type Event struct {
	Token      int
	Readable   bool
	Writable   bool
	ReadClosed bool // peer half-closed (EPOLLRDHUP)
	Error      bool // EPOLLERR or EPOLLHUP
}

// poller is a thin wrapper over epoll(7), registering interest with
// EPOLLET (edge-triggered) to match the original mio-based engine's
// default behavior on Linux. Edge-triggering is why the read/write
// drain loops must always run to "would block" rather than stopping
// after a single successful call.
type poller struct {
	epfd     int
	notifyFD int
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ipproxy: epoll_create1: %w", err)
	}

	notifyFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("ipproxy: eventfd: %w", err)
	}

	p := &poller{epfd: epfd, notifyFD: notifyFD}
	if err := p.add(notifyFD, tokenNotify, true, false); err != nil {
		unix.Close(epfd)
		unix.Close(notifyFD)
		return nil, err
	}
	return p, nil
}

// add registers fd for readiness events under token, edge-triggered.
func (p *poller) add(fd, token int, readable, writable bool) error {
	var events uint32 = unix.EPOLLET | unix.EPOLLRDHUP
	if readable {
		events |= unix.EPOLLIN
	}
	if writable {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(token)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ipproxy: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// remove deregisters fd. Errors are not actionable (the fd may already
// be closed, which implicitly deregisters it) so they are ignored by
// callers.
func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wake fires the NOTIFY token, used by the stop-signal listener to
// break the engine out of a blocking Wait.
func (p *poller) wake() error {
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(p.notifyFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("ipproxy: eventfd write: %w", err)
	}
	return nil
}

// drainNotify clears the eventfd's counter after observing the NOTIFY
// token, so a repeat wake isn't silently coalesced into nothing.
func (p *poller) drainNotify() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.notifyFD, buf[:])
		if err != nil {
			return
		}
	}
}

// wait blocks until at least one event is ready, appending results to
// dst (reused across calls to avoid per-iteration allocation) and
// returning the populated slice.
func (p *poller) wait(dst []Event) ([]Event, error) {
	var raw [64]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], -1)
	if err != nil {
		if err == unix.EINTR {
			return dst[:0], nil
		}
		return nil, fmt.Errorf("ipproxy: epoll_wait: %w", err)
	}

	dst = dst[:0]
	for i := 0; i < n; i++ {
		e := raw[i]
		dst = append(dst, Event{
			Token:      int(e.Fd),
			Readable:   e.Events&unix.EPOLLIN != 0,
			Writable:   e.Events&unix.EPOLLOUT != 0,
			ReadClosed: e.Events&unix.EPOLLRDHUP != 0,
			Error:      e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return dst, nil
}

func (p *poller) close() error {
	err1 := unix.Close(p.notifyFD)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
