//go:build linux

// File: reactor/epoll_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll-backed PollBackend. Grounded on reactor/epoll_reactor.go
// and internal/transport/transport_linux.go of the teacher repo: the
// same golang.org/x/sys/unix calls (EpollCreate1, EpollCtl, EpollWait,
// SetsockoptInt for TCP_NODELAY) drive both the teacher's reactor and
// its transport layer.

package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wangscript007/reactorws/internal/logx"
	"github.com/wangscript007/reactorws/wsapi"
)

var log = logx.New("reactor")

type epollBackend struct {
	epfd     int
	wakeFd   int // eventfd used by Wakeup
	mu       sync.Mutex
	watching map[uintptr]wsapi.EventMask
}

func newNativeBackend() (wsapi.PollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd create: %w", err)
	}
	b := &epollBackend{epfd: epfd, wakeFd: wakeFd, watching: make(map[uintptr]wsapi.EventMask)}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wake fd: %w", err)
	}
	return b, nil
}

func toEpollEvents(mask wsapi.EventMask) uint32 {
	var e uint32
	if mask.Has(wsapi.EventRead) {
		e |= unix.EPOLLIN
	}
	if mask.Has(wsapi.EventWrite) {
		e |= unix.EPOLLOUT
	}
	return e
}

func (b *epollBackend) Add(fd uintptr, mask wsapi.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, int(fd), ev); err != nil {
		return wsapi.NewError(wsapi.POLL_ERROR, "epoll_ctl add").WithContext("errno", err)
	}
	b.watching[fd] = mask
	return nil
}

func (b *epollBackend) Modify(fd uintptr, mask wsapi.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, int(fd), ev); err != nil {
		return wsapi.NewError(wsapi.POLL_ERROR, "epoll_ctl mod").WithContext("errno", err)
	}
	b.watching[fd] = mask
	return nil
}

func (b *epollBackend) Remove(fd uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watching[fd]; !ok {
		// Tolerate removing an fd that was never registered, per spec.
		return nil
	}
	delete(b.watching, fd)
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
		if err == unix.EBADF || err == unix.ENOENT {
			return nil
		}
		return wsapi.NewError(wsapi.POLL_ERROR, "epoll_ctl del").WithContext("errno", err)
	}
	return nil
}

func (b *epollBackend) Wait(timeoutMs int) ([]wsapi.ReadyEvent, error) {
	var raw [128]unix.EpollEvent
	n, err := unix.EpollWait(b.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, wsapi.NewError(wsapi.POLL_ERROR, "epoll_wait").WithContext("errno", err)
	}
	out := make([]wsapi.ReadyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := raw[i]
		if int(ev.Fd) == b.wakeFd {
			b.drainWake()
			continue
		}
		var mask wsapi.EventMask
		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			mask |= wsapi.EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			mask |= wsapi.EventWrite
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= wsapi.EventError
		}
		out = append(out, wsapi.ReadyEvent{Fd: uintptr(ev.Fd), Events: mask})
	}
	return out, nil
}

func (b *epollBackend) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(b.wakeFd, buf[:])
		if err != nil {
			return
		}
	}
}

func (b *epollBackend) Wakeup() error {
	one := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(b.wakeFd, one[:])
	if err != nil && err != unix.EAGAIN {
		return wsapi.NewError(wsapi.POLL_ERROR, "eventfd write").WithContext("errno", err)
	}
	return nil
}

func (b *epollBackend) TriggerMode() wsapi.TriggerMode { return wsapi.LevelTriggered }

func (b *epollBackend) Close() error {
	unix.Close(b.wakeFd)
	return unix.Close(b.epfd)
}
