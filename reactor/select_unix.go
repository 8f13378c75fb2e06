//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// File: reactor/select_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Portable select(2)-based PollBackend, used when a caller explicitly
// requests reactor.Select (spec.md §4.1 "type chosen by caller"). Not
// the default: select's O(n) fd-set scan and FD_SETSIZE ceiling make
// it unsuitable for the high-fd-count case the native backends exist
// for, but it is the lowest common denominator spec.md names.

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wangscript007/reactorws/wsapi"
)

type selectBackend struct {
	mu        sync.Mutex
	watching  map[uintptr]wsapi.EventMask
	wakeR     int
	wakeW     int
	wakePend  bool
}

func newSelectBackend() (wsapi.PollBackend, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, wsapi.NewError(wsapi.POLL_ERROR, "wake pipe create").WithContext("errno", err)
	}
	return &selectBackend{
		watching: make(map[uintptr]wsapi.EventMask),
		wakeR:    fds[0],
		wakeW:    fds[1],
	}, nil
}

func (b *selectBackend) Add(fd uintptr, mask wsapi.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watching[fd] = mask
	return nil
}

func (b *selectBackend) Modify(fd uintptr, mask wsapi.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watching[fd] = mask
	return nil
}

func (b *selectBackend) Remove(fd uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watching, fd)
	return nil
}

// fdSetBit and fdIsSet manipulate a unix.FdSet's underlying bitmap
// directly: x/sys/unix does not expose Set/IsSet helpers on FdSet.
func fdSetBit(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

func (b *selectBackend) Wait(timeoutMs int) ([]wsapi.ReadyEvent, error) {
	b.mu.Lock()
	var rset, wset unix.FdSet
	maxFd := b.wakeR
	fdSetBit(&rset, b.wakeR)
	for fd, mask := range b.watching {
		if int(fd) > maxFd {
			maxFd = int(fd)
		}
		if mask.Has(wsapi.EventRead) {
			fdSetBit(&rset, int(fd))
		}
		if mask.Has(wsapi.EventWrite) {
			fdSetBit(&wset, int(fd))
		}
	}
	b.mu.Unlock()

	var tv *unix.Timeval
	if timeoutMs >= 0 {
		t := unix.NsecToTimeval(int64(timeoutMs) * 1_000_000)
		tv = &t
	}
	n, err := unix.Select(maxFd+1, &rset, &wset, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, wsapi.NewError(wsapi.POLL_ERROR, "select").WithContext("errno", err)
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]wsapi.ReadyEvent, 0, n)
	if fdIsSet(&rset, b.wakeR) {
		b.drainWake()
	}
	b.mu.Lock()
	for fd, mask := range b.watching {
		var got wsapi.EventMask
		if mask.Has(wsapi.EventRead) && fdIsSet(&rset, int(fd)) {
			got |= wsapi.EventRead
		}
		if mask.Has(wsapi.EventWrite) && fdIsSet(&wset, int(fd)) {
			got |= wsapi.EventWrite
		}
		if got != 0 {
			out = append(out, wsapi.ReadyEvent{Fd: fd, Events: got})
		}
	}
	b.mu.Unlock()
	return out, nil
}

func (b *selectBackend) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(b.wakeR, buf[:])
		if err != nil {
			return
		}
	}
}

func (b *selectBackend) Wakeup() error {
	_, err := unix.Write(b.wakeW, []byte{1})
	if err != nil && err != unix.EAGAIN {
		return wsapi.NewError(wsapi.POLL_ERROR, "wake pipe write").WithContext("errno", err)
	}
	return nil
}

func (b *selectBackend) TriggerMode() wsapi.TriggerMode { return wsapi.LevelTriggered }

func (b *selectBackend) Close() error {
	unix.Close(b.wakeR)
	unix.Close(b.wakeW)
	return nil
}
