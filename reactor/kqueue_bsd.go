//go:build darwin || dragonfly || freebsd || netbsd || openbsd

// File: reactor/kqueue_bsd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// BSD/Darwin kqueue-backed PollBackend. Mirrors the shape of
// epoll_linux.go (same Add/Modify/Remove/Wait/Wakeup contract) using
// golang.org/x/sys/unix's kqueue/kevent, the same package family the
// teacher uses for its Linux epoll backend.

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wangscript007/reactorws/internal/logx"
	"github.com/wangscript007/reactorws/wsapi"
)

var log = logx.New("reactor")

const wakeIdent = ^uintptr(0) // sentinel ident for the EVFILT_USER wake event

type kqueueBackend struct {
	kq       int
	mu       sync.Mutex
	watching map[uintptr]wsapi.EventMask
}

func newNativeBackend() (wsapi.PollBackend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, wsapi.NewError(wsapi.POLL_ERROR, "kqueue create").WithContext("errno", err)
	}
	b := &kqueueBackend{kq: kq, watching: make(map[uintptr]wsapi.EventMask)}
	wake := unix.Kevent_t{
		Ident:  uint64(wakeIdent),
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wake}, nil, nil); err != nil {
		unix.Close(kq)
		return nil, wsapi.NewError(wsapi.POLL_ERROR, "kevent add wake event").WithContext("errno", err)
	}
	return b, nil
}

func (b *kqueueBackend) changeList(fd uintptr, mask wsapi.EventMask, flags uint16) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if mask.Has(wsapi.EventRead) || flags&unix.EV_DELETE != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if mask.Has(wsapi.EventWrite) || flags&unix.EV_DELETE != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return changes
}

func (b *kqueueBackend) Add(fd uintptr, mask wsapi.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	changes := b.changeList(fd, mask, unix.EV_ADD|unix.EV_ENABLE)
	if _, err := unix.Kevent(b.kq, changes, nil, nil); err != nil {
		return wsapi.NewError(wsapi.POLL_ERROR, "kevent add").WithContext("errno", err)
	}
	b.watching[fd] = mask
	return nil
}

func (b *kqueueBackend) Modify(fd uintptr, mask wsapi.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Remove both filters, then re-add only the ones requested: kqueue
	// has no single "change interest mask" call like epoll_ctl(MOD).
	del := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	unix.Kevent(b.kq, del, nil, nil) // best-effort; fd may not have both filters armed
	add := b.changeList(fd, mask, unix.EV_ADD|unix.EV_ENABLE)
	if len(add) > 0 {
		if _, err := unix.Kevent(b.kq, add, nil, nil); err != nil {
			return wsapi.NewError(wsapi.POLL_ERROR, "kevent modify").WithContext("errno", err)
		}
	}
	b.watching[fd] = mask
	return nil
}

func (b *kqueueBackend) Remove(fd uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watching[fd]; !ok {
		return nil
	}
	delete(b.watching, fd)
	changes := b.changeList(fd, wsapi.EventRead|wsapi.EventWrite, unix.EV_DELETE)
	unix.Kevent(b.kq, changes, nil, nil) // tolerate already-closed fd
	return nil
}

func (b *kqueueBackend) Wait(timeoutMs int) ([]wsapi.ReadyEvent, error) {
	var raw [128]unix.Kevent_t
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1_000_000)
		ts = &t
	}
	n, err := unix.Kevent(b.kq, nil, raw[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, wsapi.NewError(wsapi.POLL_ERROR, "kevent wait").WithContext("errno", err)
	}
	out := make([]wsapi.ReadyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := raw[i]
		if ev.Ident == uint64(wakeIdent) {
			continue
		}
		var mask wsapi.EventMask
		switch ev.Filter {
		case unix.EVFILT_READ:
			mask = wsapi.EventRead
		case unix.EVFILT_WRITE:
			mask = wsapi.EventWrite
		}
		if ev.Flags&unix.EV_EOF != 0 || ev.Flags&unix.EV_ERROR != 0 {
			mask |= wsapi.EventError
		}
		out = append(out, wsapi.ReadyEvent{Fd: uintptr(ev.Ident), Events: mask})
	}
	return out, nil
}

func (b *kqueueBackend) Wakeup() error {
	trigger := unix.Kevent_t{Ident: uint64(wakeIdent), Filter: unix.EVFILT_USER, Fflags: unix.NOTE_TRIGGER}
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{trigger}, nil, nil); err != nil {
		return wsapi.NewError(wsapi.POLL_ERROR, "kevent trigger wake").WithContext("errno", err)
	}
	return nil
}

func (b *kqueueBackend) TriggerMode() wsapi.TriggerMode { return wsapi.LevelTriggered }

func (b *kqueueBackend) Close() error {
	return unix.Close(b.kq)
}
