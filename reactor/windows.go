//go:build windows

// File: reactor/windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Windows PollBackend. The source this spec traces to (kuma) drives an
// IOCP completion port under Windows; this stack is readiness-based
// throughout (TcpSocket/WSConnection assume "fd became readable", not
// "read completed"), so rather than bolt a completion model onto a
// readiness API we poll socket handles with WSAPoll, matching the
// teacher's own reactor/iocp_reactor.go naming but its
// reactor_windows.go's actual poll-based mechanics.

package reactor

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/wangscript007/reactorws/internal/logx"
	"github.com/wangscript007/reactorws/wsapi"
)

var log = logx.New("reactor")

type wsaPollFD struct {
	Fd      windows.Handle
	Events  int16
	REvents int16
}

type windowsBackend struct {
	mu       sync.Mutex
	watching map[uintptr]wsapi.EventMask
	wakeEvt  windows.Handle
}

func newNativeBackend() (wsapi.PollBackend, error) {
	evt, err := windows.CreateEvent(nil, 1 /* manual reset */, 0, nil)
	if err != nil {
		return nil, wsapi.NewError(wsapi.POLL_ERROR, "create wake event").WithContext("errno", err)
	}
	return &windowsBackend{watching: make(map[uintptr]wsapi.EventMask), wakeEvt: evt}, nil
}

func newSelectBackend() (wsapi.PollBackend, error) {
	return newNativeBackend()
}

func (b *windowsBackend) Add(fd uintptr, mask wsapi.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watching[fd] = mask
	return nil
}

func (b *windowsBackend) Modify(fd uintptr, mask wsapi.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watching[fd] = mask
	return nil
}

func (b *windowsBackend) Remove(fd uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watching, fd)
	return nil
}

const (
	pollin  = 0x0300
	pollout = 0x0010
	pollerr = 0x0001
)

func (b *windowsBackend) Wait(timeoutMs int) ([]wsapi.ReadyEvent, error) {
	b.mu.Lock()
	fds := make([]wsaPollFD, 0, len(b.watching))
	order := make([]uintptr, 0, len(b.watching))
	for fd, mask := range b.watching {
		var ev int16
		if mask.Has(wsapi.EventRead) {
			ev |= pollin
		}
		if mask.Has(wsapi.EventWrite) {
			ev |= pollout
		}
		fds = append(fds, wsaPollFD{Fd: windows.Handle(fd), Events: ev})
		order = append(order, fd)
	}
	b.mu.Unlock()

	if len(fds) == 0 {
		windows.WaitForSingleObject(b.wakeEvt, uint32(clampTimeout(timeoutMs)))
		windows.ResetEvent(b.wakeEvt)
		return nil, nil
	}

	n, err := wsaPoll(fds, timeoutMs)
	if err != nil {
		return nil, wsapi.NewError(wsapi.POLL_ERROR, "WSAPoll").WithContext("errno", err)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]wsapi.ReadyEvent, 0, n)
	for i, pfd := range fds {
		var mask wsapi.EventMask
		if pfd.REvents&pollin != 0 {
			mask |= wsapi.EventRead
		}
		if pfd.REvents&pollout != 0 {
			mask |= wsapi.EventWrite
		}
		if pfd.REvents&pollerr != 0 {
			mask |= wsapi.EventError
		}
		if mask != 0 {
			out = append(out, wsapi.ReadyEvent{Fd: order[i], Events: mask})
		}
	}
	return out, nil
}

func clampTimeout(ms int) int {
	if ms < 0 {
		return int(windows.INFINITE)
	}
	return ms
}

func (b *windowsBackend) Wakeup() error {
	return windows.SetEvent(b.wakeEvt)
}

func (b *windowsBackend) TriggerMode() wsapi.TriggerMode { return wsapi.LevelTriggered }

func (b *windowsBackend) Close() error {
	return windows.CloseHandle(b.wakeEvt)
}

var (
	ws2_32       = windows.NewLazySystemDLL("ws2_32.dll")
	procWSAPoll  = ws2_32.NewProc("WSAPoll")
)

// wsaPoll calls the Winsock WSAPoll API directly: golang.org/x/sys/windows
// does not wrap it, but it is the Windows analogue of poll(2) and the
// natural fit for a readiness-based backend on handles that are plain
// SOCKETs (as ours always are — TcpSocket never hands the reactor a
// non-socket handle).
func wsaPoll(fds []wsaPollFD, timeoutMs int) (int, error) {
	if len(fds) == 0 {
		return 0, nil
	}
	r1, _, errno := procWSAPoll.Call(
		uintptr(unsafe.Pointer(&fds[0])),
		uintptr(len(fds)),
		uintptr(timeoutMs),
	)
	n := int(int32(r1))
	if n < 0 {
		return 0, errno
	}
	return n, nil
}
