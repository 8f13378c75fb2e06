//go:build windows

// File: tcpsocket/platform_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Windows platformOps via golang.org/x/sys/windows, mirroring
// original_source/src/TcpSocket.cpp's KUMA_OS_WIN branch (ioctlsocket
// FIONBIO for non-blocking, setsockopt TCP_NODELAY, WSAGetLastError
// mapped onto the same EAGAIN/EINPROGRESS-shaped sentinel errors the
// unix variant produces so socket.go's state machine stays platform-free).

package tcpsocket

import (
	"net"

	"golang.org/x/sys/windows"
)

type windowsOps struct{}

func newPlatformOps() platformOps { return windowsOps{} }

func (windowsOps) socket(family int) (uintptr, error) {
	fam := windows.AF_INET
	if family == 1 {
		fam = windows.AF_INET6
	}
	fd, err := windows.Socket(fam, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return 0, err
	}
	return uintptr(fd), nil
}

func (windowsOps) setNonBlockingAndNoDelay(fd uintptr) error {
	mode := uint32(1)
	if err := windows.Ioctlsocket(windows.Handle(fd), windows.FIONBIO, &mode); err != nil {
		return err
	}
	return windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_TCP, windows.TCP_NODELAY, 1)
}

func (windowsOps) bind(fd uintptr, addr *net.TCPAddr) error {
	return windows.Bind(windows.Handle(fd), tcpAddrToSockaddr(addr))
}

func (windowsOps) connect(fd uintptr, addr *net.TCPAddr) error {
	err := windows.Connect(windows.Handle(fd), tcpAddrToSockaddr(addr))
	if err == nil {
		return nil
	}
	if err == windows.WSAEWOULDBLOCK {
		return errInProgress
	}
	return err
}

func (windowsOps) send(fd uintptr, data []byte) (int, error) {
	n, err := windows.Write(windows.Handle(fd), data)
	if err != nil {
		if err == windows.WSAEWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, err
	}
	if n == 0 && len(data) > 0 {
		return 0, errPeerClosed
	}
	return n, nil
}

func (o windowsOps) sendv(fd uintptr, iovs [][]byte) (int, error) {
	total := 0
	for _, seg := range iovs {
		n, err := o.send(fd, seg)
		total += n
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if n < len(seg) {
			return total, nil
		}
	}
	return total, nil
}

func (windowsOps) recv(fd uintptr, buf []byte) (int, error) {
	n, err := windows.Read(windows.Handle(fd), buf)
	if err != nil {
		if err == windows.WSAEWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, errPeerClosed
	}
	return n, nil
}

func (windowsOps) localAddr(fd uintptr) (*net.TCPAddr, error) {
	sa, err := windows.Getsockname(windows.Handle(fd))
	if err != nil {
		return nil, err
	}
	return sockaddrToTCPAddr(sa), nil
}

func (windowsOps) shutdownRead(fd uintptr) error {
	return windows.Shutdown(windows.Handle(fd), windows.SHUT_RD)
}

func (windowsOps) closeFD(fd uintptr) error {
	return windows.Closesocket(windows.Handle(fd))
}

func tcpAddrToSockaddr(a *net.TCPAddr) windows.Sockaddr {
	if ip4 := a.IP.To4(); ip4 != nil {
		var sa windows.SockaddrInet4
		sa.Port = a.Port
		copy(sa.Addr[:], ip4)
		return &sa
	}
	var sa windows.SockaddrInet6
	sa.Port = a.Port
	copy(sa.Addr[:], a.IP.To16())
	return &sa
}

func sockaddrToTCPAddr(sa windows.Sockaddr) *net.TCPAddr {
	switch s := sa.(type) {
	case *windows.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	case *windows.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	default:
		return &net.TCPAddr{}
	}
}
