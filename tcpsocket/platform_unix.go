//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// File: tcpsocket/platform_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on original_source/src/TcpSocket.cpp's setSocketOption/
// connect/send/receive (FD_CLOEXEC, O_NONBLOCK, TCP_NODELAY, EINPROGRESS/
// EAGAIN handling) and the teacher's internal/transport/transport_linux.go
// for the golang.org/x/sys/unix call shapes.

package tcpsocket

import (
	"net"

	"golang.org/x/sys/unix"
)

type unixOps struct{}

func newPlatformOps() platformOps { return unixOps{} }

func (unixOps) socket(family int) (uintptr, error) {
	fam := unix.AF_INET
	if family == 1 {
		fam = unix.AF_INET6
	}
	fd, err := unix.Socket(fam, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return 0, err
	}
	return uintptr(fd), nil
}

func (unixOps) setNonBlockingAndNoDelay(fd uintptr) error {
	if err := unix.SetNonblock(int(fd), true); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

func (unixOps) bind(fd uintptr, addr *net.TCPAddr) error {
	return unix.Bind(int(fd), tcpAddrToSockaddr(addr))
}

func (unixOps) connect(fd uintptr, addr *net.TCPAddr) error {
	err := unix.Connect(int(fd), tcpAddrToSockaddr(addr))
	if err == nil {
		return nil
	}
	if err == unix.EINPROGRESS {
		return errInProgress
	}
	return err
}

func (unixOps) send(fd uintptr, data []byte) (int, error) {
	n, err := unix.Write(int(fd), data)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, err
	}
	if n == 0 && len(data) > 0 {
		return 0, errPeerClosed
	}
	return n, nil
}

func (unixOps) sendv(fd uintptr, iovs [][]byte) (int, error) {
	if len(iovs) == 0 {
		return 0, nil
	}
	n, err := unix.Writev(int(fd), iovs)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, errPeerClosed
	}
	return n, nil
}

func (unixOps) recv(fd uintptr, buf []byte) (int, error) {
	n, err := unix.Read(int(fd), buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, errPeerClosed
	}
	return n, nil
}

func (unixOps) localAddr(fd uintptr) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		return nil, err
	}
	return sockaddrToTCPAddr(sa), nil
}

func (unixOps) shutdownRead(fd uintptr) error {
	return unix.Shutdown(int(fd), unix.SHUT_RD)
}

func (unixOps) closeFD(fd uintptr) error {
	return unix.Close(int(fd))
}

func tcpAddrToSockaddr(a *net.TCPAddr) unix.Sockaddr {
	if ip4 := a.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = a.Port
		copy(sa.Addr[:], ip4)
		return &sa
	}
	var sa unix.SockaddrInet6
	sa.Port = a.Port
	copy(sa.Addr[:], a.IP.To16())
	return &sa
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	default:
		return &net.TCPAddr{}
	}
}
