//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// File: tcpsocket/socket_unix_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcpsocket

import (
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wangscript007/reactorws/eventloop"
	"github.com/wangscript007/reactorws/reactor"
	"github.com/wangscript007/reactorws/wsapi"
)

func newTestLoop(t *testing.T) *eventloop.EventLoop {
	t.Helper()
	backend, err := reactor.New(reactor.Select)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	return eventloop.New(backend)
}

func runLoopAsync(t *testing.T, l *eventloop.EventLoop) func() {
	t.Helper()
	done := make(chan struct{})
	go func() { l.Loop(); close(done) }()
	return func() { l.Stop(); <-done }
}

// acceptRawFD accepts one connection on ln and duplicates its raw fd so
// the accepted net.Conn can be closed independently of the descriptor
// handed to AttachFD, mirroring how an external accept loop hands a
// server socket over to TcpSocket in this package's intended usage.
func acceptRawFD(t *testing.T, ln net.Listener) uintptr {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	tc := conn.(*net.TCPConn)
	raw, err := tc.SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn: %v", err)
	}
	var dup int
	var dupErr error
	raw.Control(func(fd uintptr) {
		dup, dupErr = unix.Dup(int(fd))
	})
	if dupErr != nil {
		t.Fatalf("dup: %v", dupErr)
	}
	tc.Close()
	return uintptr(dup)
}

func TestConnectAttachSendReceiveEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	serverLoop := newTestLoop(t)
	stopServer := runLoopAsync(t, serverLoop)
	defer stopServer()

	clientLoop := newTestLoop(t)
	stopClient := runLoopAsync(t, clientLoop)
	defer stopClient()

	client := New(clientLoop)
	connected := make(chan error, 1)
	var connectErr error
	clientLoop.RunInLoopSync(func() {
		connectErr = client.Connect(addr.IP.String(), uint16(addr.Port), 2000, func(e *wsapi.Error) {
			if e != nil {
				connected <- e
				return
			}
			connected <- nil
		})
	})
	if connectErr != nil {
		t.Fatalf("Connect: %v", connectErr)
	}

	serverFD := acceptRawFD(t, ln)
	var server *Socket
	serverLoop.RunInLoopSync(func() {
		server = New(serverLoop)
	})

	echoed := make(chan []byte, 1)
	serverLoop.RunInLoopSync(func() {
		if err := server.AttachFD(serverFD); err != nil {
			t.Errorf("AttachFD: %v", err)
		}
		server.OnReceive(func() {
			buf := make([]byte, 256)
			n, err := server.Receive(buf)
			if err != nil || n == 0 {
				return
			}
			server.Send(buf[:n])
		})
	})

	select {
	case err := <-connected:
		if err != nil {
			t.Fatalf("connect callback error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}

	var once sync.Once
	client.OnReceive(func() {
		buf := make([]byte, 256)
		n, err := client.Receive(buf)
		if err != nil || n == 0 {
			return
		}
		once.Do(func() {
			got := make([]byte, n)
			copy(got, buf[:n])
			echoed <- got
		})
	})

	if _, err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-echoed:
		if string(got) != "hello" {
			t.Fatalf("echoed = %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("echo never arrived")
	}

	client.Close()
	serverLoop.RunInLoopSync(func() { server.Close() })
}

func TestBindRejectsNonIdleState(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	s := New(l)
	if err := s.Connect("127.0.0.1", 1, 50, func(*wsapi.Error) {}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Bind("127.0.0.1", 0); err == nil {
		t.Fatal("expected invalid-state error on bind while CONNECTING")
	} else if wsapi.Code(err) != wsapi.INVALID_STATE {
		t.Fatalf("got code %v, want INVALID_STATE", wsapi.Code(err))
	}
}

func TestRebindDiscardsPriorDescriptor(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	s := New(l)
	if err := s.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := s.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("second bind: %v", err)
	}
}

func TestSendVectoredRejectsTooManySegments(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	s := New(l)
	iovs := make([][]byte, maxSendSegments+1)
	for i := range iovs {
		iovs[i] = []byte("x")
	}
	_, err := s.SendVectored(iovs)
	if err == nil || wsapi.Code(err) != wsapi.INVALID_PARAM {
		t.Fatalf("got err=%v, want INVALID_PARAM", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	s := New(l)
	if err := s.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
	if s.State() != wsapi.StateClosed {
		t.Fatalf("state = %v, want CLOSED", s.State())
	}
}
