// File: wsapi/interfaces.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// External collaborator interfaces named in spec.md §6: the poll
// backend, the TLS engine, and the HTTP/1.1 stream. Concrete backends
// live in sibling packages (reactor, tlsengine, h1x); this package only
// fixes the contract so tcpsocket/ws can depend on the interface, not
// the implementation, matching the teacher's api/interfaces.go split.

package wsapi

import "io"

// PollBackend abstracts OS readiness notification (select / poll /
// epoll / kqueue / IOCP-simulated).
type PollBackend interface {
	Add(fd uintptr, mask EventMask) error
	Modify(fd uintptr, mask EventMask) error
	Remove(fd uintptr) error
	Wait(timeoutMs int) ([]ReadyEvent, error)
	Wakeup() error
	TriggerMode() TriggerMode
	Close() error
}

// ReadyEvent is one readiness notification returned by PollBackend.Wait.
type ReadyEvent struct {
	Fd     uintptr
	Events EventMask
}

// TLSEngine wraps a byte stream with handshake and record-layer framing.
type TLSEngine interface {
	Attach(fd uintptr, role Role) error
	Handshake() (TLSHandshakeResult, error)
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	WriteVectored(iovs [][]byte) (int, error)
	Close() error
}

// H1xStream parses and emits HTTP/1.1 messages over a TcpSocket-like
// byte stream, per spec.md §6.
type H1xStream interface {
	OnHeader(fn func())
	OnData(fn func(buf []byte))
	OnWriteReady(fn func())
	OnError(fn func(err error))
	OnIncomingComplete(fn func())
	OnOutgoingComplete(fn func())

	SendRequest(method, url, version string) error
	SendResponse(code int, desc, version string) error
	AddHeader(name, value string)
	SendData(buf []byte) (int, error)
	AttachFD(fd uintptr) error
	Close() error
	IsServer() bool
}

// Transport is the minimal byte-stream contract the ws package needs
// from whatever sits underneath it (normally a *tcpsocket.Socket, but
// tests substitute a fake). Kept separate from net.Conn so fakes don't
// need to implement deadline plumbing they never use.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	RawFD() uintptr
}
