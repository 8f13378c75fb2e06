// File: tcpsocket/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking TCP endpoint state machine: IDLE -> CONNECTING -> OPEN
// -> CLOSED, or IDLE -> OPEN -> CLOSED via AttachFD. Grounded directly
// on original_source/src/TcpSocket.cpp (connect_i/attachFd/ioReady/
// onConnect/onReceive/onSend/onClose) with the platform #ifdef ladder
// replaced by the platformOps interface in platform.go.

package tcpsocket

import (
	"net"
	"sync"
	"time"

	"github.com/wangscript007/reactorws/eventloop"
	"github.com/wangscript007/reactorws/internal/logx"
	"github.com/wangscript007/reactorws/wsapi"
)

var log = logx.New("tcpsocket")

// Option configures a Socket at construction, per the functional-options
// convention used throughout this module (grounded on the teacher's
// server/options.go).
type Option func(*Socket)

// WithTLS enables TLS on the socket, using engine for the handshake and
// record layer once the TCP connection (or attached fd) is ready.
func WithTLS(engine wsapi.TLSEngine) Option {
	return func(s *Socket) {
		s.tls = engine
		s.tlsEnabled = true
	}
}

// Socket is a single non-blocking TCP endpoint registered with an
// EventLoop.
type Socket struct {
	loop *eventloop.EventLoop
	ops  platformOps

	mu    sync.Mutex
	fd    uintptr
	state wsapi.SocketState

	registered bool
	tls        wsapi.TLSEngine
	tlsEnabled bool
	role       wsapi.Role

	sendBuf []byte // queued bytes not yet flushed to the fd

	connectTimer   eventloop.TimerID
	haveConnTimer  bool
	cbConnect      func(err *wsapi.Error)
	onReceive      func()
	onWrite        func()
	onError        func(err *wsapi.Error)

	// destroyed is the re-entrancy beacon from spec.md §4.2: ioReady
	// installs a fresh pointer before invoking a user callback and
	// checks it afterward, so a callback that calls Close (or drops
	// every reference to the socket) doesn't cause a use-after-free on
	// the remaining dispatch steps.
	destroyed *bool
}

// New creates a Socket bound to loop, using the platform's native
// socket syscalls.
func New(loop *eventloop.EventLoop, opts ...Option) *Socket {
	s := &Socket{
		loop:  loop,
		ops:   newPlatformOps(),
		state: wsapi.StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Socket) State() wsapi.SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) setState(st wsapi.SocketState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// RawFD satisfies wsapi.Transport.
func (s *Socket) RawFD() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

// IsReady reports whether the socket will accept Send/Receive: OPEN,
// and if TLS is enabled, with a completed handshake.
func (s *Socket) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isReadyLocked()
}

func (s *Socket) isReadyLocked() bool {
	return s.state == wsapi.StateOpen && (!s.tlsEnabled || s.tls != nil)
}

// OnReceive registers the callback invoked when data is available to
// Receive. OnWrite registers the callback invoked on each
// write-readiness event while OPEN, after any queued send backlog has
// been flushed as far as the kernel accepts. OnError registers the
// callback invoked once, on the transition to CLOSED from a poll error
// or a failed TLS handshake detected during readiness dispatch; a hard
// I/O error hit inside Receive or Send/SendVectored closes the socket
// and is returned to that caller without invoking OnError.
func (s *Socket) OnReceive(cb func())              { s.mu.Lock(); s.onReceive = cb; s.mu.Unlock() }
func (s *Socket) OnWrite(cb func())                { s.mu.Lock(); s.onWrite = cb; s.mu.Unlock() }
func (s *Socket) OnError(cb func(err *wsapi.Error)) { s.mu.Lock(); s.onError = cb; s.mu.Unlock() }

// Bind assigns a local numeric address. Only valid from IDLE.
func (s *Socket) Bind(localIP string, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != wsapi.StateIdle {
		return wsapi.NewError(wsapi.INVALID_STATE, "bind: invalid state").WithContext("state", s.state.String())
	}
	addr, err := resolveTCPAddr(localIP, port, false)
	if err != nil {
		return wsapi.NewError(wsapi.INVALID_PARAM, "bind: resolve").WithContext("err", err.Error())
	}
	if s.fd != 0 {
		// Tolerate re-bind from IDLE: discard whatever descriptor a
		// prior bind/connect attempt left behind, per original_source's
		// "if(fd_ != INVALID_FD) cleanup()" guard in TcpSocket::bind.
		s.ops.closeFD(s.fd)
		s.fd = 0
	}
	fd, err := s.ops.socket(familyOf(addr.IP))
	if err != nil {
		return wsapi.NewError(wsapi.FAILED, "bind: socket").WithContext("err", err.Error())
	}
	if err := s.ops.bind(fd, addr); err != nil {
		s.ops.closeFD(fd)
		return wsapi.NewError(wsapi.FAILED, "bind: bind").WithContext("err", err.Error())
	}
	s.fd = fd
	return nil
}

// Connect resolves host:port (DNS allowed, unlike Bind), applies
// non-blocking + TCP_NODELAY, and issues a non-blocking connect. When
// Connect returns an error from the state check, address resolution,
// socket creation or the connect call itself, cb is not invoked.
// Otherwise cb is invoked at most once: with a nil error on success,
// or a *wsapi.Error on failure/timeout. Only valid from IDLE.
func (s *Socket) Connect(host string, port uint16, timeoutMs int, cb func(err *wsapi.Error)) error {
	s.mu.Lock()
	if s.state != wsapi.StateIdle {
		s.mu.Unlock()
		return wsapi.NewError(wsapi.INVALID_STATE, "connect: invalid state").WithContext("state", s.state.String())
	}
	s.cbConnect = cb
	s.mu.Unlock()

	addr, err := resolveTCPAddr(host, port, true)
	if err != nil {
		return wsapi.NewError(wsapi.INVALID_PARAM, "connect: resolve").WithContext("err", err.Error())
	}

	s.mu.Lock()
	fd := s.fd
	if fd == 0 {
		newFd, err := s.ops.socket(familyOf(addr.IP))
		if err != nil {
			s.mu.Unlock()
			return wsapi.NewError(wsapi.FAILED, "connect: socket").WithContext("err", err.Error())
		}
		fd = newFd
		s.fd = fd
	}
	if err := s.ops.setNonBlockingAndNoDelay(fd); err != nil {
		log.Warnf("connect: setSocketOption failed, fd=%d: %v", fd, err)
	}
	err = s.ops.connect(fd, addr)
	s.mu.Unlock()

	if err == nil {
		s.setState(wsapi.StateConnecting)
	} else if err == errInProgress {
		s.setState(wsapi.StateConnecting)
	} else {
		s.cleanup()
		s.setState(wsapi.StateClosed)
		return wsapi.NewError(wsapi.FAILED, "connect: connect").WithContext("err", err.Error())
	}

	if timeoutMs > 0 {
		s.mu.Lock()
		s.connectTimer = s.loop.ScheduleTimer(durationMs(timeoutMs), 0, s.onConnectTimeout)
		s.haveConnTimer = true
		s.mu.Unlock()
	}

	if err := s.loop.RegisterFD(fd, wsapi.EventRead|wsapi.EventWrite|wsapi.EventError, s.ioReady); err != nil {
		return wsapi.NewError(wsapi.POLL_ERROR, "connect: register").WithContext("err", err.Error())
	}
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
	return nil
}

func (s *Socket) onConnectTimeout() {
	s.mu.Lock()
	if s.state != wsapi.StateConnecting {
		s.mu.Unlock()
		return
	}
	cb := s.cbConnect
	s.cbConnect = nil
	s.haveConnTimer = false
	s.mu.Unlock()

	s.cleanup()
	s.setState(wsapi.StateClosed)
	if cb != nil {
		cb(wsapi.NewError(wsapi.TIMEOUT, "connect: timed out"))
	}
}

// AttachFD adopts an externally-prepared, already-connected descriptor
// (the server accept() path). Only valid from IDLE.
func (s *Socket) AttachFD(fd uintptr) error {
	s.mu.Lock()
	if s.state != wsapi.StateIdle {
		s.mu.Unlock()
		return wsapi.NewError(wsapi.INVALID_STATE, "attach_fd: invalid state").WithContext("state", s.state.String())
	}
	s.fd = fd
	s.role = wsapi.RoleServer
	if err := s.ops.setNonBlockingAndNoDelay(fd); err != nil {
		log.Warnf("attach_fd: setSocketOption failed, fd=%d: %v", fd, err)
	}
	s.state = wsapi.StateOpen
	tlsEnabled := s.tlsEnabled
	tls := s.tls
	s.mu.Unlock()

	if tlsEnabled {
		if err := tls.Attach(fd, wsapi.RoleServer); err != nil {
			return wsapi.NewError(wsapi.SSL_FAILED, "attach_fd: tls attach").WithContext("err", err.Error())
		}
		s.wireTLSSettled(tls)
		if _, err := tls.Handshake(); err != nil {
			return wsapi.NewError(wsapi.SSL_FAILED, "attach_fd: tls handshake").WithContext("err", err.Error())
		}
	}

	mask := wsapi.EventRead | wsapi.EventError
	if s.loop.TriggerMode() == wsapi.EdgeTriggered {
		// Edge-triggered backends never get a later rearm call for
		// write-readiness, so write must be armed from the start.
		mask |= wsapi.EventWrite
	}
	if err := s.loop.RegisterFD(fd, mask, s.ioReady); err != nil {
		return wsapi.NewError(wsapi.POLL_ERROR, "attach_fd: register").WithContext("err", err.Error())
	}
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
	return nil
}

// DetachFD transfers descriptor ownership to the caller, unregistering
// from the loop without closing it. TLS-enabled sockets refuse to
// detach (see SPEC_FULL.md's Open Question decision): their session
// was never close-notified and handing the raw fd back would silently
// discard that invariant.
func (s *Socket) DetachFD() (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tlsEnabled {
		return 0, wsapi.ErrNotSupported
	}
	fd := s.fd
	s.fd = 0
	if s.registered {
		s.registered = false
		s.loop.UnregisterFD(fd)
	}
	s.state = wsapi.StateClosed
	return fd, nil
}

// Send queues data for transmission, attempting an immediate write and
// buffering whatever the kernel didn't accept. Per the Open Question
// decision, Send always reports the full length accepted into the
// (possibly empty) queue. An error is returned when the socket is not
// ready (INVALID_STATE) or on a hard I/O error (FAILED, which also
// closes the socket).
func (s *Socket) Send(data []byte) (int, error) {
	return s.SendVectored([][]byte{data})
}

// SendVectored queues a scatter-gather vector of at most
// maxSendSegments buffers as a single logical write.
func (s *Socket) SendVectored(iovs [][]byte) (int, error) {
	if len(iovs) > maxSendSegments {
		return 0, wsapi.NewError(wsapi.INVALID_PARAM, "send: too many segments").WithContext("count", len(iovs))
	}
	s.mu.Lock()
	if !s.isReadyLocked() {
		s.mu.Unlock()
		return 0, wsapi.NewError(wsapi.INVALID_STATE, "send: not ready")
	}
	total := 0
	for _, seg := range iovs {
		total += len(seg)
	}
	if len(s.sendBuf) > 0 {
		// Already have a backlog: append and let the pending
		// write-readiness drain everything in order.
		for _, seg := range iovs {
			s.sendBuf = append(s.sendBuf, seg...)
		}
		s.mu.Unlock()
		return total, nil
	}
	fd := s.fd
	tlsEnabled := s.tlsEnabled
	tls := s.tls
	s.mu.Unlock()

	var n int
	var err error
	if tlsEnabled {
		n, err = tls.WriteVectored(iovs)
	} else {
		n, err = s.ops.sendv(fd, iovs)
	}

	if err != nil {
		if isWouldBlock(err) {
			n = 0
		} else {
			s.cleanup()
			s.setState(wsapi.StateClosed)
			return 0, wsapi.NewError(wsapi.FAILED, "send: failed").WithContext("err", err.Error())
		}
	}

	if n < total {
		flat := flatten(iovs)
		s.mu.Lock()
		s.sendBuf = append(s.sendBuf, flat[n:]...)
		s.mu.Unlock()
		// Poll-type-conditional write rearm (SUPPLEMENTED FEATURES #3):
		// level-triggered backends need an explicit UpdateFD to start
		// getting write-readiness; edge-triggered backends were armed
		// for write from registration and need no rearm.
		if s.loop.TriggerMode() == wsapi.LevelTriggered {
			if s.loop.UpdateFD(fd, wsapi.EventRead|wsapi.EventWrite|wsapi.EventError) != nil {
				log.Warnf("send: UpdateFD failed, fd=%d", fd)
			}
		}
	}
	return total, nil
}

func flatten(iovs [][]byte) []byte {
	total := 0
	for _, seg := range iovs {
		total += len(seg)
	}
	out := make([]byte, 0, total)
	for _, seg := range iovs {
		out = append(out, seg...)
	}
	return out
}

// drainSendBuf flushes as much of the queued outbound buffer as the
// kernel will accept, re-arming write-readiness if anything remains.
func (s *Socket) drainSendBuf() {
	s.mu.Lock()
	if len(s.sendBuf) == 0 {
		s.mu.Unlock()
		return
	}
	pending := s.sendBuf
	fd := s.fd
	tlsEnabled := s.tlsEnabled
	tls := s.tls
	s.mu.Unlock()

	var n int
	var err error
	if tlsEnabled {
		n, err = tls.Write(pending)
	} else {
		n, err = s.ops.send(fd, pending)
	}
	if err != nil && !isWouldBlock(err) {
		s.cleanup()
		s.setState(wsapi.StateClosed)
		s.mu.Lock()
		cb := s.onError
		s.mu.Unlock()
		if cb != nil {
			cb(wsapi.NewError(wsapi.FAILED, "send: drain failed").WithContext("err", err.Error()))
		}
		return
	}

	s.mu.Lock()
	s.sendBuf = s.sendBuf[n:]
	remaining := len(s.sendBuf)
	s.mu.Unlock()

	if remaining == 0 && s.loop.TriggerMode() == wsapi.LevelTriggered {
		s.loop.UpdateFD(fd, wsapi.EventRead|wsapi.EventError)
	}
}

// Receive reads into buf. A return of (0, nil) means the socket is not
// ready or the read would block (EAGAIN) — try again after the next
// read-readiness callback. Peer close or a hard
// error transitions to CLOSED and returns (0, err).
func (s *Socket) Receive(buf []byte) (int, error) {
	s.mu.Lock()
	if !s.isReadyLocked() {
		s.mu.Unlock()
		return 0, nil
	}
	fd := s.fd
	tlsEnabled := s.tlsEnabled
	tls := s.tls
	s.mu.Unlock()

	var n int
	var err error
	if tlsEnabled {
		n, err = tls.Read(buf)
	} else {
		n, err = s.ops.recv(fd, buf)
	}
	if isWouldBlock(err) {
		return 0, nil
	}
	if err != nil {
		s.cleanup()
		s.setState(wsapi.StateClosed)
		return 0, wsapi.NewError(wsapi.FAILED, "receive: failed").WithContext("err", err.Error())
	}
	return n, nil
}

// LocalAddr reports the socket's bound local address, grounded on
// original_source's getsockname() logging in connect_i.
func (s *Socket) LocalAddr() (*net.TCPAddr, error) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if fd == 0 {
		return nil, wsapi.NewError(wsapi.INVALID_STATE, "local_addr: no descriptor")
	}
	return s.ops.localAddr(fd)
}

// Close performs a best-effort shutdown-for-read, unregisters from the
// loop and closes the descriptor. Idempotent.
func (s *Socket) Close() error {
	if s.destroyed != nil {
		*s.destroyed = true
	}
	s.cleanup()
	s.setState(wsapi.StateClosed)
	return nil
}

func (s *Socket) cleanup() {
	s.mu.Lock()
	if s.tls != nil {
		s.tls.Close()
	}
	fd := s.fd
	s.fd = 0
	registered := s.registered
	s.registered = false
	if s.haveConnTimer {
		s.loop.CancelTimer(s.connectTimer)
		s.haveConnTimer = false
	}
	s.mu.Unlock()

	if fd == 0 {
		return
	}
	s.ops.shutdownRead(fd)
	if registered {
		s.loop.UnregisterFD(fd)
	}
	s.ops.closeFD(fd)
}

// Read and Write let *Socket satisfy wsapi.Transport directly, so it
// can sit under an h1x.Stream or ws.Connection without an adapter.
// Read passes Receive's result straight through: (0, nil) is Receive's
// documented would-block encoding (not-ready or EAGAIN/EWOULDBLOCK),
// which happens on essentially every read cycle once the socket has
// drained available data, and must not be reported as closure. Genuine
// closure always arrives through Receive as a non-nil error.
func (s *Socket) Read(p []byte) (int, error) {
	return s.Receive(p)
}

func (s *Socket) Write(p []byte) (int, error) {
	n, err := s.Send(p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ioReady is the single dispatch point the EventLoop invokes on
// readiness. Ordering matches original_source's TcpSocket::ioReady
// exactly: in CONNECTING, error takes priority over success, and a
// read bit arriving alongside the connect success is delivered to
// onReceive only after the connect callback runs. In OPEN, a TLS
// handshake still in flight is driven first; otherwise read is
// dispatched before error, so a peer-close-with-final-bytes event
// surfaces those bytes instead of discarding them as a plain error,
// and write is dispatched last.
func (s *Socket) ioReady(events wsapi.EventMask) {
	switch s.State() {
	case wsapi.StateConnecting:
		s.ioReadyConnecting(events)
	case wsapi.StateOpen:
		s.ioReadyOpen(events)
	default:
	}
}

// wireTLSSettled arranges for a re-check of the TLS handshake once it
// settles. tlsengine.Engine resolves its handshake on a dedicated
// goroutine (crypto/tls offers no continuable, readiness-driven
// handshake step); settler is an optional capability so fakes and
// future engines aren't forced to implement it.
func (s *Socket) wireTLSSettled(tls wsapi.TLSEngine) {
	settler, ok := tls.(interface{ OnSettled(func()) })
	if !ok {
		return
	}
	settler.OnSettled(func() {
		s.loop.RunInLoop(func() {
			if s.State() == wsapi.StateOpen {
				s.ioReadyOpen(wsapi.EventRead)
			}
		})
	})
}

func (s *Socket) ioReadyConnecting(events wsapi.EventMask) {
	s.mu.Lock()
	if s.haveConnTimer {
		s.loop.CancelTimer(s.connectTimer)
		s.haveConnTimer = false
	}
	s.mu.Unlock()

	if events.Has(wsapi.EventError) {
		s.onConnect(wsapi.NewError(wsapi.POLL_ERROR, "ioReady: connect error"))
		return
	}

	destroyed := false
	s.destroyed = &destroyed
	s.onConnect(nil)
	if destroyed {
		return
	}
	s.destroyed = nil

	if events.Has(wsapi.EventRead) && s.State() == wsapi.StateOpen {
		s.dispatchReceive()
	}
}

func (s *Socket) onConnect(errv *wsapi.Error) {
	if errv == nil {
		s.setState(wsapi.StateOpen)
		s.mu.Lock()
		tlsEnabled := s.tlsEnabled
		tls := s.tls
		fd := s.fd
		s.mu.Unlock()
		if tlsEnabled {
			if err := tls.Attach(fd, wsapi.RoleClient); err != nil {
				errv = wsapi.NewError(wsapi.SSL_FAILED, "tls attach").WithContext("err", err.Error())
			} else {
				s.wireTLSSettled(tls)
				res, err := tls.Handshake()
				if err != nil {
					errv = wsapi.NewError(wsapi.SSL_FAILED, "tls handshake").WithContext("err", err.Error())
				} else if res == wsapi.TLSInProgress {
					// Continue driving the handshake from ioReadyOpen; the
					// connect callback fires once it completes.
					s.loop.UpdateFD(fd, wsapi.EventRead|wsapi.EventWrite|wsapi.EventError)
					return
				}
			}
		}
	}

	if errv != nil {
		s.cleanup()
		s.setState(wsapi.StateClosed)
	} else {
		s.mu.Lock()
		fd := s.fd
		s.mu.Unlock()
		mask := wsapi.EventRead | wsapi.EventError
		if s.loop.TriggerMode() == wsapi.EdgeTriggered {
			mask |= wsapi.EventWrite
		}
		s.loop.UpdateFD(fd, mask)
	}

	s.mu.Lock()
	cb := s.cbConnect
	s.cbConnect = nil
	s.mu.Unlock()
	if cb != nil {
		cb(errv)
	}
}

func (s *Socket) ioReadyOpen(events wsapi.EventMask) {
	s.mu.Lock()
	tlsEnabled := s.tlsEnabled
	tls := s.tls
	s.mu.Unlock()

	if tlsEnabled {
		var res wsapi.TLSHandshakeResult
		var err error
		if events.Has(wsapi.EventError) {
			err = wsapi.ErrTLSFailed
		} else {
			res, err = tls.Handshake()
		}
		if err != nil {
			wrapped := wsapi.NewError(wsapi.SSL_FAILED, "tls handshake").WithContext("err", err.Error())
			s.mu.Lock()
			cb := s.cbConnect
			s.cbConnect = nil
			s.mu.Unlock()
			s.cleanup()
			s.setState(wsapi.StateClosed)
			// Exclusive, mirroring original_source's TcpSocket::ioReady:
			// a pending connect callback takes the error; only once no
			// connect callback is waiting does it become an onError.
			if cb != nil {
				cb(wrapped)
			} else {
				s.mu.Lock()
				errCb := s.onError
				s.mu.Unlock()
				if errCb != nil {
					errCb(wrapped)
				}
			}
			return
		}
		if res == wsapi.TLSInProgress {
			return
		}
		// The handshake just settled successfully: if a connect caller
		// is still waiting (client-side TLS-after-TCP-connect), this is
		// the first chance to tell them so.
		s.mu.Lock()
		cb := s.cbConnect
		s.cbConnect = nil
		s.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
	}

	destroyed := false
	s.destroyed = &destroyed
	if events.Has(wsapi.EventRead) {
		s.dispatchReceive()
	}
	if destroyed {
		return
	}
	s.destroyed = nil

	if events.Has(wsapi.EventError) && s.State() == wsapi.StateOpen {
		s.onClose(wsapi.NewError(wsapi.POLL_ERROR, "ioReady: socket error"))
		return
	}
	if events.Has(wsapi.EventWrite) && s.State() == wsapi.StateOpen {
		s.drainSendBuf()
		s.mu.Lock()
		cb := s.onWrite
		s.mu.Unlock()
		if cb != nil && s.IsReady() {
			cb()
		}
	}
}

func (s *Socket) dispatchReceive() {
	s.mu.Lock()
	cb := s.onReceive
	s.mu.Unlock()
	if cb != nil && s.IsReady() {
		cb()
	}
}

func (s *Socket) onClose(errv *wsapi.Error) {
	s.cleanup()
	s.setState(wsapi.StateClosed)
	s.mu.Lock()
	cb := s.onError
	s.mu.Unlock()
	if cb != nil {
		cb(errv)
	}
}

// familyOf returns 0 for IPv4, 1 for IPv6; platformOps.socket maps
// this onto the platform's actual AF_INET/AF_INET6 constant.
func familyOf(ip net.IP) int {
	if ip.To4() != nil {
		return 0
	}
	return 1
}

func durationMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
