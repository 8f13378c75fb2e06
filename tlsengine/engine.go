// File: tlsengine/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// crypto/tls-backed wsapi.TLSEngine. original_source's SslHandler
// drives OpenSSL's BIO-pair API, which exposes a genuinely continuable,
// non-blocking SSL_do_handshake()/SSL_read()/SSL_write() triple — there
// is no Go stdlib equivalent; crypto/tls.Conn only offers blocking
// Handshake/Read/Write against a net.Conn. Rather than hand-roll a TLS
// record layer to get a continue_handshake()-shaped API, this engine
// wraps the attached fd in a *net.TCPConn via net.FileConn (which
// integrates with the Go runtime's netpoller, so its blocking calls
// park a goroutine rather than an OS thread) and runs the handshake on
// a dedicated goroutine, reporting completion back onto the EventLoop
// via the callback registered with OnSettled. ioReady's "drive handshake"
// step becomes "has that goroutine finished yet" rather than a true
// per-readiness continuation — documented in DESIGN.md as a deliberate
// deviation forced by crypto/tls's blocking-only surface.

package tlsengine

import (
	"crypto/tls"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wangscript007/reactorws/internal/logx"
	"github.com/wangscript007/reactorws/wsapi"
)

var log = logx.New("tlsengine")

const (
	hsNotStarted int32 = iota
	hsInProgress
	hsDone
	hsFailed
)

// Engine is a wsapi.TLSEngine backed by crypto/tls.
type Engine struct {
	config *tls.Config

	mu        sync.Mutex
	conn      *tls.Conn
	raw       net.Conn
	hsState   int32
	hsErr     error
	onSettled func() // notifies the owning socket that Handshake's result changed, from the handshake goroutine
}

// New builds an Engine. config may be nil, in which case a minimal
// default is used (callers doing anything production-grade should
// supply their own certificates/roots).
func New(config *tls.Config) *Engine {
	if config == nil {
		config = &tls.Config{}
	}
	return &Engine{config: config}
}

// OnSettled registers a callback invoked (from an arbitrary goroutine)
// once the in-flight handshake finishes, successfully or not. TcpSocket
// uses this to re-drive ioReady via the loop instead of polling.
func (e *Engine) OnSettled(fn func()) {
	e.mu.Lock()
	e.onSettled = fn
	e.mu.Unlock()
}

func (e *Engine) Attach(fd uintptr, role wsapi.Role) error {
	f := os.NewFile(fd, "tls-socket")
	conn, err := net.FileConn(f)
	f.Close() // FileConn dups the descriptor; the original fd is still owned by TcpSocket.
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.raw = conn
	if role == wsapi.RoleServer {
		e.conn = tls.Server(conn, e.config)
	} else {
		e.conn = tls.Client(conn, e.config)
	}
	e.hsState = hsNotStarted
	e.mu.Unlock()
	return nil
}

// Handshake starts the handshake goroutine on first call and reports
// IN_PROGRESS until it settles, matching original_source's
// continue_handshake() contract.
func (e *Engine) Handshake() (wsapi.TLSHandshakeResult, error) {
	e.mu.Lock()
	switch e.hsState {
	case hsNotStarted:
		e.hsState = hsInProgress
		conn := e.conn
		e.mu.Unlock()
		go e.runHandshake(conn)
		return wsapi.TLSInProgress, nil
	case hsInProgress:
		e.mu.Unlock()
		return wsapi.TLSInProgress, nil
	case hsDone:
		e.mu.Unlock()
		return wsapi.TLSSuccess, nil
	default:
		err := e.hsErr
		e.mu.Unlock()
		return wsapi.TLSError, err
	}
}

func (e *Engine) runHandshake(conn *tls.Conn) {
	err := conn.Handshake()

	e.mu.Lock()
	if err != nil {
		e.hsState = hsFailed
		e.hsErr = err
	} else {
		e.hsState = hsDone
	}
	notify := e.onSettled
	e.mu.Unlock()

	if err != nil {
		log.Warnf("tls handshake failed: %v", err)
	}
	if notify != nil {
		notify()
	}
}

func (e *Engine) settled() bool {
	return atomic.LoadInt32(&e.hsState) >= hsDone
}

// Read is called from the loop goroutine's ioReady dispatch once the
// handshake has settled, so it must never block that goroutine: a TLS
// record that straddles more bytes than the peer has sent so far would
// otherwise park the loop's only goroutine until the rest arrives,
// stalling every other fd, timer, and deferred task. SetReadDeadline
// gives the underlying conn a deadline one millisecond ahead: a read
// that can complete at once does, and an incomplete record surfaces as
// a timeout within that millisecond instead of a block. The timeout is
// translated into wsapi.ErrWouldBlock, which tcpsocket's isWouldBlock
// treats like the errWouldBlock platformOps.recv returns for EAGAIN.
// (A deadline already in the past would fail every call before any
// bytes move.)
func (e *Engine) Read(buf []byte) (int, error) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := conn.Read(buf)
	if isTimeout(err) {
		return 0, wsapi.ErrWouldBlock
	}
	return n, err
}

// Write applies the same one-millisecond deadline as Read: a write the
// kernel can accept completes, and a full TCP send buffer must not
// block the loop goroutine waiting for the peer to drain it.
func (e *Engine) Write(buf []byte) (int, error) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	n, err := conn.Write(buf)
	if isTimeout(err) {
		return n, wsapi.ErrWouldBlock
	}
	return n, err
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (e *Engine) WriteVectored(iovs [][]byte) (int, error) {
	total := 0
	for _, seg := range iovs {
		n, err := e.Write(seg)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
