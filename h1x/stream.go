// File: h1x/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Minimal HTTP/1.1 message stream over a wsapi.Transport, grounded on
// the teacher's core/protocol/handshake.go (bufio.NewReader +
// http.ReadRequest/http.ReadResponse, header-size cap, token matching)
// but restructured around an accumulating byte buffer rather than a
// single blocking read: the underlying transport is non-blocking, so
// a full HTTP header block may arrive across several readiness
// callbacks. Each OnData-equivalent delivery appends to buf and
// attempts a parse, mirroring the incremental-decode style of
// protocol/frame_codec.go's DecodeFrameFromBytes (parse what's there,
// return for more if incomplete).

package h1x

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"

	"github.com/wangscript007/reactorws/internal/logx"
	"github.com/wangscript007/reactorws/wsapi"
)

var log = logx.New("h1x")

const maxHandshakeHeadersSize = 8192

// Stream implements wsapi.H1xStream over a transport supplied at
// construction time.
type Stream struct {
	transport wsapi.Transport
	isServer  bool
	fd        uintptr

	buf           []byte
	headersParsed bool

	outHeaders http.Header

	onHeader           func()
	onData             func(buf []byte)
	onWriteReady       func()
	onError            func(err error)
	onIncomingComplete func()
	onOutgoingComplete func()

	// request/response are populated once a full header block has
	// parsed, for LastRequest/LastResponseHeaders to hand to the
	// caller (typically ws.Connection) from its onHeader callback.
	request  *http.Request
	response *http.Response
}

// LastRequest returns the most recently parsed request, for
// server-role streams.
func (s *Stream) LastRequest() (*http.Request, bool) {
	return s.request, s.request != nil
}

// LastResponseHeaders returns the most recently parsed response's
// status code and headers, for client-role streams.
func (s *Stream) LastResponseHeaders() (int, http.Header, bool) {
	if s.response == nil {
		return 0, nil, false
	}
	return s.response.StatusCode, s.response.Header, true
}

// New wraps transport for HTTP/1.1 message parsing. If transport also
// implements `OnReceive(func())`, the stream wires itself to be fed
// automatically; otherwise the caller must invoke Feed manually from
// its own read-readiness handling.
func New(transport wsapi.Transport, isServer bool) *Stream {
	s := &Stream{transport: transport, isServer: isServer, outHeaders: make(http.Header)}
	if notifier, ok := transport.(interface{ OnReceive(func()) }); ok {
		notifier.OnReceive(s.pump)
	}
	return s
}

func (s *Stream) OnHeader(fn func())             { s.onHeader = fn }
func (s *Stream) OnData(fn func(buf []byte))     { s.onData = fn }
func (s *Stream) OnWriteReady(fn func())         { s.onWriteReady = fn }
func (s *Stream) OnError(fn func(err error))     { s.onError = fn }
func (s *Stream) OnIncomingComplete(fn func())   { s.onIncomingComplete = fn }
func (s *Stream) OnOutgoingComplete(fn func())   { s.onOutgoingComplete = fn }
func (s *Stream) IsServer() bool                 { return s.isServer }

// AttachFD records the raw descriptor the transport is already bound
// to (it is not compared with transport.RawFD) and kicks off an
// initial pump in case data arrived before the wiring above took
// effect.
func (s *Stream) AttachFD(fd uintptr) error {
	s.fd = fd
	s.pump()
	return nil
}

// Feed drives a read attempt manually, for transports that don't
// implement the optional `OnReceive(func())` auto-wiring hook (tests,
// mainly — production transports are *tcpsocket.Socket, which does).
func (s *Stream) Feed() { s.pump() }

// pump drains whatever the transport has queued, appends it to buf,
// and attempts to parse headers if they haven't been already. A
// transport error (anything other than the documented (0, nil)
// would-block encoding — see tcpsocket.Socket.Read) is a genuine
// failure: ECONNRESET, a peer close mid-handshake, or any other hard
// I/O error, and must surface via fail so it reaches OnError exactly
// once instead of silently truncating the stream.
func (s *Stream) pump() {
	tmp := make([]byte, 4096)
	for {
		n, err := s.transport.Read(tmp)
		if n > 0 {
			s.buf = append(s.buf, tmp[:n]...)
		}
		if err != nil {
			s.fail(fmt.Errorf("h1x: transport read: %w", err))
			return
		}
		if n < len(tmp) {
			break
		}
	}
	if !s.headersParsed {
		s.tryParseHeaders()
		return
	}
	if len(s.buf) > 0 && s.onData != nil {
		data := s.buf
		s.buf = nil
		s.onData(data)
	}
}

func (s *Stream) tryParseHeaders() {
	idx := bytes.Index(s.buf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(s.buf) > maxHandshakeHeadersSize {
			s.fail(fmt.Errorf("h1x: headers exceed %d bytes without terminator", maxHandshakeHeadersSize))
		}
		return
	}

	headerBlock := s.buf[:idx+4]
	rest := s.buf[idx+4:]
	br := bufio.NewReader(bytes.NewReader(headerBlock))

	if s.isServer {
		req, err := http.ReadRequest(br)
		if err != nil {
			s.fail(fmt.Errorf("h1x: parse request: %w", err))
			return
		}
		s.request = req
	} else {
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			s.fail(fmt.Errorf("h1x: parse response: %w", err))
			return
		}
		s.response = resp
	}

	s.headersParsed = true
	s.buf = rest
	if s.onHeader != nil {
		s.onHeader()
	}
	if s.onIncomingComplete != nil {
		s.onIncomingComplete()
	}
	if len(s.buf) > 0 && s.onData != nil {
		data := s.buf
		s.buf = nil
		s.onData(data)
	}
}

func (s *Stream) fail(err error) {
	log.Warnf("%v", err)
	if s.onError != nil {
		s.onError(err)
	}
}

// AddHeader queues a header to be emitted by the next SendRequest or
// SendResponse call.
func (s *Stream) AddHeader(name, value string) {
	s.outHeaders.Add(name, value)
}

// SendRequest emits an HTTP/1.1 request line followed by the
// accumulated headers (cleared after sending).
func (s *Stream) SendRequest(method, url, version string) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", method, url, version)
	writeHeaders(&b, s.outHeaders)
	s.outHeaders = make(http.Header)
	_, err := s.transport.Write(b.Bytes())
	if err == nil && s.onOutgoingComplete != nil {
		s.onOutgoingComplete()
	}
	return err
}

// SendResponse emits an HTTP/1.1 status line followed by the
// accumulated headers (cleared after sending).
func (s *Stream) SendResponse(code int, desc, version string) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %d %s\r\n", version, code, desc)
	writeHeaders(&b, s.outHeaders)
	s.outHeaders = make(http.Header)
	_, err := s.transport.Write(b.Bytes())
	if err == nil && s.onOutgoingComplete != nil {
		s.onOutgoingComplete()
	}
	return err
}

func writeHeaders(b *bytes.Buffer, hdr http.Header) {
	for k, vs := range hdr {
		for _, v := range vs {
			fmt.Fprintf(b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
}

// SendData writes raw bytes directly to the transport, bypassing
// header framing — used once the connection has transitioned away
// from HTTP framing (e.g. to WebSocket frames).
func (s *Stream) SendData(buf []byte) (int, error) {
	return s.transport.Write(buf)
}

func (s *Stream) Close() error {
	return s.transport.Close()
}
