// File: ws/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WSConnection: RFC 6455 handshake plus OPEN-state frame dispatch,
// riding on a wsapi.H1xStream for the handshake bytes and switching to
// raw frame bytes once OPEN. Grounded on ws/WSConnection_v1.cpp's
// checkHandshake/sendUpgradeRequest/sendUpgradeResponse flow (read via
// original_source) and on the teacher's connection state-machine shape
// (server/conn.go's accept → upgrade → serve pipeline).

package ws

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/wangscript007/reactorws/internal/logx"
	"github.com/wangscript007/reactorws/wsapi"
)

var log = logx.New("ws")

const (
	webSocketGUID    = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	webSocketVersion = "13"
)

// HandshakeDecision is returned by a server's HandshakeCallback to
// accept or reject an upgrade request.
type HandshakeDecision struct {
	Accept      bool
	Subprotocol string
	Extensions  []string
}

// HandshakeCallback lets the embedder inspect the upgrade request and
// choose subprotocol/extensions or reject the connection outright.
type HandshakeCallback func(req *http.Request, offeredProtocols, offeredExtensions []string) HandshakeDecision

// Connection is a single WebSocket connection, client or server role.
type Connection struct {
	ID uuid.UUID

	stream wsapi.H1xStream
	role   wsapi.Role
	state  wsapi.ConnState

	sentKey string
	hsCB    HandshakeCallback

	// negotiatedHeaders records the repeated Sec-WebSocket-Protocol /
	// Sec-WebSocket-Extensions header lines as received, one slice
	// element per line; accumulate returns them joined with ", " — the
	// same accumulation checkHandshake performs across repeated
	// header lines from a single request.
	negotiatedHeaders map[string][]string

	fixedKey string // test-only override, see WithFixedKey

	recvBuf []byte

	fragActive bool
	fragOpcode byte
	fragBuf    []byte

	onMessage       func(opcode byte, payload []byte)
	onHandshakeDone func(err error)
	onError         func(err error)
	onClose         func(code int, reason string)
}

// DialOption configures a client Connection.
type DialOption func(*Connection)

// WithFixedKey overrides the per-connection random Sec-WebSocket-Key
// with a fixed value, for deterministic tests — mirrors the
// original's hardcoded RFC 6455 example key, carried forward as an
// opt-in rather than the default.
func WithFixedKey(key string) DialOption {
	return func(c *Connection) { c.fixedKey = key }
}

// NewClient builds a client-role Connection over stream, not yet
// connected — call Connect to perform the handshake.
func NewClient(stream wsapi.H1xStream, opts ...DialOption) *Connection {
	c := &Connection{
		ID:                uuid.New(),
		stream:            stream,
		role:              wsapi.RoleClient,
		state:             wsapi.ConnIdle,
		negotiatedHeaders: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wireStream()
	return c
}

// NewServer builds a server-role Connection over stream. cb decides
// accept/reject and subprotocol/extension selection once headers
// arrive.
func NewServer(stream wsapi.H1xStream, cb HandshakeCallback) *Connection {
	c := &Connection{
		ID:                uuid.New(),
		stream:            stream,
		role:              wsapi.RoleServer,
		state:             wsapi.ConnIdle,
		hsCB:              cb,
		negotiatedHeaders: make(map[string][]string),
	}
	c.wireStream()
	return c
}

func (c *Connection) OnMessage(fn func(opcode byte, payload []byte)) { c.onMessage = fn }
func (c *Connection) OnHandshakeDone(fn func(err error))             { c.onHandshakeDone = fn }
func (c *Connection) OnError(fn func(err error))                     { c.onError = fn }
func (c *Connection) OnClose(fn func(code int, reason string))       { c.onClose = fn }
func (c *Connection) State() wsapi.ConnState                         { return c.state }

// wireStream hooks the H1xStream's callbacks. Supplemented feature 7:
// once the handshake bytes are fully consumed, the H1x layer's
// "complete" signals are repurposed as protocol errors — the frame
// layer now owns the stream and never expects H1x framing again. The
// H1x layer reports the handshake message's own incoming completion
// right after its header callback has moved the connection to OPEN;
// that first signal is ignored, and any later one is an error.
func (c *Connection) wireStream() {
	c.stream.OnHeader(c.onHeader)
	c.stream.OnData(c.onRawData)
	c.stream.OnError(func(err error) { c.fail(err) })
	handshakeCompleteSeen := false
	c.stream.OnIncomingComplete(func() {
		if c.state != wsapi.ConnOpen {
			return
		}
		if !handshakeCompleteSeen {
			handshakeCompleteSeen = true
			return
		}
		c.fail(wsapi.NewError(wsapi.PROTO_ERROR, "ws: underlying HTTP stream signaled complete while OPEN"))
	})
	c.stream.OnOutgoingComplete(func() {
		if c.state == wsapi.ConnOpen {
			c.fail(wsapi.NewError(wsapi.PROTO_ERROR, "ws: underlying HTTP stream signaled complete while OPEN"))
		}
	})
}

// Connect issues the client handshake request, per spec.md §4.3.
func (c *Connection) Connect(target, origin string, subprotocols, extensions []string) error {
	if c.state != wsapi.ConnIdle {
		return wsapi.NewError(wsapi.INVALID_STATE, "ws: Connect called outside IDLE")
	}
	u, err := url.Parse(target)
	if err != nil {
		return wsapi.NewError(wsapi.INVALID_PARAM, "ws: invalid url: "+err.Error())
	}
	switch u.Scheme {
	case "ws", "http":
	case "wss", "https":
	default:
		return wsapi.NewError(wsapi.INVALID_PARAM, "ws: unsupported scheme "+u.Scheme)
	}

	key := c.fixedKey
	if key == "" {
		var raw [16]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return err
		}
		key = base64.StdEncoding.EncodeToString(raw[:])
	}
	c.sentKey = key

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	c.stream.AddHeader("Host", u.Host)
	c.stream.AddHeader("Upgrade", "websocket")
	c.stream.AddHeader("Connection", "Upgrade")
	c.stream.AddHeader("Sec-WebSocket-Key", key)
	c.stream.AddHeader("Sec-WebSocket-Version", webSocketVersion)
	if origin != "" {
		c.stream.AddHeader("Origin", origin)
	}
	if len(subprotocols) > 0 {
		c.stream.AddHeader("Sec-WebSocket-Protocol", strings.Join(subprotocols, ", "))
	}
	if len(extensions) > 0 {
		c.stream.AddHeader("Sec-WebSocket-Extensions", strings.Join(extensions, ", "))
	}

	c.state = wsapi.ConnUpgrading
	return c.stream.SendRequest("GET", path, "HTTP/1.1")
}

// onHeader fires once the underlying H1xStream has parsed a complete
// HTTP header block — a response (client role) or a request (server
// role).
func (c *Connection) onHeader() {
	if c.role == wsapi.RoleServer {
		c.handleServerRequest()
		return
	}
	c.failIfClientMismatch()
}

func computeAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key + webSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func headerHasToken(h http.Header, name, token string) bool {
	token = strings.ToLower(token)
	for _, v := range h[http.CanonicalHeaderKey(name)] {
		for _, part := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(part)) == token {
				return true
			}
		}
	}
	return false
}

// accumulate implements Supplemented Feature #4: repeated header
// lines of the same name are joined with ", " rather than the last
// one winning, matching checkHandshake's accumulation across
// duplicate Sec-WebSocket-Protocol / -Extensions lines.
func (c *Connection) accumulate(h http.Header, name string) string {
	vals := h[http.CanonicalHeaderKey(name)]
	if len(vals) == 0 {
		return ""
	}
	c.negotiatedHeaders[name] = vals
	return strings.Join(vals, ", ")
}

func splitTokenList(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// failIfClientMismatch validates the server's 101 response against
// spec.md §4.3 client-handshake step 3 and transitions to OPEN or
// IN_ERROR accordingly. It reads the parsed response off the concrete
// *h1x.Stream via the narrow accessor interface it implements.
func (c *Connection) failIfClientMismatch() {
	accessor, ok := c.stream.(interface {
		LastResponseHeaders() (status int, headers http.Header, ok bool)
	})
	if !ok {
		c.fail(wsapi.NewError(wsapi.FAILED, "ws: stream does not expose response headers"))
		return
	}
	status, headers, have := accessor.LastResponseHeaders()
	if !have {
		c.fail(wsapi.NewError(wsapi.PROTO_ERROR, "ws: no response headers parsed"))
		return
	}
	if status != 101 {
		c.fail(wsapi.NewError(wsapi.PROTO_ERROR, fmt.Sprintf("ws: expected 101, got %d", status)))
		return
	}
	if !strings.EqualFold(headers.Get("Upgrade"), "websocket") {
		c.fail(wsapi.NewError(wsapi.PROTO_ERROR, "ws: missing Upgrade: websocket"))
		return
	}
	if !headerHasToken(headers, "Connection", "Upgrade") {
		c.fail(wsapi.NewError(wsapi.PROTO_ERROR, "ws: Connection header missing Upgrade token"))
		return
	}
	want := computeAccept(c.sentKey)
	got := headers.Get("Sec-WebSocket-Accept")
	if got != want {
		c.fail(wsapi.NewError(wsapi.PROTO_ERROR, "ws: Sec-WebSocket-Accept mismatch"))
		return
	}
	c.accumulate(headers, "Sec-WebSocket-Protocol")
	c.accumulate(headers, "Sec-WebSocket-Extensions")
	c.state = wsapi.ConnOpen
	if c.onHandshakeDone != nil {
		c.onHandshakeDone(nil)
	}
}

func (c *Connection) handleServerRequest() {
	accessor, ok := c.stream.(interface{ LastRequest() (*http.Request, bool) })
	if !ok {
		c.fail(wsapi.NewError(wsapi.FAILED, "ws: stream does not expose request"))
		return
	}
	req, have := accessor.LastRequest()
	if !have {
		c.badRequest()
		return
	}

	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") ||
		!headerHasToken(req.Header, "Connection", "Upgrade") ||
		!headerHasToken(req.Header, "Sec-WebSocket-Version", webSocketVersion) ||
		req.Header.Get("Sec-WebSocket-Key") == "" {
		c.badRequest()
		return
	}

	offeredProtocols := splitTokenList(c.accumulate(req.Header, "Sec-WebSocket-Protocol"))
	offeredExtensions := splitTokenList(c.accumulate(req.Header, "Sec-WebSocket-Extensions"))

	decision := HandshakeDecision{Accept: true}
	if c.hsCB != nil {
		decision = c.hsCB(req, offeredProtocols, offeredExtensions)
	}
	if !decision.Accept {
		c.reject()
		return
	}

	key := req.Header.Get("Sec-WebSocket-Key")
	c.stream.AddHeader("Upgrade", "websocket")
	c.stream.AddHeader("Connection", "Upgrade")
	c.stream.AddHeader("Sec-WebSocket-Accept", computeAccept(key))
	c.stream.AddHeader("Sec-WebSocket-Version", webSocketVersion)
	if decision.Subprotocol != "" {
		c.stream.AddHeader("Sec-WebSocket-Protocol", decision.Subprotocol)
	}
	if len(decision.Extensions) > 0 {
		c.stream.AddHeader("Sec-WebSocket-Extensions", strings.Join(decision.Extensions, ", "))
	}
	if err := c.stream.SendResponse(101, "Switching Protocols", "HTTP/1.1"); err != nil {
		c.fail(err)
		return
	}
	c.state = wsapi.ConnOpen
	if c.onHandshakeDone != nil {
		c.onHandshakeDone(nil)
	}
}

func (c *Connection) badRequest() {
	_ = c.stream.SendResponse(400, "Bad Request", "HTTP/1.1")
	c.state = wsapi.ConnInError
	c.fail(wsapi.NewError(wsapi.PROTO_ERROR, "ws: malformed upgrade request"))
}

func (c *Connection) reject() {
	_ = c.stream.SendResponse(403, "Forbidden", "HTTP/1.1")
	c.state = wsapi.ConnInError
	c.fail(wsapi.NewError(wsapi.REJECTED, "ws: handshake rejected by application"))
}

// onRawData receives bytes from the stream. Before OPEN these are
// ignored (header parsing happens inside the H1x layer); once OPEN
// they are frame bytes.
func (c *Connection) onRawData(buf []byte) {
	if c.state != wsapi.ConnOpen {
		return
	}
	c.recvBuf = append(c.recvBuf, buf...)
	for {
		f, n, err := DecodeFrame(c.recvBuf)
		if err != nil {
			c.fail(wsapi.NewError(wsapi.PROTO_ERROR, "ws: "+err.Error()))
			return
		}
		if f == nil {
			return
		}
		c.recvBuf = c.recvBuf[n:]
		if err := c.dispatchFrame(f); err != nil {
			c.fail(err)
			return
		}
		if c.state != wsapi.ConnOpen {
			return
		}
	}
}

// dispatchFrame applies the masking-direction rule and reassembles
// fragmented messages, delivering control frames eagerly even mid-
// fragmentation (spec.md §4.3: "control frames may interleave").
func (c *Connection) dispatchFrame(f *Frame) error {
	if c.role == wsapi.RoleClient && f.Masked {
		return wsapi.NewError(wsapi.PROTO_ERROR, "ws: received masked frame from server")
	}
	if c.role == wsapi.RoleServer && !f.Masked {
		return wsapi.NewError(wsapi.PROTO_ERROR, "ws: received unmasked frame from client")
	}

	if isControlOpcode(f.Opcode) {
		return c.handleControl(f)
	}

	switch {
	case !c.fragActive && f.Opcode == OpContinuation:
		return wsapi.NewError(wsapi.PROTO_ERROR, "ws: continuation frame without preceding fragment")
	case !c.fragActive:
		if f.FIN {
			c.deliver(f.Opcode, f.Payload)
			return nil
		}
		c.fragActive = true
		c.fragOpcode = f.Opcode
		c.fragBuf = append([]byte(nil), f.Payload...)
		return nil
	default: // fragActive
		if f.Opcode != OpContinuation {
			return wsapi.NewError(wsapi.PROTO_ERROR, "ws: expected continuation frame")
		}
		c.fragBuf = append(c.fragBuf, f.Payload...)
		if f.FIN {
			opcode := c.fragOpcode
			payload := c.fragBuf
			c.fragActive = false
			c.fragBuf = nil
			c.deliver(opcode, payload)
		}
		return nil
	}
}

func (c *Connection) deliver(opcode byte, payload []byte) {
	if c.onMessage != nil {
		c.onMessage(opcode, payload)
	}
}

func (c *Connection) handleControl(f *Frame) error {
	switch f.Opcode {
	case OpPing:
		return c.sendFrame(&Frame{FIN: true, Opcode: OpPong, Payload: f.Payload})
	case OpPong:
		return nil
	case OpClose:
		code := CloseNoStatusRcvd
		reason := ""
		if len(f.Payload) >= 2 {
			code = int(f.Payload[0])<<8 | int(f.Payload[1])
			reason = string(f.Payload[2:])
		}
		_ = c.sendFrame(&Frame{FIN: true, Opcode: OpClose, Payload: f.Payload})
		c.state = wsapi.ConnClosed
		if c.onClose != nil {
			c.onClose(code, reason)
		}
		return c.stream.Close()
	default:
		return wsapi.NewError(wsapi.PROTO_ERROR, "ws: unknown control opcode")
	}
}

func (c *Connection) sendFrame(f *Frame) error {
	raw, err := EncodeFrame(f, c.role == wsapi.RoleClient)
	if err != nil {
		return err
	}
	_, err = c.stream.SendData(raw)
	return err
}

// Send transmits a single message as one unfragmented frame.
func (c *Connection) Send(opcode byte, payload []byte) error {
	if c.state != wsapi.ConnOpen {
		return wsapi.NewError(wsapi.INVALID_STATE, "ws: Send outside OPEN")
	}
	return c.sendFrame(&Frame{FIN: true, Opcode: opcode, Payload: payload})
}

// SendSegments transmits a message assembled from up to MaxSendSegments
// scatter-gather buffers as a single frame — Supplemented Feature #5.
func (c *Connection) SendSegments(opcode byte, segments [][]byte) error {
	if c.state != wsapi.ConnOpen {
		return wsapi.NewError(wsapi.INVALID_STATE, "ws: Send outside OPEN")
	}
	if len(segments) > MaxSendSegments {
		return wsapi.NewError(wsapi.INVALID_PARAM, fmt.Sprintf("ws: %d segments exceeds max %d", len(segments), MaxSendSegments))
	}
	total := 0
	for _, s := range segments {
		total += len(s)
	}
	payload := make([]byte, 0, total)
	for _, s := range segments {
		payload = append(payload, s...)
	}
	return c.sendFrame(&Frame{FIN: true, Opcode: opcode, Payload: payload})
}

// Close initiates the closing handshake.
func (c *Connection) Close(code int, reason string) error {
	if c.state != wsapi.ConnOpen {
		return c.stream.Close()
	}
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], reason)
	err := c.sendFrame(&Frame{FIN: true, Opcode: OpClose, Payload: payload})
	c.state = wsapi.ConnClosed
	return err
}

func (c *Connection) fail(err error) {
	if c.state == wsapi.ConnClosed {
		return
	}
	log.Warnf("connection %s: %v", c.ID, err)
	prev := c.state
	c.state = wsapi.ConnInError
	if prev != wsapi.ConnInError && c.onError != nil {
		c.onError(err)
	}
	_ = c.stream.Close()
}
