// File: h1x/stream_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package h1x

import (
	"errors"
	"strings"
	"testing"

	"github.com/wangscript007/reactorws/internal/faketransport"
)

func TestServerParsesRequestAcrossPartialReads(t *testing.T) {
	tr := faketransport.New(1)
	s := New(tr, true)

	var gotHeader bool
	s.OnHeader(func() { gotHeader = true })

	raw := "GET /chat HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\n\r\n"
	tr.AddRecvData([]byte(raw[:10]))
	s.Feed()
	if gotHeader {
		t.Fatal("header fired before terminator arrived")
	}

	tr.AddRecvData([]byte(raw[10:]))
	s.Feed()
	if !gotHeader {
		t.Fatal("header never fired")
	}
	req, ok := s.LastRequest()
	if !ok {
		t.Fatal("no request parsed")
	}
	if req.Method != "GET" || req.URL.Path != "/chat" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Header.Get("Upgrade") != "websocket" {
		t.Fatalf("missing Upgrade header: %+v", req.Header)
	}
}

func TestServerDeliversBodyDataAfterHeaders(t *testing.T) {
	tr := faketransport.New(1)
	s := New(tr, true)

	var data []byte
	s.OnData(func(buf []byte) { data = append(data, buf...) })

	raw := "GET / HTTP/1.1\r\nHost: x\r\n\r\nBODYBYTES"
	tr.AddRecvData([]byte(raw))
	s.Feed()

	if string(data) != "BODYBYTES" {
		t.Fatalf("got %q, want BODYBYTES", data)
	}
}

func TestClientParsesResponse(t *testing.T) {
	tr := faketransport.New(2)
	s := New(tr, false)

	var gotHeader bool
	s.OnHeader(func() { gotHeader = true })

	raw := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"
	tr.AddRecvData([]byte(raw))
	s.Feed()

	if !gotHeader {
		t.Fatal("header never fired")
	}
	status, hdr, ok := s.LastResponseHeaders()
	if !ok {
		t.Fatal("no response parsed")
	}
	if status != 101 {
		t.Fatalf("got status %d", status)
	}
	if hdr.Get("Upgrade") != "websocket" {
		t.Fatalf("missing Upgrade header: %+v", hdr)
	}
}

func TestSendRequestWritesHeadersAndClearsThem(t *testing.T) {
	tr := faketransport.New(3)
	s := New(tr, false)

	s.AddHeader("Host", "example.com")
	s.AddHeader("Upgrade", "websocket")
	if err := s.SendRequest("GET", "/", "HTTP/1.1"); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	sent := string(tr.SentData())
	if !strings.HasPrefix(sent, "GET / HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", sent)
	}
	if !strings.Contains(sent, "Host: example.com\r\n") {
		t.Fatalf("missing Host header: %q", sent)
	}
	if !strings.HasSuffix(sent, "\r\n\r\n") {
		t.Fatalf("missing terminator: %q", sent)
	}

	tr.ClearSentData()
	if err := s.SendRequest("GET", "/", "HTTP/1.1"); err != nil {
		t.Fatalf("second SendRequest: %v", err)
	}
	if strings.Contains(string(tr.SentData()), "Host:") {
		t.Fatal("headers were not cleared after first send")
	}
}

func TestTransportReadErrorDuringHandshakeSurfacesViaOnError(t *testing.T) {
	tr := faketransport.New(5)
	s := New(tr, true)

	var gotErr error
	s.OnError(func(err error) { gotErr = err })

	injected := errors.New("connection reset by peer")
	tr.SetRecvError(injected)
	s.Feed()

	if gotErr == nil {
		t.Fatal("expected a transport error to surface via OnError")
	}
	if !errors.Is(gotErr, injected) {
		t.Fatalf("got %v, want an error wrapping %v", gotErr, injected)
	}
}

func TestTransportReadErrorAfterHeadersSurfacesViaOnError(t *testing.T) {
	tr := faketransport.New(6)
	s := New(tr, true)

	raw := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	tr.AddRecvData([]byte(raw))
	s.Feed()

	var gotErr error
	s.OnError(func(err error) { gotErr = err })

	injected := errors.New("connection reset by peer")
	tr.SetRecvError(injected)
	s.Feed()

	if gotErr == nil {
		t.Fatal("expected a transport error to surface via OnError after headers parsed")
	}
	if !errors.Is(gotErr, injected) {
		t.Fatalf("got %v, want an error wrapping %v", gotErr, injected)
	}
}

func TestHeadersExceedingCapFailsWithoutTerminator(t *testing.T) {
	tr := faketransport.New(4)
	s := New(tr, true)

	var gotErr error
	s.OnError(func(err error) { gotErr = err })

	tr.AddRecvData([]byte(strings.Repeat("X", maxHandshakeHeadersSize+1)))
	s.Feed()

	if gotErr == nil {
		t.Fatal("expected an error for oversized headerless input")
	}
}
