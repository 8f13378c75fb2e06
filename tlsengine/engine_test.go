// File: tlsengine/engine_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tlsengine

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/wangscript007/reactorws/wsapi"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func TestHandshakeSucceedsClientServer(t *testing.T) {
	cert := selfSignedCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		f, err := conn.(*net.TCPConn).File()
		if err != nil {
			serverDone <- err
			return
		}
		defer f.Close()
		conn.Close()

		engine := New(&tls.Config{Certificates: []tls.Certificate{cert}})
		if err := engine.Attach(f.Fd(), wsapi.RoleServer); err != nil {
			serverDone <- err
			return
		}
		settled := make(chan struct{})
		engine.OnSettled(func() { close(settled) })
		engine.Handshake()
		<-settled
		_, err = engine.Handshake()
		serverDone <- err
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cf, err := clientConn.(*net.TCPConn).File()
	if err != nil {
		t.Fatalf("client file: %v", err)
	}
	defer cf.Close()
	clientConn.Close()

	client := New(&tls.Config{InsecureSkipVerify: true})
	if err := client.Attach(cf.Fd(), wsapi.RoleClient); err != nil {
		t.Fatalf("client attach: %v", err)
	}
	settled := make(chan struct{})
	client.OnSettled(func() { close(settled) })
	client.Handshake()

	select {
	case <-settled:
	case <-time.After(3 * time.Second):
		t.Fatal("client handshake never settled")
	}
	if _, err := client.Handshake(); err != nil {
		t.Fatalf("client handshake result: %v", err)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server handshake: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server handshake never completed")
	}
}

// TestReadReturnsWouldBlockInsteadOfBlocking exercises the data-phase
// path that ioReadyOpen drives from the loop goroutine: with no bytes
// in flight from the peer, Read must return promptly with
// wsapi.ErrWouldBlock rather than parking on the underlying conn.
func TestReadReturnsWouldBlockInsteadOfBlocking(t *testing.T) {
	cert := selfSignedCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverSettled := make(chan *Engine, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		f, err := conn.(*net.TCPConn).File()
		if err != nil {
			return
		}
		defer f.Close()
		conn.Close()

		engine := New(&tls.Config{Certificates: []tls.Certificate{cert}})
		if err := engine.Attach(f.Fd(), wsapi.RoleServer); err != nil {
			return
		}
		settled := make(chan struct{})
		engine.OnSettled(func() { close(settled) })
		engine.Handshake()
		<-settled
		serverSettled <- engine
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cf, err := clientConn.(*net.TCPConn).File()
	if err != nil {
		t.Fatalf("client file: %v", err)
	}
	defer cf.Close()
	clientConn.Close()

	client := New(&tls.Config{InsecureSkipVerify: true})
	if err := client.Attach(cf.Fd(), wsapi.RoleClient); err != nil {
		t.Fatalf("client attach: %v", err)
	}
	clientSettled := make(chan struct{})
	client.OnSettled(func() { close(clientSettled) })
	client.Handshake()

	select {
	case <-clientSettled:
	case <-time.After(3 * time.Second):
		t.Fatal("client handshake never settled")
	}

	var server *Engine
	select {
	case server = <-serverSettled:
	case <-time.After(3 * time.Second):
		t.Fatal("server handshake never settled")
	}

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 16)
		n, err := server.Read(buf)
		if err != wsapi.ErrWouldBlock {
			t.Errorf("got (%d, %v), want (_, ErrWouldBlock)", n, err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Read blocked instead of returning ErrWouldBlock")
	}
}

// TestWriteThenReadRoundTripsAfterHandshake checks that Write's
// immediate-deadline treatment still delivers a normal, fully-flushed
// write (the deadline only short-circuits a call that would otherwise
// block, it must not truncate a write the kernel can accept outright).
func TestWriteThenReadRoundTripsAfterHandshake(t *testing.T) {
	cert := selfSignedCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverSettled := make(chan *Engine, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		f, err := conn.(*net.TCPConn).File()
		if err != nil {
			return
		}
		defer f.Close()
		conn.Close()

		engine := New(&tls.Config{Certificates: []tls.Certificate{cert}})
		if err := engine.Attach(f.Fd(), wsapi.RoleServer); err != nil {
			return
		}
		settled := make(chan struct{})
		engine.OnSettled(func() { close(settled) })
		engine.Handshake()
		<-settled
		serverSettled <- engine
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cf, err := clientConn.(*net.TCPConn).File()
	if err != nil {
		t.Fatalf("client file: %v", err)
	}
	defer cf.Close()
	clientConn.Close()

	client := New(&tls.Config{InsecureSkipVerify: true})
	if err := client.Attach(cf.Fd(), wsapi.RoleClient); err != nil {
		t.Fatalf("client attach: %v", err)
	}
	clientSettled := make(chan struct{})
	client.OnSettled(func() { close(clientSettled) })
	client.Handshake()

	select {
	case <-clientSettled:
	case <-time.After(3 * time.Second):
		t.Fatal("client handshake never settled")
	}

	var server *Engine
	select {
	case server = <-serverSettled:
	case <-time.After(3 * time.Second):
		t.Fatal("server handshake never settled")
	}

	msg := []byte("hello over tls")
	readDone := make(chan struct{})
	var got []byte
	go func() {
		buf := make([]byte, 64)
		for len(got) < len(msg) {
			n, err := server.Read(buf)
			if err != nil && err != wsapi.ErrWouldBlock {
				t.Errorf("server read: %v", err)
				close(readDone)
				return
			}
			got = append(got, buf[:n]...)
		}
		close(readDone)
	}()

	if n, err := client.Write(msg); err != nil || n != len(msg) {
		t.Fatalf("client write: n=%d err=%v", n, err)
	}

	select {
	case <-readDone:
	case <-time.After(3 * time.Second):
		t.Fatal("server never read the full message")
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestDisabledEngineRejectsAttach(t *testing.T) {
	var d Disabled
	err := d.Attach(0, wsapi.RoleClient)
	if wsapi.Code(err) != wsapi.UNSUPPORTED {
		t.Fatalf("got %v, want UNSUPPORTED", err)
	}
}
