// File: internal/faketransport/faketransport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A controllable fake of wsapi.Transport, grounded on fake/transport.go:
// the same SetSendError/SetRecvError/SetCloseError injection points and
// AddRecvData/GetSentData inspection points, adapted from the teacher's
// buffer-of-buffers Send/Recv pair to the byte-stream Read/Write/Close
// contract wsapi.Transport and wsapi.H1xStream's underlying stream need.

package faketransport

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("faketransport: transport is closed")

// Transport is an in-memory wsapi.Transport with injectable errors.
type Transport struct {
	mu sync.Mutex

	recvBuf []byte
	sentBuf []byte

	closed bool

	sendErr  error
	recvErr  error
	closeErr error

	fd uintptr
}

// New returns a fake transport identifying itself with fd (purely for
// RawFD()/diagnostics — no real descriptor is opened).
func New(fd uintptr) *Transport {
	return &Transport{fd: fd}
}

func (t *Transport) RawFD() uintptr { return t.fd }

func (t *Transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	if t.recvErr != nil {
		return 0, t.recvErr
	}
	if len(t.recvBuf) == 0 {
		return 0, nil
	}
	n := copy(p, t.recvBuf)
	t.recvBuf = t.recvBuf[n:]
	return n, nil
}

func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	if t.sendErr != nil {
		return 0, t.sendErr
	}
	t.sentBuf = append(t.sentBuf, p...)
	return len(p), nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closeErr != nil {
		return t.closeErr
	}
	t.closed = true
	return nil
}

// SetSendError configures Write to fail with err.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// SetRecvError configures Read to fail with err.
func (t *Transport) SetRecvError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvErr = err
}

// SetCloseError configures Close to fail with err.
func (t *Transport) SetCloseError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeErr = err
}

// AddRecvData queues bytes to be returned by subsequent Read calls.
func (t *Transport) AddRecvData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvBuf = append(t.recvBuf, data...)
}

// SentData returns a copy of everything written so far via Write.
func (t *Transport) SentData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.sentBuf))
	copy(out, t.sentBuf)
	return out
}

// ClearSentData empties the sent-bytes record.
func (t *Transport) ClearSentData() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sentBuf = t.sentBuf[:0]
}

// IsClosed reports whether Close has succeeded.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
