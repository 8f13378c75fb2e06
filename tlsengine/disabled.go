// File: tlsengine/disabled.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Disabled is the "OpenSSL optionality" stub spec.md's DESIGN NOTES
// calls for: a TLSEngine whose Attach always fails with UNSUPPORTED,
// for builds that want to guarantee at the type level that no TLS
// engine is wired in, mirroring original_source's
// `#ifndef KUMA_HAS_OPENSSL` branches returning KUMA_ERROR_UNSUPPORT.

package tlsengine

import "github.com/wangscript007/reactorws/wsapi"

type Disabled struct{}

func (Disabled) Attach(fd uintptr, role wsapi.Role) error {
	return wsapi.NewError(wsapi.UNSUPPORTED, "tlsengine: TLS support compiled out")
}

func (Disabled) Handshake() (wsapi.TLSHandshakeResult, error) {
	return wsapi.TLSError, wsapi.ErrNotSupported
}

func (Disabled) Read(buf []byte) (int, error)            { return 0, wsapi.ErrNotSupported }
func (Disabled) Write(buf []byte) (int, error)            { return 0, wsapi.ErrNotSupported }
func (Disabled) WriteVectored(iovs [][]byte) (int, error) { return 0, wsapi.ErrNotSupported }
func (Disabled) Close() error                             { return nil }
