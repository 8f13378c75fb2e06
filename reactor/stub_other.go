//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd && !windows

// File: reactor/stub_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub for platforms with no native or select-based backend wired up
// yet, mirroring the teacher's reactor/reactor_stub.go.

package reactor

import "github.com/wangscript007/reactorws/wsapi"

func newNativeBackend() (wsapi.PollBackend, error) {
	return nil, wsapi.NewError(wsapi.UNSUPPORTED, "reactor: this platform is not supported")
}

func newSelectBackend() (wsapi.PollBackend, error) {
	return nil, wsapi.NewError(wsapi.UNSUPPORTED, "reactor: this platform is not supported")
}
