// File: reactor/doc.go
// Package reactor implements wsapi.PollBackend over the OS-native
// readiness notification facility: epoll on Linux and kqueue on the
// BSDs and Darwin, with a select-based backend available on both when
// reactor.Select is requested. Windows gets a small IOCP-simulated
// backend (poll-on-socket-handles) rather than a real completion port,
// since the rest of the stack is a readiness model, not a completion
// model — see windows.go. Other platforms get no backend: New returns
// an UNSUPPORTED error there.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package reactor
