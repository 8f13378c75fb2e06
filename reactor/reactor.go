// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import "github.com/wangscript007/reactorws/wsapi"

// BackendKind selects which readiness facility New constructs.
// Default picks the platform-native backend (epoll, kqueue, or WSAPoll
// on Windows).
type BackendKind int

const (
	Default BackendKind = iota
	Select
)

// New constructs the platform-default wsapi.PollBackend. kind==Select
// forces the portable select-based backend on Linux and the BSDs even
// though they have a native facility, mirroring spec.md §6's "type
// chosen by caller or platform default from {select, poll, epoll,
// kqueue}". On Windows, Select returns the same WSAPoll backend as
// Default.
func New(kind BackendKind) (wsapi.PollBackend, error) {
	if kind == Select {
		return newSelectBackend()
	}
	return newNativeBackend()
}
