// File: internal/fakereactor/fakereactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A scriptable wsapi.PollBackend, grounded on fake/fakereactor.go's
// role (a trivial stand-in Reactor for tests that don't want real OS
// polling) but generalized from that no-op shape to a queue of
// pre-scripted ReadyEvent batches, since wsapi.PollBackend's contract
// is richer than the teacher's bare Run/Register pair.

package fakereactor

import (
	"sync"

	"github.com/wangscript007/reactorws/wsapi"
)

// Backend is a deterministic PollBackend driven entirely by
// ScriptWait, for tests that need to assert dispatch ordering without
// depending on real fd readiness timing.
type Backend struct {
	mu sync.Mutex

	watched     map[uintptr]wsapi.EventMask
	scripted    [][]wsapi.ReadyEvent
	wakeupCount int
	closed      bool
	triggerMode wsapi.TriggerMode
}

// New returns a Backend reporting the given trigger mode to callers
// that branch on it (tcpsocket's write-rearm logic, notably).
func New(mode wsapi.TriggerMode) *Backend {
	return &Backend{watched: make(map[uintptr]wsapi.EventMask), triggerMode: mode}
}

func (b *Backend) Add(fd uintptr, mask wsapi.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watched[fd] = mask
	return nil
}

func (b *Backend) Modify(fd uintptr, mask wsapi.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watched[fd] = mask
	return nil
}

func (b *Backend) Remove(fd uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watched, fd)
	return nil
}

// ScriptWait queues one batch of events to be returned by the next
// Wait call.
func (b *Backend) ScriptWait(events []wsapi.ReadyEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripted = append(b.scripted, events)
}

func (b *Backend) Wait(timeoutMs int) ([]wsapi.ReadyEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.scripted) == 0 {
		return nil, nil
	}
	next := b.scripted[0]
	b.scripted = b.scripted[1:]
	return next, nil
}

func (b *Backend) Wakeup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wakeupCount++
	return nil
}

func (b *Backend) TriggerMode() wsapi.TriggerMode { return b.triggerMode }

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Watched returns a snapshot of the currently registered fd→mask set,
// for asserting invariant 1 from spec.md §8 ("watched set equals
// registrations minus unregistrations").
func (b *Backend) Watched() map[uintptr]wsapi.EventMask {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uintptr]wsapi.EventMask, len(b.watched))
	for k, v := range b.watched {
		out[k] = v
	}
	return out
}

// WakeupCount returns how many times Wakeup has been called.
func (b *Backend) WakeupCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wakeupCount
}

// Closed reports whether Close has been called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
