// File: eventloop/eventloop_fakereactor_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package eventloop

import (
	"testing"

	"github.com/wangscript007/reactorws/internal/fakereactor"
	"github.com/wangscript007/reactorws/wsapi"
)

func TestIODispatchOrderMatchesBackendDeliveryOrder(t *testing.T) {
	backend := fakereactor.New(wsapi.LevelTriggered)
	l := New(backend)

	var order []uintptr
	for _, fd := range []uintptr{10, 20, 30} {
		fd := fd
		if err := l.RegisterFD(fd, wsapi.EventRead, func(wsapi.EventMask) { order = append(order, fd) }); err != nil {
			t.Fatalf("RegisterFD(%d): %v", fd, err)
		}
	}

	backend.ScriptWait([]wsapi.ReadyEvent{
		{Fd: 30, Events: wsapi.EventRead},
		{Fd: 10, Events: wsapi.EventRead},
		{Fd: 20, Events: wsapi.EventRead},
	})

	if err := l.LoopOnce(); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}

	want := []uintptr{30, 10, 20}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestWatchedSetReflectsRegisterAndUnregister(t *testing.T) {
	backend := fakereactor.New(wsapi.LevelTriggered)
	l := New(backend)

	l.RegisterFD(1, wsapi.EventRead, func(wsapi.EventMask) {})
	l.RegisterFD(2, wsapi.EventRead|wsapi.EventWrite, func(wsapi.EventMask) {})
	l.UnregisterFD(1)

	watched := backend.Watched()
	if _, ok := watched[1]; ok {
		t.Fatal("fd 1 should have been removed")
	}
	if mask, ok := watched[2]; !ok || !mask.Has(wsapi.EventWrite) {
		t.Fatalf("fd 2 watched state wrong: %v, %v", mask, ok)
	}
}

func TestTaskQueuedFromIOCallbackWaitsForNextLoopOnce(t *testing.T) {
	backend := fakereactor.New(wsapi.LevelTriggered)
	l := New(backend)

	ran := false
	if err := l.RegisterFD(1, wsapi.EventRead, func(wsapi.EventMask) {
		l.QueueInLoop(func() { ran = true })
	}); err != nil {
		t.Fatalf("RegisterFD: %v", err)
	}

	backend.ScriptWait([]wsapi.ReadyEvent{{Fd: 1, Events: wsapi.EventRead}})
	if err := l.LoopOnce(); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	if ran {
		t.Fatal("task queued from an I/O callback ran within the same LoopOnce, violating the stage-1-only fairness boundary")
	}

	backend.ScriptWait(nil)
	if err := l.LoopOnce(); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	if !ran {
		t.Fatal("task queued in the prior iteration should have run in this iteration's stage-1 drain")
	}
}

func TestUnregisterNeverRegisteredFDIsTolerated(t *testing.T) {
	backend := fakereactor.New(wsapi.LevelTriggered)
	l := New(backend)
	if err := l.UnregisterFD(999); err != nil {
		t.Fatalf("UnregisterFD on unknown fd: %v", err)
	}
}
