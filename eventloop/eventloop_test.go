// File: eventloop/eventloop_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package eventloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wangscript007/reactorws/reactor"
)

func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	backend, err := reactor.New(reactor.Select)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	return New(backend)
}

func runLoopAsync(t *testing.T, l *EventLoop) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		l.Loop()
		close(done)
	}()
	return func() {
		l.Stop()
		<-done
	}
}

func TestTimerFiringOrder(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	done := make(chan struct{})
	l.RunInLoop(func() {
		l.ScheduleTimer(50*time.Millisecond, 0, record("A"))
		l.ScheduleTimer(10*time.Millisecond, 0, record("B"))
		l.ScheduleTimer(30*time.Millisecond, 0, record("C"))
		l.ScheduleTimer(60*time.Millisecond, 0, func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"B", "C", "A"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestRunInLoopReentrantIsSynchronous(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	result := make(chan bool, 1)
	l.RunInLoop(func() {
		ran := false
		l.RunInLoop(func() { ran = true })
		result <- ran
	})

	select {
	case ran := <-result:
		if !ran {
			t.Fatal("reentrant RunInLoop did not execute inline")
		}
	case <-time.After(time.Second):
		t.Fatal("outer RunInLoop never executed")
	}
}

func TestRunInLoopSyncFromForeignGoroutine(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	var val int32
	l.RunInLoopSync(func() { atomic.StoreInt32(&val, 42) })
	if atomic.LoadInt32(&val) != 42 {
		t.Fatalf("RunInLoopSync did not run synchronously, val=%d", val)
	}
}

func TestCrossThreadTaskStress(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	var counter int64
	const n = 1000
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			l.RunInLoop(func() { atomic.AddInt64(&counter, 1) })
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&counter) != n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("counter = %d, want %d", got, n)
	}
}

func TestCancelTimerPreventsFiring(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	var fired int32
	var id TimerID
	done := make(chan struct{})
	l.RunInLoop(func() {
		id = l.ScheduleTimer(20*time.Millisecond, 0, func() { atomic.AddInt32(&fired, 1) })
		l.CancelTimer(id)
		l.ScheduleTimer(50*time.Millisecond, 0, func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("marker timer never fired")
	}
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("canceled timer fired anyway, count=%d", fired)
	}
}

func TestUnregisterFDIsIdempotent(t *testing.T) {
	l := newTestLoop(t)
	if err := l.UnregisterFD(^uintptr(0)); err != nil {
		t.Fatalf("unregister never-registered fd: %v", err)
	}
	if err := l.UnregisterFD(^uintptr(0)); err != nil {
		t.Fatalf("double unregister: %v", err)
	}
}
