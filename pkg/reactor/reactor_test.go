package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonotonic(t *testing.T) {
	r := New()
	defer r.End()

	t1 := r.Monotonic()
	time.Sleep(10 * time.Millisecond)
	t2 := r.Monotonic()

	if t2 <= t1 {
		t.Errorf("Monotonic time not increasing: %f <= %f", t2, t1)
	}
	if elapsed := t2 - t1; elapsed < 0.009 {
		t.Errorf("Unexpected elapsed time: %f (expected ~0.01)", elapsed)
	}
}

func TestTimer(t *testing.T) {
	r := New()

	var called atomic.Int32
	timer := r.RegisterTimer(func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, NOW)
	if timer == nil {
		t.Fatal("RegisterTimer returned nil")
	}

	r.Run()
	time.Sleep(50 * time.Millisecond)
	r.End()
	r.Wait()

	if called.Load() != 1 {
		t.Errorf("Timer callback called %d times, expected 1", called.Load())
	}
}

func TestTimerRepeat(t *testing.T) {
	r := New()

	var called atomic.Int32
	r.RegisterTimer(func(eventtime float64) float64 {
		if called.Add(1) < 3 {
			return eventtime + 0.01
		}
		return NEVER
	}, NOW)
	r.Run()
	time.Sleep(100 * time.Millisecond)
	r.End()
	r.Wait()

	if called.Load() != 3 {
		t.Errorf("Timer callback called %d times, expected 3", called.Load())
	}
}

func TestUnregisterTimer(t *testing.T) {
	r := New()

	var called atomic.Int32
	timer := r.RegisterTimer(func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, r.Monotonic()+0.05)
	r.UnregisterTimer(timer)

	r.Run()
	time.Sleep(100 * time.Millisecond)
	r.End()
	r.Wait()

	if called.Load() != 0 {
		t.Errorf("Timer callback called %d times after unregister, expected 0", called.Load())
	}
}

func TestUpdateTimerWakesParkedTimer(t *testing.T) {
	r := New()
	r.Run()
	defer func() { r.End(); r.Wait() }()

	var called atomic.Int32
	timer := r.RegisterTimer(func(eventtime float64) float64 {
		called.Add(1)
		return NEVER
	}, NEVER)

	time.Sleep(20 * time.Millisecond)
	if called.Load() != 0 {
		t.Fatal("parked timer fired")
	}
	r.UpdateTimer(timer, NOW)
	deadline := time.Now().Add(time.Second)
	for called.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if called.Load() != 1 {
		t.Errorf("Timer callback called %d times, expected 1", called.Load())
	}
}

func TestUpdateTimerFromCallbackWins(t *testing.T) {
	r := New()
	var timer *Timer
	var called atomic.Int32
	timer = r.RegisterTimer(func(eventtime float64) float64 {
		called.Add(1)
		r.UpdateTimer(timer, NEVER)
		return eventtime + 0.001
	}, NOW)
	r.Run()
	time.Sleep(50 * time.Millisecond)
	r.End()
	r.Wait()

	if called.Load() != 1 {
		t.Errorf("Timer callback called %d times, expected 1", called.Load())
	}
	if timer.Waketime() != NEVER {
		t.Errorf("Waketime = %f, want NEVER", timer.Waketime())
	}
}

func TestCompletion(t *testing.T) {
	c := newCompletion()
	if c.Test() {
		t.Error("Completion should not be done yet")
	}
	c.Complete("result")
	c.Complete("ignored")
	if !c.Test() {
		t.Error("Completion should be done")
	}
	result, err := c.Wait(context.Background())
	if err != nil || result != "result" {
		t.Errorf("Expected 'result', got %v (%v)", result, err)
	}
}

func TestCompletionWaitCancelled(t *testing.T) {
	c := newCompletion()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestCallback(t *testing.T) {
	r := New()
	r.Run()
	defer func() { r.End(); r.Wait() }()

	c := r.Callback(func(eventtime float64) interface{} { return "callback result" })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := c.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result != "callback result" {
		t.Errorf("Expected 'callback result', got %v", result)
	}
}

func TestCallbackAfterEnd(t *testing.T) {
	r := New()
	r.End()
	c := r.Callback(func(eventtime float64) interface{} { return 1 })
	result, _ := c.Wait(context.Background())
	if result != ErrReactorClosed {
		t.Errorf("Expected ErrReactorClosed, got %v", result)
	}
}

func TestPause(t *testing.T) {
	r := New()
	defer r.End()

	waketime := r.Monotonic() + 0.05
	if result := r.Pause(waketime); result < waketime-0.01 {
		t.Errorf("Pause returned too early: %f < %f", result, waketime)
	}
	now := r.Monotonic()
	if result := r.Pause(now - 1); result < now {
		t.Errorf("Pause should return current time, got %f < %f", result, now)
	}
}

func TestMutex(t *testing.T) {
	var m Mutex
	if m.Test() {
		t.Error("Mutex should not be locked initially")
	}
	m.Lock()
	if !m.Test() {
		t.Error("Mutex should be locked after Lock()")
	}
	if m.TryLock() {
		t.Error("TryLock should fail while held")
	}
	m.Unlock()
	if m.Test() {
		t.Error("Mutex should not be locked after Unlock()")
	}
	if !m.TryLock() {
		t.Error("TryLock should succeed when free")
	}
	m.Unlock()
}

func TestMutexContention(t *testing.T) {
	var m Mutex
	var counter atomic.Int32
	done := make(chan struct{})

	m.Lock()
	go func() {
		m.Lock()
		counter.Add(1)
		m.Unlock()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	if counter.Load() != 0 {
		t.Error("Goroutine should be waiting")
	}
	m.Unlock()
	<-done
	if counter.Load() != 1 {
		t.Error("Goroutine should have incremented counter")
	}
}
