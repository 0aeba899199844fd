package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScheduler_RunsAndStops(t *testing.T) {
	s := New(nil)
	var fast, slow atomic.Int32
	s.Add("fast", 20*time.Millisecond, func(context.Context) { fast.Add(1) })
	s.Add("slow", time.Hour, func(context.Context) { slow.Add(1) })

	s.Start(context.Background())
	if !s.Running() {
		t.Fatal("expected running after Start")
	}
	waitFor(t, func() bool { return fast.Load() >= 3 })

	s.Stop()
	if s.Running() {
		t.Fatal("expected stopped after Stop")
	}
	after := fast.Load()
	time.Sleep(100 * time.Millisecond)
	if fast.Load() != after {
		t.Errorf("task kept running after Stop: %d -> %d", after, fast.Load())
	}
	if slow.Load() != 0 {
		t.Errorf("hourly task ran %d times", slow.Load())
	}
}

func TestScheduler_StopCancelsTaskContext(t *testing.T) {
	s := New(nil)
	started := make(chan struct{}, 1)
	var cancelled atomic.Bool
	s.Add("blocking", 10*time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
	})

	s.Start(context.Background())
	<-started
	s.Stop()
	if !cancelled.Load() {
		t.Error("Stop returned before the running task observed cancellation")
	}
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	s.Add("flaky", 10*time.Millisecond, func(context.Context) {
		if runs.Add(1) == 1 {
			panic("tick failed")
		}
	})

	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, func() bool { return runs.Load() >= 3 })
}

func TestScheduler_Restart(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	s.Add("tick", 10*time.Millisecond, func(context.Context) { runs.Add(1) })

	s.Start(context.Background())
	waitFor(t, func() bool { return runs.Load() >= 1 })
	s.Stop()

	before := runs.Load()
	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, func() bool { return runs.Load() > before })
}

func TestScheduler_AddValidation(t *testing.T) {
	s := New(nil)
	if err := s.Add("a", time.Second, func(context.Context) {}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("a", time.Second, func(context.Context) {}); err != ErrDuplicateTask {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
	if err := s.Add("b", 0, func(context.Context) {}); err == nil {
		t.Error("expected error for zero interval")
	}
	s.Add("0-first", time.Second, func(context.Context) {})
	if names := s.Names(); len(names) != 2 || names[0] != "0-first" || names[1] != "a" {
		t.Errorf("Names() = %v", names)
	}
}
