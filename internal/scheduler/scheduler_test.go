package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAddRejectsInvalidSpec(t *testing.T) {
	s := New(DefaultConfig())
	if _, err := s.Add("not a cron spec", func(context.Context, uuid.UUID, *Scheduler) {}); err == nil {
		t.Fatal("Add accepted an invalid expression")
	}
	if s.Has(uuid.Nil) {
		t.Error("failed Add left a job registered")
	}
}

func TestAddRemoveHandleLifecycle(t *testing.T) {
	s := New(DefaultConfig())
	id, err := s.Add("* * * * *", func(context.Context, uuid.UUID, *Scheduler) {})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.Has(id) {
		t.Error("Has = false after Add")
	}
	if _, ok := s.NextRun(id); !ok {
		t.Error("NextRun not available after Add")
	}

	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Has(id) {
		t.Error("Has = true after Remove")
	}
	if _, ok := s.NextRun(id); ok {
		t.Error("NextRun available after Remove")
	}
	if err := s.Remove(id); err != ErrUnknownJob {
		t.Errorf("second Remove = %v, want ErrUnknownJob", err)
	}
}

func TestTickFiresDueJobsOutsideLock(t *testing.T) {
	s := New(DefaultConfig())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	var mu sync.Mutex
	fired := make(map[uuid.UUID]int)
	done := make(chan struct{}, 2)

	record := func(ctx context.Context, id uuid.UUID, sched *Scheduler) {
		// Scheduler methods must be callable from inside a callback.
		sched.NextRun(id)
		mu.Lock()
		fired[id]++
		mu.Unlock()
		done <- struct{}{}
	}

	everyMin, _ := s.Add("* * * * *", record)
	hourly, _ := s.Add("0 0 * * * *", record) // six-field, fires on the hour

	// One minute past: only the per-minute job is due.
	s.tick(context.Background(), base.Add(time.Minute))
	waitFired(t, done, 1)

	mu.Lock()
	if fired[everyMin] != 1 || fired[hourly] != 0 {
		t.Errorf("fired = %v", fired)
	}
	mu.Unlock()

	// Top of the next hour: both are due.
	s.tick(context.Background(), base.Add(time.Hour))
	waitFired(t, done, 2)

	mu.Lock()
	if fired[everyMin] != 2 || fired[hourly] != 1 {
		t.Errorf("fired = %v", fired)
	}
	mu.Unlock()
}

func TestNextRunAdvancesAfterFiring(t *testing.T) {
	s := New(DefaultConfig())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	id, _ := s.Add("* * * * *", func(context.Context, uuid.UUID, *Scheduler) {})
	first, ok := s.NextRun(id)
	if !ok {
		t.Fatal("NextRun not available")
	}

	s.tick(context.Background(), first)
	next, ok := s.NextRun(id)
	if !ok {
		t.Fatal("NextRun not available after firing")
	}
	if !next.After(first) {
		t.Errorf("next firing %v did not advance past %v", next, first)
	}
}

func TestCallbackCanDeregisterItself(t *testing.T) {
	s := New(DefaultConfig())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	done := make(chan struct{})
	id, _ := s.Add("* * * * *", func(ctx context.Context, id uuid.UUID, sched *Scheduler) {
		if err := sched.Remove(id); err != nil {
			t.Errorf("Remove from callback: %v", err)
		}
		close(done)
	})

	s.tick(context.Background(), base.Add(time.Minute))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
	if s.Has(id) {
		t.Error("job still registered after callback deregistered it")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Config{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("scheduler did not stop within timeout")
	}
}

func waitFired(t *testing.T, done chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for firing %d of %d", i+1, n)
		}
	}
}
