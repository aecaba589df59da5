// Package scheduler turns cron expressions into recurring timer callbacks.
// One instance is shared by every tenant handler; a single mutex guards the
// job table while callback bodies run outside it on their own goroutines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned when a handle does not name a registered job.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// Five-field cron with optional leading seconds, matching the schedule
// expressions stored on events.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Callback runs on every firing. It receives its own handle so it can query
// its next firing or deregister itself.
type Callback func(ctx context.Context, id uuid.UUID, s *Scheduler)

// Config holds scheduler configuration.
type Config struct {
	Interval time.Duration // tick cadence (default 1s)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: 1 * time.Second}
}

type job struct {
	id       uuid.UUID
	schedule cron.Schedule
	next     time.Time
	fn       Callback
}

// Scheduler owns the registered jobs and the tick loop that fires them.
type Scheduler struct {
	config Config

	mu   sync.Mutex
	jobs map[uuid.UUID]*job

	now func() time.Time
}

// New creates an empty scheduler.
func New(config Config) *Scheduler {
	def := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	return &Scheduler{
		config: config,
		jobs:   make(map[uuid.UUID]*job),
		now:    time.Now,
	}
}

// Add registers a recurring job. Invalid cron expressions fail immediately.
func (s *Scheduler) Add(spec string, fn Callback) (uuid.UUID, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}

	id := uuid.New()
	s.mu.Lock()
	s.jobs[id] = &job{id: id, schedule: schedule, next: schedule.Next(s.now()), fn: fn}
	s.mu.Unlock()
	return id, nil
}

// Remove deregisters a job. The job never fires again once Remove returns.
func (s *Scheduler) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrUnknownJob
	}
	delete(s.jobs, id)
	return nil
}

// Has reports whether a live timer is registered under id.
func (s *Scheduler) Has(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// NextRun reports the job's next firing. ok is false when the job is not
// registered or its schedule has no future activation.
func (s *Scheduler) NextRun(id uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.next.IsZero() {
		return time.Time{}, false
	}
	return j.next, true
}

// Run starts the tick loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "interval", s.config.Interval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick dispatches every due job. The lock is held only while collecting and
// advancing; callbacks run on their own goroutines.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.IsZero() && !j.next.After(now) {
			due = append(due, j)
			j.next = j.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		go j.fn(ctx, j.id, s)
	}
}
