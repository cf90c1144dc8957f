// Package scheduler runs pspdrp's background tasks: the session sweep,
// transfer expiry, periodic usage flushes and the daily usage summary.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TaskFunc is one run of a scheduled task.
type TaskFunc func(ctx context.Context, now time.Time)

type task struct {
	name     string
	interval time.Duration
	// daily tasks run once a day at hour:minute local time.
	daily        bool
	hour, minute int
	fn           TaskFunc
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	mu    sync.Mutex
	tasks []task
}

// NewScheduler creates an empty task scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Every registers fn to run each interval. Non-positive intervals disable
// the task.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) {
	if interval <= 0 {
		log.Debug().Str("task", name).Msg("task disabled")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

// Daily registers fn to run once a day at hour:minute.
func (s *Scheduler) Daily(name string, hour, minute int, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, daily: true, hour: hour, minute: minute, fn: fn})
}

// Tasks returns the registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.name
	}
	return names
}

// Start runs all scheduled tasks and blocks until ctx is cancelled and every
// task loop has returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]task(nil), s.tasks...)
	s.mu.Unlock()

	log.Info().Int("tasks", len(tasks)).Msg("scheduler started")

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			if t.daily {
				s.runDailyLoop(ctx, t)
				return
			}
			s.runLoop(ctx, t)
		}(t)
	}

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, t task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.run(ctx, t, now)
		}
	}
}

func (s *Scheduler) runDailyLoop(ctx context.Context, t task) {
	for {
		next := nextDaily(time.Now(), t.hour, t.minute)
		log.Debug().Str("task", t.name).Time("next_run", next).Msg("task scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			s.run(ctx, t, now)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t task, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", t.name).Interface("panic", r).Msg("scheduled task panicked")
		}
	}()
	t.fn(ctx, now)
}

// nextDaily returns the next hour:minute strictly after now.
func nextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
