// Package scheduler runs the daily sweep and summary jobs at fixed local hours.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kkkkikiki/giftcard/internal/metrics"
)

// Job is one task that runs once a day at Hour:Minute
type Job struct {
	Name   string
	Hour   int
	Minute int
	Run    func(ctx context.Context) error
}

// Scheduler fires each job daily in its configured location
type Scheduler struct {
	jobs     []Job
	location *time.Location
	logger   *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates a Scheduler. Jobs with a negative hour are dropped.
func New(location *time.Location, logger *slog.Logger, jobs ...Job) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		location: location,
		logger:   logger.With(slog.String("component", "scheduler")),
		now:      time.Now,
		after:    time.After,
	}
	for _, job := range jobs {
		if job.Hour < 0 || job.Run == nil {
			s.logger.Info("scheduled job disabled", slog.String("job", job.Name))
			continue
		}
		job.Hour = clamp(job.Hour, 23)
		job.Minute = clamp(job.Minute, 59)
		s.jobs = append(s.jobs, job)
	}
	return s
}

// Jobs returns the enabled jobs
func (s *Scheduler) Jobs() []Job {
	return s.jobs
}

// Start runs every job on its daily cadence until ctx is cancelled. It blocks.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	for {
		now := s.now().In(s.location)
		next := s.nextRun(job, now)
		s.logger.DebugContext(ctx, "next scheduled run", slog.String("job", job.Name), slog.Time("at", next))
		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(now)):
			s.run(ctx, job)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled job failed", slog.String("job", job.Name), slog.Any("error", err))
		metrics.ScheduledRunsTotal.WithLabelValues(job.Name, "failed").Inc()
		return
	}
	s.logger.InfoContext(ctx, "scheduled job finished", slog.String("job", job.Name), slog.Duration("took", time.Since(start)))
	metrics.ScheduledRunsTotal.WithLabelValues(job.Name, "ok").Inc()
}

func (s *Scheduler) nextRun(job Job, after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), job.Hour, job.Minute, 0, 0, s.location)
	if !target.After(after) {
		target = time.Date(after.Year(), after.Month(), after.Day()+1, job.Hour, job.Minute, 0, 0, s.location)
	}
	return target
}

func clamp(v, limit int) int {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}
