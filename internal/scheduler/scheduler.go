// Package scheduler runs the collector's background tasks: periodic polls,
// the daily archival sweep, and one-shot or long-running tasks such as the
// backfill and the stream supervisor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/navid-fn/candlekeeper/internal/metrics"
)

// Task is a named unit of work.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type funcTask struct {
	name string
	fn   func(ctx context.Context) error
}

func (t funcTask) Name() string                  { return t.name }
func (t funcTask) Run(ctx context.Context) error { return t.fn(ctx) }

// Func adapts fn to a Task.
func Func(name string, fn func(ctx context.Context) error) Task {
	return funcTask{name: name, fn: fn}
}

// Schedule returns the next run after now. The zero time means no more runs.
type Schedule interface {
	Next(now time.Time) time.Time
}

type every time.Duration

func (e every) Next(now time.Time) time.Time { return now.Add(time.Duration(e)) }

// Every runs at a fixed period.
func Every(d time.Duration) Schedule { return every(d) }

type daily struct {
	hour, minute int
	loc          *time.Location
}

// Daily runs at hour:minute in loc.
func Daily(hour, minute int, loc *time.Location) Schedule {
	return daily{hour: hour, minute: minute, loc: loc}
}

func (d daily) Next(now time.Time) time.Time {
	local := now.In(d.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

type never struct{}

func (never) Next(time.Time) time.Time { return time.Time{} }

type job struct {
	task       Task
	schedule   Schedule
	runAtStart bool
}

// Scheduler runs its tasks until the context passed to Run is done. A task
// error is logged and counted; it never stops the scheduler or other tasks.
type Scheduler struct {
	jobs    []job
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(logger logrus.FieldLogger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		logger:  logger.WithField("component", "scheduler"),
		metrics: m,
		now:     time.Now,
	}
}

// Every adds a periodic task. runAtStart also runs it once immediately.
func (s *Scheduler) Every(task Task, d time.Duration, runAtStart bool) {
	s.jobs = append(s.jobs, job{task: task, schedule: Every(d), runAtStart: runAtStart})
}

// Daily adds a task run at hour:minute in loc.
func (s *Scheduler) Daily(task Task, hour, minute int, loc *time.Location) {
	s.jobs = append(s.jobs, job{task: task, schedule: Daily(hour, minute, loc)})
}

// Once adds a task run a single time at start. Long-running services that
// return when ctx is done are added this way too.
func (s *Scheduler) Once(task Task) {
	s.jobs = append(s.jobs, job{task: task, schedule: never{}, runAtStart: true})
}

// Add adds a task on an arbitrary schedule.
func (s *Scheduler) Add(task Task, schedule Schedule, runAtStart bool) {
	s.jobs = append(s.jobs, job{task: task, schedule: schedule, runAtStart: runAtStart})
}

// Run blocks until ctx is done and every task has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	s.logger.WithField("tasks", len(s.jobs)).Info("Scheduler started")
	err := g.Wait()
	s.logger.Info("Scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	if j.runAtStart {
		s.execute(ctx, j.task)
	}
	for {
		next := j.schedule.Next(s.now())
		if next.IsZero() {
			return
		}
		s.logger.WithFields(logrus.Fields{
			"task": j.task.Name(),
			"at":   next.Format(time.RFC3339),
		}).Debug("Next run scheduled")

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.execute(ctx, j.task)
	}
}

func (s *Scheduler) execute(ctx context.Context, task Task) {
	if ctx.Err() != nil {
		return
	}
	start := s.now()
	err := runSafe(ctx, task)
	log := s.logger.WithFields(logrus.Fields{
		"task":     task.Name(),
		"duration": time.Since(start),
	})

	switch {
	case err == nil:
		log.Debug("Task finished")
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		log.Debug("Task cancelled")
	default:
		s.metrics.TaskFailures.WithLabelValues(task.Name()).Inc()
		log.WithError(err).WithField("alert", true).Error("Task failed")
	}
}

func runSafe(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.Run(ctx)
}
