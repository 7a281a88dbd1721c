// Package scheduler runs named jobs on fixed intervals. A job never overlaps
// with itself: a firing while the previous run is still going is dropped. A
// firing which starts later than the misfire grace after its scheduled time
// is also dropped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type JobFunc func(ctx context.Context) error

type Scheduler struct {
	Logger *slog.Logger

	// Now defaults to time.Now
	Now          func() time.Time
	MisfireGrace time.Duration

	cron *cron.Cron

	lk      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

func New(misfireGrace time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		Logger:       logger,
		Now:          time.Now,
		MisfireGrace: misfireGrace,
		cron:         cron.New(cron.WithLogger(cronLogger{logger: logger})),
		ctx:          ctx,
		cancel:       cancel,
		entries:      make(map[string]cron.EntryID),
	}
}

// Every registers a job to run each interval, starting one interval after Start.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval < time.Second {
		return fmt.Errorf("job %s: interval must be at least one second, got %s", name, interval)
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}

	var id cron.EntryID
	scheduledAt := func() time.Time {
		// Prev is the time this firing was scheduled for; it is set before the job starts
		return s.cron.Entry(id).Prev
	}
	logger := cronLogger{logger: s.Logger.With("job", name), job: name}
	job := cron.NewChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	).Then(s.wrap(name, scheduledAt, fn))

	id = s.cron.Schedule(cron.Every(interval), job)
	s.entries[name] = id
	s.Logger.Info("registered job", "job", name, "interval", interval)
	return nil
}

// wrap applies the misfire grace and records the outcome of each run.
func (s *Scheduler) wrap(name string, scheduledAt func() time.Time, fn JobFunc) cron.Job {
	return cron.FuncJob(func() {
		start := s.Now()
		if sched := scheduledAt(); s.MisfireGrace > 0 && !sched.IsZero() {
			if late := start.Sub(sched); late > s.MisfireGrace {
				s.Logger.Warn("job misfired, skipping run", "job", name, "scheduled", sched, "late", late)
				jobRunCount.WithLabelValues(name, "misfired").Inc()
				return
			}
		}

		s.lk.Lock()
		ctx := s.ctx
		s.lk.Unlock()

		err := fn(ctx)
		jobDuration.WithLabelValues(name).Observe(s.Now().Sub(start).Seconds())
		if err != nil {
			s.Logger.Error("job failed", "job", name, "err", err)
			jobRunCount.WithLabelValues(name, "error").Inc()
			return
		}
		jobRunCount.WithLabelValues(name, "ok").Inc()
	})
}

// RunNow runs a registered job immediately, outside the schedule, with the
// same recovery as scheduled runs. It does not coordinate with scheduled
// firings.
func (s *Scheduler) RunNow(ctx context.Context, name string, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("job panic", "job", name, "err", r)
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the context passed to running jobs, and blocks until they return
// or ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.lk.Lock()
	s.cancel()
	s.lk.Unlock()
	select {
	case <-done.Done():
		s.Logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
	job    string
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" && l.job != "" {
		jobRunCount.WithLabelValues(l.job, "skipped").Inc()
		l.logger.Info("job still running, skipping firing")
		return
	}
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	if l.job != "" {
		jobRunCount.WithLabelValues(l.job, "panic").Inc()
	}
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
