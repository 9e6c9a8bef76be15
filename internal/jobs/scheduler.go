package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"schedcal/internal/config"
	appLog "schedcal/internal/log"
)

const (
	JobDispatchReminders = "dispatch_reminders"
	JobCleanupOldEvents  = "cleanup_old_events"
	JobSyncFeeds         = "sync_feeds"
)

// cronLogger routes cron's own messages to the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

// Scheduler runs the Runner's jobs on cron specs. A job never overlaps a
// still-running copy of itself and a panicking job is logged, not fatal.
type Scheduler struct {
	cron *cron.Cron
	jobs []string
}

// NewScheduler registers one cron entry per non-empty spec in cfg. ctx is
// handed to every job run.
func NewScheduler(ctx context.Context, r *Runner, cfg config.JobsConfig) (*Scheduler, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &Scheduler{cron: c}

	entries := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{JobDispatchReminders, cfg.ReminderCron, func(ctx context.Context) error {
			_, err := r.DispatchReminders(ctx)
			return err
		}},
		{JobCleanupOldEvents, cfg.CleanupCron, func(ctx context.Context) error {
			_, err := r.CleanupOldEvents(ctx)
			return err
		}},
		{JobSyncFeeds, cfg.SyncCron, func(ctx context.Context) error {
			_, err := r.SyncFeeds(ctx)
			return err
		}},
	}

	for _, e := range entries {
		spec := strings.TrimSpace(e.spec)
		if spec == "" {
			appLog.Info("job disabled", "job", e.name)
			continue
		}
		name, run := e.name, e.run
		if _, err := c.AddFunc(spec, func() {
			if err := run(ctx); err != nil {
				appLog.Error("job failed", err, "job", name)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", e.name, spec, err)
		}
		s.jobs = append(s.jobs, e.name)
	}
	return s, nil
}

// Jobs lists the names of the scheduled jobs.
func (s *Scheduler) Jobs() []string {
	return append([]string(nil), s.jobs...)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	appLog.Info("scheduler started", "jobs", strings.Join(s.jobs, ","))
}

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
