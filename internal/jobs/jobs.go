package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schedcal/internal/ics"
	appLog "schedcal/internal/log"
	"schedcal/internal/model"
	"schedcal/internal/store"
)

const (
	defaultReminderBatch = 100
	defaultRetention     = 730 * 24 * time.Hour
)

// Store is the part of the repository the jobs need.
type Store interface {
	GetEvent(ctx context.Context, id int64) (model.Event, error)
	UpsertExternalEvent(ctx context.Context, in model.Event) (int64, error)
	DeleteEventsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DueReminders(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error)
	MarkReminderSent(ctx context.Context, id string, at time.Time) error
}

type FeedFetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source) ([]ics.FetchResult, []error)
}

// Notifier delivers a due reminder. A returned error leaves the reminder
// unsent so the next run retries it.
type Notifier interface {
	Notify(ctx context.Context, r model.Reminder, ev model.Event) error
}

// LogNotifier writes reminders to the application log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, r model.Reminder, ev model.Event) error {
	appLog.Info("reminder",
		"reminder_id", r.ID,
		"event_id", ev.ID,
		"title", ev.Title,
		"scheduled_at", r.ScheduledAt.UTC().Format(time.RFC3339),
	)
	return nil
}

type Options struct {
	Store    Store
	Notifier Notifier
	Fetcher  FeedFetcher
	Feeds    []ics.Source

	ReminderBatch int
	Retention     time.Duration
	Now           func() time.Time
}

// Runner holds the job bodies. Each method is one run of one job.
type Runner struct {
	store     Store
	notifier  Notifier
	fetcher   FeedFetcher
	feeds     []ics.Source
	batch     int
	retention time.Duration
	now       func() time.Time
}

func NewRunner(opts Options) *Runner {
	r := &Runner{
		store:     opts.Store,
		notifier:  opts.Notifier,
		fetcher:   opts.Fetcher,
		feeds:     opts.Feeds,
		batch:     opts.ReminderBatch,
		retention: opts.Retention,
		now:       opts.Now,
	}
	if r.notifier == nil {
		r.notifier = LogNotifier{}
	}
	if r.batch <= 0 {
		r.batch = defaultReminderBatch
	}
	if r.retention <= 0 {
		r.retention = defaultRetention
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// DispatchReminders notifies every due reminder and marks the delivered
// ones sent. It returns the number delivered.
func (r *Runner) DispatchReminders(ctx context.Context) (int, error) {
	now := r.now().UTC()
	due, err := r.store.DueReminders(ctx, now, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load due reminders: %w", err)
	}

	sent := 0
	for _, rem := range due {
		ev, err := r.store.GetEvent(ctx, rem.EventID)
		if errors.Is(err, store.ErrNotFound) {
			// Event removed after the reminder was queried.
			continue
		}
		if err != nil {
			appLog.Warn("reminder event lookup failed", err, "reminder_id", rem.ID, "event_id", rem.EventID)
			continue
		}
		if err := r.notifier.Notify(ctx, rem, ev); err != nil {
			appLog.Warn("reminder delivery failed; will retry", err, "reminder_id", rem.ID)
			continue
		}
		if err := r.store.MarkReminderSent(ctx, rem.ID, now); err != nil {
			appLog.Error("mark reminder sent failed", err, "reminder_id", rem.ID)
			continue
		}
		sent++
	}

	if len(due) > 0 {
		appLog.Info("reminders dispatched", "due", len(due), "sent", sent)
	}
	return sent, nil
}

// CleanupOldEvents deletes one-off events that ended before the retention
// horizon.
func (r *Runner) CleanupOldEvents(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.retention)
	n, err := r.store.DeleteEventsEndedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	appLog.Info("old events cleaned up", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// SyncFeeds imports every configured feed. A feed that cannot be fetched
// or parsed is logged and skipped; the returned error joins those failures.
func (r *Runner) SyncFeeds(ctx context.Context) (int, error) {
	if len(r.feeds) == 0 || r.fetcher == nil {
		return 0, nil
	}

	results, errs := r.fetcher.FetchAll(ctx, r.feeds)
	imported := 0
	for _, res := range results {
		events, err := ics.ParseICS(res.Source, res.Body)
		if err != nil {
			appLog.Warn("ics feed parse failed", err, "feed", res.Source.ID)
			errs = append(errs, fmt.Errorf("feed %s: %w", res.Source.ID, err))
			continue
		}
		for _, ev := range events {
			if _, err := r.store.UpsertExternalEvent(ctx, ev); err != nil {
				appLog.Warn("ics event import failed", err, "feed", res.Source.ID, "uid", ev.ExternalUID)
				continue
			}
			imported++
		}
	}

	appLog.Info("feeds synced", "feeds", len(r.feeds), "imported", imported, "failed", len(errs))
	return imported, errors.Join(errs...)
}

// RunAll runs every job once, in order, and joins their errors.
func (r *Runner) RunAll(ctx context.Context) error {
	var errs []error
	if _, err := r.SyncFeeds(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := r.DispatchReminders(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := r.CleanupOldEvents(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
