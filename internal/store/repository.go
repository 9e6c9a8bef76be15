package store

import (
	"context"
	"errors"
	"time"

	"schedcal/internal/model"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrInvalidEvent = errors.New("store: invalid event")
)

// EventFilter narrows ListEvents. When both OwnerID and OrganizationID are
// set, events matching either are returned.
type EventFilter struct {
	OwnerID        *int64
	OrganizationID *int64
	Query          string
	Limit          int
}

type Repository interface {
	CreateEvent(ctx context.Context, in model.Event) (int64, error)
	GetEvent(ctx context.Context, id int64) (model.Event, error)
	UpdateEvent(ctx context.Context, in model.Event) error
	DeleteEvent(ctx context.Context, id int64) error
	ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error)
	UpsertExternalEvent(ctx context.Context, in model.Event) (int64, error)
	DeleteEventsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CreateReminder(ctx context.Context, in model.Reminder) error
	DueReminders(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error)
	MarkReminderSent(ctx context.Context, id string, at time.Time) error
}
