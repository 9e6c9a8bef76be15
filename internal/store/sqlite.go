package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"schedcal/internal/model"
)

// Fixed width keeps stored timestamps comparable as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const eventColumns = `id, owner_id, organization_id, title, description, location, category, color,
	start_at, end_at, rrule, timezone, external_source, external_uid, created_at, updated_at`

var _ Repository = (*SQLiteRepository)(nil)

type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepository(db *sql.DB) (*SQLiteRepository, error) {
	if db == nil {
		return nil, errors.New("store: nil db")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &SQLiteRepository{db: db, now: time.Now}, nil
}

// OpenSQLite opens the database at path and applies pending migrations.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := MigrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	repo, err := NewSQLiteRepository(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) CreateEvent(ctx context.Context, in model.Event) (int64, error) {
	if err := NormalizeEvent(&in, true); err != nil {
		return 0, err
	}
	return r.insertEvent(ctx, in)
}

func (r *SQLiteRepository) insertEvent(ctx context.Context, in model.Event) (int64, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO events (owner_id, organization_id, title, description, location, category, color,
			start_at, end_at, rrule, timezone, external_source, external_uid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.OwnerID, nullInt(in.OrganizationID), in.Title, in.Description, in.Location, in.Category, in.Color,
		mustTime(in.StartAt), mustTime(in.EndAt), in.RRule, in.Timezone, in.ExternalSource, in.ExternalUID,
		mustTime(now), mustTime(now),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *SQLiteRepository) GetEvent(ctx context.Context, id int64) (model.Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, err
	}
	return ev, nil
}

func (r *SQLiteRepository) UpdateEvent(ctx context.Context, in model.Event) error {
	if err := NormalizeEvent(&in, true); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE events
		SET owner_id = ?, organization_id = ?, title = ?, description = ?, location = ?, category = ?, color = ?,
			start_at = ?, end_at = ?, rrule = ?, timezone = ?, updated_at = ?
		WHERE id = ?`,
		in.OwnerID, nullInt(in.OrganizationID), in.Title, in.Description, in.Location, in.Category, in.Color,
		mustTime(in.StartAt), mustTime(in.EndAt), in.RRule, in.Timezone, mustTime(r.now()), in.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (r *SQLiteRepository) DeleteEvent(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE event_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepository) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	where := make([]string, 0, 2)
	args := make([]any, 0, 5)

	switch {
	case filter.OwnerID != nil && filter.OrganizationID != nil:
		where = append(where, `(owner_id = ? OR organization_id = ?)`)
		args = append(args, *filter.OwnerID, *filter.OrganizationID)
	case filter.OwnerID != nil:
		where = append(where, `owner_id = ?`)
		args = append(args, *filter.OwnerID)
	case filter.OrganizationID != nil:
		where = append(where, `organization_id = ?`)
		args = append(args, *filter.OrganizationID)
	}

	if q := strings.TrimSpace(filter.Query); q != "" {
		pattern := "%" + escapeLike(q) + "%"
		where = append(where, `(title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY start_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		ev, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertExternalEvent inserts or refreshes an event imported from a feed,
// keyed by (ExternalSource, ExternalUID).
func (r *SQLiteRepository) UpsertExternalEvent(ctx context.Context, in model.Event) (int64, error) {
	if in.ExternalSource == "" || in.ExternalUID == "" {
		return 0, fmt.Errorf("%w: external source and uid are required", ErrInvalidEvent)
	}
	if err := NormalizeEvent(&in, false); err != nil {
		return 0, err
	}

	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM events WHERE external_source = ? AND external_uid = ?`,
		in.ExternalSource, in.ExternalUID,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return r.insertEvent(ctx, in)
	case err != nil:
		return 0, err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE events
		SET owner_id = ?, title = ?, description = ?, location = ?, category = ?,
			start_at = ?, end_at = ?, rrule = ?, timezone = ?, updated_at = ?
		WHERE id = ?`,
		in.OwnerID, in.Title, in.Description, in.Location, in.Category,
		mustTime(in.StartAt), mustTime(in.EndAt), in.RRule, in.Timezone, mustTime(r.now()), id,
	)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteEventsEndedBefore removes one-off events that ended before cutoff.
// Recurring events are kept since later occurrences may still be ahead.
func (r *SQLiteRepository) DeleteEventsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	const match = `rrule = '' AND end_at < ?`
	c := mustTime(cutoff)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reminders WHERE event_id IN (SELECT id FROM events WHERE `+match+`)`, c); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE `+match, c)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (r *SQLiteRepository) CreateReminder(ctx context.Context, in model.Reminder) error {
	created := in.CreatedAt
	if created.IsZero() {
		created = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reminders (id, event_id, scheduled_at, sent, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		in.ID, in.EventID, mustTime(in.ScheduledAt), boolInt(in.Sent), nullTime(in.SentAt), mustTime(created),
	)
	return err
}

// DueReminders lists unsent reminders scheduled at or before now, oldest first.
func (r *SQLiteRepository) DueReminders(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	query := `
		SELECT id, event_id, scheduled_at, sent, sent_at, created_at
		FROM reminders
		WHERE sent = 0 AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, id ASC`
	args := []any{mustTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Reminder, 0)
	for rows.Next() {
		item, scanErr := scanReminder(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) MarkReminderSent(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE reminders SET sent = 1, sent_at = ? WHERE id = ?`, mustTime(at), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (model.Event, error) {
	var (
		ev                   model.Event
		org                  sql.NullInt64
		startAt, endAt       string
		createdAt, updatedAt string
	)
	if err := s.Scan(
		&ev.ID, &ev.OwnerID, &org, &ev.Title, &ev.Description, &ev.Location, &ev.Category, &ev.Color,
		&startAt, &endAt, &ev.RRule, &ev.Timezone, &ev.ExternalSource, &ev.ExternalUID, &createdAt, &updatedAt,
	); err != nil {
		return model.Event{}, err
	}
	if org.Valid {
		v := org.Int64
		ev.OrganizationID = &v
	}

	var err error
	if ev.StartAt, err = parseTime(startAt); err != nil {
		return model.Event{}, err
	}
	if ev.EndAt, err = parseTime(endAt); err != nil {
		return model.Event{}, err
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Event{}, err
	}
	if ev.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

func scanReminder(s scanner) (model.Reminder, error) {
	var (
		item                   model.Reminder
		sent                   int
		scheduledAt, createdAt string
		sentAt                 sql.NullString
	)
	if err := s.Scan(&item.ID, &item.EventID, &scheduledAt, &sent, &sentAt, &createdAt); err != nil {
		return model.Reminder{}, err
	}
	item.Sent = sent != 0

	var err error
	if item.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return model.Reminder{}, err
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Reminder{}, err
	}
	if sentAt.Valid {
		t, parseErr := parseTime(sentAt.String)
		if parseErr != nil {
			return model.Reminder{}, parseErr
		}
		item.SentAt = &t
	}
	return item, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mustTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return mustTime(*t)
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", value, err)
	}
	return t.UTC(), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
