package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedcal/internal/config"
	"schedcal/internal/model"
	"schedcal/internal/recurrence"
	"schedcal/internal/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *store.SQLiteRepository) {
	t.Helper()
	repo, err := store.OpenSQLite(filepath.Join(t.TempDir(), "web-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	x := &recurrence.Expander{Limit: cfg.UpcomingLimit, Now: func() time.Time { return testNow }}
	return NewServer(cfg, repo, x), repo
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createEvent(t *testing.T, h http.Handler, body map[string]any) int64 {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/events", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.ID
}

func decodeOccurrences(t *testing.T, rec *httptest.ResponseRecorder) []model.Occurrence {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out occurrencesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Occurrences
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	})
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)

	rec := do(t, h, http.MethodGet, "/api/events", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEventCRUD(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, func(c *config.Config) { c.Timezone = "Europe/Berlin" })
	h := s.Handler()

	id := createEvent(t, h, map[string]any{
		"owner_id": 1,
		"title":    "Standup",
		"start_at": "2025-06-02T09:00:00+02:00",
		"end_at":   "2025-06-02T09:15:00+02:00",
		"rrule":    "FREQ=DAILY;COUNT=3",
	})

	rec := do(t, h, http.MethodGet, "/api/events/"+itoa(id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ev model.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, "Standup", ev.Title)
	assert.Equal(t, "Europe/Berlin", ev.Timezone, "config timezone applies when none given")
	assert.Equal(t, "2025-06-02T07:00:00Z", ev.StartAt.Format(time.RFC3339))
	assert.Equal(t, model.DefaultColor, ev.Color)

	rec = do(t, h, http.MethodPut, "/api/events/"+itoa(id), map[string]any{
		"owner_id": 1,
		"title":    "Standup (moved)",
		"start_at": "2025-06-02T10:00:00Z",
		"end_at":   "2025-06-02T10:30:00Z",
		"timezone": "UTC",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated model.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Standup (moved)", updated.Title)
	assert.Empty(t, updated.RRule)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/events/"+itoa(id), nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/events/"+itoa(id), nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/events/"+itoa(id), nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/events/abc", nil).Code)
}

func TestCreateEventRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	tests := []struct {
		name string
		body any
	}{
		{name: "bad_rrule", body: map[string]any{
			"title": "x", "start_at": "2025-06-02T09:00:00Z", "end_at": "2025-06-02T10:00:00Z", "rrule": "FREQ=SOMETIMES",
		}},
		{name: "end_before_start", body: map[string]any{
			"title": "x", "start_at": "2025-06-02T09:00:00Z", "end_at": "2025-06-02T08:00:00Z",
		}},
		{name: "unknown_field", body: map[string]any{
			"title": "x", "start_at": "2025-06-02T09:00:00Z", "end_at": "2025-06-02T10:00:00Z", "colour": "red",
		}},
		{name: "bad_time", body: map[string]any{"title": "x", "start_at": "tomorrow"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/events", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			var out map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestListOccurrencesInWindow(t *testing.T) {
	t.Parallel()
	s, repo := newTestServer(t, nil)
	h := s.Handler()

	weekly := createEvent(t, h, map[string]any{
		"owner_id": 1, "title": "Standup",
		"start_at": "2025-05-01T10:00:00Z", "end_at": "2025-05-01T11:00:00Z",
		"rrule": "FREQ=WEEKLY;BYDAY=MO,WE",
	})
	once := createEvent(t, h, map[string]any{
		"owner_id": 2, "title": "Dentist",
		"start_at": "2025-06-03T08:00:00Z", "end_at": "2025-06-03T09:00:00Z",
	})

	// A malformed rule stored by a feed import degrades to its anchor.
	_, err := repo.UpsertExternalEvent(t.Context(), model.Event{
		OwnerID: 1, Title: "Imported", StartAt: time.Date(2025, 6, 5, 7, 0, 0, 0, time.UTC),
		EndAt: time.Date(2025, 6, 5, 8, 0, 0, 0, time.UTC), RRule: "FREQ=SOMETIMES",
		ExternalSource: "feed", ExternalUID: "x@example.com",
	})
	require.NoError(t, err)

	occs := decodeOccurrences(t, do(t, h, http.MethodGet,
		"/api/events?start=2025-06-01T00:00:00Z&end=2025-06-08T00:00:00Z", nil))
	require.Len(t, occs, 4)
	assert.Equal(t, weekly, occs[0].EventID)
	assert.Equal(t, "2025-06-02T10:00:00Z", occs[0].Start.Format(time.RFC3339))
	assert.True(t, occs[0].Recurring)
	assert.Equal(t, once, occs[1].EventID)
	assert.Equal(t, "2025-06-04T10:00:00Z", occs[2].Start.Format(time.RFC3339))
	assert.Equal(t, "Imported", occs[3].Title)
	assert.False(t, occs[3].Recurring)

	owned := decodeOccurrences(t, do(t, h, http.MethodGet,
		"/api/events?start=2025-06-01T00:00:00Z&end=2025-06-08T00:00:00Z&owner=2", nil))
	require.Len(t, owned, 1)
	assert.Equal(t, once, owned[0].EventID)

	byText := decodeOccurrences(t, do(t, h, http.MethodGet,
		"/api/events?start=2025-06-01T00:00:00Z&end=2025-06-08T00:00:00Z&query=stand", nil))
	assert.Len(t, byText, 2)
}

func TestListOccurrencesUpcoming(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, func(c *config.Config) { c.UpcomingLimit = 5 })
	h := s.Handler()

	createEvent(t, h, map[string]any{
		"title": "Hourly", "start_at": "2025-06-01T00:00:00Z", "end_at": "2025-06-01T00:30:00Z", "rrule": "FREQ=HOURLY",
	})
	createEvent(t, h, map[string]any{
		"title": "Past", "start_at": "2025-05-01T00:00:00Z", "end_at": "2025-05-01T00:30:00Z",
	})

	occs := decodeOccurrences(t, do(t, h, http.MethodGet, "/api/events", nil))
	require.Len(t, occs, 5)
	assert.Equal(t, "2025-06-01T12:00:00Z", occs[0].Start.Format(time.RFC3339))
	for _, occ := range occs {
		assert.Equal(t, "Hourly", occ.Title)
	}
}

func TestListOccurrencesRejectsBadWindow(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	for _, target := range []string{
		"/api/events?start=2025-06-01T00:00:00Z",
		"/api/events?end=2025-06-01T00:00:00Z",
		"/api/events?start=yesterday&end=2025-06-01T00:00:00Z",
		"/api/events?start=2025-06-01T00:00:00Z&end=2025-06-01T00:00:00Z",
		"/api/events?start=2025-06-02T00:00:00Z&end=2025-06-01T00:00:00Z",
		"/api/events?owner=abc",
	} {
		rec := do(t, h, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestExportICS(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	id := createEvent(t, h, map[string]any{
		"title": "Standup", "start_at": "2025-06-02T09:00:00Z", "end_at": "2025-06-02T09:15:00Z",
		"rrule": "FREQ=DAILY;COUNT=2",
	})

	rec := do(t, h, http.MethodGet, "/api/events.ics?start=2025-06-01T00:00:00Z&end=2025-06-08T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar"))
	body := rec.Body.String()
	assert.Equal(t, 2, strings.Count(body, "BEGIN:VEVENT"))
	assert.Contains(t, body, "UID:"+itoa(id)+"-20250602T090000Z@schedcal")
	assert.Contains(t, body, "UID:"+itoa(id)+"-20250603T090000Z@schedcal")
}

func TestCreateReminder(t *testing.T) {
	t.Parallel()
	s, repo := newTestServer(t, nil)
	h := s.Handler()

	id := createEvent(t, h, map[string]any{
		"title": "Standup", "start_at": "2025-05-01T09:00:00Z", "end_at": "2025-05-01T09:15:00Z",
		"rrule": "FREQ=DAILY",
	})

	rec := do(t, h, http.MethodPost, "/api/events/"+itoa(id)+"/reminders", map[string]any{"minutes_before": 10})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rem model.Reminder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rem))
	assert.NotEmpty(t, rem.ID)
	assert.Equal(t, "2025-06-02T08:50:00Z", rem.ScheduledAt.Format(time.RFC3339))

	due, err := repo.DueReminders(t.Context(), time.Date(2025, 6, 2, 8, 50, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, rem.ID, due[0].ID)

	past := createEvent(t, h, map[string]any{
		"title": "Done", "start_at": "2025-05-01T09:00:00Z", "end_at": "2025-05-01T09:15:00Z",
	})
	rec = do(t, h, http.MethodPost, "/api/events/"+itoa(past)+"/reminders", map[string]any{"minutes_before": 5})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/events/"+itoa(id)+"/reminders", map[string]any{"minutes_before": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/events/"+itoa(id)+"/reminders", map[string]any{"minutes_before": maxMinutesBefore + 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/events/"+itoa(id)+"/reminders", map[string]any{"minutes_before": int64(1) << 60})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/events/"+itoa(id)+"/reminders", map[string]any{"minutes_before": maxMinutesBefore})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rem))
	assert.Equal(t, "2024-06-02T09:00:00Z", rem.ScheduledAt.Format(time.RFC3339))

	rec = do(t, h, http.MethodPost, "/api/events/9999/reminders", map[string]any{"minutes_before": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
