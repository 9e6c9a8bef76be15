package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"schedcal/internal/ics"
	appLog "schedcal/internal/log"
	"schedcal/internal/model"
	"schedcal/internal/recurrence"
	"schedcal/internal/store"
)

const maxBodyBytes = 1 << 20

// eventRequest is the body of POST and PUT /api/events.
type eventRequest struct {
	OwnerID        int64     `json:"owner_id"`
	OrganizationID *int64    `json:"organization_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Location       string    `json:"location"`
	Category       string    `json:"category"`
	Color          string    `json:"color"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	RRule          string    `json:"rrule"`
	Timezone       string    `json:"timezone"`
}

func (req eventRequest) toEvent(defaultTZ string) model.Event {
	tz := strings.TrimSpace(req.Timezone)
	if tz == "" {
		tz = defaultTZ
	}
	return model.Event{
		OwnerID:        req.OwnerID,
		OrganizationID: req.OrganizationID,
		Title:          req.Title,
		Description:    req.Description,
		Location:       req.Location,
		Category:       req.Category,
		Color:          req.Color,
		StartAt:        req.StartAt.UTC(),
		EndAt:          req.EndAt.UTC(),
		RRule:          req.RRule,
		Timezone:       tz,
	}
}

type reminderRequest struct {
	MinutesBefore int `json:"minutes_before"`
}

type occurrencesResponse struct {
	Occurrences []model.Occurrence `json:"occurrences"`
	Start       *time.Time         `json:"start,omitempty"`
	End         *time.Time         `json:"end,omitempty"`
}

func (s *Server) handleListOccurrences(w http.ResponseWriter, r *http.Request) {
	window, occs, ok := s.selectOccurrences(w, r)
	if !ok {
		return
	}
	resp := occurrencesResponse{Occurrences: occs}
	if win, has := window.Get(); has {
		resp.Start, resp.End = &win.Start, &win.End
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExportICS(w http.ResponseWriter, r *http.Request) {
	_, occs, ok := s.selectOccurrences(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.Export("schedcal", occs, s.expander.Clock())))
}

// selectOccurrences parses the shared query parameters, loads the matching
// events and expands them. It writes the error response itself.
func (s *Server) selectOccurrences(w http.ResponseWriter, r *http.Request) (mo.Option[recurrence.Window], []model.Occurrence, bool) {
	q := r.URL.Query()

	window, err := parseWindow(q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return window, nil, false
	}

	filter := store.EventFilter{Query: q.Get("query")}
	if filter.OwnerID, err = parseOptionalID(q.Get("owner")); err != nil {
		writeError(w, http.StatusBadRequest, "owner: "+err.Error())
		return window, nil, false
	}
	if filter.OrganizationID, err = parseOptionalID(q.Get("organization")); err != nil {
		writeError(w, http.StatusBadRequest, "organization: "+err.Error())
		return window, nil, false
	}

	events, err := s.store.ListEvents(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, r, err)
		return window, nil, false
	}

	occs, err := s.filter.Apply(events, window)
	if err != nil {
		s.writeStoreError(w, r, err)
		return window, nil, false
	}
	return window, occs, true
}

// parseWindow requires start and end together. Neither means "upcoming".
func parseWindow(startRaw, endRaw string) (mo.Option[recurrence.Window], error) {
	startRaw, endRaw = strings.TrimSpace(startRaw), strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		return mo.None[recurrence.Window](), nil
	}
	if startRaw == "" || endRaw == "" {
		return mo.None[recurrence.Window](), errors.New("start and end must be given together")
	}

	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return mo.None[recurrence.Window](), fmt.Errorf("start: expected RFC3339 instant: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return mo.None[recurrence.Window](), fmt.Errorf("end: expected RFC3339 instant: %w", err)
	}

	w, err := recurrence.NewWindow(start, end)
	if err != nil {
		return mo.None[recurrence.Window](), err
	}
	return mo.Some(w), nil
}

func parseOptionalID(raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid id %q", raw)
	}
	return &id, nil
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := s.store.CreateEvent(r.Context(), req.toEvent(s.cfg.Timezone))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	appLog.Info("event created", "event_id", id, "request_id", RequestID(r.Context()))
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ev, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req eventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ev := req.toEvent(s.cfg.Timezone)
	ev.ID = id
	if err := s.store.UpdateEvent(r.Context(), ev); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	updated, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteEvent(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// maxMinutesBefore is one year.
const maxMinutesBefore = 365 * 24 * 60

// handleCreateReminder schedules a reminder minutes_before the event's next
// occurrence at or after now.
func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reminderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MinutesBefore < 0 || req.MinutesBefore > maxMinutesBefore {
		writeError(w, http.StatusBadRequest, "minutes_before must be between 0 and "+strconv.Itoa(maxMinutesBefore))
		return
	}

	ev, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	next, err := s.filter.Apply([]model.Event{ev}, mo.None[recurrence.Window]())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if len(next) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "event has no upcoming occurrence")
		return
	}

	rem := model.Reminder{
		ID:          uuid.New().String(),
		EventID:     ev.ID,
		ScheduledAt: next[0].Start.Add(-time.Duration(req.MinutesBefore) * time.Minute),
		CreatedAt:   s.expander.Clock(),
	}
	if err := s.store.CreateReminder(r.Context(), rem); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeStoreError maps domain errors to status codes. Anything unexpected
// is logged and reported as 500 without details.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, store.ErrInvalidEvent), errors.Is(err, recurrence.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("request failed", err, "path", r.URL.Path, "request_id", RequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
