package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"schedcal/internal/config"
	appLog "schedcal/internal/log"
	"schedcal/internal/model"
	"schedcal/internal/recurrence"
	"schedcal/internal/store"
)

// EventStore is the part of the repository the HTTP API uses.
type EventStore interface {
	CreateEvent(ctx context.Context, in model.Event) (int64, error)
	GetEvent(ctx context.Context, id int64) (model.Event, error)
	UpdateEvent(ctx context.Context, in model.Event) error
	DeleteEvent(ctx context.Context, id int64) error
	ListEvents(ctx context.Context, filter store.EventFilter) ([]model.Event, error)
	CreateReminder(ctx context.Context, in model.Reminder) error
}

// Server serves the events API.
type Server struct {
	cfg      *config.Config
	store    EventStore
	expander *recurrence.Expander
	filter   *recurrence.Filter
	mux      *http.ServeMux
}

// NewServer wires the API onto repo. A nil expander is built from the
// config's upcoming limit and scan budget.
func NewServer(cfg *config.Config, repo EventStore, x *recurrence.Expander) *Server {
	if x == nil {
		x = recurrence.NewExpander(cfg.UpcomingLimit, cfg.ScanBudget)
	}
	s := &Server{
		cfg:      cfg,
		store:    repo,
		expander: x,
		filter:   recurrence.NewFilter(x),
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the mux wrapped in request id, access log and, when
// configured, basic auth middleware.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		h = s.basicAuthMiddleware(h)
	}
	return requestIDMiddleware(accessLogMiddleware(h))
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts
// it down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleListOccurrences)
	s.mux.HandleFunc("GET /api/events.ics", s.handleExportICS)
	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleGetEvent)
	s.mux.HandleFunc("PUT /api/events/{id}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)
	s.mux.HandleFunc("POST /api/events/{id}/reminders", s.handleCreateReminder)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
