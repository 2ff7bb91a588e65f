package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskbridge/internal/config"
	"taskbridge/internal/database"

	"github.com/rs/zerolog"
)

// TaskSyncer triggers an immediate re-sync of a single task, bypassing
// the interval loop. Implemented by the fast reconciler.
type TaskSyncer interface {
	SyncOne(ctx context.Context, notesID string) error
}

// HistoryExporter produces an audit workbook for a time window.
type HistoryExporter interface {
	ExportHistory(ctx context.Context, from, to time.Time) (string, error)
}

// HTTPServer exposes the diagnostic and webhook surface of the bridge.
type HTTPServer struct {
	cfg       config.APIConfig
	db        *database.DB
	syncer    TaskSyncer
	exporter  HistoryExporter
	cachePing func(ctx context.Context) error
	server    *http.Server
	auth      *HTTPAuth
	logger    zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, db *database.DB, syncer TaskSyncer,
	exporter HistoryExporter, cachePing func(ctx context.Context) error, logger *zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{
		cfg:       cfg,
		db:        db,
		syncer:    syncer,
		exporter:  exporter,
		cachePing: cachePing,
		logger:    logger.With().Str("component", "http-api").Logger(),
	}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/api/v1/tasks/", srv.handleTask)
	mux.HandleFunc("/api/v1/queue", srv.handleQueue)
	mux.HandleFunc("/api/v1/export", srv.handleExport)
	mux.HandleFunc("/webhooks/notes", srv.handleNotesWebhook)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped handler, for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := http.StatusOK

	if err := s.db.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	// Cache failure is degraded, not down; the failover store keeps working.
	if s.cachePing != nil {
		checks["cache"] = "ok"
		if err := s.cachePing(ctx); err != nil {
			checks["cache"] = err.Error()
		}
	}

	writeJSON(w, status, map[string]any{
		"status": httpStatusWord(status),
		"checks": checks,
	})
}

func (s *HTTPServer) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/api/v1/tasks/"
	notesID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, prefix))
	if notesID == "" || strings.Contains(notesID, "/") {
		writeError(w, http.StatusBadRequest, "notes_id is required")
		return
	}

	task, err := s.db.GetTask(r.Context(), notesID)
	if err != nil {
		if errors.Is(err, database.ErrNoRow) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tasks, err := s.db.ListSchedulerQueue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load queue")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"depth": len(tasks),
		"tasks": tasks,
	})
}

func (s *HTTPServer) handleNotesWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type request struct {
		NotesID string `json:"notes_id"`
	}

	var body request
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	notesID := strings.TrimSpace(body.NotesID)
	if notesID == "" {
		writeError(w, http.StatusBadRequest, "notes_id is required")
		return
	}

	if err := s.syncer.SyncOne(r.Context(), notesID); err != nil {
		s.logger.Error().Err(err).Str("notes_id", notesID).Msg("webhook sync failed")
		writeError(w, http.StatusBadGateway, "sync failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "synced", "notes_id": notesID})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type request struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	var body request
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now
	var err error
	if body.From != "" {
		if from, err = time.Parse("2006-01-02", body.From); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date; expected YYYY-MM-DD")
			return
		}
	}
	if body.To != "" {
		if to, err = time.Parse("2006-01-02", body.To); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date; expected YYYY-MM-DD")
			return
		}
		// Inclusive end of day.
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not precede from")
		return
	}

	path, err := s.exporter.ExportHistory(r.Context(), from, to)
	if err != nil {
		s.logger.Error().Err(err).Msg("history export failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"file": path})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func httpStatusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
