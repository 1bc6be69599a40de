package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agrosync/internal/config"
	"agrosync/internal/export"
	"agrosync/internal/models"
	"agrosync/internal/queue"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HTTPServer exposes the operator surface over the queue: inspection,
// manual pass triggering, clearing dead entries and workbook export. It only
// ever goes through the coordinator's public methods.
type HTTPServer struct {
	cfg         config.APIConfig
	coordinator *queue.Coordinator
	online      func() bool
	server      *http.Server
	auth        *HTTPAuth
	logger      zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, monitoring config.MonitoringConfig, coordinator *queue.Coordinator, online func() bool, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:         cfg,
		coordinator: coordinator,
		online:      online,
		auth:        NewHTTPAuth(cfg),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/queue", srv.handleQueue)
	mux.HandleFunc("/api/v1/queue/stats", srv.handleStats)
	mux.HandleFunc("/api/v1/queue/process", srv.handleProcess)
	mux.HandleFunc("/api/v1/queue/operations", srv.handleEnqueue)
	mux.HandleFunc("/api/v1/queue/failed", srv.handleClearFailed)
	mux.HandleFunc("/api/v1/queue/failed/", srv.handleClearFailed)
	mux.HandleFunc("/api/v1/queue/export", srv.handleExport)

	handler := http.Handler(srv.auth.Wrap(mux))

	root := http.NewServeMux()
	root.HandleFunc("/healthz", srv.handleHealth)
	if monitoring.PrometheusEnabled {
		root.Handle("/metrics", promhttp.Handler())
	}
	root.Handle("/", handler)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(root),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin API listening")
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

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": s.coordinator.Snapshot()})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snapshot := s.coordinator.Snapshot()
	stats := map[string]int{"total": len(snapshot)}
	dead := 0
	for _, op := range snapshot {
		stats[strings.ToLower(op.Status)]++
		if op.IsDead(s.coordinator.MaxRetries()) {
			dead++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":         stats,
		"dead":          dead,
		"pending_count": s.coordinator.PendingCount(),
		"online":        s.online(),
	})
}

func (s *HTTPServer) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	go s.coordinator.ProcessQueue(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Type       string          `json:"type"`
		Collection string          `json:"collection"`
		Payload    json.RawMessage `json:"payload"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !models.ValidType(body.Type) {
		writeError(w, http.StatusBadRequest, "type must be CREATE, UPDATE or DELETE")
		return
	}
	if strings.TrimSpace(body.Collection) == "" {
		writeError(w, http.StatusBadRequest, "collection is required")
		return
	}

	id := s.coordinator.Enqueue(body.Type, body.Collection, body.Payload)
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *HTTPServer) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/queue/failed")
	id = strings.Trim(id, "/")
	if strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	removed := s.coordinator.ClearFailed(id)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	data, err := export.Workbook(s.coordinator.Snapshot())
	if err != nil {
		s.logger.Error().Err(err).Msg("queue export failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	filename := fmt.Sprintf("queue-%s.xlsx", time.Now().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"online": s.online(),
	})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// HTTPAuth provides API-key auth for the admin endpoints. With no keys
// configured the surface is open, which is only sensible on localhost.
type HTTPAuth struct {
	header string
	keys   []string
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{header: cfg.HeaderAPIKey, keys: cfg.APIKeys}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		presented := strings.TrimSpace(r.Header.Get(a.header))
		if presented == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}

		for _, key := range a.keys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid api key")
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
