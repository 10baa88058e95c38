// Package server exposes the skill manager over an HTTP JSON API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/jingkaihe/skillbox/pkg/skills"
	"github.com/jingkaihe/skillbox/pkg/version"
)

// MaxUploadSize bounds uploaded skill archives.
const MaxUploadSize = 64 << 20

// Server represents the HTTP API server
type Server struct {
	router  *mux.Router
	manager *skills.Manager
	config  *Config
	server  *http.Server
}

// Config holds the configuration for the server
type Config struct {
	Host string
	Port int
}

// Validate validates the server configuration
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// New creates a server over manager
func New(manager *skills.Manager, config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}
	s := &Server{
		router:  mux.NewRouter(),
		manager: manager,
		config:  config,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the full handler. CORS wraps the router so preflight
// requests are answered even though no route matches OPTIONS.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.router)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/skills", s.handleListSkills).Methods("GET")
	api.HandleFunc("/skills", s.handleUploadSkill).Methods("POST")
	api.HandleFunc("/skills/{id}", s.handleGetSkill).Methods("GET")
	api.HandleFunc("/skills/{id}", s.handleUpdateSkill).Methods("PATCH")
	api.HandleFunc("/skills/{id}", s.handleDeleteSkill).Methods("DELETE")
	api.HandleFunc("/skills/{id}/enable", s.handleSetEnabled(true)).Methods("POST")
	api.HandleFunc("/skills/{id}/disable", s.handleSetEnabled(false)).Methods("POST")
	api.HandleFunc("/skills/{id}/execute", s.handleExecute).Methods("POST")
	api.HandleFunc("/skills/{id}/tree", s.handleTree).Methods("GET")
	api.HandleFunc("/skills/{id}/export", s.handleExport).Methods("GET")
	api.HandleFunc("/tools", s.handleListTools).Methods("GET")
	api.HandleFunc("/usage", s.handleUsage).Methods("GET")
	api.HandleFunc("/version", s.handleVersion).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.G(r.Context()).WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// API Handlers

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	metas, err := s.manager.GetAllSkills(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if metas == nil {
		metas = []skills.Metadata{}
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"skills": metas, "total": len(metas)})
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	skill, err := s.manager.GetSkill(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, skill)
}

// handleUploadSkill accepts a zip either as the raw body or as the "file"
// part of a multipart form.
func (s *Server) handleUploadSkill(w http.ResponseWriter, r *http.Request) {
	replace, _ := strconv.ParseBool(r.URL.Query().Get("replace"))
	archive, err := readArchive(w, r)
	if err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "invalid upload", err)
		return
	}
	meta, err := s.manager.UploadSkill(r.Context(), archive, replace)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, meta)
}

func readArchive(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
			return nil, errors.Wrap(err, "failed to parse multipart form")
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, errors.Wrap(err, "missing file field")
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read body")
	}
	if len(data) == 0 {
		return nil, errors.New("empty archive")
	}
	return data, nil
}

func (s *Server) handleUpdateSkill(w http.ResponseWriter, r *http.Request) {
	var u skills.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	meta, err := s.manager.UpdateSkill(r.Context(), mux.Vars(r)["id"], u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, meta)
}

func (s *Server) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.DeleteSkill(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var err error
		if enabled {
			err = s.manager.EnableSkill(r.Context(), id)
		} else {
			err = s.manager.DisableSkill(r.Context(), id)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "id": id, "enabled": enabled})
	}
}

// ExecuteRequest is the body of POST /api/skills/{id}/execute.
type ExecuteRequest struct {
	Path string `json:"path"`
	Args any    `json:"args"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Path == "" {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "path is required", nil)
		return
	}
	start := time.Now()
	result, err := s.manager.ExecuteSkillScript(r.Context(), mux.Vars(r)["id"], req.Path, req.Args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"result":     result,
		"durationMs": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.manager.Storage().Tree(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, tree)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	data, err := s.manager.Storage().PackSkill(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	w.Write(data)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{"tools": s.manager.RegisteredTools()})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.manager.Storage().Usage(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var total int64
	for _, n := range usage {
		total += n
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"skills": usage, "totalBytes": total})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, version.Get())
}

// Utility methods

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		conflict  *skills.ConflictError
		notFound  *skills.NotFoundError
		protected *skills.ProtectedError
		disabled  *skills.DisabledError
		importErr *sandbox.ImportError
		execErr   *sandbox.ExecutionError
		timeout   *sandbox.TimeoutError
	)
	switch {
	case errors.As(err, &conflict), errors.As(err, &disabled):
		return http.StatusConflict
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &protected):
		return http.StatusForbidden
	case errors.As(err, &importErr):
		return http.StatusBadRequest
	case errors.As(err, &execErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorResponse(w, r, statusFor(err), err.Error(), err)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(r.Context()).WithError(err).Error("failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	if err != nil {
		entry := logger.G(r.Context()).WithError(err).WithField("status", statusCode)
		if statusCode >= http.StatusInternalServerError {
			entry.Error(message)
		} else {
			entry.Debug(message)
		}
	}

	s.writeJSON(w, r, statusCode, map[string]any{
		"error":   message,
		"status":  statusCode,
		"success": false,
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	presenter.Info(fmt.Sprintf("Starting skillbox API on http://%s", address))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
