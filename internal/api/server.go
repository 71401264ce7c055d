// Package api exposes the REST surface the web UI and integrations call
// into. It is a thin adapter: every mutation routes through the
// controller and the device update pipeline with source API; the HTTP
// concerns (routing, CORS, JSON, TLS) stay here.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/micasa-home/micasa/internal/controller"
	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/settings"
)

// ResourceError is the error shape handlers surface to clients:
// {"code": 404, "error": "resource.not.found", "message": "..."}.
type ResourceError struct {
	Code    int    `json:"code"`
	Tag     string `json:"error"`
	Message string `json:"message"`
}

func (e ResourceError) Error() string { return e.Message }

func errNotFound(what string) ResourceError {
	return ResourceError{Code: http.StatusNotFound, Tag: "resource.not.found", Message: what + " not found"}
}

func errBadRequest(msg string) ResourceError {
	return ResourceError{Code: http.StatusBadRequest, Tag: "invalid.request", Message: msg}
}

func errForbidden(msg string) ResourceError {
	return ResourceError{Code: http.StatusForbidden, Tag: "access.denied", Message: msg}
}

// Server hosts the REST API over HTTP and optionally HTTPS.
type Server struct {
	ctrl    *controller.Controller
	db      *database.DB
	cfg     *settings.Settings
	log     *slog.Logger
	dataDir string
	auth    *authState

	httpSrv  *http.Server
	httpsSrv *http.Server
}

// New builds the server. dataDir is where the TLS key pair (cert.pem,
// key.pem) is looked up when an HTTPS port is configured.
func New(ctrl *controller.Controller, db *database.DB, cfg *settings.Settings, dataDir string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		ctrl:    ctrl,
		db:      db,
		cfg:     cfg,
		log:     log,
		dataDir: dataDir,
		auth:    newAuthState(db),
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/user/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.middleware)

			r.Get("/plugins", s.handleListPlugins)
			r.Post("/plugins", s.handleDeclarePlugin)
			r.Get("/plugins/{ref}", s.handleGetPlugin)
			r.Delete("/plugins/{ref}", s.handleRemovePlugin)
			r.Get("/plugins/{ref}/settings", s.handleGetPluginSettings)
			r.Put("/plugins/{ref}/settings", s.handlePutPluginSettings)

			r.Get("/devices", s.handleListDevices)
			r.Get("/devices/{id}", s.handleGetDevice)
			r.Patch("/devices/{id}", s.handleUpdateDevice)
			r.Put("/devices/{id}/enabled", s.handleSetDeviceEnabled)
			r.Get("/devices/{id}/data", s.handleDeviceData)
			r.Get("/devices/{id}/settings", s.handleGetDeviceSettings)
			r.Put("/devices/{id}/settings", s.handlePutDeviceSettings)

			r.Get("/scripts", s.handleListScripts)
			r.Post("/scripts", s.handleCreateScript)
			r.Put("/scripts/{id}", s.handleUpdateScript)
			r.Delete("/scripts/{id}", s.handleDeleteRow("scripts", "script"))

			r.Get("/timers", s.handleListTimers)
			r.Post("/timers", s.handleCreateTimer)
			r.Put("/timers/{id}", s.handleUpdateTimer)
			r.Delete("/timers/{id}", s.handleDeleteRow("timers", "timer"))

			r.Get("/links", s.handleListLinks)
			r.Post("/links", s.handleCreateLink)
			r.Delete("/links/{id}", s.handleDeleteRow("links", "link"))

			r.Get("/users", s.handleListUsers)
			r.Post("/users", s.handleCreateUser)
			r.Delete("/users/{id}", s.handleDeleteRow("users", "user"))
		})
	})
	return r
}

// Start brings up the HTTP listener and, when sslPort is non-zero and a
// key pair exists in the data directory, the HTTPS listener. Listen
// errors after startup are logged, not fatal.
func (s *Server) Start(port, sslPort int) error {
	handler := s.router()

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()
	s.log.Info("http server listening", "port", port)

	if sslPort > 0 {
		cert := filepath.Join(s.dataDir, "cert.pem")
		key := filepath.Join(s.dataDir, "key.pem")
		s.httpsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", sslPort),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
		}
		go func() {
			if err := s.httpsSrv.ListenAndServeTLS(cert, key); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("https server stopped", "error", err)
			}
		}()
		s.log.Info("https server listening", "port", sslPort)
	}
	return nil
}

// Stop shuts both listeners down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	if s.httpsSrv != nil {
		_ = s.httpsSrv.Shutdown(ctx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var re ResourceError
	if !errors.As(err, &re) {
		re = ResourceError{Code: http.StatusInternalServerError, Tag: "internal.error", Message: err.Error()}
	}
	writeJSON(w, re.Code, re)
}

func decodeBody(r *http.Request, dest any) error {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return errBadRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
