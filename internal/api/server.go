// Package api serves a module.Framework over the HTTP management protocol
// spoken by endpoint.Remote.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/benaskins/modharness/internal/endpoint"
	"github.com/benaskins/modharness/internal/module"
)

// MaxArtifactSize bounds an uploaded artifact.
const MaxArtifactSize = 256 << 20

// Server exposes a framework's management operations over HTTP.
type Server struct {
	fw       module.Framework
	username string
	password string
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithBasicAuth requires every request to present these credentials.
func WithBasicAuth(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates an API server backed by fw.
func NewServer(fw module.Framework, opts ...Option) *Server {
	s := &Server{
		fw:     fw,
		logger: slog.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/modules", s.listModules)
	mux.HandleFunc("POST /v1/modules", s.installModule)
	mux.HandleFunc("GET /v1/modules/{id}", s.getModule)
	mux.HandleFunc("DELETE /v1/modules/{id}", s.uninstallModule)
	mux.HandleFunc("POST /v1/modules/{id}/start", s.startModule)
	mux.HandleFunc("POST /v1/modules/{id}/stop", s.stopModule)
	mux.HandleFunc("PUT /v1/modules/{id}/startlevel", s.setModuleStartLevel)
	mux.HandleFunc("GET /v1/startlevel", s.getStartLevel)
	mux.HandleFunc("PUT /v1/startlevel", s.setStartLevel)
	mux.HandleFunc("GET /v1/capabilities", s.capabilities)
	mux.HandleFunc("POST /v1/refresh", s.refresh)

	s.server = &http.Server{Handler: s.authenticate(mux)}
	return s
}

// Handler returns the server's HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenTCP starts the server on a TCP address. It blocks until Shutdown.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	s.logger.Info("management API listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.username != "" || s.password != "" {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="modharness"`)
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("symbolic_name")
	out := make([]module.Info, 0)
	for _, info := range s.fw.Modules() {
		if name == "" || info.SymbolicName == name {
			out = append(out, info)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) installModule(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	if location == "" {
		writeError(w, http.StatusBadRequest, errors.New("location query parameter is required"))
		return
	}
	info, err := s.fw.Install(location, io.LimitReader(r.Body, MaxArtifactSize))
	if err != nil {
		s.fail(w, r, "install", err)
		return
	}
	s.logger.Info("module installed", "module", module.HandleOf(info).String(),
		"correlation_id", r.Header.Get(endpoint.HeaderCorrelationID))
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) getModule(w http.ResponseWriter, r *http.Request) {
	id, ok := moduleID(w, r)
	if !ok {
		return
	}
	info, err := s.fw.Module(id)
	if err != nil {
		s.fail(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) uninstallModule(w http.ResponseWriter, r *http.Request) {
	s.moduleOp(w, r, "uninstall", s.fw.Uninstall)
}

func (s *Server) startModule(w http.ResponseWriter, r *http.Request) {
	s.moduleOp(w, r, "start", s.fw.Start)
}

func (s *Server) stopModule(w http.ResponseWriter, r *http.Request) {
	s.moduleOp(w, r, "stop", s.fw.Stop)
}

func (s *Server) moduleOp(w http.ResponseWriter, r *http.Request, op string, fn func(int64) error) {
	id, ok := moduleID(w, r)
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		s.fail(w, r, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getStartLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, endpoint.StartLevelBody{Level: s.fw.StartLevel()})
}

func (s *Server) setStartLevel(w http.ResponseWriter, r *http.Request) {
	var body endpoint.StartLevelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.fw.SetStartLevel(body.Level); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setModuleStartLevel(w http.ResponseWriter, r *http.Request) {
	id, ok := moduleID(w, r)
	if !ok {
		return
	}
	var body endpoint.StartLevelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Level <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("start level must be positive, got %d", body.Level))
		return
	}
	if err := s.fw.SetModuleStartLevel(id, body.Level); err != nil {
		s.fail(w, r, "set module start level", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) capabilities(w http.ResponseWriter, r *http.Request) {
	caps := s.fw.Capabilities(r.URL.Query().Get("name"))
	if caps == nil {
		caps = []module.Capability{}
	}
	writeJSON(w, http.StatusOK, caps)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if err := s.fw.Refresh(); err != nil {
		s.fail(w, r, "refresh", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps framework errors onto status codes the remote client understands.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, module.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, module.ErrInvalidArtifact):
		status = http.StatusBadRequest
	default:
		s.logger.Error("management operation failed", "op", op, "error", err,
			"correlation_id", r.Header.Get(endpoint.HeaderCorrelationID))
	}
	writeError(w, status, err)
}

func moduleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.New("module id must be an integer"))
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, endpoint.ErrorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
