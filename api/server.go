package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/health"
	"github.com/pvorotnikov/open-iot-sub001/metric"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/router"
	"github.com/pvorotnikov/open-iot-sub001/rule"
	"github.com/pvorotnikov/open-iot-sub001/tag"
)

const (
	defaultRecent = 100
	maxRecent     = 10000
	maxBodyBytes  = 1 << 20
)

// StatsSource reports router counters
type StatsSource interface {
	Stats() router.Stats
}

// Options are the optional parts of the admin server
type Options struct {
	Ring    *router.Ring
	Router  StatsSource
	Health  *health.Checker
	Metrics *metric.MetricsRegistry
	TLS     *tls.Config
	Logger  *slog.Logger
}

// ErrorBody is the JSON body of every error response
type ErrorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

// Server exposes a Service over HTTP
type Server struct {
	service *Service
	opts    Options
	logger  *slog.Logger
	router  chi.Router

	httpServer *http.Server
	listener   net.Listener
	closing    chan struct{}
	closeOnce  sync.Once
}

// NewServer builds the route table
func NewServer(service *Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		opts:    opts,
		logger:  logger.With("component", "admin-http"),
		router:  chi.NewRouter(),
		closing: make(chan struct{}),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", s.listPipelines)
		r.Post("/", s.createPipeline)
		r.Get("/{id}", s.getPipeline)
		r.Put("/{id}", s.updatePipeline)
		r.Delete("/{id}", s.deletePipeline)
	})
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", s.listRules)
		r.Post("/", s.createRule)
		r.Get("/{id}", s.getRule)
		r.Put("/{id}", s.updateRule)
		r.Delete("/{id}", s.deleteRule)
	})
	r.Route("/tags", func(r chi.Router) {
		r.Get("/", s.listTags)
		r.Post("/", s.createTag)
		r.Get("/{id}", s.getTag)
		r.Put("/{id}", s.updateTag)
		r.Delete("/{id}", s.deleteTag)
	})
	r.Route("/modules", func(r chi.Router) {
		r.Get("/", s.listModules)
		r.Get("/{id}", s.getModule)
		r.Post("/{id}/{op}", s.setModuleState)
	})

	r.Get("/router/stats", s.routerStats)
	r.Get("/observations/recent", s.recentObservations)
	r.Get("/observations/stream", s.streamObservations)
	r.Get("/healthz", s.healthz)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+addr)
	}
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server stopped", "error", err)
		}
	}()
	s.logger.Info("Admin server listening", "addr", ln.Addr().String(), "tls", s.opts.TLS != nil)
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down. Open observation streams are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) listPipelines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.ListPipelines())
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.GetPipeline(chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, p, err)
}

func (s *Server) createPipeline(w http.ResponseWriter, r *http.Request) {
	var p pipeline.Pipeline
	if !s.decode(w, r, &p) {
		return
	}
	created, err := s.service.CreatePipeline(r.Context(), p)
	s.respond(w, http.StatusCreated, created, err)
}

func (s *Server) updatePipeline(w http.ResponseWriter, r *http.Request) {
	var p pipeline.Pipeline
	if !s.decode(w, r, &p) || !s.pathID(w, r, &p.ID) {
		return
	}
	updated, err := s.service.UpdatePipeline(r.Context(), p)
	s.respond(w, http.StatusOK, updated, err)
}

func (s *Server) deletePipeline(w http.ResponseWriter, r *http.Request) {
	s.respondEmpty(w, s.service.DeletePipeline(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) listRules(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.ListRules())
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rl, err := s.service.GetRule(chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, rl, err)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rl rule.Rule
	if !s.decode(w, r, &rl) {
		return
	}
	created, err := s.service.CreateRule(r.Context(), rl)
	s.respond(w, http.StatusCreated, created, err)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var rl rule.Rule
	if !s.decode(w, r, &rl) || !s.pathID(w, r, &rl.ID) {
		return
	}
	updated, err := s.service.UpdateRule(r.Context(), rl)
	s.respond(w, http.StatusOK, updated, err)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	s.respondEmpty(w, s.service.DeleteRule(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) listTags(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.ListTags())
}

func (s *Server) getTag(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.GetTag(chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, t, err)
}

func (s *Server) createTag(w http.ResponseWriter, r *http.Request) {
	var t tag.Tag
	if !s.decode(w, r, &t) {
		return
	}
	created, err := s.service.CreateTag(r.Context(), t)
	s.respond(w, http.StatusCreated, created, err)
}

func (s *Server) updateTag(w http.ResponseWriter, r *http.Request) {
	var t tag.Tag
	if !s.decode(w, r, &t) || !s.pathID(w, r, &t.ID) {
		return
	}
	updated, err := s.service.UpdateTag(r.Context(), t)
	s.respond(w, http.StatusOK, updated, err)
}

func (s *Server) deleteTag(w http.ResponseWriter, r *http.Request) {
	s.respondEmpty(w, s.service.DeleteTag(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) listModules(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.ListModules())
}

func (s *Server) getModule(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.ModuleStatus(chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, st, err)
}

func (s *Server) setModuleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.SetModuleState(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "op"))
	s.respond(w, http.StatusOK, st, err)
}

func (s *Server) routerStats(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Router == nil {
		s.writeError(w, errors.WrapInvalid(fmt.Errorf("%w: router", errors.ErrNotFound), "Server", "routerStats", "router lookup"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Router.Stats())
}

func errNoRing() error {
	return errors.WrapInvalid(fmt.Errorf("%w: observation ring", errors.ErrNotFound), "Server", "observations", "ring lookup")
}

func (s *Server) recentObservations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ring == nil {
		s.writeJSON(w, http.StatusOK, []router.Observation{})
		return
	}

	limit := defaultRecent
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, errors.WrapInvalid(fmt.Errorf("limit %q is not a positive integer", raw),
				"Server", "recentObservations", "parse limit"))
			return
		}
		limit = min(n, maxRecent)
	}
	s.writeJSON(w, http.StatusOK, s.opts.Ring.Recent(limit))
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Health == nil {
		s.writeJSON(w, http.StatusOK, health.NewHealthy("semroute", "no checks configured"))
		return
	}
	status := s.opts.Health.Check()
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err),
			"Server", "decode", "request body"))
		return false
	}
	return true
}

// pathID fills an empty body id from the path and rejects a mismatch
func (s *Server) pathID(w http.ResponseWriter, r *http.Request, id *string) bool {
	want := chi.URLParam(r, "id")
	switch *id {
	case "":
		*id = want
	case want:
	default:
		s.writeError(w, errors.WrapInvalid(fmt.Errorf("body id %q does not match path id %q", *id, want),
			"Server", "pathID", "id check"))
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, code int, v any, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, code, v)
}

func (s *Server) respondEmpty(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", "code", code, "error", err)
	}
	s.writeJSON(w, status, ErrorBody{Code: code, Message: err.Error()})
}

func statusFor(code errors.Code) int {
	switch code {
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeInvalidTransition, errors.CodeModuleNotActive, errors.CodeDuplicateID:
		return http.StatusConflict
	case errors.CodeUnknownReference:
		return http.StatusUnprocessableEntity
	case errors.CodeInvalid:
		return http.StatusBadRequest
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
