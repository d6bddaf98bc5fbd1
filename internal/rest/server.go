// Package rest exposes the engine over HTTP: process and definition
// management for clients, the worker protocol for external tasks, and
// the signal endpoints for messages, errors and escalations.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leorces/leorces/internal/config"
	"github.com/leorces/leorces/internal/log"
	"github.com/leorces/leorces/internal/rest/middleware"
	"github.com/leorces/leorces/pkg/engine"
	"github.com/leorces/leorces/pkg/engine/dispatch"
	"github.com/leorces/leorces/pkg/storage"
)

type Server struct {
	engine    *engine.Engine
	addr      string
	storage   string
	server    *http.Server
	startedAt time.Time
}

func NewServer(eng *engine.Engine, conf config.Config) *Server {
	storageKind := conf.Storage.Driver
	if storageKind == "" {
		storageKind = config.StorageDriverMemory
	}
	r := chi.NewRouter()
	s := Server{
		engine:    eng,
		addr:      conf.Server.Addr,
		storage:   storageKind,
		startedAt: time.Now(),
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}
	r.Use(middleware.RequestId())
	r.Use(middleware.Cors())
	r.Use(middleware.Opentelemetry(conf))
	r.Use(middleware.NormalizeQuery())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/definitions", s.deployDefinition)
		r.Get("/definitions", s.definitionsByKey)
		r.Get("/definitions/{id}", s.definitionById)

		r.Post("/processes", s.startProcess)
		r.Get("/processes/{key}", s.processByKey)
		r.Delete("/processes/{key}", s.terminateProcess)
		r.Get("/processes/{key}/variables", s.variables)
		r.Put("/processes/{key}/variables", s.setVariables)
		r.Get("/processes/{key}/incidents", s.openIncidents)

		r.Post("/tasks/poll", s.pollTasks)
		r.Post("/activities/{key}/complete", s.completeActivity)
		r.Post("/activities/{key}/fail", s.failActivity)
		r.Post("/activities/{key}/terminate", s.terminateActivity)
		r.Post("/activities/{key}/retry", s.retryActivity)

		r.Post("/messages", s.correlateMessage)
		r.Post("/errors", s.throwError)
		r.Post("/escalations", s.throwEscalation)

		r.Post("/incidents/{key}/resolve", s.resolveIncident)
	})
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", s.status)
	})
	return &s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Error("failed to listen: %v", err)
	}
	log.Info("REST server listening on %s", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"engine":  s.engine.Name(),
		"storage": s.storage,
		"started": s.startedAt.Format(time.RFC3339),
		"uptime":  time.Since(s.startedAt).String(),
	})
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf(r.Context(), "failed to write response: %s", err)
	}
}

// writeError maps engine failures onto HTTP statuses: unknown entities
// and unmatched correlations are 404, raced state changes and ambiguous
// correlations are 409, everything else is a 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var dispatchErr *dispatch.Error
	if errors.As(err, &dispatchErr) {
		err = dispatchErr.Err
	}
	var correlationErr *engine.CorrelationError
	var transitionErr *engine.TransitionError
	var gatewayErr *engine.GatewayError
	switch {
	case errors.As(err, &correlationErr) && correlationErr.Ambiguous:
		writeJSON(w, r, http.StatusConflict, apiError{Message: err.Error(), Type: "AMBIGUOUS_CORRELATION"})
	case errors.As(err, &correlationErr):
		writeJSON(w, r, http.StatusNotFound, apiError{Message: err.Error(), Type: "NO_CORRELATION"})
	case errors.As(err, &transitionErr):
		writeJSON(w, r, http.StatusConflict, apiError{Message: err.Error(), Type: "STALE_STATE"})
	case errors.As(err, &gatewayErr):
		writeJSON(w, r, http.StatusUnprocessableEntity, apiError{Message: err.Error(), Type: "GATEWAY_DEAD_END"})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, r, http.StatusNotFound, apiError{Message: err.Error(), Type: "NOT_FOUND"})
	default:
		log.Errorf(r.Context(), "request failed: %s", err)
		writeJSON(w, r, http.StatusInternalServerError, apiError{Message: err.Error(), Type: "ERROR"})
	}
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, r, http.StatusBadRequest, apiError{Message: err.Error(), Type: "BAD_REQUEST"})
}
