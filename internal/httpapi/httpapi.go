// Package httpapi serves the lifecycle operations as JSON over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobrelay/internal/coordinator"
	"github.com/ChuLiYu/jobrelay/internal/rpc"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the error envelope: {"error": {"code": ..., "message": ...}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createRequest struct {
	Definition json.RawMessage `json:"definition,omitempty"`
}

type assignRequest struct {
	DeviceScope string `json:"device_scope"`
}

// Server routes HTTP requests to a Coordinator.
type Server struct {
	coord   *coordinator.Coordinator
	metrics http.Handler
	logger  *zap.Logger
	router  chi.Router
}

// New builds the router. metrics may be nil to leave /metrics unrouted.
func New(coord *coordinator.Coordinator, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{coord: coord, metrics: metrics, logger: logger}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Get("/{id}", s.getJob)
		r.Put("/{id}/scope", s.assignJob)
		r.Delete("/{id}", s.deleteJob)
	})
	return r
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.coord.CreateJob(r.Context(), req.Definition)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result(res))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.GetJob(r.Context(), jobID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rpc.Response{Job: job})
}

func (s *Server) assignJob(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.coord.AssignJob(r.Context(), jobID(r), req.DeviceScope)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result(res))
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.DeleteJob(r.Context(), jobID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result(res))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func jobID(r *http.Request) types.JobID {
	return types.JobID(chi.URLParam(r, "id"))
}

func result(res *coordinator.Result) rpc.Response {
	return rpc.Response{Job: res.Job, HandlerFailures: rpc.Failures(res.Failures)}
}

// classify maps coordinator errors onto HTTP status and envelope code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, coordinator.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, coordinator.ErrPreHookRejected):
		return http.StatusConflict, "PRE_HOOK_REJECTED"
	case errors.Is(err, coordinator.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, coordinator.ErrStorageFailure):
		return http.StatusServiceUnavailable, "STORAGE_FAILURE"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "CANCELLED"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}
