package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"ctlflow/internal/ack"
	"ctlflow/internal/dispatch"
	"ctlflow/internal/domain"
	"ctlflow/internal/metrics"
	"ctlflow/internal/scheduler"
	"ctlflow/internal/store"
)

// Deps are the services the HTTP surface fronts. Health and Metrics are
// optional.
type Deps struct {
	Submissions *dispatch.Service
	Timers      *scheduler.Service
	Acks        *ack.Reconciler
	Repo        store.Repository
	Metrics     *metrics.Counters
	Health      func(ctx context.Context) error
	Debug       bool
}

type Server struct {
	r *chi.Mux
	Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, Deps: d}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getStatus)
		r.Post("/tasks/{id}/cancel", s.cancel)

		r.Post("/group-tasks", s.submitGroupTask)
		r.Get("/group-tasks/{id}", s.getStatus)
		r.Post("/group-tasks/{id}/cancel", s.cancel)
		r.Delete("/group-tasks/{id}", s.deleteGroupTask)

		r.Post("/acks", s.receiveAck)
		r.Delete("/devices/{id}/tasks", s.purgeDevice)

		r.Post("/timers", s.createTimer)
		r.Get("/timers", s.listTimers)
		r.Get("/timers/{id}", s.getTimer)
		r.Delete("/timers/{id}", s.deleteTimer)
		r.Post("/timers/{id}/enable", s.enableTimer)
		r.Post("/timers/{id}/disable", s.disableTimer)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

// requestLogger writes one zerolog line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ctlflow_up 1\n"))
	if s.Metrics != nil {
		_ = s.Metrics.WritePrometheus(w)
	}
}

type errorResp struct {
	Error string `json:"error"`
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownTask),
		errors.Is(err, domain.ErrUnknownTimer),
		errors.Is(err, domain.ErrUnknownGroup),
		errors.Is(err, domain.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownObject),
		errors.Is(err, domain.ErrUnknownItem),
		errors.Is(err, domain.ErrInstanceNotAllowed),
		errors.Is(err, domain.ErrInvalidOperationPayload),
		errors.Is(err, domain.ErrEmptyGroup),
		errors.Is(err, domain.ErrInvalidTimer):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotCancelable),
		errors.Is(err, domain.ErrDuplicateTask),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrExhaustedIdentifierSpace),
		errors.Is(err, domain.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResp{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
