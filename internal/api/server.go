package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"tickflow/internal/scheduler"
)

type Options struct {
	// SubmitRate limits task creation per second across all clients; zero disables it.
	SubmitRate  float64
	SubmitBurst int
	Debug       bool
}

type Server struct {
	r     *chi.Mux
	sched *scheduler.Scheduler
}

func NewServer(sched *scheduler.Scheduler) http.Handler {
	return NewServerWithOptions(sched, Options{})
}

func NewServerWithOptions(sched *scheduler.Scheduler, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: sched}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Route("/tasks", func(r chi.Router) {
			r.With(rateLimit(opts.SubmitRate, opts.SubmitBurst)).Post("/", s.createTask)
			r.Get("/", s.listTasks)
			r.Get("/sorted", s.listSorted)
			r.Get("/search", s.searchByMessageID)
			r.Get("/search/timerange", s.searchByTimeRange)
			r.Get("/{id}", s.getTask)
			r.Put("/{id}", s.updateTask)
			r.Delete("/{id}", s.deleteTask)
			r.Post("/{id}/cancel", s.cancelTask)
			r.Put("/{id}/retry", s.retryTask)
			r.Get("/{id}/attempts", s.listAttempts)
		})
	})

	// Debug routes (pprof)
	if opts.Debug {
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

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "UP",
		"uptime": s.sched.Uptime().Round(time.Second).String(),
	})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.sched.Stats(r.Context())
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "tickflow_up 1\n")
	fmt.Fprintf(w, "tickflow_dispatched_total %d\n", st.Dispatched)
	fmt.Fprintf(w, "tickflow_delayed_total %d\n", st.Delayed)
	fmt.Fprintf(w, "tickflow_succeeded_total %d\n", st.Succeeded)
	fmt.Fprintf(w, "tickflow_failed_total %d\n", st.Failed)
	fmt.Fprintf(w, "tickflow_retried_total %d\n", st.Retried)
	fmt.Fprintf(w, "tickflow_exhausted_total %d\n", st.Exhausted)
	fmt.Fprintf(w, "tickflow_aborted_total %d\n", st.Aborted)
	fmt.Fprintf(w, "tickflow_discarded_total %d\n", st.Discarded)
	fmt.Fprintf(w, "tickflow_stale_total %d\n", st.Stale)
	fmt.Fprintf(w, "tickflow_in_flight %d\n", st.InFlight)
	fmt.Fprintf(w, "tickflow_indexed %d\n", st.Indexed)
}

func rateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many task submissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
