// Package api is the HTTP surface of the backend: indicator computation,
// matrix builds and population aggregation.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/indicator"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/matrix"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/tasks"
)

// Indicators computes indicators.
type Indicators interface {
	Describe() []indicator.Description
	Compute(ctx context.Context, name string, p indicator.Params) (indicator.Result, error)
}

// Matrices reports the mode variants and their build state.
type Matrices interface {
	Variants(ctx context.Context) ([]int64, error)
	Status(ctx context.Context, variantIDs []int64) ([]matrix.VariantStatus, error)
}

// TaskList lists recent task outcomes.
type TaskList interface {
	List(ctx context.Context, limit int) ([]proclock.TaskEntry, error)
}

// Server holds the collaborators of the handlers.
type Server struct {
	indicators Indicators
	runner     tasks.Runner
	matrices   Matrices
	tasks      TaskList
	metrics    http.Handler
	log        *zap.Logger
}

// NewServer creates a Server. metrics may be nil.
func NewServer(ind Indicators, runner tasks.Runner, matrices Matrices, tl TaskList, metrics http.Handler) *Server {
	return &Server{
		indicators: ind,
		runner:     runner,
		matrices:   matrices,
		tasks:      tl,
		metrics:    metrics,
		log:        zap.L().With(zap.String("component", "api")),
	}
}

// Routes returns the router. corsOrigins lists the allowed browser origins.
func (s *Server) Routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/indicators", func(r chi.Router) {
		r.Get("/", s.listIndicators)
		r.Post("/{name}", s.computeIndicator)
	})

	r.Route("/matrix", func(r chi.Router) {
		r.Post("/build", s.buildMatrix)
		r.Get("/status", s.matrixStatus)
	})

	r.Post("/population/aggregate", s.aggregatePopulation)
	r.Get("/tasks", s.listTasks)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the body of every non-2xx response.
type errorBody struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
