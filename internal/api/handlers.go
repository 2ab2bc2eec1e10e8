package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/indicator"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/matrix"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/tasks"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 500
)

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) listIndicators(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.indicators.Describe())
}

func (s *Server) computeIndicator(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var p indicator.Params
	if err := decode(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid parameters: "+err.Error())
		return
	}

	res, err := s.indicators.Compute(r.Context(), name, p)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, indicator.ErrUnknownIndicator):
		writeError(w, http.StatusNotFound, err.Error())
	case indicator.IsBadRequest(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("compute indicator", zap.String("indicator", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "indicator computation failed")
	}
}

type buildRequest struct {
	Variants        []int64 `json:"variants"`
	Infrastructures []int64 `json:"infrastructures"`
	Places          []int64 `json:"places"`
	AirDistance     bool    `json:"air_distance"`
}

type accepted struct {
	Status string       `json:"status"`
	Task   tasks.Ticket `json:"task"`
}

func (s *Server) buildMatrix(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	variants := req.Variants
	if len(variants) == 0 {
		all, err := s.matrices.Variants(r.Context())
		if err != nil {
			s.log.Error("list mode variants", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "listing mode variants failed")
			return
		}
		variants = all
	}
	if len(variants) == 0 {
		writeJSON(w, http.StatusNotAcceptable, errorBody{Status: proclock.StatusNotAcceptable, Error: "no mode variants defined"})
		return
	}

	ticket, err := s.runner.BuildMatrix(r.Context(), matrix.Request{
		VariantIDs:        variants,
		InfrastructureIDs: req.Infrastructures,
		PlaceIDs:          req.Places,
		AirDistance:       req.AirDistance,
		Holder:            "api",
	})
	s.started(w, ticket, err)
}

type aggregateRequest struct {
	Population   int64 `json:"population"`
	AreaLevel    int64 `json:"area_level"`
	Disaggregate bool  `json:"disaggregate"`
}

func (s *Server) aggregatePopulation(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Population <= 0 {
		writeError(w, http.StatusBadRequest, "population is required")
		return
	}

	ticket, err := s.runner.AggregatePopulation(r.Context(), tasks.PopulationInput{
		PopulationID: req.Population,
		AreaLevelID:  req.AreaLevel,
		Disaggregate: req.Disaggregate,
		Holder:       "api",
	})
	s.started(w, ticket, err)
}

// started answers a job start. A running scope is a busy signal the caller
// may retry later, not an error.
func (s *Server) started(w http.ResponseWriter, ticket tasks.Ticket, err error) {
	err = tasks.FromApplicationError(err)
	if err == nil {
		writeJSON(w, http.StatusAccepted, accepted{Status: proclock.StatusAccepted, Task: ticket})
		return
	}
	if errors.Is(err, proclock.ErrBusy) {
		writeJSON(w, http.StatusConflict, errorBody{Status: "busy", Error: err.Error()})
		return
	}
	if re, ok := matrix.AsRoutingError(err); ok && re.Status == matrix.StatusNotAcceptable {
		writeJSON(w, http.StatusNotAcceptable, errorBody{Status: proclock.StatusNotAcceptable, Error: re.Error()})
		return
	}
	s.log.Error("start task", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "starting the task failed")
}

func (s *Server) matrixStatus(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("variants"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(ids) == 0 {
		if ids, err = s.matrices.Variants(r.Context()); err != nil {
			s.log.Error("list mode variants", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "listing mode variants failed")
			return
		}
	}

	st, err := s.matrices.Status(r.Context(), ids)
	if err != nil {
		s.log.Error("matrix status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "matrix status failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultTaskLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTaskLimit)
	}

	entries, err := s.tasks.List(r.Context(), limit)
	if err != nil {
		s.log.Error("list tasks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "listing tasks failed")
		return
	}
	if entries == nil {
		entries = []proclock.TaskEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// parseIDs parses a comma separated id list.
func parseIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.New("invalid id " + strconv.Quote(p))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MatrixStore reads variant state from the database.
type MatrixStore struct {
	pool   db.Pool
	locker *proclock.Locker
}

// NewMatrixStore creates a MatrixStore.
func NewMatrixStore(pool db.Pool, locker *proclock.Locker) *MatrixStore {
	return &MatrixStore{pool: pool, locker: locker}
}

func (m *MatrixStore) Variants(ctx context.Context) ([]int64, error) {
	return matrix.Variants(ctx, m.pool)
}

func (m *MatrixStore) Status(ctx context.Context, variantIDs []int64) ([]matrix.VariantStatus, error) {
	return matrix.Status(ctx, m.pool, m.locker, variantIDs)
}
