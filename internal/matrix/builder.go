// Package matrix builds the travel-time matrices between raster cells,
// places and transit stops for each mode variant.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/events"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/metrics"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/routing"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/schema"
)

// Build methods.
const (
	MethodRouted  = "routed"
	MethodAir     = "air"
	MethodTransit = "transit"
)

// errNoRows rolls back a variant build that produced nothing.
var errNoRows = errors.New("matrix: no rows")

// ErrMixedDirections is returned for an infrastructure whose services
// disagree on the way relationship. Its places share one matrix, so they
// can only be routed one way.
var ErrMixedDirections = errors.New("matrix: services of the infrastructure have different directions")

// Request selects what to build.
type Request struct {
	VariantIDs []int64
	// InfrastructureIDs limits the places; nil means all infrastructures.
	InfrastructureIDs []int64
	// PlaceIDs limits the rebuild to these places; nil means all places.
	PlaceIDs []int64
	// AirDistance skips the routing backend.
	AirDistance bool
	// Holder is recorded in the process lock.
	Holder string
}

// Result is the outcome of one variant build.
type Result struct {
	VariantID int64         `json:"variant_id"`
	Mode      model.Mode    `json:"mode"`
	Method    string        `json:"method"`
	Rows      int64         `json:"rows"`
	Elapsed   time.Duration `json:"elapsed"`
	// Kept is set when the build found no travel times and the previous
	// matrix was left in place.
	Kept bool `json:"kept,omitempty"`
}

// Scope is the process lock scope of a variant's matrices.
func Scope(variantID int64) string {
	return "matrix:" + strconv.FormatInt(variantID, 10)
}

// Builder writes the matrix tables. It is their only writer.
type Builder struct {
	pool     db.Pool
	router   routing.Router
	locker   *proclock.Locker
	bus      events.Publisher
	metrics  *metrics.Metrics
	settings Settings
	log      *zap.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithRouter sets the routing backend. Without one only air distances can be
// built.
func WithRouter(r routing.Router) BuilderOption {
	return func(b *Builder) {
		b.router = r
	}
}

// WithPublisher sets where MatrixRebuilt events go.
func WithPublisher(p events.Publisher) BuilderOption {
	return func(b *Builder) {
		b.bus = p
	}
}

// WithMetrics sets the collectors builds are recorded in.
func WithMetrics(m *metrics.Metrics) BuilderOption {
	return func(b *Builder) {
		b.metrics = m
	}
}

// NewBuilder creates a Builder.
func NewBuilder(pool db.Pool, locker *proclock.Locker, settings Settings, opts ...BuilderOption) *Builder {
	b := &Builder{
		pool:     pool,
		locker:   locker,
		settings: settings,
		log:      zap.L().With(zap.String("component", "matrix.builder")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// target is a variant prepared for building.
type target struct {
	variant model.ModeVariant
	infra   []int64
	tables  []string
}

// Build rebuilds the matrices of every requested variant. Variants run
// concurrently up to the configured limit, the batches of one variant run
// in order. A variant already being built fails the call with a wrapped
// proclock.ErrBusy. If no variant produced any travel time, a RoutingError
// with StatusNotAcceptable is returned.
func (b *Builder) Build(ctx context.Context, req Request) ([]Result, error) {
	if len(req.VariantIDs) == 0 {
		return nil, eris.New("matrix: no mode variants requested")
	}

	targets, err := b.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(b.settings.Concurrency, 1))
	for i, t := range targets {
		g.Go(func() error {
			r, err := b.buildVariant(gctx, req, t)
			results[i] = r
			return err
		})
	}

	if err := g.Wait(); err != nil {
		if !errors.Is(err, proclock.ErrBusy) {
			status := StatusFailed
			if re, ok := AsRoutingError(err); ok {
				status = re.Status
			}
			b.metrics.MatrixFailed(status)
		}
		return results, err
	}

	var total int64
	for _, r := range results {
		total += r.Rows
	}
	if total == 0 {
		b.metrics.MatrixFailed(StatusNotAcceptable)
		return results, notAcceptable("no travel times found for any mode variant", nil)
	}
	return results, nil
}

// prepare loads the variants and creates their partitions one variant
// after another. Partition DDL takes an exclusive lock on the parent table,
// so it must not queue behind the write transaction of another variant.
func (b *Builder) prepare(ctx context.Context, req Request) ([]target, error) {
	infra, err := infrastructures(ctx, b.pool, req.InfrastructureIDs)
	if err != nil {
		return nil, err
	}

	targets := make([]target, 0, len(req.VariantIDs))
	for _, id := range req.VariantIDs {
		v, err := loadVariant(ctx, b.pool, id)
		if err != nil {
			return nil, err
		}
		t := target{variant: v, infra: infra, tables: []string{schema.MatrixCellPlace}}
		if v.Mode == model.ModeTransit {
			t.tables = schema.MatrixTables
		}
		if _, err := schema.EnsureVariantPartitions(ctx, b.pool, v.ID, t.tables, infra); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func (b *Builder) buildVariant(ctx context.Context, req Request, t target) (Result, error) {
	v, infra, tables := t.variant, t.infra, t.tables
	res := Result{VariantID: v.ID, Mode: v.Mode}
	log := b.log.With(zap.Int64("variant_id", v.ID))

	lock, err := b.locker.Acquire(ctx, Scope(v.ID), req.Holder)
	if err != nil {
		return res, eris.Wrapf(err, "matrix: variant %d", v.ID)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Warn("release lock", zap.Error(err))
		}
	}()

	start := time.Now()
	var rows int64
	if v.Mode == model.ModeTransit {
		res.Method = MethodTransit
		rows, err = b.buildTransit(ctx, req, v, infra)
	} else {
		var profile string
		res.Method, profile, err = b.chooseMethod(ctx, req, func() (string, error) { return b.settings.Profile(v) })
		if err != nil {
			return res, err
		}
		rows, err = b.buildCellPlace(ctx, req, v, infra, res.Method, profile)
	}
	res.Elapsed = time.Since(start)
	if errors.Is(err, errNoRows) {
		res.Kept = true
		log.Warn("no travel times found, previous matrix kept",
			zap.Stringer("mode", v.Mode), zap.String("method", res.Method))
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Rows = rows

	if err := schema.Analyze(ctx, b.pool, tables...); err != nil {
		log.Warn("analyze matrix tables", zap.Error(err))
	}
	b.metrics.ObserveMatrixBuild(v.Mode.String(), res.Method, res.Elapsed)
	if b.bus != nil {
		if err := b.bus.Publish(ctx, events.Event{Topic: events.MatrixRebuilt, VariantID: v.ID}); err != nil {
			log.Warn("publish matrix rebuilt", zap.Error(err))
		}
	}

	log.Info("matrix built",
		zap.Stringer("mode", v.Mode),
		zap.String("method", res.Method),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// chooseMethod picks routed or air distances. profile is only resolved when
// the routing backend is used.
func (b *Builder) chooseMethod(ctx context.Context, req Request, profile func() (string, error)) (string, string, error) {
	if req.AirDistance {
		return MethodAir, "", nil
	}
	if b.router == nil {
		if b.settings.AirFallback {
			return MethodAir, "", nil
		}
		return "", "", notAcceptable("no routing backend configured", nil)
	}

	p, err := profile()
	if err != nil {
		return "", "", notAcceptable("no routing profile", err)
	}
	if err := routing.EnsureReady(ctx, b.router, p, b.settings.ReadyTimeout, b.settings.StartOnDemand); err != nil {
		if b.settings.AirFallback {
			b.log.Warn("routing backend not ready, using air distances", zap.String("profile", p), zap.Error(err))
			return MethodAir, "", nil
		}
		return "", "", notAcceptable(fmt.Sprintf("routing backend for %s not ready", p), err)
	}
	return MethodRouted, p, nil
}

// buildCellPlace replaces the cell/place slice of a non-transit variant.
func (b *Builder) buildCellPlace(ctx context.Context, req Request, v model.ModeVariant, infra []int64, method, profile string) (int64, error) {
	maxDistance := b.settings.MaxDistances[v.Mode]

	var rows int64
	err := db.WithTx(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := db.DeleteSlice(ctx, tx, cellPlaceSlice(v.ID, infra, req.PlaceIDs)); err != nil {
			return err
		}

		var err error
		if method == MethodAir {
			speed, serr := b.settings.Speed(v.Mode)
			if serr != nil {
				return serr
			}
			a := airArgs{variantID: v.ID, speed: speed, maxDistance: maxDistance}
			rows, err = execAir(ctx, tx, a, airCellPlace(a, infra, req.PlaceIDs, 0))
		} else {
			rows, err = b.routeCellPlace(ctx, tx, req.PlaceIDs, v.ID, infra, profile, maxDistance, 0)
		}
		if err != nil {
			return err
		}
		if rows == 0 {
			return errNoRows
		}
		b.metrics.AddMatrixRows(schema.MatrixCellPlace, rows)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rows, nil
}

// routeCellPlace routes between cells and places in the direction of the
// infrastructure's services: from the cells for WayToFacility, from the
// places for WayFromFacility. Rows are stored as cell/place pairs either
// way.
func (b *Builder) routeCellPlace(ctx context.Context, tx pgx.Tx, placeIDs []int64, variantID int64, infra []int64, profile string, maxDistance, maxMinutes float64) (int64, error) {
	toFacility, fromFacility, err := directions(ctx, tx, infra)
	if err != nil {
		return 0, err
	}
	cells, err := loadCells(ctx, tx)
	if err != nil {
		return 0, err
	}

	var written int64
	for _, group := range []struct {
		infra   []int64
		reverse bool
	}{{toFacility, false}, {fromFacility, true}} {
		if len(group.infra) == 0 {
			continue
		}
		places, err := loadPlaces(ctx, tx, group.infra, placeIDs)
		if err != nil {
			return written, err
		}

		l := leg{
			table:       schema.MatrixCellPlace,
			columns:     []string{"variant_id", "infrastructure_id", "cell_id", "place_id", "minutes"},
			sources:     cells,
			targets:     places,
			maxDistance: maxDistance,
			maxMinutes:  maxMinutes,
			row: func(cell, place model.Location, minutes float64) []any {
				return []any{variantID, place.Group, cell.ID, place.ID, minutes}
			},
		}
		if group.reverse {
			l.sources, l.targets = places, cells
			l.row = func(place, cell model.Location, minutes float64) []any {
				return []any{variantID, place.Group, cell.ID, place.ID, minutes}
			}
		}
		n, err := b.route(ctx, tx, profile, l)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// leg is one routed origin/destination set written to one table.
type leg struct {
	table       string
	columns     []string
	sources     []model.Location
	targets     []model.Location
	maxDistance float64 // meters, 0 keeps all
	maxMinutes  float64 // 0 keeps all
	row         func(src, dst model.Location, minutes float64) []any
}

// route sends the batches of a leg to the router one after another and
// copies each result into the transaction. Any failing batch aborts the
// leg.
func (b *Builder) route(ctx context.Context, tx pgx.Tx, profile string, l leg) (int64, error) {
	batches := planBatches(
		planChunks(l.sources, b.settings.ChunkSize),
		planChunks(l.targets, b.settings.ChunkSize),
		l.maxDistance,
	)

	var written int64
	for i, bt := range batches {
		t, err := b.router.Matrix(ctx, profile, points(bt.sources), points(bt.destinations))
		if err != nil {
			return written, eris.Wrapf(err, "matrix: %s batch %d/%d", l.table, i+1, len(batches))
		}
		rows, err := tableRows(t, bt, l)
		if err != nil {
			return written, eris.Wrapf(err, "matrix: %s batch %d/%d", l.table, i+1, len(batches))
		}
		n, err := db.CopyFrom(ctx, tx, l.table, l.columns, rows)
		if err != nil {
			return written, err
		}
		written += n

		b.log.Debug("batch written",
			zap.String("table", l.table),
			zap.Int("batch", i+1),
			zap.Int("batches", len(batches)),
			zap.Int64("rows", n),
		)
	}
	return written, nil
}

// tableRows converts a router table to rows. Unreachable pairs and pairs
// beyond the leg's limits are dropped. Durations become minutes. Without
// routed distances the great-circle distance is held against maxDistance.
func tableRows(t *routing.Table, bt batch, l leg) ([][]any, error) {
	if len(t.Durations) != len(bt.sources) {
		return nil, eris.Errorf("matrix: router returned %d rows for %d sources", len(t.Durations), len(bt.sources))
	}
	hasDistances := len(t.Distances) == len(bt.sources)

	var rows [][]any
	for i, src := range bt.sources {
		if len(t.Durations[i]) != len(bt.destinations) {
			return nil, eris.Errorf("matrix: router returned %d columns for %d destinations", len(t.Durations[i]), len(bt.destinations))
		}
		for j, dst := range bt.destinations {
			d := t.Durations[i][j]
			if d == nil {
				continue
			}
			if l.maxDistance > 0 {
				if hasDistances && j < len(t.Distances[i]) {
					if dist := t.Distances[i][j]; dist == nil || *dist > l.maxDistance {
						continue
					}
				} else if distance(latLng(src), latLng(dst)) > l.maxDistance {
					continue
				}
			}
			minutes := *d / 60
			if l.maxMinutes > 0 && minutes > l.maxMinutes {
				continue
			}
			rows = append(rows, l.row(src, dst, minutes))
		}
	}
	return rows, nil
}
