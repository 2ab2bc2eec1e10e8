// Package area writes areas of a level together with their typed attributes
// and area-cell shares. A change to the geometry set of a level marks its
// precomputed population stale in the same transaction and is announced on
// the event bus so cached area values can be dropped.
package area

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/demand"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/events"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
)

// SRID of stored area geometries.
const SRID = 3857

// ErrNotFound is returned for an area that does not exist.
var ErrNotFound = errors.New("area: not found")

// Store writes areas.
type Store struct {
	pool db.Pool
	bus  events.Publisher
	log  *zap.Logger
}

// NewStore creates a Store. bus may be nil.
func NewStore(pool db.Pool, bus events.Publisher) *Store {
	return &Store{pool: pool, bus: bus, log: zap.L().With(zap.String("component", "area"))}
}

// encode marshals g as EWKB in the storage SRID.
func encode(g *geom.MultiPolygon) ([]byte, error) {
	if g == nil || g.Empty() {
		return nil, eris.New("area: empty geometry")
	}
	if g.SRID() == 0 {
		g = geom.NewMultiPolygonFlat(g.Layout(), g.FlatCoords(), g.Endss()).SetSRID(SRID)
	}
	if g.SRID() != SRID {
		return nil, eris.Errorf("area: geometry in EPSG:%d, expected EPSG:%d", g.SRID(), SRID)
	}
	b, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "area: encode geometry")
	}
	return b, nil
}

// Insert adds an area to a level with its attributes and area cells.
func (s *Store) Insert(ctx context.Context, levelID int64, g *geom.MultiPolygon, attrs map[string]model.AttrValue) (int64, error) {
	wkb, err := encode(g)
	if err != nil {
		return 0, err
	}

	var id int64
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO areas (area_level_id, geom) VALUES ($1, ST_GeomFromEWKB($2)) RETURNING id`,
			levelID, wkb,
		).Scan(&id); err != nil {
			return eris.Wrapf(err, "area: insert into level %d", levelID)
		}
		if err := writeAttributes(ctx, tx, levelID, id, attrs); err != nil {
			return err
		}
		if _, err := computeCells(ctx, tx, cellScopeArea, id); err != nil {
			return err
		}
		return invalidate(ctx, tx, levelID)
	})
	if err != nil {
		return 0, err
	}

	s.changed(ctx, levelID, "insert", id)
	return id, nil
}

// UpdateGeometry replaces the polygon of an area and its area cells.
func (s *Store) UpdateGeometry(ctx context.Context, areaID int64, g *geom.MultiPolygon) error {
	wkb, err := encode(g)
	if err != nil {
		return err
	}

	var levelID int64
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE areas SET geom = ST_GeomFromEWKB($2) WHERE id = $1 RETURNING area_level_id`,
			areaID, wkb,
		).Scan(&levelID)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "area %d", areaID)
		}
		if err != nil {
			return eris.Wrapf(err, "area: update geometry of %d", areaID)
		}
		if _, err := computeCells(ctx, tx, cellScopeArea, areaID); err != nil {
			return err
		}
		return invalidate(ctx, tx, levelID)
	})
	if err != nil {
		return err
	}

	s.changed(ctx, levelID, "update", areaID)
	return nil
}

// Delete removes an area. Its attributes, area cells and population rows go
// with it.
func (s *Store) Delete(ctx context.Context, areaID int64) error {
	var levelID int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `DELETE FROM areas WHERE id = $1 RETURNING area_level_id`, areaID).Scan(&levelID)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "area %d", areaID)
		}
		if err != nil {
			return eris.Wrapf(err, "area: delete %d", areaID)
		}
		return invalidate(ctx, tx, levelID)
	})
	if err != nil {
		return err
	}

	s.changed(ctx, levelID, "delete", areaID)
	return nil
}

// SetAttributes validates and writes attribute values of an area. Fields not
// in attrs keep their values. Labels may change, so AreaAttributesChanged is
// published; the population of the level stays valid.
func (s *Store) SetAttributes(ctx context.Context, areaID int64, attrs map[string]model.AttrValue) error {
	var levelID int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT area_level_id FROM areas WHERE id = $1 FOR UPDATE`, areaID).Scan(&levelID)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "area %d", areaID)
		}
		if err != nil {
			return eris.Wrapf(err, "area: lock %d", areaID)
		}
		return writeAttributes(ctx, tx, levelID, areaID, attrs)
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events.Event{Topic: events.AreaAttributesChanged, AreaLevelID: levelID})
	return nil
}

// invalidate marks the precomputed population of levelID stale within the
// transaction that changes the level.
func invalidate(ctx context.Context, q db.Querier, levelID int64) error {
	_, err := demand.InvalidateLevel(ctx, q, levelID)
	return err
}

// changed announces a structural change of a level.
func (s *Store) changed(ctx context.Context, levelID int64, op string, areaID int64) {
	s.log.Info("area changed",
		zap.String("op", op),
		zap.Int64("area_id", areaID),
		zap.Int64("area_level_id", levelID),
	)
	s.publish(ctx, events.Event{Topic: events.AreasChanged, AreaLevelID: levelID})
}

func (s *Store) publish(ctx context.Context, ev events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn("area: publish change", zap.String("topic", string(ev.Topic)), zap.Int64("area_level_id", ev.AreaLevelID), zap.Error(err))
	}
}
