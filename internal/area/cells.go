package area

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/events"
)

// Scopes of an area-cell recomputation.
const (
	cellScopeArea  = "a.id"
	cellScopeLevel = "a.area_level_id"
)

// computeCells replaces the area cells of one area or of all areas of a
// level. The share of a cell is the fraction of its polygon inside the area.
func computeCells(ctx context.Context, q db.Querier, scope string, id int64) (int64, error) {
	if _, err := q.Exec(ctx,
		`DELETE FROM area_cells ac USING areas a
		 WHERE ac.area_id = a.id AND `+scope+` = $1`,
		id,
	); err != nil {
		return 0, eris.Wrap(err, "area: delete area cells")
	}

	tag, err := q.Exec(ctx,
		`INSERT INTO area_cells (area_id, cell_id, share_area_of_cell)
		 SELECT area_id, cell_id, share FROM (
		   SELECT a.id AS area_id, c.id AS cell_id,
		          ST_Area(ST_Intersection(a.geom, c.poly)) / ST_Area(c.poly) AS share
		   FROM areas a
		   JOIN raster_cells c ON ST_Intersects(a.geom, c.poly)
		   WHERE `+scope+` = $1
		 ) s
		 WHERE share > 0`,
		id,
	)
	if err != nil {
		return 0, eris.Wrap(err, "area: insert area cells")
	}
	return tag.RowsAffected(), nil
}

// Cells recomputes area-cell shares.
type Cells struct {
	pool db.Pool
	bus  events.Publisher
	log  *zap.Logger
}

// NewCells creates a Cells. bus may be nil.
func NewCells(pool db.Pool, bus events.Publisher) *Cells {
	return &Cells{pool: pool, bus: bus, log: zap.L().With(zap.String("component", "area.cells"))}
}

// Compute replaces the area cells of every area of levelID and returns the
// number of rows written. Precomputed area population of the level becomes
// stale.
func (c *Cells) Compute(ctx context.Context, levelID int64) (int64, error) {
	start := time.Now()
	var n int64
	err := db.WithTx(ctx, c.pool, func(tx pgx.Tx) error {
		var err error
		n, err = computeCells(ctx, tx, cellScopeLevel, levelID)
		if err != nil {
			return err
		}
		return invalidate(ctx, tx, levelID)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "area: cells of level %d", levelID)
	}

	c.log.Info("area cells computed",
		zap.Int64("area_level_id", levelID),
		zap.Int64("rows", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	if c.bus != nil {
		if err := c.bus.Publish(ctx, events.Event{Topic: events.AreasChanged, AreaLevelID: levelID}); err != nil {
			c.log.Warn("area: publish change", zap.Error(err))
		}
	}
	return n, nil
}
