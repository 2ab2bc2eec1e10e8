package demand

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/events"
)

// Aggregator recomputes the area population of levels from the raster cell
// population.
type Aggregator struct {
	pool db.Pool
	bus  events.Publisher
	log  *zap.Logger
}

// NewAggregator creates an Aggregator. bus may be nil.
func NewAggregator(pool db.Pool, bus events.Publisher) *Aggregator {
	return &Aggregator{
		pool: pool,
		bus:  bus,
		log:  zap.L().With(zap.String("component", "demand.aggregate")),
	}
}

// AggregateLevel replaces the area population of levelID for populationID
// and marks it fresh, in one transaction. It returns the rows written.
func (a *Aggregator) AggregateLevel(ctx context.Context, populationID, levelID int64) (int64, error) {
	start := time.Now()
	var written int64
	err := db.WithTx(ctx, a.pool, func(tx pgx.Tx) error {
		n, err := aggregateLevel(ctx, tx, populationID, levelID)
		if err != nil {
			return err
		}
		written = n
		return MarkFresh(ctx, tx, populationID, levelID)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "demand: aggregate population %d level %d", populationID, levelID)
	}

	a.log.Info("area population aggregated",
		zap.Int64("population_id", populationID),
		zap.Int64("area_level_id", levelID),
		zap.Int64("rows", written),
		zap.Duration("elapsed", time.Since(start)),
	)
	return written, nil
}

func aggregateLevel(ctx context.Context, q db.Querier, populationID, levelID int64) (int64, error) {
	if _, err := q.Exec(ctx,
		`DELETE FROM area_population_age_gender ap
		 USING areas a
		 WHERE a.id = ap.area_id AND ap.population_id = $1 AND a.area_level_id = $2`,
		populationID, levelID,
	); err != nil {
		return 0, eris.Wrap(err, "delete area population")
	}

	tag, err := q.Exec(ctx,
		`INSERT INTO area_population_age_gender (population_id, area_id, age_group_id, gender_id, value)
		 SELECT rp.population_id, ac.area_id, rp.age_group_id, rp.gender_id,
		        SUM(rp.value * ac.share_area_of_cell)
		 FROM raster_cell_population_age_gender rp
		 JOIN area_cells ac ON ac.cell_id = rp.cell_id
		 JOIN areas a ON a.id = ac.area_id
		 WHERE rp.population_id = $1 AND a.area_level_id = $2
		 GROUP BY rp.population_id, ac.area_id, rp.age_group_id, rp.gender_id`,
		populationID, levelID,
	)
	if err != nil {
		return 0, eris.Wrap(err, "insert area population")
	}
	return tag.RowsAffected(), nil
}

// AggregateAll aggregates every active level for populationID and publishes
// PopulationChanged.
func (a *Aggregator) AggregateAll(ctx context.Context, populationID int64) (int64, error) {
	levels, err := activeLevels(ctx, a.pool)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, levelID := range levels {
		n, err := a.AggregateLevel(ctx, populationID, levelID)
		if err != nil {
			return total, err
		}
		total += n
	}

	if a.bus != nil {
		if err := a.bus.Publish(ctx, events.Event{Topic: events.PopulationChanged, PopulationID: populationID}); err != nil {
			a.log.Warn("publish population change", zap.Error(err))
		}
	}
	return total, nil
}

func activeLevels(ctx context.Context, q db.Querier) ([]int64, error) {
	rows, err := q.Query(ctx, `SELECT id FROM area_levels WHERE is_active ORDER BY order_idx, id`)
	if err != nil {
		return nil, eris.Wrap(err, "demand: list area levels")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "demand: scan area level")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
