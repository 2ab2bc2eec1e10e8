package demand

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/events"
)

// Freshness tracks whether the precomputed area population of a level
// matches the raster cell population.
type Freshness struct {
	pool db.Pool
	log  *zap.Logger
}

// NewFreshness creates a Freshness tracker.
func NewFreshness(pool db.Pool) *Freshness {
	return &Freshness{pool: pool, log: zap.L().With(zap.String("component", "demand.freshness"))}
}

// IsFresh reports whether the area population of levelID may be read for
// populationID. A missing record means never computed.
func (f *Freshness) IsFresh(ctx context.Context, populationID, levelID int64) (bool, error) {
	var upToDate bool
	err := f.pool.QueryRow(ctx,
		`SELECT up_to_date FROM population_area_levels
		 WHERE population_id = $1 AND area_level_id = $2`,
		populationID, levelID,
	).Scan(&upToDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "demand: freshness of population %d level %d", populationID, levelID)
	}
	return upToDate, nil
}

// MarkFresh records that the area population of levelID was recomputed. q is
// the transaction that replaced the rows.
func MarkFresh(ctx context.Context, q db.Querier, populationID, levelID int64) error {
	_, err := q.Exec(ctx,
		`INSERT INTO population_area_levels (population_id, area_level_id, up_to_date)
		 VALUES ($1, $2, true)
		 ON CONFLICT (population_id, area_level_id) DO UPDATE SET up_to_date = true`,
		populationID, levelID,
	)
	if err != nil {
		return eris.Wrapf(err, "demand: mark population %d level %d fresh", populationID, levelID)
	}
	return nil
}

// InvalidateLevel marks the area population of levelID stale for every
// population snapshot.
func (f *Freshness) InvalidateLevel(ctx context.Context, levelID int64) (int64, error) {
	return InvalidateLevel(ctx, f.pool, levelID)
}

// InvalidateLevel marks the area population of levelID stale using q. Area
// writers call it inside the transaction that changes the level, so a
// committed area change never leaves the level marked fresh.
func InvalidateLevel(ctx context.Context, q db.Querier, levelID int64) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE population_area_levels SET up_to_date = false
		 WHERE area_level_id = $1 AND up_to_date`,
		levelID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "demand: invalidate level %d", levelID)
	}
	return tag.RowsAffected(), nil
}

// InvalidatePopulation marks every level stale for populationID, e.g. after
// its raster cell population was replaced.
func (f *Freshness) InvalidatePopulation(ctx context.Context, populationID int64) (int64, error) {
	tag, err := f.pool.Exec(ctx,
		`UPDATE population_area_levels SET up_to_date = false
		 WHERE population_id = $1 AND up_to_date`,
		populationID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "demand: invalidate population %d", populationID)
	}
	return tag.RowsAffected(), nil
}

// Subscribe invalidates a level whenever its areas change.
func (f *Freshness) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.AreasChanged, func(ctx context.Context, ev events.Event) error {
		n, err := f.InvalidateLevel(ctx, ev.AreaLevelID)
		if err != nil {
			return err
		}
		if n > 0 {
			f.log.Info("area population marked stale",
				zap.Int64("area_level_id", ev.AreaLevelID),
				zap.Int64("populations", n),
			)
		}
		return nil
	})
}
