package matrix

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/query"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/schema"
)

// accessProfile is the walking profile used for access and egress legs.
func (s Settings) accessProfile() (string, error) {
	p, ok := s.Profiles[model.ModeWalk]
	if !ok {
		return "", eris.New("matrix: no routing profile for walking access legs")
	}
	return p, nil
}

// transitLegs are the stop-to-stop rides of a variant plus a zero-minute
// pair per stop, so that an access stop may also be the egress stop.
func transitLegs(variantID int64) *query.Fragment {
	return query.New("legs", `
SELECT ss.from_stop_id, ss.to_stop_id, ss.minutes
FROM matrix_stop_stop ss
WHERE ss.variant_id = @variant_id
UNION ALL
SELECT s.id, s.id, 0::double precision
FROM stops s
WHERE s.variant_id = @variant_id`, query.Args{"variant_id": variantID})
}

// transitEgress keeps, per origin stop and place, the fastest ride plus
// egress walk.
func transitEgress(variantID int64, legs *query.Fragment) *query.Fragment {
	return query.New("egress", `
SELECT from_stop_id, place_id, minutes
FROM (
  SELECT l.from_stop_id, ps.place_id, l.minutes + ps.minutes AS minutes,
         row_number() OVER (PARTITION BY l.from_stop_id, ps.place_id ORDER BY l.minutes + ps.minutes) AS rn
  FROM legs l
  JOIN matrix_place_stop ps ON ps.variant_id = @variant_id AND ps.stop_id = l.to_stop_id
) ranked
WHERE rn = 1`, query.Args{"variant_id": variantID}, legs)
}

// transitCompose adds access walk to the fastest egress of each access stop
// and merges the result with the direct walks already in the slice, keeping
// the faster time of a pair.
func transitCompose(variantID int64, infrastructureIDs, placeIDs []int64) *query.Fragment {
	egress := transitEgress(variantID, transitLegs(variantID))
	return query.New("compose", `
INSERT INTO matrix_cell_place (variant_id, infrastructure_id, cell_id, place_id, minutes)
SELECT @variant_id::bigint, p.infrastructure_id, cs.cell_id, e.place_id, MIN(cs.minutes + e.minutes)
FROM matrix_cell_stop cs
JOIN egress e ON e.from_stop_id = cs.stop_id
JOIN places p ON p.id = e.place_id
WHERE cs.variant_id = @variant_id
  AND p.infrastructure_id = ANY(@infrastructure_ids)
  AND (@place_ids::bigint[] IS NULL OR p.id = ANY(@place_ids))
GROUP BY p.infrastructure_id, cs.cell_id, e.place_id
ON CONFLICT (variant_id, infrastructure_id, cell_id, place_id)
DO UPDATE SET minutes = LEAST(matrix_cell_place.minutes, EXCLUDED.minutes)`,
		query.Args{"variant_id": variantID, "infrastructure_ids": infrastructureIDs, "place_ids": placeIDs},
		egress)
}

// buildTransit composes the transit matrix of v from walking access legs,
// the loaded stop-to-stop matrix and walking egress legs. A direct walk of
// at most MaxDirectWalktime minutes wins when it is faster. Backend failures
// abort the whole build.
func (b *Builder) buildTransit(ctx context.Context, req Request, v model.ModeVariant, infra []int64) (int64, error) {
	var transfers int64
	if err := b.pool.QueryRow(ctx,
		`SELECT count(*) FROM matrix_stop_stop WHERE variant_id = $1`, v.ID,
	).Scan(&transfers); err != nil {
		return 0, eris.Wrapf(err, "matrix: count stop-to-stop rows of variant %d", v.ID)
	}
	if transfers == 0 {
		return 0, notAcceptable("no stop-to-stop matrix loaded for the transit variant", nil)
	}

	method, profile, err := b.chooseMethod(ctx, req, b.settings.accessProfile)
	if err != nil {
		return 0, err
	}

	cellPlace := cellPlaceSlice(v.ID, infra, req.PlaceIDs)
	var rows int64
	err = db.WithTx(ctx, b.pool, func(tx pgx.Tx) error {
		for _, s := range []db.Slice{
			{Table: schema.MatrixCellStop, Where: "variant_id = $1", Args: []any{v.ID}},
			placeStopSlice(v.ID, infra, req.PlaceIDs),
			cellPlace,
		} {
			if _, err := db.DeleteSlice(ctx, tx, s); err != nil {
				return err
			}
		}

		if err := b.transitWalks(ctx, tx, req, v.ID, infra, method, profile); err != nil {
			return err
		}

		stmt, err := query.Compile(transitCompose(v.ID, infra, req.PlaceIDs))
		if err != nil {
			return eris.Wrap(err, "matrix: compile transit composition")
		}
		if _, err := tx.Exec(ctx, stmt.SQL, stmt.Args...); err != nil {
			return eris.Wrapf(err, "matrix: compose transit variant %d", v.ID)
		}

		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM `+cellPlace.Table+` WHERE `+cellPlace.Where, cellPlace.Args...,
		).Scan(&rows); err != nil {
			return eris.Wrapf(err, "matrix: count transit rows of variant %d", v.ID)
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

// transitWalks writes the access, egress and direct walking legs.
func (b *Builder) transitWalks(ctx context.Context, tx pgx.Tx, req Request, variantID int64, infra []int64, method, profile string) error {
	access := b.settings.MaxAccessDistance
	direct := b.settings.directWalkDistance()

	if method == MethodAir {
		speed, err := b.settings.Speed(model.ModeWalk)
		if err != nil {
			return err
		}
		a := airArgs{variantID: variantID, speed: speed, maxDistance: access}
		n, err := execAir(ctx, tx, a, airCellStop(a))
		if err != nil {
			return err
		}
		b.metrics.AddMatrixRows(schema.MatrixCellStop, n)
		if n, err = execAir(ctx, tx, a, airPlaceStop(a, infra, req.PlaceIDs)); err != nil {
			return err
		}
		b.metrics.AddMatrixRows(schema.MatrixPlaceStop, n)
		if direct <= 0 {
			return nil
		}
		d := airArgs{variantID: variantID, speed: speed, maxDistance: direct}
		_, err = execAir(ctx, tx, d, airCellPlace(d, infra, req.PlaceIDs, b.settings.MaxDirectWalktime))
		return err
	}

	cells, err := loadCells(ctx, tx)
	if err != nil {
		return err
	}
	stops, err := loadStops(ctx, tx, variantID)
	if err != nil {
		return err
	}
	places, err := loadPlaces(ctx, tx, infra, req.PlaceIDs)
	if err != nil {
		return err
	}

	n, err := b.route(ctx, tx, profile, leg{
		table:       schema.MatrixCellStop,
		columns:     []string{"variant_id", "cell_id", "stop_id", "minutes"},
		sources:     cells,
		targets:     stops,
		maxDistance: access,
		row: func(cell, stop model.Location, minutes float64) []any {
			return []any{variantID, cell.ID, stop.ID, minutes}
		},
	})
	if err != nil {
		return err
	}
	b.metrics.AddMatrixRows(schema.MatrixCellStop, n)

	n, err = b.route(ctx, tx, profile, leg{
		table:       schema.MatrixPlaceStop,
		columns:     []string{"variant_id", "place_id", "stop_id", "minutes"},
		sources:     stops,
		targets:     places,
		maxDistance: access,
		row: func(stop, place model.Location, minutes float64) []any {
			return []any{variantID, place.ID, stop.ID, minutes}
		},
	})
	if err != nil {
		return err
	}
	b.metrics.AddMatrixRows(schema.MatrixPlaceStop, n)

	if direct <= 0 {
		return nil
	}
	_, err = b.routeCellPlace(ctx, tx, req.PlaceIDs, variantID, infra, profile, direct, b.settings.MaxDirectWalktime)
	return err
}
