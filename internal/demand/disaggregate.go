package demand

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/query"
)

// ErrNoEntryLevel is returned when no area level is flagged as population
// entry level.
var ErrNoEntryLevel = errors.New("demand: no population entry level")

// Warning reports population that could not be distributed to raster cells
// because its area has no cells. It is not an error; the amount is left out
// of the distributed total.
type Warning struct {
	AreaID int64   `json:"area_id"`
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

// Format renders w for p's locale.
func (w Warning) Format(p *message.Printer) string {
	return p.Sprintf("%.0f inhabitants in area %s could not be distributed to raster cells: the area has no cells", w.Amount, w.Label)
}

// Report is the outcome of a disaggregation.
type Report struct {
	PopulationID int64     `json:"population_id"`
	CellRows     int64     `json:"cell_rows"`
	Total        float64   `json:"total"`
	Distributed  float64   `json:"distributed"`
	Warnings     []Warning `json:"warnings,omitempty"`
	Message      string    `json:"message"`
}

// Disaggregator distributes the population entered for the areas of the
// entry level to raster cells, weighted by the cells' total population and
// their area share.
type Disaggregator struct {
	pool    db.Pool
	fresh   *Freshness
	agg     *Aggregator
	printer *message.Printer
	log     *zap.Logger
}

// NewDisaggregator creates a Disaggregator. Messages are formatted for lang.
func NewDisaggregator(pool db.Pool, fresh *Freshness, agg *Aggregator, lang language.Tag) *Disaggregator {
	return &Disaggregator{
		pool:    pool,
		fresh:   fresh,
		agg:     agg,
		printer: message.NewPrinter(lang),
		log:     zap.L().With(zap.String("component", "demand.disaggregate")),
	}
}

// distributeFragment inserts the distributed cell population. Within an
// area, the weight of a cell is its population times its share; areas whose
// cells have no population fall back to the shares alone.
func distributeFragment(populationID, levelID int64) *query.Fragment {
	args := query.Args{"population_id": populationID, "area_level_id": levelID}
	weights := query.New("weights", `
SELECT ac.area_id, ac.cell_id,
       COALESCE(rcp.value, 0) * ac.share_area_of_cell AS w,
       ac.share_area_of_cell AS share
FROM area_cells ac
JOIN areas a ON a.id = ac.area_id
LEFT JOIN raster_cell_population rcp ON rcp.cell_id = ac.cell_id
WHERE a.area_level_id = @area_level_id`, args)

	norm := query.New("norm", `
SELECT area_id, cell_id,
       COALESCE(w / NULLIF(SUM(w) OVER (PARTITION BY area_id), 0),
                share / NULLIF(SUM(share) OVER (PARTITION BY area_id), 0)) AS f
FROM weights`, nil, weights)

	return query.New("", `
INSERT INTO raster_cell_population_age_gender (population_id, cell_id, age_group_id, gender_id, value)
SELECT pe.population_id, n.cell_id, pe.age_group_id, pe.gender_id, SUM(pe.value * n.f)
FROM population_entries pe
JOIN norm n ON n.area_id = pe.area_id
WHERE pe.population_id = @population_id AND n.f IS NOT NULL
GROUP BY pe.population_id, n.cell_id, pe.age_group_id, pe.gender_id`, args, norm)
}

// Disaggregate replaces the raster cell population of populationID from its
// entries, then re-aggregates all levels.
func (d *Disaggregator) Disaggregate(ctx context.Context, populationID int64) (*Report, error) {
	var levelID int64
	err := d.pool.QueryRow(ctx, `SELECT id FROM area_levels WHERE is_pop_entry_level`).Scan(&levelID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoEntryLevel
	}
	if err != nil {
		return nil, eris.Wrap(err, "demand: find entry level")
	}

	st, err := query.Compile(distributeFragment(populationID, levelID))
	if err != nil {
		return nil, eris.Wrap(err, "demand: compile distribution")
	}

	rep := &Report{PopulationID: populationID}
	err = db.WithTx(ctx, d.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(value), 0) FROM population_entries WHERE population_id = $1`,
			populationID,
		).Scan(&rep.Total); err != nil {
			return eris.Wrap(err, "sum entries")
		}

		warnings, err := undistributable(ctx, tx, populationID, levelID)
		if err != nil {
			return err
		}
		rep.Warnings = warnings

		if _, err := tx.Exec(ctx,
			`DELETE FROM raster_cell_population_age_gender WHERE population_id = $1`,
			populationID,
		); err != nil {
			return eris.Wrap(err, "delete cell population")
		}

		tag, err := tx.Exec(ctx, st.SQL, st.Args...)
		if err != nil {
			return eris.Wrap(err, "insert cell population")
		}
		rep.CellRows = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "demand: disaggregate population %d", populationID)
	}

	rep.Distributed = rep.Total
	lines := make([]string, 0, len(rep.Warnings)+1)
	for _, w := range rep.Warnings {
		rep.Distributed -= w.Amount
		lines = append(lines, w.Format(d.printer))
	}
	lines = append([]string{d.printer.Sprintf("%.0f of %.0f inhabitants distributed to raster cells", rep.Distributed, rep.Total)}, lines...)
	rep.Message = strings.Join(lines, "\n")

	for _, w := range rep.Warnings {
		d.log.Warn("population not distributed",
			zap.Int64("population_id", populationID),
			zap.Int64("area_id", w.AreaID),
			zap.String("label", w.Label),
			zap.Float64("amount", w.Amount),
		)
	}

	if _, err := d.fresh.InvalidatePopulation(ctx, populationID); err != nil {
		return nil, err
	}
	if _, err := d.agg.AggregateAll(ctx, populationID); err != nil {
		return nil, err
	}
	return rep, nil
}

// undistributable lists the entry areas with population but no raster
// cells, labeled by their label attribute or their id.
func undistributable(ctx context.Context, q db.Querier, populationID, levelID int64) ([]Warning, error) {
	rows, err := q.Query(ctx,
		`SELECT a.id,
		        COALESCE(attr.str_value, attr.num_value::text, fc.value, a.id::text),
		        SUM(pe.value)
		 FROM population_entries pe
		 JOIN areas a ON a.id = pe.area_id
		 LEFT JOIN area_fields f ON f.area_level_id = a.area_level_id AND f.is_label
		 LEFT JOIN area_attributes attr ON attr.area_id = a.id AND attr.field_id = f.id
		 LEFT JOIN field_classes fc ON fc.id = attr.class_id
		 WHERE pe.population_id = $1 AND a.area_level_id = $2
		   AND NOT EXISTS (SELECT 1 FROM area_cells ac WHERE ac.area_id = a.id)
		 GROUP BY a.id, attr.str_value, attr.num_value, fc.value
		 HAVING SUM(pe.value) > 0
		 ORDER BY a.id`,
		populationID, levelID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "demand: find areas without cells")
	}
	defer rows.Close()

	var out []Warning
	for rows.Next() {
		var w Warning
		if err := rows.Scan(&w.AreaID, &w.Label, &w.Amount); err != nil {
			return nil, eris.Wrap(err, "scan area without cells")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
