package matrix

import (
	"context"
	"encoding/csv"
	"errors"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/events"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/schema"
)

// StopRecord is one line of a stop file.
type StopRecord struct {
	HstNr int64   `csv:"hstnr"`
	Name  string  `csv:"name"`
	Lon   float64 `csv:"lon"`
	Lat   float64 `csv:"lat"`
}

// TransferRecord is one line of a stop-to-stop travel time file. Stops are
// referenced by their hstnr.
type TransferRecord struct {
	From    int64   `csv:"from"`
	To      int64   `csv:"to"`
	Minutes float64 `csv:"minutes"`
}

// LoadReport summarizes a file load.
type LoadReport struct {
	VariantID int64 `json:"variant_id"`
	Rows      int64 `json:"rows"`
	// Skipped counts lines referencing stops unknown to the variant.
	Skipped int `json:"skipped"`
}

// StopLoader replaces the stops and the stop-to-stop matrix of transit
// variants from delimited files. It holds the variant's process lock while
// writing, so a load never overlaps a matrix build of the same variant.
type StopLoader struct {
	pool   db.Pool
	locker *proclock.Locker
	bus    events.Publisher
	comma  rune
	log    *zap.Logger
}

// NewStopLoader creates a StopLoader. comma 0 means ';'.
func NewStopLoader(pool db.Pool, locker *proclock.Locker, bus events.Publisher, comma rune) *StopLoader {
	if comma == 0 {
		comma = ';'
	}
	return &StopLoader{
		pool:   pool,
		locker: locker,
		bus:    bus,
		comma:  comma,
		log:    zap.L().With(zap.String("component", "matrix.stops")),
	}
}

// lock takes the process lock of the variant. A running build or load fails
// with a wrapped proclock.ErrBusy.
func (l *StopLoader) lock(ctx context.Context, variantID int64, holder string) (func(), error) {
	lock, err := l.locker.Acquire(ctx, Scope(variantID), holder)
	if err != nil {
		return nil, eris.Wrapf(err, "matrix: variant %d", variantID)
	}
	return func() {
		if err := lock.Release(ctx); err != nil {
			l.log.Warn("release lock", zap.Int64("variant_id", variantID), zap.Error(err))
		}
	}, nil
}

// decodeAll reads every record of r into T, matching columns by header.
func decodeAll[T any](r io.Reader, comma rune) ([]T, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.TrimLeadingSpace = true

	dec, err := csvutil.NewDecoder(cr)
	if err != nil {
		return nil, eris.Wrap(err, "matrix: read header")
	}

	var out []T
	for {
		var rec T
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, eris.Wrapf(err, "matrix: line %d", len(out)+2)
		}
		out = append(out, rec)
	}
}

// LoadStops replaces the stops of a transit variant. Existing matrix rows of
// the variant's stops are removed with them.
func (l *StopLoader) LoadStops(ctx context.Context, variantID int64, holder string, r io.Reader) (LoadReport, error) {
	rep := LoadReport{VariantID: variantID}
	recs, err := decodeAll[StopRecord](r, l.comma)
	if err != nil {
		return rep, err
	}
	if len(recs) == 0 {
		return rep, eris.New("matrix: stop file has no records")
	}

	hstnr := make([]int64, len(recs))
	names := make([]string, len(recs))
	lons := make([]float64, len(recs))
	lats := make([]float64, len(recs))
	for i, rec := range recs {
		hstnr[i], names[i], lons[i], lats[i] = rec.HstNr, rec.Name, rec.Lon, rec.Lat
	}

	release, err := l.lock(ctx, variantID, holder)
	if err != nil {
		return rep, err
	}
	defer release()

	err = db.WithTx(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM stops WHERE variant_id = $1`, variantID); err != nil {
			return eris.Wrapf(err, "matrix: delete stops of variant %d", variantID)
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO stops (variant_id, hstnr, name, geom)
			 SELECT $1, t.hstnr, t.name, ST_Transform(ST_SetSRID(ST_MakePoint(t.lon, t.lat), 4326), 3857)
			 FROM unnest($2::bigint[], $3::text[], $4::double precision[], $5::double precision[]) AS t(hstnr, name, lon, lat)`,
			variantID, hstnr, names, lons, lats)
		if err != nil {
			return eris.Wrapf(err, "matrix: insert stops of variant %d", variantID)
		}
		rep.Rows = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return rep, err
	}

	l.log.Info("stops loaded", zap.Int64("variant_id", variantID), zap.Int64("rows", rep.Rows))
	return rep, nil
}

// LoadTransfers replaces the stop-to-stop matrix of a transit variant. Lines
// naming a stop the variant does not have are skipped and counted.
func (l *StopLoader) LoadTransfers(ctx context.Context, variantID int64, holder string, r io.Reader) (LoadReport, error) {
	rep := LoadReport{VariantID: variantID}
	recs, err := decodeAll[TransferRecord](r, l.comma)
	if err != nil {
		return rep, err
	}

	release, err := l.lock(ctx, variantID, holder)
	if err != nil {
		return rep, err
	}
	defer release()

	err = db.WithTx(ctx, l.pool, func(tx pgx.Tx) error {
		ids, err := stopIDs(ctx, tx, variantID)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return notAcceptable("the transit variant has no stops", nil)
		}

		rows := make([][]any, 0, len(recs))
		for _, rec := range recs {
			from, okFrom := ids[rec.From]
			to, okTo := ids[rec.To]
			if !okFrom || !okTo || rec.Minutes < 0 {
				rep.Skipped++
				continue
			}
			rows = append(rows, []any{variantID, from, to, rec.Minutes})
		}

		if _, err := schema.EnsureVariantPartitions(ctx, tx, variantID, []string{schema.MatrixStopStop}, nil); err != nil {
			return err
		}
		_, rep.Rows, err = db.ReplaceSlice(ctx, tx,
			db.Slice{Table: schema.MatrixStopStop, Where: "variant_id = $1", Args: []any{variantID}},
			[]string{"variant_id", "from_stop_id", "to_stop_id", "minutes"},
			rows,
		)
		return err
	})
	if err != nil {
		return rep, err
	}

	if rep.Skipped > 0 {
		l.log.Warn("transfer lines with unknown stops skipped",
			zap.Int64("variant_id", variantID), zap.Int("skipped", rep.Skipped))
	}
	l.log.Info("stop-to-stop matrix loaded", zap.Int64("variant_id", variantID), zap.Int64("rows", rep.Rows))

	if l.bus != nil {
		if err := l.bus.Publish(ctx, events.Event{Topic: events.MatrixRebuilt, VariantID: variantID}); err != nil {
			l.log.Warn("publish matrix rebuilt", zap.Error(err))
		}
	}
	return rep, nil
}

func stopIDs(ctx context.Context, q db.Querier, variantID int64) (map[int64]int64, error) {
	rows, err := q.Query(ctx, `SELECT hstnr, id FROM stops WHERE variant_id = $1`, variantID)
	if err != nil {
		return nil, eris.Wrapf(err, "matrix: stops of variant %d", variantID)
	}
	defer rows.Close()

	ids := map[int64]int64{}
	for rows.Next() {
		var hstnr, id int64
		if err := rows.Scan(&hstnr, &id); err != nil {
			return nil, eris.Wrap(err, "matrix: scan stop")
		}
		ids[hstnr] = id
	}
	return ids, rows.Err()
}
