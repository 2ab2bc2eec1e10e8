package matrix

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/schema"
)

// VariantStatus reports the build state and row counts of a variant.
type VariantStatus struct {
	VariantID int64            `json:"variant_id"`
	Lock      proclock.Status  `json:"lock"`
	Rows      map[string]int64 `json:"rows"`
}

// Status returns the state of each variant.
func Status(ctx context.Context, q db.Querier, locker *proclock.Locker, variantIDs []int64) ([]VariantStatus, error) {
	out := make([]VariantStatus, 0, len(variantIDs))
	for _, id := range variantIDs {
		lock, err := locker.Status(ctx, Scope(id))
		if err != nil {
			return nil, err
		}
		st := VariantStatus{VariantID: id, Lock: lock, Rows: make(map[string]int64, len(schema.MatrixTables))}
		for _, table := range schema.MatrixTables {
			var n int64
			if err := q.QueryRow(ctx,
				`SELECT count(*) FROM `+db.Sanitize(table)+` WHERE variant_id = $1`, id,
			).Scan(&n); err != nil {
				return nil, eris.Wrapf(err, "matrix: count %s of variant %d", table, id)
			}
			st.Rows[table] = n
		}
		out = append(out, st)
	}
	return out, nil
}

// Variants returns the ids of all mode variants.
func Variants(ctx context.Context, q db.Querier) ([]int64, error) {
	rows, err := q.Query(ctx, `SELECT id FROM mode_variants ORDER BY mode, id`)
	if err != nil {
		return nil, eris.Wrap(err, "matrix: list variants")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "matrix: scan variant")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
