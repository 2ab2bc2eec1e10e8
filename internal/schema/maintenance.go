package schema

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
)

// TableStats holds size and row count information for a table.
type TableStats struct {
	TableName string `json:"table_name"`
	RowCount  int64  `json:"row_count"`
	TotalSize string `json:"total_size"`
	IndexSize string `json:"index_size"`
}

// statTables are the large tables maintenance commands operate on.
var statTables = []string{
	"areas",
	"area_cells",
	"raster_cells",
	"raster_cell_population_age_gender",
	"area_population_age_gender",
	"places",
	"capacities",
	MatrixCellPlace,
	MatrixCellStop,
	MatrixPlaceStop,
	MatrixStopStop,
}

// Analyze refreshes planner statistics of the given tables. The matrix
// builder calls it after replacing a variant's rows.
func Analyze(ctx context.Context, q db.Querier, tables ...string) error {
	for _, table := range tables {
		zap.L().Debug("schema: analyze", zap.String("table", table))
		if _, err := q.Exec(ctx, fmt.Sprintf("ANALYZE %s", db.Sanitize(table))); err != nil {
			return eris.Wrapf(err, "schema: analyze %s", table)
		}
	}
	return nil
}

// VacuumAnalyze runs VACUUM ANALYZE on all large tables. It cannot run inside
// a transaction.
func VacuumAnalyze(ctx context.Context, pool db.Pool) error {
	for _, table := range statTables {
		zap.L().Info("schema: vacuum analyze", zap.String("table", table))
		if _, err := pool.Exec(ctx, fmt.Sprintf("VACUUM ANALYZE %s", db.Sanitize(table))); err != nil {
			return eris.Wrapf(err, "schema: vacuum analyze %s", table)
		}
	}
	return nil
}

// GetTableStats returns size and row count statistics for the large tables.
// Partitions are reported individually.
func GetTableStats(ctx context.Context, q db.Querier) ([]TableStats, error) {
	sql := `
		SELECT
			relname AS table_name,
			n_live_tup AS row_count,
			pg_size_pretty(pg_total_relation_size(relid)) AS total_size,
			pg_size_pretty(pg_indexes_size(relid)) AS index_size
		FROM pg_stat_user_tables
		WHERE schemaname = 'public'
		  AND (relname = ANY($1) OR relname LIKE 'matrix\_%')
		ORDER BY pg_total_relation_size(relid) DESC
	`
	rows, err := q.Query(ctx, sql, statTables)
	if err != nil {
		return nil, eris.Wrap(err, "schema: query table stats")
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(&s.TableName, &s.RowCount, &s.TotalSize, &s.IndexSize); err != nil {
			return nil, eris.Wrap(err, "schema: scan table stats row")
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "schema: iterate table stats rows")
	}
	return stats, nil
}
