package schema

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
)

// Matrix tables, list-partitioned by variant_id.
const (
	MatrixCellPlace = "matrix_cell_place"
	MatrixCellStop  = "matrix_cell_stop"
	MatrixPlaceStop = "matrix_place_stop"
	MatrixStopStop  = "matrix_stop_stop"
)

// MatrixTables lists every partitioned matrix table.
var MatrixTables = []string{MatrixCellPlace, MatrixCellStop, MatrixPlaceStop, MatrixStopStop}

func isMatrixTable(table string) bool {
	for _, t := range MatrixTables {
		if t == table {
			return true
		}
	}
	return false
}

// VariantPartition is the partition name of a variant.
func VariantPartition(table string, variantID int64) string {
	return fmt.Sprintf("%s_v%d", table, variantID)
}

// InfrastructurePartition is the cell/place sub-partition of a variant and
// infrastructure.
func InfrastructurePartition(variantID, infrastructureID int64) string {
	return fmt.Sprintf("%s_i%d", VariantPartition(MatrixCellPlace, variantID), infrastructureID)
}

// EnsureVariantPartitions creates the partitions of a mode variant in the
// given matrix tables. For the cell/place table one sub-partition per
// infrastructure is created, plus a default sub-partition. Existing
// partitions are kept. It returns the number of statements executed.
func EnsureVariantPartitions(ctx context.Context, q db.Querier, variantID int64, tables []string, infrastructureIDs []int64) (int, error) {
	if variantID <= 0 {
		return 0, eris.Errorf("schema: invalid variant id %d", variantID)
	}

	log := zap.L().With(
		zap.String("component", "schema.partition"),
		zap.Int64("variant_id", variantID),
	)

	n := 0
	exec := func(sql, name string) error {
		if _, err := q.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "schema: create partition %s", name)
		}
		n++
		log.Debug("partition ensured", zap.String("partition", name))
		return nil
	}

	for _, table := range tables {
		if !isMatrixTable(table) {
			return n, eris.Errorf("schema: table %q is not partitionable", table)
		}

		part := VariantPartition(table, variantID)
		if table != MatrixCellPlace {
			sql := fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN (%d)`,
				part, table, variantID,
			)
			if err := exec(sql, part); err != nil {
				return n, err
			}
			continue
		}

		sql := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN (%d) PARTITION BY LIST (infrastructure_id)`,
			part, table, variantID,
		)
		if err := exec(sql, part); err != nil {
			return n, err
		}

		def := part + "_default"
		if err := exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s DEFAULT`, def, part), def); err != nil {
			return n, err
		}

		for _, infra := range infrastructureIDs {
			sub := InfrastructurePartition(variantID, infra)
			sql := fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN (%d)`,
				sub, part, infra,
			)
			if err := exec(sql, sub); err != nil {
				return n, err
			}
		}
	}

	return n, nil
}

// DropVariantPartitions removes all matrix partitions of a variant.
func DropVariantPartitions(ctx context.Context, q db.Querier, variantID int64) error {
	for _, table := range MatrixTables {
		part := VariantPartition(table, variantID)
		if _, err := q.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, part)); err != nil {
			return eris.Wrapf(err, "schema: drop partition %s", part)
		}
	}
	return nil
}

// ListPartitions returns the existing partition names of a matrix table,
// including sub-partitions.
func ListPartitions(ctx context.Context, q db.Querier, table string) ([]string, error) {
	if !isMatrixTable(table) {
		return nil, eris.Errorf("schema: table %q is not partitionable", table)
	}

	sql := `
		WITH RECURSIVE tree AS (
			SELECT inhrelid FROM pg_inherits WHERE inhparent = $1::regclass
			UNION ALL
			SELECT i.inhrelid FROM pg_inherits i JOIN tree t ON i.inhparent = t.inhrelid
		)
		SELECT c.relname
		FROM tree
		JOIN pg_class c ON c.oid = tree.inhrelid
		ORDER BY c.relname
	`

	rows, err := q.Query(ctx, sql, table)
	if err != nil {
		return nil, eris.Wrap(err, "schema: list partitions")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "schema: scan partition name")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
