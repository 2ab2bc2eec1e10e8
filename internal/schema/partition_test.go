package schema

import (
	"context"
	"fmt"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureVariantPartitions_CellPlace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS matrix_cell_place_v3 PARTITION OF matrix_cell_place FOR VALUES IN \(3\) PARTITION BY LIST \(infrastructure_id\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS matrix_cell_place_v3_default PARTITION OF matrix_cell_place_v3 DEFAULT`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS matrix_cell_place_v3_i1 PARTITION OF matrix_cell_place_v3 FOR VALUES IN \(1\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS matrix_cell_place_v3_i2 PARTITION OF matrix_cell_place_v3 FOR VALUES IN \(2\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	n, err := EnsureVariantPartitions(context.Background(), mock, 3, []string{MatrixCellPlace}, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureVariantPartitions_TransitTables(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	for _, table := range []string{MatrixCellStop, MatrixPlaceStop, MatrixStopStop} {
		mock.ExpectExec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_v8 PARTITION OF %s FOR VALUES IN \(8\)`, table, table)).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	n, err := EnsureVariantPartitions(context.Background(), mock, 8,
		[]string{MatrixCellStop, MatrixPlaceStop, MatrixStopStop}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureVariantPartitions_InvalidTable(t *testing.T) {
	_, err := EnsureVariantPartitions(context.Background(), nil, 1, []string{"areas"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not partitionable")
}

func TestEnsureVariantPartitions_InvalidVariant(t *testing.T) {
	_, err := EnsureVariantPartitions(context.Background(), nil, 0, MatrixTables, nil)
	require.Error(t, err)
}

func TestEnsureVariantPartitions_ExecError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS matrix_cell_stop_v2").WillReturnError(fmt.Errorf("permission denied"))

	n, err := EnsureVariantPartitions(context.Background(), mock, 2, []string{MatrixCellStop}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Contains(t, err.Error(), "matrix_cell_stop_v2")
}

func TestDropVariantPartitions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	for _, table := range MatrixTables {
		mock.ExpectExec(fmt.Sprintf("DROP TABLE IF EXISTS %s_v5 CASCADE", table)).
			WillReturnResult(pgxmock.NewResult("DROP", 0))
	}

	require.NoError(t, DropVariantPartitions(context.Background(), mock, 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPartitions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("WITH RECURSIVE tree").
		WithArgs(MatrixCellPlace).
		WillReturnRows(pgxmock.NewRows([]string{"relname"}).
			AddRow("matrix_cell_place_default").
			AddRow("matrix_cell_place_v1").
			AddRow("matrix_cell_place_v1_i1"))

	names, err := ListPartitions(context.Background(), mock, MatrixCellPlace)
	require.NoError(t, err)
	assert.Equal(t, []string{"matrix_cell_place_default", "matrix_cell_place_v1", "matrix_cell_place_v1_i1"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPartitions_InvalidTable(t *testing.T) {
	_, err := ListPartitions(context.Background(), nil, "places")
	require.Error(t, err)
}

func TestPartitionNames(t *testing.T) {
	assert.Equal(t, "matrix_stop_stop_v12", VariantPartition(MatrixStopStop, 12))
	assert.Equal(t, "matrix_cell_place_v12_i4", InfrastructurePartition(12, 4))
}
