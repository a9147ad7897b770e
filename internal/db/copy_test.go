package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFromSchema_EmptyRows(t *testing.T) {
	n, err := CopyFromSchema(context.TODO(), nil, "finmetrics", "resolved_metrics", []string{"metric_id"}, [][]any{})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFromSchema_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"metric_id", "value"}
	mock.ExpectCopyFrom(pgx.Identifier{"finmetrics", "resolved_metrics"}, cols).WillReturnResult(2)

	rows := [][]any{{"revenue", 1000.0}, {"cogs", 600.0}}
	n, err := CopyFromSchema(context.Background(), mock, "finmetrics", "resolved_metrics", cols, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFromSchema_InTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"finmetrics", "resolved_metrics"}, []string{"metric_id"}).WillReturnResult(1)
	mock.ExpectCommit()

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)
	n, err := CopyFromSchema(context.Background(), tx, "finmetrics", "resolved_metrics", []string{"metric_id"}, [][]any{{"revenue"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, tx.Commit(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFromSchema_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"finmetrics", "resolved_metrics"}, []string{"metric_id"}).WillReturnError(fmt.Errorf("permission denied"))

	_, err = CopyFromSchema(context.Background(), mock, "finmetrics", "resolved_metrics", []string{"metric_id"}, [][]any{{"revenue"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO finmetrics.resolved_metrics")
	assert.NoError(t, mock.ExpectationsWereMet())
}
