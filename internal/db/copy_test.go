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

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "job_items", []string{"job_id", "idx"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"job_items"}, []string{"job_id", "idx"}).WillReturnResult(3)

	rows := [][]any{{"j1", 0}, {"j1", 1}, {"j1", 2}}
	n, err := CopyFrom(context.Background(), mock, "job_items", []string{"job_id", "idx"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_ShortWrite(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"job_items"}, []string{"job_id", "idx"}).WillReturnResult(1)

	rows := [][]any{{"j1", 0}, {"j1", 1}}
	n, err := CopyFrom(context.Background(), mock, "job_items", []string{"job_id", "idx"}, rows)
	require.Error(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, err.Error(), "wrote 1 of 2 rows")
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"job_items"}, []string{"job_id"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "job_items", []string{"job_id"}, [][]any{{"j1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO job_items")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolInterface_SatisfiedByMock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	var _ Pool = mock
}
