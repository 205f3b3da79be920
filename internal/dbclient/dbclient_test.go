package dbclient

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n5wspr/wsprcore/internal/retry"
	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

func newTestClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c := New(db, WithBatchSize(2), WithRetryPolicy(retry.Policy{Initial: 0, Max: 0, MaxAttempts: 2}))
	return c, mock
}

func TestInsertBatchSplitsIntoBatchSize(t *testing.T) {
	c, mock := newTestClient(t)

	rows := [][]any{{1, "a"}, {2, "b"}, {3, "c"}}
	mock.ExpectExec(`INSERT INTO spots`).WithArgs(1, "a", 2, "b").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO spots`).WithArgs(3, "c").WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.InsertBatch(context.Background(), "spots", []string{"id", "rx_sign"}, rows)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchRetriesTransientFailure(t *testing.T) {
	c, mock := newTestClient(t)

	mock.ExpectExec(`INSERT INTO spots`).WithArgs(1, "a").
		WillReturnError(errors.New("connection refused"))
	mock.ExpectExec(`INSERT INTO spots`).WithArgs(1, "a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.InsertBatch(context.Background(), "spots", []string{"id", "rx_sign"}, [][]any{{1, "a"}})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchSurfacesPermanentFailureImmediately(t *testing.T) {
	c, mock := newTestClient(t)

	mock.ExpectExec(`INSERT INTO spots`).WithArgs(1, "a").
		WillReturnError(errors.New("authentication failed"))

	err := c.InsertBatch(context.Background(), "spots", []string{"id", "rx_sign"}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.True(t, wsprerr.Is(err, wsprerr.Permanent))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaIssuesAllDDL(t *testing.T) {
	c, mock := newTestClient(t)
	for range schemaDDL {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	err := c.EnsureSchema(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureReadOnlyUserGrantsSelect(t *testing.T) {
	c, mock := newTestClient(t)
	mock.ExpectExec(`CREATE USER`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`GRANT SELECT`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := c.EnsureReadOnlyUser(context.Background(), "reporter", "secret")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildInsertSQLPlaceholderCount(t *testing.T) {
	sql := buildInsertSQL("spots", []string{"id", "rx_sign"}, 2)
	assert.Equal(t, "INSERT INTO spots (id, rx_sign) VALUES (?, ?), (?, ?)", sql)
}
