package ingester

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n5wspr/wsprcore/internal/dbclient"
)

func TestRunIterationSkipsNonArchiveFiles(t *testing.T) {
	incoming := t.TempDir()
	extraction := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "readme.txt"), []byte("x"), 0o644))

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	client := dbclient.New(db)

	ing := New(client, []string{incoming}, extraction, 2, 5, time.Second)
	require.NoError(t, ing.runIteration(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	entries, _ := os.ReadDir(incoming)
	assert.Len(t, entries, 1, "non-archive file is left untouched")
}

func TestRetryFilenameRoundTrip(t *testing.T) {
	base := "x.tbz.retry2"
	assert.Equal(t, 2, retryAttempt(base))
	stripped := stripRetryCount(base)
	assert.Equal(t, "x.tbz", stripped)
	assert.Equal(t, "x.tbz.retry3", withRetryCount(stripped, 3))
}

func TestRetryAttemptZeroForFreshFile(t *testing.T) {
	assert.Equal(t, 0, retryAttempt("x.tbz"))
}
