package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

type fakeInserter struct {
	calls int
	err   error
}

func (f *fakeInserter) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	f.calls++
	return f.err
}

func TestWriteBatchThenReplaySucceeds(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	name, err := c.WriteBatch("spots", []string{"id"}, [][]any{{1}, {2}})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, name))

	ins := &fakeInserter{}
	succeeded, pending, err := c.ReplayAll(context.Background(), ins)
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, pending)
	assert.NoFileExists(t, filepath.Join(dir, name))
}

func TestReplayAllStopsAtFirstTransientFailure(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	_, err = c.WriteBatch("spots", []string{"id"}, [][]any{{1}})
	require.NoError(t, err)
	_, err = c.WriteBatch("spots", []string{"id"}, [][]any{{2}})
	require.NoError(t, err)

	ins := &fakeInserter{err: wsprerr.MarkTransient(wsprerr.New("db down"))}
	succeeded, pending, err := c.ReplayAll(context.Background(), ins)
	require.Error(t, err)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 2, pending)

	entries, _ := os.ReadDir(dir)
	jsonCount := 0
	for _, e := range entries {
		if !e.IsDir() {
			jsonCount++
		}
	}
	assert.Equal(t, 2, jsonCount, "both files remain pending on disk")
}

func TestReplayAllQuarantinesPermanentFailure(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	_, err = c.WriteBatch("spots", []string{"id"}, [][]any{{1}})
	require.NoError(t, err)

	ins := &fakeInserter{err: wsprerr.MarkPermanent(wsprerr.New("schema mismatch"))}
	succeeded, pending, err := c.ReplayAll(context.Background(), ins)
	require.NoError(t, err)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 0, pending)

	quarantined, err := os.ReadDir(filepath.Join(dir, "corrupt"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestReplayAllQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "spots_bad.json"), []byte("{not json"), 0o644))

	ins := &fakeInserter{}
	succeeded, pending, err := c.ReplayAll(context.Background(), ins)
	require.NoError(t, err)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, ins.calls)

	quarantined, err := os.ReadDir(filepath.Join(dir, "corrupt"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}
