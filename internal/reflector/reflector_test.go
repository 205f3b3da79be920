package reflector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n5wspr/wsprcore/internal/config"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeTransferer lets tests control transfer success/failure without
// shelling out to rsync or dialing ssh.
type fakeTransferer struct {
	failTimes int
	calls     int
}

func (f *fakeTransferer) Transfer(ctx context.Context, localPath string, dest config.Destination, bandwidthLimitKbps int) error {
	f.calls++
	if f.calls <= f.failTimes {
		return assertErr("simulated transfer failure")
	}
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestReflector(t *testing.T, destNames ...string) (*Reflector, string) {
	t.Helper()
	root := t.TempDir()
	incomingDir := filepath.Join(root, "incoming")
	require.NoError(t, os.MkdirAll(incomingDir, 0o755))
	spoolBase := filepath.Join(root, "spool")

	var dests []config.Destination
	for _, name := range destNames {
		dests = append(dests, config.Destination{Name: name, Backend: "rsync"})
	}

	r, err := New(config.Reflector{
		IncomingGlob:       filepath.Join(incomingDir, "*"),
		SpoolBaseDir:       spoolBase,
		Destinations:       dests,
		ScanInterval:       time.Hour,
		TransferInterval:   time.Hour,
		BandwidthLimitKbps: 0,
		TransferTimeoutS:   5,
		RetryMax:           2,
	})
	require.NoError(t, err)
	return r, incomingDir
}

func TestScanOnceFansOutHardLinksToEveryDestination(t *testing.T) {
	r, incomingDir := newTestReflector(t, "alpha", "beta")
	require.NoError(t, os.MkdirAll(filepath.Join(r.spoolBase, "alpha"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(r.spoolBase, "beta"), 0o755))

	srcPath := filepath.Join(incomingDir, "20260101_120000.tbz")
	require.NoError(t, os.WriteFile(srcPath, []byte("data"), 0o644))

	logger := testLogger()
	r.scanOnce(logger)

	for _, dest := range []string{"alpha", "beta"} {
		linked := filepath.Join(r.spoolBase, dest, "20260101_120000.tbz")
		info, err := os.Stat(linked)
		require.NoError(t, err)
		srcInfo, _ := os.Stat(srcPath)
		assert.True(t, os.SameFile(info, srcInfo))
	}

	// Second scan must not attempt to re-link an already fanned-out inode.
	r.scanOnce(logger)
	entries, _ := os.ReadDir(filepath.Join(r.spoolBase, "alpha"))
	assert.Len(t, entries, 1)
}

func TestTransferOnceRetriesThenMovesToFailedAfterRetryMax(t *testing.T) {
	r, _ := newTestReflector(t, "alpha")
	queueDir := filepath.Join(r.spoolBase, "alpha")
	require.NoError(t, os.MkdirAll(queueDir, 0o755))
	filePath := filepath.Join(queueDir, "x.tbz")
	require.NoError(t, os.WriteFile(filePath, []byte("data"), 0o644))

	ft := &fakeTransferer{failTimes: 10}
	r.transferers["alpha"] = ft
	dest := config.Destination{Name: "alpha", Backend: "rsync"}
	logger := testLogger()

	r.transferOnce(context.Background(), dest, logger)
	assert.Equal(t, 1, r.failures["alpha/x.tbz"])
	_, err := os.Stat(filePath)
	assert.NoError(t, err, "file remains queued after first failure")

	r.transferOnce(context.Background(), dest, logger)
	_, err = os.Stat(filepath.Join(queueDir, "failed", "x.tbz"))
	assert.NoError(t, err, "file moved to failed/ after exhausting retryMax attempts")
	_, stillQueued := os.Stat(filePath)
	assert.True(t, os.IsNotExist(stillQueued))
}

func TestTransferOnceRemovesFileOnSuccess(t *testing.T) {
	r, _ := newTestReflector(t, "alpha")
	queueDir := filepath.Join(r.spoolBase, "alpha")
	require.NoError(t, os.MkdirAll(queueDir, 0o755))
	filePath := filepath.Join(queueDir, "x.tbz")
	require.NoError(t, os.WriteFile(filePath, []byte("data"), 0o644))

	r.transferers["alpha"] = &fakeTransferer{failTimes: 0}
	dest := config.Destination{Name: "alpha", Backend: "rsync"}
	r.transferOnce(context.Background(), dest, testLogger())

	_, err := os.Stat(filePath)
	assert.True(t, os.IsNotExist(err))
}

func TestCheckSameFilesystemAcceptsSameDeviceDestination(t *testing.T) {
	r, _ := newTestReflector(t, "alpha")
	require.NoError(t, os.MkdirAll(filepath.Join(r.spoolBase, "alpha"), 0o755))
	require.NoError(t, r.checkSameFilesystem())
}
