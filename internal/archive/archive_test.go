package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n5wspr/wsprcore/internal/dbclient"
)

// writeBzip2Tar shells out to bzip2(1) to compress a tar stream, since Go's
// standard library only implements bzip2 *decompression*. Skips the test if
// bzip2 isn't on PATH rather than fabricating a fake compressor.
func writeBzip2Tar(t *testing.T, path string, members map[string]string) {
	t.Helper()
	if _, err := exec.LookPath("bzip2"); err != nil {
		t.Skip("bzip2 binary not available")
	}

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, content := range members {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	cmd := exec.Command("bzip2", "-c")
	cmd.Stdin = &tarBuf
	out, err := cmd.Output()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

func TestExtractAndParseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abc.tbz")

	spotsTxt := "1700000000,W1ABC,42.0,-71.0,FN42,K1XYZ,40.0,-74.0,FN30,300,90,270,14,14097100,23,-15,0,2.0,1,-28.5,-27.1,0.9,100,10,3000,0.8,1,0,2,0\n" +
		"this line is not even close to well formed\n"
	noiseTxt := "1700000000,site1,rx1,FN42,14,-120.5,-118.2,0\n"

	writeBzip2Tar(t, path, map[string]string{
		"abc_spots.txt": spotsTxt,
		"abc_noise.txt": noiseTxt,
	})

	members, err := Extract(path, "")
	require.NoError(t, err)
	require.Len(t, members, 2)

	spots, noise, malformed := Parse(members, "abc.tbz")
	assert.Len(t, spots, 1)
	assert.Len(t, noise, 1)
	assert.Equal(t, 1, malformed)
	assert.Equal(t, "W1ABC", spots[0].RxSign)
	assert.Equal(t, "abc.tbz", spots[0].SourceArchive)
	assert.Equal(t, "site1", noise[0].Site)
}

func TestIngestArchiveInsertsBothFamilies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "y.tbz")
	spotsTxt := "1700000000,W1ABC,42.0,-71.0,FN42,K1XYZ,40.0,-74.0,FN30,300,90,270,14,14097100,23,-15,0,2.0,1,-28.5,-27.1,0.9,100,10,3000,0.8,1,0,2,0\n"
	noiseTxt := "1700000000,site1,rx1,FN42,14,-120.5,-118.2,0\n"
	writeBzip2Tar(t, path, map[string]string{"y_spots.txt": spotsTxt, "y_noise.txt": noiseTxt})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	client := dbclient.New(db)

	mock.ExpectExec("INSERT INTO spots_extended").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO noise").WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := IngestArchive(context.Background(), client, path, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.SpotRows)
	assert.Equal(t, 1, result.NoiseRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}
