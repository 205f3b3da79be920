package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n5wspr/wsprcore/internal/cache"
	"github.com/n5wspr/wsprcore/internal/dbclient"
	"github.com/n5wspr/wsprcore/internal/retry"
	"github.com/n5wspr/wsprcore/internal/session"
)

func newTestLoop(t *testing.T, csvBody string) (*Loop, sqlmock.Sqlmock) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/drupal/user/login" {
			http.SetCookie(w, &http.Cookie{Name: "s", Value: "1"})
			return
		}
		w.Write([]byte(csvBody))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	sess, err := session.New(session.Config{BaseURL: srv.URL, SessionFile: filepath.Join(dir, "session.json"), TTL: time.Hour})
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	// A single attempt per insert, so one scripted failure is the final
	// outcome of InsertBatch rather than being retried away.
	client := dbclient.New(db, dbclient.WithRetryPolicy(retry.Policy{MaxAttempts: 1}))

	c, err := cache.New(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	fetcher := NewFetcher(sess, srv.URL+"/spots.csv")
	return New(fetcher, sess, client, c, time.Millisecond, 5, 0), mock
}

const oneValidSpotCSV = "id,time,band,rx_sign,rx_lat,rx_lon,rx_loc,tx_sign,tx_lat,tx_lon,tx_loc,distance,azimuth,rx_azimuth,frequency,power,snr,drift,version,code\n" +
	"1001,1700000000,14,W1ABC,42.0,-71.0,FN42,K1XYZ,40.0,-74.0,FN30,300,90,270,14097100,23,-15,0,2.0,1\n"

func TestRunIterationInsertsAndAdvancesHighWater(t *testing.T) {
	l, mock := newTestLoop(t, oneValidSpotCSV)
	mock.ExpectExec("INSERT INTO spots ").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.runIteration(context.Background()))
	assert.Equal(t, uint64(1001), l.HighWaterID())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIterationCachesOnTransientInsertFailure(t *testing.T) {
	l, mock := newTestLoop(t, oneValidSpotCSV)
	mock.ExpectExec("INSERT INTO spots ").WillReturnError(assertErr("connection refused"))

	require.NoError(t, l.runIteration(context.Background()))
	assert.Equal(t, uint64(0), l.HighWaterID(), "high water must not advance on cache diversion")
	assert.Equal(t, uint64(1001), l.highestCached)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
