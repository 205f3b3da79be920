package scraper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/n5wspr/wsprcore/internal/band"
	"github.com/n5wspr/wsprcore/internal/cache"
	"github.com/n5wspr/wsprcore/internal/dbclient"
	"github.com/n5wspr/wsprcore/internal/logging"
	"github.com/n5wspr/wsprcore/internal/metrics"
	"github.com/n5wspr/wsprcore/internal/session"
	"github.com/n5wspr/wsprcore/internal/spotmodel"
	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

// overflowColumns is the insert column order for spots_frequency_overflow.
var overflowColumns = []string{"id", "time", "band", "rx_sign", "frequency", "reason"}

// Loop is the top-level scraper control loop, spec.md §4.4.
type Loop struct {
	fetcher       *Fetcher
	sess          *session.Manager
	db            *dbclient.Client
	cache         *cache.Cache
	fetchInterval time.Duration
	replayEvery   int
	log           zerolog.Logger

	highWaterID   uint64
	highestCached uint64
	iteration     int
}

// New constructs a scraper Loop. highWaterID should be seeded from whatever
// was last persisted (session state, or the max id already in the database).
func New(fetcher *Fetcher, sess *session.Manager, db *dbclient.Client, c *cache.Cache, fetchInterval time.Duration, replayEvery int, highWaterID uint64) *Loop {
	if replayEvery <= 0 {
		replayEvery = 5
	}
	return &Loop{
		fetcher:       fetcher,
		sess:          sess,
		db:            db,
		cache:         c,
		fetchInterval: fetchInterval,
		replayEvery:   replayEvery,
		highWaterID:   highWaterID,
		log:           logging.WithComponent("scraper"),
	}
}

// Run executes the loop until ctx is cancelled, performing one ReplayAll
// pass before entering the main loop (spec.md §4.2 invocation policy).
func (l *Loop) Run(ctx context.Context) error {
	if _, _, err := l.cache.ReplayAll(ctx, l.db); err != nil {
		l.log.Warn().Err(err).Msg("initial replay did not fully drain cache")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := l.runIteration(ctx); err != nil && wsprerr.IsFatal(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.fetchInterval):
		}
	}
}

func (l *Loop) runIteration(ctx context.Context) error {
	l.iteration++

	if err := l.sess.EnsureAuthenticated(ctx); err != nil {
		if wsprerr.IsFatal(err) {
			return err
		}
		l.log.Warn().Err(err).Msg("authentication failed, will retry next cycle")
		return nil
	}

	hw := l.highWaterID
	if l.highestCached > hw {
		hw = l.highestCached
	}

	records, err := l.fetcher.FetchRecentSpots(ctx, hw)
	if err != nil {
		l.log.Warn().Err(err).Msg("fetch failed")
		return nil
	}

	filtered := make([]spotmodel.Spot, 0, len(records))
	for _, r := range records {
		if r.ID > hw {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	rows, overflowRows, maxID := splitRowsAndOverflow(filtered)

	if err := l.db.InsertBatch(ctx, "spots", spotmodel.SpotColumns, rows); err != nil {
		if wsprerr.IsTransient(err) {
			metrics.InsertRetries.WithLabelValues("spots").Inc()
			if _, cerr := l.cache.WriteBatch("spots", spotmodel.SpotColumns, rows); cerr != nil {
				l.log.Error().Err(cerr).Msg("failed to write cache batch after transient insert failure")
			}
			metrics.CacheDepth.Set(float64(l.cache.PendingCount()))
			if maxID > l.highestCached {
				l.highestCached = maxID
			}
			return nil
		}
		metrics.RowsDropped.WithLabelValues("spots", "permanent_insert_failure").Add(float64(len(rows)))
		l.log.Error().Err(err).Msg("permanent insert failure, dropping batch")
		return nil
	}
	metrics.RowsInserted.WithLabelValues("spots").Add(float64(len(rows)))

	// Frequency-overflow routing happens as part of this insert step, not a
	// separate pass (spec.md §9 Open Question 3: in addition to, not instead of).
	if len(overflowRows) > 0 {
		if err := l.db.InsertBatch(ctx, "spots_frequency_overflow", overflowColumns, overflowRows); err != nil {
			l.log.Warn().Err(err).Msg("failed to insert frequency overflow rows")
		} else {
			metrics.RowsInserted.WithLabelValues("spots_frequency_overflow").Add(float64(len(overflowRows)))
		}
	}

	if maxID > l.highWaterID {
		l.highWaterID = maxID
	}

	if l.iteration%l.replayEvery == 0 {
		if _, _, err := l.cache.ReplayAll(ctx, l.db); err != nil {
			l.log.Warn().Err(err).Msg("periodic replay did not fully drain cache")
		}
	}

	return nil
}

// splitRowsAndOverflow builds the main "spots" row set plus the subset that
// also needs spots_frequency_overflow routing, per spec.md §4.4.
func splitRowsAndOverflow(spots []spotmodel.Spot) (rows, overflow [][]any, maxID uint64) {
	rows = make([][]any, 0, len(spots))
	for _, s := range spots {
		rows = append(rows, s.Row())
		if s.ID > maxID {
			maxID = s.ID
		}
		if !band.InBand(s.Band, s.Frequency) {
			overflow = append(overflow, []any{s.ID, s.Time, s.Band, s.RxSign, s.Frequency, "frequency outside nominal band range"})
		}
	}
	return rows, overflow, maxID
}

// HighWaterID reports the highest spot id durably reflected in the database
// (not counting ids only present in the on-disk cache).
func (l *Loop) HighWaterID() uint64 { return l.highWaterID }
