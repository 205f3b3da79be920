// Package ingester implements the WSPRDAEMON Server's archive ingester
// loop, spec.md §4.5: enumerate spool directories, atomically claim each
// archive by rename, extract/parse/insert via internal/archive, and route
// failures to retry/ or quarantine/. The worker pool is grounded on
// golang.org/x/sync/errgroup (seen fanning out bounded concurrent work in
// the wider corpus, e.g. the erigon and goldens ingestion pipelines under
// other_examples/); the latency-optimizing fsnotify watch layered over the
// mandatory poll is grounded on teranos-QNTX/am/watcher.go's ConfigWatcher.
package ingester

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/n5wspr/wsprcore/internal/archive"
	"github.com/n5wspr/wsprcore/internal/dbclient"
	"github.com/n5wspr/wsprcore/internal/logging"
	"github.com/n5wspr/wsprcore/internal/metrics"
	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

// archiveSuffixes are the upload variants the server recognizes, spec.md
// §B.3: the primary .tbz/.tar.bz2 bzip2 archive and the .tar.gz/.tgz gzip
// variant handled by archive.Extract's klauspost/compress path.
var archiveSuffixes = []string{".tbz", ".tar.bz2", ".tar.gz", ".tgz"}

func hasArchiveSuffix(name string) bool {
	for _, suf := range archiveSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

func containsArchiveSuffix(name string) bool {
	for _, suf := range archiveSuffixes {
		if strings.Contains(name, suf) {
			return true
		}
	}
	return false
}

// Ingester is the server's top-level loop.
type Ingester struct {
	incomingDirs  []string
	stagingDir    string
	extractionDir string
	workers       int
	retryMax      int
	loopInterval  time.Duration
	db            *dbclient.Client

	nudge chan struct{}
}

func New(db *dbclient.Client, incomingDirs []string, extractionDir string, workers, retryMax int, loopInterval time.Duration) *Ingester {
	if workers <= 0 {
		workers = 1
	}
	return &Ingester{
		incomingDirs:  incomingDirs,
		stagingDir:    filepath.Join(extractionDir, "staging"),
		extractionDir: extractionDir,
		workers:       workers,
		retryMax:      retryMax,
		loopInterval:  loopInterval,
		db:            db,
		nudge:         make(chan struct{}, 1),
	}
}

// Run drives the periodic scan-and-process loop until ctx is cancelled. A
// best-effort fsnotify watch on each incoming directory wakes the loop early
// on new arrivals; periodic polling remains the ground truth and continues
// regardless of whether the watch is available.
func (ing *Ingester) Run(ctx context.Context) error {
	logger := logging.WithComponent("ingester")

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		for _, dir := range ing.incomingDirs {
			if err := watcher.Add(dir); err != nil {
				logger.Warn().Err(err).Str("dir", dir).Msg("fsnotify watch failed, continuing on poll interval alone")
			}
		}
		go ing.watchLoop(ctx, watcher, logger)
	} else {
		logger.Warn().Err(err).Msg("fsnotify unavailable, relying on poll interval")
	}

	for {
		if err := ing.runIteration(ctx); err != nil {
			logger.Error().Err(err).Msg("ingester iteration failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ing.nudge:
		case <-time.After(ing.loopInterval):
		}
	}
}

func (ing *Ingester) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			select {
			case ing.nudge <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (ing *Ingester) runIteration(ctx context.Context) error {
	var files []string
	for _, dir := range ing.incomingDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return wsprerr.MarkFatalEnvironment(wsprerr.Wrapf(err, "ingester: read incoming dir %s", dir))
		}
		for _, e := range entries {
			if !e.IsDir() && hasArchiveSuffix(e.Name()) {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}

	// Archives bounced to retry/ after a transient failure are picked back up
	// on every subsequent iteration, per spec.md §4.5 ("the next loop
	// iteration re-attempts"). The retry dir is created lazily on first
	// failure, so a missing directory here just means nothing has failed yet.
	retryDir := filepath.Join(ing.extractionDir, "retry")
	if entries, err := os.ReadDir(retryDir); err == nil {
		for _, e := range entries {
			if !e.IsDir() && containsArchiveSuffix(e.Name()) {
				files = append(files, filepath.Join(retryDir, e.Name()))
			}
		}
	}

	if len(files) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, ing.workers)
	for i, path := range files {
		path := path
		workerID := i % ing.workers
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			ing.processOne(gctx, path, workerID)
			return nil
		})
	}
	return g.Wait()
}

// processOne atomically claims path, and on success extracts/parses/inserts
// it. Claim races are expected and silent: a losing worker simply moves on.
func (ing *Ingester) processOne(ctx context.Context, path string, workerID int) {
	logger := logging.WithComponent("ingester")

	stagingDir := filepath.Join(ing.stagingDir, strconv.Itoa(workerID))
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		logger.Error().Err(err).Str("dir", stagingDir).Msg("failed to create staging dir")
		return
	}
	// Multiple incoming_dirs can legitimately deposit archives sharing a
	// basename; a uuid tag on the staged name prevents one worker's claim
	// from silently overwriting another's via os.Rename's clobber-on-exist
	// behavior, without affecting the claim-race semantics below (those
	// depend only on the source path disappearing, not on the destination name).
	claimed := filepath.Join(stagingDir, filepath.Base(path)+"."+uuid.NewString()+".claimed")

	if err := os.Rename(path, claimed); err != nil {
		if os.IsNotExist(err) {
			return // another worker already claimed it
		}
		logger.Error().Err(err).Str("file", path).Msg("claim rename failed")
		return
	}

	workDir := filepath.Join(ing.extractionDir, strconv.Itoa(workerID), strings.TrimSuffix(filepath.Base(claimed), ".claimed"))
	result, err := archive.IngestArchive(ctx, ing.db, claimed, workDir)
	os.RemoveAll(workDir)

	if err != nil {
		ing.handleFailure(claimed, err, logger)
		return
	}

	if err := os.Remove(claimed); err != nil {
		logger.Error().Err(err).Str("file", claimed).Msg("failed to delete processed archive")
	}
	metrics.ArchivesIngested.Inc()
	metrics.RowsInserted.WithLabelValues("spots_extended").Add(float64(result.SpotRows))
	metrics.RowsInserted.WithLabelValues("noise").Add(float64(result.NoiseRows))
	if result.MalformedLines > 0 {
		metrics.RowsDropped.WithLabelValues("archive_member", "malformed_line").Add(float64(result.MalformedLines))
	}
	logger.Info().Str("file", filepath.Base(path)).Int("spots", result.SpotRows).Int("noise", result.NoiseRows).
		Int("malformed", result.MalformedLines).Str("size", humanize.Bytes(uint64(result.DecompressedBytes))).
		Msg("archive ingested")
}

// handleFailure routes a transient db failure or a poisonous (extraction)
// failure to retry/ (bounded by ing.retryMax attempts encoded in the
// filename) and a permanent failure straight to quarantine/.
func (ing *Ingester) handleFailure(claimed string, err error, logger zerolog.Logger) {
	dir := filepath.Dir(filepath.Dir(filepath.Dir(claimed))) // back up to extractionDir root
	base := strings.TrimSuffix(filepath.Base(claimed), ".claimed")

	if wsprerr.IsTransient(err) || wsprerr.Is(err, wsprerr.Poisonous) {
		attempt := retryAttempt(base) + 1
		if attempt > ing.retryMax {
			quarantine(dir, claimed, base, logger)
			return
		}
		retryDir := filepath.Join(dir, "retry")
		os.MkdirAll(retryDir, 0o755)
		dest := filepath.Join(retryDir, withRetryCount(stripRetryCount(base), attempt))
		if mvErr := os.Rename(claimed, dest); mvErr != nil {
			logger.Error().Err(mvErr).Str("file", claimed).Msg("failed to move archive to retry dir")
		}
		return
	}

	quarantine(dir, claimed, base, logger)
}

func quarantine(dir, claimed, base string, logger zerolog.Logger) {
	qDir := filepath.Join(dir, "quarantine")
	os.MkdirAll(qDir, 0o755)
	dest := filepath.Join(qDir, base)
	if err := os.Rename(claimed, dest); err != nil {
		logger.Error().Err(err).Str("file", claimed).Msg("failed to quarantine archive")
	} else {
		logger.Warn().Str("file", base).Msg("quarantined archive after unrecoverable failure")
		entries, _ := os.ReadDir(qDir)
		metrics.QuarantineDepth.WithLabelValues("archive").Set(float64(len(entries)))
	}
}

func retryAttempt(name string) int {
	idx := strings.LastIndex(name, ".retry")
	if idx == -1 {
		return 0
	}
	// A re-claimed retry file carries the claim's ".<uuid>" tag after the
	// counter, so only the digits up to the next dot are the count.
	digits := name[idx+len(".retry"):]
	if end := strings.IndexByte(digits, '.'); end >= 0 {
		digits = digits[:end]
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

func stripRetryCount(name string) string {
	idx := strings.LastIndex(name, ".retry")
	if idx == -1 {
		return name
	}
	return name[:idx]
}

func withRetryCount(name string, n int) string {
	return name + ".retry" + strconv.Itoa(n)
}
