// Package reflector implements the WSPRDAEMON Reflector, spec.md §4.6: scan
// an incoming spool, hard-link fan-out into per-destination queues, then
// transfer each queue asynchronously with independent per-destination
// retry/cleanup. The subprocess-timeout pattern (exec.CommandContext plus a
// context.WithTimeout) is grounded on cuemby-warren/pkg/health/exec.go's
// ExecChecker.
package reflector

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/n5wspr/wsprcore/internal/config"
	"github.com/n5wspr/wsprcore/internal/logging"
	"github.com/n5wspr/wsprcore/internal/metrics"
	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

// Transferer delivers one local file to a remote destination. Two
// implementations are provided: rsyncTransferer (the primary, spec-literal
// external subprocess) and the sftp-backed alternative in transfer_sftp.go.
type Transferer interface {
	Transfer(ctx context.Context, localPath string, dest config.Destination, bandwidthLimitKbps int) error
}

// Reflector drives the scan and transfer phases for one reflector instance.
type Reflector struct {
	incomingGlob string
	spoolBase    string
	destinations []config.Destination
	scanInterval time.Duration
	xferInterval time.Duration
	bwLimitKbps  int
	xferTimeout  time.Duration
	retryMax     int

	transferers map[string]Transferer

	dryRun bool

	mu        sync.Mutex
	fannedOut map[uint64]struct{} // inode set already linked out
	failures  map[string]int      // "dest/filename" -> consecutive failure count
}

// Option configures a Reflector at construction time.
type Option func(*Reflector)

// WithDryRun makes transferFile log the would-be transfer instead of
// invoking the Transferer, for the CLI's --dry-run mode (spec.md §A.4).
func WithDryRun(dryRun bool) Option {
	return func(r *Reflector) { r.dryRun = dryRun }
}

func New(cfg config.Reflector, opts ...Option) (*Reflector, error) {
	r := &Reflector{
		incomingGlob: cfg.IncomingGlob,
		spoolBase:    cfg.SpoolBaseDir,
		destinations: cfg.Destinations,
		scanInterval: cfg.ScanInterval,
		xferInterval: cfg.TransferInterval,
		bwLimitKbps:  cfg.BandwidthLimitKbps,
		xferTimeout:  time.Duration(cfg.TransferTimeoutS) * time.Second,
		retryMax:     cfg.RetryMax,
		transferers:  make(map[string]Transferer),
		fannedOut:    make(map[uint64]struct{}),
		failures:     make(map[string]int),
	}
	for _, d := range cfg.Destinations {
		switch d.Backend {
		case "sftp":
			t, err := newSFTPTransferer(d)
			if err != nil {
				return nil, wsprerr.MarkFatalConfig(wsprerr.Wrapf(err, "reflector: init sftp transferer for %s", d.Name))
			}
			r.transferers[d.Name] = t
		default:
			r.transferers[d.Name] = rsyncTransferer{}
		}
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Run starts the scan loop and one transfer loop per destination, blocking
// until ctx is cancelled.
func (r *Reflector) Run(ctx context.Context) error {
	if err := r.checkSameFilesystem(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.scanLoop(ctx)
	}()

	for _, d := range r.destinations {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.transferLoop(ctx, d)
		}()
	}

	wg.Wait()
	return nil
}

// checkSameFilesystem enforces the configuration invariant that every
// destination's queue directory lives on the same filesystem as the
// incoming spool, since hard links cannot cross filesystem boundaries.
func (r *Reflector) checkSameFilesystem() error {
	incomingDir := filepath.Dir(r.incomingGlob)
	incomingDev, err := deviceOf(incomingDir)
	if err != nil {
		return wsprerr.MarkFatalEnvironment(wsprerr.Wrapf(err, "reflector: stat incoming dir %s", incomingDir))
	}
	for _, d := range r.destinations {
		destDir := filepath.Join(r.spoolBase, d.Name)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return wsprerr.MarkFatalEnvironment(wsprerr.Wrapf(err, "reflector: create queue dir %s", destDir))
		}
		dev, err := deviceOf(destDir)
		if err != nil {
			return wsprerr.MarkFatalEnvironment(wsprerr.Wrapf(err, "reflector: stat queue dir %s", destDir))
		}
		if dev != incomingDev {
			return wsprerr.MarkFatalEnvironment(wsprerr.Newf("reflector: destination %q queue dir is on a different filesystem than incoming", d.Name))
		}
	}
	return nil
}

func deviceOf(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, wsprerr.New("reflector: cannot determine device id on this platform")
	}
	return uint64(st.Dev), nil
}

func inodeOf(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, wsprerr.New("reflector: cannot determine inode on this platform")
	}
	return st.Ino, nil
}

func (r *Reflector) scanLoop(ctx context.Context) {
	logger := logging.WithComponent("reflector")
	ticker := time.NewTicker(r.scanInterval)
	defer ticker.Stop()
	r.scanOnce(logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(logger)
		}
	}
}

// scanOnce enumerates incomingGlob and hard-links any not-yet-fanned-out
// file (by inode) into every destination's queue directory.
func (r *Reflector) scanOnce(logger zerolog.Logger) {
	matches, err := filepath.Glob(r.incomingGlob)
	if err != nil {
		logger.Error().Err(err).Msg("failed to glob incoming spool")
		return
	}

	for _, path := range matches {
		ino, err := inodeOf(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("failed to stat incoming file")
			continue
		}

		r.mu.Lock()
		_, seen := r.fannedOut[ino]
		r.mu.Unlock()
		if seen {
			continue
		}

		ok := true
		for _, d := range r.destinations {
			destDir := filepath.Join(r.spoolBase, d.Name)
			link := filepath.Join(destDir, filepath.Base(path))
			if err := os.Link(path, link); err != nil && !os.IsExist(err) {
				logger.Error().Err(err).Str("file", path).Str("destination", d.Name).Msg("hard link fan-out failed")
				ok = false
			}
		}
		if ok {
			r.mu.Lock()
			r.fannedOut[ino] = struct{}{}
			r.mu.Unlock()
		}
	}
}

// transferLoop runs the per-destination transfer phase: every xferInterval,
// enumerate the destination's queue and attempt delivery of each file.
func (r *Reflector) transferLoop(ctx context.Context, dest config.Destination) {
	logger := logging.WithComponent("reflector").With().Str("destination", dest.Name).Logger()
	ticker := time.NewTicker(r.xferInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.transferOnce(ctx, dest, logger)
		}
	}
}

func (r *Reflector) transferOnce(ctx context.Context, dest config.Destination, logger zerolog.Logger) {
	queueDir := filepath.Join(r.spoolBase, dest.Name)
	entries, err := os.ReadDir(queueDir)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read destination queue")
		return
	}

	transferer := r.transferers[dest.Name]
	queued := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		queued++
		r.transferFile(ctx, dest, transferer, filepath.Join(queueDir, e.Name()), e.Name(), logger)
	}
	metrics.QueueDepth.WithLabelValues(dest.Name).Set(float64(queued))
}

func (r *Reflector) transferFile(ctx context.Context, dest config.Destination, transferer Transferer, path, name string, logger zerolog.Logger) {
	if r.dryRun {
		logger.Info().Str("file", name).Msg("dry-run: skipping transfer")
		return
	}

	tctx, cancel := context.WithTimeout(ctx, r.xferTimeout)
	defer cancel()

	err := transferer.Transfer(tctx, path, dest, r.bwLimitKbps)
	key := dest.Name + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.failures[key]++
		logger.Warn().Err(err).Str("file", name).Int("attempt", r.failures[key]).Msg("transfer failed")
		if r.failures[key] >= r.retryMax {
			failedDir := filepath.Join(r.spoolBase, dest.Name, "failed")
			os.MkdirAll(failedDir, 0o755)
			if mvErr := os.Rename(path, filepath.Join(failedDir, name)); mvErr != nil {
				logger.Error().Err(mvErr).Str("file", name).Msg("failed to move file to failed/ after exhausting retries")
			} else {
				logger.Error().Str("file", name).Msg("alert: file moved to failed/ after exhausting transfer retries")
				metrics.TransfersCompleted.WithLabelValues(dest.Name, "failed").Inc()
			}
			delete(r.failures, key)
		}
		return
	}

	delete(r.failures, key)
	metrics.TransfersCompleted.WithLabelValues(dest.Name, "success").Inc()
	if rmErr := os.Remove(path); rmErr != nil {
		logger.Error().Err(rmErr).Str("file", name).Msg("transfer succeeded but failed to unlink queue entry")
	}
}
