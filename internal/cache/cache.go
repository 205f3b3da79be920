// Package cache implements the scraper's durable write-ahead disk cache,
// spec.md §4.2 / §6.1: batches that fail to insert are written atomically to
// disk and replayed once the database recovers. The atomic temp-then-rename
// write is grounded on the teacher's SpotWriter.rewriteFile (spot_writer.go),
// generalized from a full-file rewrite to an append-only batch file per
// insert failure.
package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/n5wspr/wsprcore/internal/logging"
	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

// Entry is the on-disk representation of a cached batch (spec.md §3.5/§6.1).
type Entry struct {
	Timestamp string   `json:"timestamp"`
	SpotCount int      `json:"spot_count"`
	Table     string   `json:"table"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"spots"`
}

// Inserter is the subset of dbclient.Client the cache needs to replay
// batches; a narrow interface keeps this package testable without a real
// database connection.
type Inserter interface {
	InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error
}

// Cache manages the on-disk batch directory.
type Cache struct {
	dir    string
	logger zerolog.Logger
}

func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wsprerr.MarkFatalEnvironment(wsprerr.Wrapf(err, "cache: create dir %s", dir))
	}
	if err := os.MkdirAll(filepath.Join(dir, "corrupt"), 0o755); err != nil {
		return nil, wsprerr.MarkFatalEnvironment(wsprerr.Wrapf(err, "cache: create corrupt dir"))
	}
	return &Cache{dir: dir, logger: logging.WithComponent("cache")}, nil
}

// WriteBatch atomically persists rows awaiting insertion into table. The
// microsecond-resolution filename doubles as the cache_id and guarantees
// ReplayAll consumes batches in chronological order.
func (c *Cache) WriteBatch(table string, columns []string, rows [][]any) (string, error) {
	now := time.Now().UTC()
	name := fmt.Sprintf("spots_%s_%06d.json", now.Format("20060102_150405"), now.Nanosecond()/1000)
	path := filepath.Join(c.dir, name)
	tmp := path + ".tmp"

	entry := Entry{
		Timestamp: now.Format(time.RFC3339Nano),
		SpotCount: len(rows),
		Table:     table,
		Columns:   columns,
		Rows:      rows,
	}

	f, err := os.Create(tmp)
	if err != nil {
		return "", wsprerr.MarkTransient(wsprerr.Wrapf(err, "cache: create %s", tmp))
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(entry); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", wsprerr.Wrapf(err, "cache: encode %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", wsprerr.Wrapf(err, "cache: sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", wsprerr.Wrapf(err, "cache: close %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", wsprerr.Wrapf(err, "cache: rename %s", tmp)
	}
	c.logger.Warn().Str("file", name).Int("rows", len(rows)).Msg("diverted batch to disk cache")
	return name, nil
}

// ReplayAll enumerates cache files in filename (chronological) order and
// attempts to insert each via db. It stops at the first transient failure to
// avoid head-of-line blocking; the returned counts describe only the files
// processed in this call.
func (c *Cache) ReplayAll(ctx context.Context, db Inserter) (succeeded, stillPending int, err error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, 0, wsprerr.Wrapf(err, "cache: read dir %s", c.dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for i, name := range names {
		path := filepath.Join(c.dir, name)
		entry, readErr := c.readEntry(path)
		if readErr != nil {
			c.quarantine(path, name)
			continue
		}
		if insErr := db.InsertBatch(ctx, entry.Table, entry.Columns, entry.Rows); insErr != nil {
			if wsprerr.IsTransient(insErr) {
				// Stop at the first transient failure; everything from here
				// on (inclusive) remains pending for the next replay pass.
				return succeeded, len(names) - i, insErr
			}
			// Permanent failure: quarantine rather than retry forever.
			c.quarantine(path, name)
			continue
		}
		if rmErr := os.Remove(path); rmErr != nil {
			c.logger.Error().Err(rmErr).Str("file", name).Msg("failed to remove replayed cache file")
		}
		succeeded++
	}
	return succeeded, 0, nil
}

func (c *Cache) readEntry(path string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()
	var entry Entry
	dec := json.NewDecoder(bufio.NewReader(f))
	if err := dec.Decode(&entry); err != nil {
		return Entry{}, wsprerr.MarkDataDefect(err)
	}
	return entry, nil
}

// PendingCount reports the number of batch files currently awaiting replay,
// for the ambient /metrics gauge (spec.md §7: "operator sees... the count of
// files in the cache directory").
func (c *Cache) PendingCount() int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n
}

func (c *Cache) quarantine(path, name string) {
	dest := filepath.Join(c.dir, "corrupt", name)
	if err := os.Rename(path, dest); err != nil {
		c.logger.Error().Err(err).Str("file", name).Msg("failed to quarantine corrupt cache file")
	} else {
		c.logger.Warn().Str("file", name).Msg("quarantined corrupt or permanently-rejected cache file")
	}
}

