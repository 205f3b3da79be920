// Package dbclient wraps a columnar analytics database behind the narrow
// interface spec.md §4.1 calls for: InsertBatch, Query, Exec, EnsureSchema,
// EnsureReadOnlyUser. It is grounded on the store-struct-over-*sql.DB pattern
// in teranos-QNTX/pulse/async/store.go, using ClickHouse's database/sql
// driver (clickhouse-go/v2) so the package remains testable with
// DATA-DOG/go-sqlmock the way teranos-QNTX's ai/tracker package tests its
// own store layer.
package dbclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/n5wspr/wsprcore/internal/logging"
	"github.com/n5wspr/wsprcore/internal/retry"
	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

// Client is a thin wrapper over *sql.DB that classifies failures and applies
// the retry policy spec.md §4.1 describes.
type Client struct {
	db          *sql.DB
	batchSize   int
	retryPolicy retry.Policy
	dryRun      bool
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithBatchSize overrides the default 10,000-row insert batch bound.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithRetryPolicy overrides the default backoff policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.retryPolicy = p }
}

// WithDryRun makes InsertBatch log rows instead of executing the insert,
// for the CLI's --dry-run mode (spec.md §A.4).
func WithDryRun(dryRun bool) Option {
	return func(c *Client) { c.dryRun = dryRun }
}

// New wraps an already-opened *sql.DB (opened via "clickhouse" driver in
// production, or sqlmock in tests).
func New(db *sql.DB, opts ...Option) *Client {
	c := &Client{db: db, batchSize: 10000, retryPolicy: retry.Default}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open dials a ClickHouse server at dsn using the database/sql driver mode.
func Open(dsn string, opts ...Option) (*Client, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, wsprerr.MarkFatalConfig(wsprerr.Wrap(err, "dbclient: open"))
	}
	return New(db, opts...), nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.db.Close() }

// InsertBatch inserts rows into table using the given positional columns,
// splitting into chunks of at most c.batchSize and retrying each chunk on
// transient failure per spec.md §4.1's backoff schedule. The caller is
// responsible for diverting to a durable cache on the error this returns;
// InsertBatch itself never persists anything outside the database.
func (c *Client) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if c.dryRun {
		logging.WithComponent("dbclient").Info().Str("table", table).Int("rows", len(rows)).
			Msg("dry-run: skipping insert")
		return nil
	}
	for start := 0; start < len(rows); start += c.batchSize {
		end := start + c.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := c.insertChunk(ctx, table, columns, rows[start:end]); err != nil {
			return wsprerr.Wrapf(err, "dbclient: insert %s rows [%d:%d)", table, start, end)
		}
	}
	return nil
}

func (c *Client) insertChunk(ctx context.Context, table string, columns []string, rows [][]any) error {
	stmt := buildInsertSQL(table, columns, len(rows))
	args := make([]any, 0, len(rows)*len(columns))
	for _, row := range rows {
		args = append(args, row...)
	}
	return retry.Do(ctx, c.retryPolicy, wsprerr.IsTransient, func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return classify(err)
		}
		return nil
	})
}

func buildInsertSQL(table string, columns []string, nrows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	for i := 0; i < nrows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholder)
	}
	return b.String()
}

// Query runs a read-only statement and returns the raw *sql.Rows; callers
// scan into their own typed targets.
func (c *Client) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

// Exec runs a DDL or non-row-returning statement.
func (c *Client) Exec(ctx context.Context, stmt string, args ...any) error {
	_, err := c.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return classify(err)
	}
	return nil
}

// EnsureSchema issues idempotent create-if-not-exists DDL for every table
// and view the service uses. Safe to call on every process start.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if err := c.Exec(ctx, stmt); err != nil {
			return wsprerr.Wrap(err, "dbclient: ensure schema")
		}
	}
	return nil
}

// EnsureReadOnlyUser idempotently creates or updates a database account
// restricted to SELECT on the service's databases. ClickHouse's CREATE USER
// does not accept bind parameters for the identifier or password, so both
// are quote-escaped before being embedded in the DDL text.
func (c *Client) EnsureReadOnlyUser(ctx context.Context, name, password string) error {
	stmt := fmt.Sprintf(
		"CREATE USER OR REPLACE %s IDENTIFIED WITH sha256_password BY '%s' DEFAULT ROLE readonly",
		sqlIdent(name), sqlLiteral(password),
	)
	if err := c.Exec(ctx, stmt); err != nil {
		return wsprerr.Wrapf(err, "dbclient: ensure read-only user %q", name)
	}
	grant := fmt.Sprintf("GRANT SELECT ON wspr.* TO %s", sqlIdent(name))
	if err := c.Exec(ctx, grant); err != nil {
		return wsprerr.Wrapf(err, "dbclient: grant select to %q", name)
	}
	logging.WithComponent("dbclient").Info().Str("user", name).Msg("read-only user provisioned")
	return nil
}

// sqlIdent backtick-quotes an identifier, escaping embedded backticks.
func sqlIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// sqlLiteral escapes single quotes in a string destined for a quoted SQL
// literal.
func sqlLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// classify maps a driver error to the wsprerr taxonomy spec.md §7 defines.
// Connection failures, timeouts, and server-busy responses are Transient and
// disk-full responses are TransientResource; everything else (constraint
// violations, auth failures, malformed DDL) is Permanent, surfacing
// immediately instead of being retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return wsprerr.MarkTransient(err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "too many connections"),
		strings.Contains(msg, "readonly") && strings.Contains(msg, "mode"):
		return wsprerr.MarkTransient(err)
	case strings.Contains(msg, "no space left"):
		return wsprerr.Mark(err, wsprerr.TransientResource)
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "access denied"):
		return wsprerr.MarkPermanent(err)
	default:
		return wsprerr.MarkPermanent(err)
	}
}

// schemaDDL lists the create-if-not-exists statements for every table spec.md
// §6.3 enumerates: spots/spots_recent/spots_frequency_overflow for
// aggregator-sourced spots, spots_extended/noise for receiver-sourced
// records. The table names are unqualified, so all five are created in the
// connection's default database; there is no separate database per source.
// Ordering key and partitioning follow the dominant query pattern
// WHERE rx_sign=? AND band=? AND time BETWEEN ?.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS spots (
		id UInt64,
		time DateTime,
		band Int16,
		rx_sign String,
		rx_lat Float64,
		rx_lon Float64,
		rx_loc String,
		tx_sign String,
		tx_lat Float64,
		tx_lon Float64,
		tx_loc String,
		distance UInt16,
		azimuth UInt16,
		rx_azimuth UInt16,
		frequency UInt64,
		power Int8,
		snr Int8,
		drift Int8,
		version String,
		code Int8
	) ENGINE = ReplacingMergeTree(id)
	PARTITION BY toYYYYMM(time)
	ORDER BY (rx_sign, band, time, id)`,

	`CREATE TABLE IF NOT EXISTS spots_frequency_overflow (
		id UInt64,
		time DateTime,
		band Int16,
		rx_sign String,
		frequency UInt64,
		reason String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(time)
	ORDER BY (rx_sign, band, time, id)`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS spots_recent
	ENGINE = MergeTree
	PARTITION BY toYYYYMM(time)
	ORDER BY (rx_sign, band, time, id)
	TTL time + INTERVAL 7 DAY
	AS SELECT * FROM spots`,

	`CREATE TABLE IF NOT EXISTS spots_extended (
		time DateTime,
		rx_sign String,
		tx_sign String,
		band Int16,
		frequency UInt64,
		rx_lat Float64,
		rx_lon Float64,
		rx_loc String,
		tx_lat Float64,
		tx_lon Float64,
		tx_loc String,
		distance UInt16,
		azimuth UInt16,
		rx_azimuth UInt16,
		power Int8,
		snr Int8,
		drift Int8,
		version String,
		code Int8,
		fft_noise_floor Float64,
		rms_noise_floor Float64,
		sync_quality Float64,
		decode_cycles UInt32,
		jitter Float64,
		blocksize UInt32,
		decoder_metric Float64,
		decode_type UInt8,
		pass_number UInt8,
		packet_mode UInt8,
		receiver_overload_count UInt32,
		source_archive String,
		source_member String,
		uploaded UInt8
	) ENGINE = ReplacingMergeTree
	PARTITION BY toYYYYMM(time)
	ORDER BY (rx_sign, band, time, tx_sign, frequency)`,

	`CREATE TABLE IF NOT EXISTS noise (
		time DateTime,
		site String,
		receiver String,
		rx_loc String,
		band Int16,
		rms_level Float64,
		c2_level Float64,
		overload_count UInt32,
		tar_file String,
		source_file String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(time)
	ORDER BY (site, receiver, band, time)`,
}
