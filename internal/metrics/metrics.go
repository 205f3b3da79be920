// Package metrics exposes the ambient /metrics endpoint every service
// carries, grounded on cuemby-warren/pkg/metrics/metrics.go's package-level
// Prometheus collector vars plus an init() MustRegister block. Spec.md §7's
// "the operator sees queue depth / cache directory count" is expressed here
// as real gauges rather than a bespoke status page; no alerting is wired
// from it, matching the spec's "no network alerting is part of the core".
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

var (
	RowsInserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsprcore_rows_inserted_total",
			Help: "Total number of rows successfully inserted, by table",
		},
		[]string{"table"},
	)

	RowsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsprcore_rows_dropped_total",
			Help: "Total number of rows dropped as malformed or poisonous, by table and reason",
		},
		[]string{"table", "reason"},
	)

	InsertRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsprcore_insert_retries_total",
			Help: "Total number of batch insert attempts that hit a transient failure and were retried",
		},
		[]string{"table"},
	)

	CacheDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsprcore_cache_files",
			Help: "Number of pending batch files in the scraper's on-disk replay cache",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wsprcore_reflector_queue_files",
			Help: "Number of files queued for transfer, by destination",
		},
		[]string{"destination"},
	)

	QuarantineDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wsprcore_quarantine_files",
			Help: "Number of archives parked in a quarantine or failed directory",
		},
		[]string{"stage"},
	)

	ArchivesIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wsprcore_archives_ingested_total",
			Help: "Total number of upload archives successfully extracted and inserted",
		},
	)

	TransfersCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsprcore_reflector_transfers_total",
			Help: "Total number of reflector file transfers, by destination and outcome",
		},
		[]string{"destination", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		RowsInserted,
		RowsDropped,
		InsertRetries,
		CacheDepth,
		QueueDepth,
		QuarantineDepth,
		ArchivesIngested,
		TransfersCompleted,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the /metrics HTTP listener and blocks until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
