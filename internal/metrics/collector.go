// Package metrics exposes pipeline counters in the Prometheus text format,
// written to a file for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"battlelog/internal/consolidate"
	"battlelog/internal/logging"
)

// Collector manages all metrics of one pipeline run
type Collector struct {
	logger *logging.ComponentLogger

	// Counters
	battlesFetched  prometheus.Counter
	snapshotRows    prometheus.Counter
	duplicates      *prometheus.CounterVec
	publishedRows   *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec

	// Gauges
	canonicalRows     prometheus.Gauge
	snapshots         prometheus.Gauge
	driftColumns      prometheus.Gauge
	winnersBackfilled prometheus.Gauge
	lastSuccess       prometheus.Gauge

	stageDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewCollector creates a collector with its own registry
func NewCollector(logger *logging.ComponentLogger) *Collector {
	if logger == nil {
		logger = logging.Nop()
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		logger:   logger,
		registry: registry,

		battlesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "battlelog_battles_fetched_total",
			Help: "Battles returned by the API",
		}),
		snapshotRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "battlelog_snapshot_rows_total",
			Help: "Rows written to snapshot files",
		}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battlelog_duplicates_removed_total",
			Help: "Rows removed during consolidation",
		}, []string{"kind"}),
		publishedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battlelog_published_rows_total",
			Help: "Rows written to database mirrors",
		}, []string{"target"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battlelog_publish_failures_total",
			Help: "Failed mirror updates",
		}, []string{"target"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battlelog_errors_total",
			Help: "Pipeline stage failures",
		}, []string{"stage"}),

		canonicalRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battlelog_canonical_rows",
			Help: "Rows in the canonical table",
		}),
		snapshots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battlelog_snapshots_consolidated",
			Help: "Snapshots read by the last consolidation",
		}),
		driftColumns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battlelog_schema_drift_columns",
			Help: "Columns absent from at least one snapshot",
		}),
		winnersBackfilled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battlelog_winners_backfilled",
			Help: "Rows whose winner was derived during consolidation",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battlelog_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}),

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "battlelog_stage_duration_seconds",
			Help:    "Time spent per pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"stage"}),
	}

	registry.MustRegister(
		c.battlesFetched,
		c.snapshotRows,
		c.duplicates,
		c.publishedRows,
		c.publishFailures,
		c.errorsTotal,
		c.canonicalRows,
		c.snapshots,
		c.driftColumns,
		c.winnersBackfilled,
		c.lastSuccess,
		c.stageDuration,
	)
	return c
}

// Registry returns the registry holding every metric
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordFetch(battles int) {
	c.battlesFetched.Add(float64(battles))
}

func (c *Collector) RecordSnapshot(rows int64) {
	c.snapshotRows.Add(float64(rows))
}

// RecordConsolidation copies the statistics of one consolidation
func (c *Collector) RecordConsolidation(stats consolidate.Stats) {
	c.duplicates.WithLabelValues("exact").Add(float64(stats.ExactDuplicates))
	c.duplicates.WithLabelValues("merged").Add(float64(stats.MergedDuplicates))
	c.canonicalRows.Set(float64(stats.RowsOut))
	c.snapshots.Set(float64(stats.Snapshots))
	c.driftColumns.Set(float64(stats.DriftColumns))
	c.winnersBackfilled.Set(float64(stats.WinnersBackfilled))
}

func (c *Collector) RecordPublish(target string, rows int64, err error) {
	if err != nil {
		c.publishFailures.WithLabelValues(target).Inc()
		return
	}
	c.publishedRows.WithLabelValues(target).Add(float64(rows))
}

func (c *Collector) RecordError(stage string) {
	c.errorsTotal.WithLabelValues(stage).Inc()
}

func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) MarkSuccess(at time.Time) {
	c.lastSuccess.Set(float64(at.Unix()))
}

// WriteTextfile writes every metric to path atomically. An empty path is a
// no-op.
func (c *Collector) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	c.logger.Debug().Str("path", path).Msg("Metrics written")
	return nil
}
