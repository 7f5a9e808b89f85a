package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nvdharvest/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcomes used as the "outcome" label
const (
	OutcomeSuccess     = "success"
	OutcomeThrottled   = "throttled"
	OutcomeUnavailable = "unavailable"
	OutcomeFailed      = "failed"
)

// Collector collects and exposes harvest metrics
type Collector struct {
	registry         *prometheus.Registry
	pagesTotal       *prometheus.CounterVec
	recordsTotal     prometheus.Counter
	retriesTotal     prometheus.Counter
	archiveFailures  prometheus.Counter
	checkpointOffset prometheus.Gauge
	fetchDuration    prometheus.Histogram
	progressTracker  *progress.Tracker
}

// New creates a collector registered on its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nvdharvest_page_fetches_total",
				Help: "Total number of page fetch attempts by outcome",
			},
			[]string{"outcome"},
		),
		recordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nvdharvest_records_stored_total",
				Help: "Total number of records written to the store",
			},
		),
		retriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nvdharvest_retries_total",
				Help: "Total number of page fetch retries",
			},
		),
		archiveFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nvdharvest_archive_failures_total",
				Help: "Total number of raw pages that could not be archived",
			},
		),
		checkpointOffset: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nvdharvest_checkpoint_offset",
				Help: "Last durably committed offset",
			},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nvdharvest_page_fetch_duration_seconds",
				Help:    "Time taken to fetch one page",
				Buckets: prometheus.DefBuckets,
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.pagesTotal,
		c.recordsTotal,
		c.retriesTotal,
		c.archiveFailures,
		c.checkpointOffset,
		c.fetchDuration,
	)

	return c
}

// ObserveFetch records one fetch attempt and its duration
func (c *Collector) ObserveFetch(outcome string, duration time.Duration) {
	c.pagesTotal.WithLabelValues(outcome).Inc()
	c.fetchDuration.Observe(duration.Seconds())
}

// IncRetry increments the retry counter
func (c *Collector) IncRetry() {
	c.retriesTotal.Inc()
	c.progressTracker.AddRetry()
}

// IncArchiveFailure increments the archive failure counter
func (c *Collector) IncArchiveFailure() {
	c.archiveFailures.Inc()
}

// PageCommitted records a committed page and the resulting offset
func (c *Collector) PageCommitted(records int, offset int64) {
	c.recordsTotal.Add(float64(records))
	c.checkpointOffset.Set(float64(offset))
	c.progressTracker.AddPage(int64(records), offset)
}

// SetOffset sets the checkpoint offset gauge without counting records
func (c *Collector) SetOffset(offset int64) {
	c.checkpointOffset.Set(float64(offset))
	c.progressTracker.SetOffset(offset)
}

// SetTotal sets the number of records the source reports
func (c *Collector) SetTotal(total int64) {
	c.progressTracker.SetTotal(total)
}

// Handler serves the collector's metrics in the prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}
