// Package ingest drives the resumable backfill of one source: fetch a page,
// store its records, advance the checkpoint, repeat until a short page.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nvdharvest/internal/archive"
	"nvdharvest/internal/checkpoint"
	"nvdharvest/internal/metrics"
	"nvdharvest/internal/nvd"
	"nvdharvest/internal/record"
	"nvdharvest/internal/retry"

	"go.uber.org/zap"
)

// Fetcher retrieves one page of records
type Fetcher interface {
	FetchPage(ctx context.Context, startIndex int64, pageSize int) (*nvd.Page, error)
}

// Config contains ingestion settings
type Config struct {
	Source    string
	PageSize  int
	PageDelay time.Duration
}

// Result summarizes one run
type Result struct {
	StartOffset  int64 // offset the run resumed from
	Offset       int64 // offset after the last committed page; total records observed
	RecordsAdded int64
	Pages        int
	Complete     bool // the source's backfill is finished
	Halted       bool // retries were exhausted; the run can be resumed
}

// Ingester runs the ingestion loop for a single source
type Ingester struct {
	cfg         Config
	fetcher     Fetcher
	checkpoints checkpoint.Store
	records     record.Store
	policy      retry.Policy
	archive     archive.Archive
	metrics     *metrics.Collector
	logger      *zap.Logger
	sleep       retry.Sleeper
	now         func() time.Time
}

// Option configures an Ingester
type Option func(*Ingester)

// WithPolicy replaces the default retry policy
func WithPolicy(p *retry.Policy) Option {
	return func(in *Ingester) {
		in.policy = *p
	}
}

// WithArchive mirrors every fetched page into a
func WithArchive(a archive.Archive) Option {
	return func(in *Ingester) {
		in.archive = a
	}
}

// WithMetrics reports to c instead of a private collector
func WithMetrics(c *metrics.Collector) Option {
	return func(in *Ingester) {
		in.metrics = c
	}
}

// WithSleeper replaces the inter-page and retry sleep
func WithSleeper(s retry.Sleeper) Option {
	return func(in *Ingester) {
		in.sleep = s
	}
}

// WithClock replaces the checkpoint timestamp source
func WithClock(now func() time.Time) Option {
	return func(in *Ingester) {
		in.now = now
	}
}

// New creates an Ingester
func New(cfg Config, fetcher Fetcher, checkpoints checkpoint.Store, records record.Store, logger *zap.Logger, opts ...Option) (*Ingester, error) {
	if cfg.Source == "" {
		return nil, errors.New("source is required")
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", cfg.PageSize)
	}

	in := &Ingester{
		cfg:         cfg,
		fetcher:     fetcher,
		checkpoints: checkpoints,
		records:     records,
		policy:      *retry.DefaultPolicy(),
		logger:      logger.With(zap.String("source", cfg.Source)),
		sleep:       retry.Sleep,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.metrics == nil {
		in.metrics = metrics.New()
	}

	in.policy.Sleep = in.sleep
	in.policy.OnRetry = in.onRetry

	return in, nil
}

// Run harvests until the source is exhausted, retries run out or a fetch
// fails permanently. Exhausted retries are reported through Result.Halted,
// not as an error. In every case the checkpoint stays at the last committed page.
func (in *Ingester) Run(ctx context.Context) (*Result, error) {
	status, err := in.checkpoints.Status(ctx, in.cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint status: %w", err)
	}

	switch status.State {
	case checkpoint.Complete:
		in.logger.Info("Initialization already complete, nothing to do",
			zap.Int64("offset", status.Offset))
		return &Result{StartOffset: status.Offset, Offset: status.Offset, Complete: true}, nil
	case checkpoint.NotStarted:
		in.logger.Info("No checkpoint found, starting from the first record")
		if err := in.checkpoints.Initialize(ctx, in.cfg.Source); err != nil {
			return nil, err
		}
	default:
		in.logger.Info("Resuming from checkpoint", zap.Int64("offset", status.Offset))
	}

	res := &Result{StartOffset: status.Offset, Offset: status.Offset}
	in.metrics.SetOffset(res.Offset)

	err = in.loop(ctx, res)
	in.report(res, err)
	return res, err
}

func (in *Ingester) loop(ctx context.Context, res *Result) error {
	for {
		page, err := in.policy.Do(ctx, func(ctx context.Context) (*nvd.Page, error) {
			return in.fetch(ctx, res.Offset)
		})
		if errors.Is(err, retry.ErrExhausted) {
			in.logger.Warn("Unable to receive a response from the API, stopping with progress saved",
				zap.Int64("offset", res.Offset),
				zap.Error(err),
			)
			res.Halted = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch page at offset %d: %w", res.Offset, err)
		}

		if err := in.commit(ctx, res, page); err != nil {
			return err
		}

		if len(page.Records) < in.cfg.PageSize {
			if err := in.checkpoints.MarkComplete(ctx, in.cfg.Source); err != nil {
				return err
			}
			res.Complete = true
			return nil
		}

		if err := in.sleep(ctx, in.cfg.PageDelay); err != nil {
			return err
		}
	}
}

func (in *Ingester) fetch(ctx context.Context, offset int64) (*nvd.Page, error) {
	start := time.Now()
	page, err := in.fetcher.FetchPage(ctx, offset, in.cfg.PageSize)
	in.metrics.ObserveFetch(outcome(err), time.Since(start))
	return page, err
}

// commit stores the page and moves the checkpoint past it. The checkpoint
// is durable before commit returns, so the next fetch never re-requests
// these records.
func (in *Ingester) commit(ctx context.Context, res *Result, page *nvd.Page) error {
	begin := res.Offset
	n := int64(len(page.Records))

	if page.TotalResults > 0 {
		in.metrics.SetTotal(page.TotalResults)
	}

	if in.archive != nil {
		if err := in.archive.PutPage(ctx, in.cfg.Source, begin, page.Raw); err != nil {
			in.metrics.IncArchiveFailure()
			in.logger.Warn("Failed to archive page", zap.Int64("start_index", begin), zap.Error(err))
		}
	}

	if n > 0 {
		if err := in.records.PutBatch(ctx, page.Records); err != nil {
			return fmt.Errorf("store page at offset %d: %w", begin, err)
		}
		if err := in.checkpoints.Advance(ctx, in.cfg.Source, begin+n, in.now()); err != nil {
			return fmt.Errorf("advance checkpoint to %d: %w", begin+n, err)
		}
	}

	res.Offset = begin + n
	res.RecordsAdded += n
	res.Pages++
	in.metrics.PageCommitted(int(n), res.Offset)

	in.logger.Info("Completed batch",
		zap.Int64("start_index", begin),
		zap.Int64("records", n),
		zap.Int64("offset", res.Offset),
		zap.Int64("total_results", page.TotalResults),
	)
	return nil
}

func (in *Ingester) onRetry(n int, delay time.Duration, cause error) {
	in.metrics.IncRetry()
	in.logger.Info("Waiting before retry due to API throttling",
		zap.Int("retry", n),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

func (in *Ingester) report(res *Result, err error) {
	fields := []zap.Field{
		zap.Int64("total_records", res.Offset),
		zap.Int64("records_added", res.RecordsAdded),
		zap.Int("pages", res.Pages),
		zap.Bool("init_finished", res.Complete),
		zap.Bool("halted", res.Halted),
	}
	if err != nil {
		in.logger.Error("Data extraction stopped", append(fields, zap.Error(err))...)
		return
	}
	in.logger.Info("Data extraction completed", fields...)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, nvd.ErrThrottled):
		return metrics.OutcomeThrottled
	case errors.Is(err, nvd.ErrUnavailable):
		return metrics.OutcomeUnavailable
	default:
		return metrics.OutcomeFailed
	}
}
