package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"nvdharvest/internal/archive"
	"nvdharvest/internal/checkpoint"
	"nvdharvest/internal/config"
	"nvdharvest/internal/database"
	"nvdharvest/internal/ingest"
	"nvdharvest/internal/metrics"
	"nvdharvest/internal/nvd"
	"nvdharvest/internal/progress"
	"nvdharvest/internal/record"
	"nvdharvest/internal/retry"

	"go.uber.org/zap"
)

// Actions accepted by Run
const (
	ActionInit   = "cve_init"
	ActionUpdate = "cve_update"
	ActionStatus = "cve_status"
)

// SourceCVE is the checkpoint key of the CVE backfill
const SourceCVE = "cve"

// Harvester represents the main harvest application
type Harvester struct {
	cfg     *config.Config
	logger  *zap.Logger
	fetcher ingest.Fetcher
	archive *archive.MinIOArchive
	metrics *metrics.Collector
	out     io.Writer
}

// New creates a new harvester instance
func New(cfg *config.Config, logger *zap.Logger) (*Harvester, error) {
	client, err := nvd.NewClient(nvd.Config{
		BaseURL:            cfg.Source.BaseURL,
		APIKey:             cfg.Source.APIKey,
		Timeout:            cfg.RequestTimeout(),
		MinRequestInterval: cfg.MinRequestInterval(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create nvd client: %w", err)
	}

	h := &Harvester{
		cfg:     cfg,
		logger:  logger,
		fetcher: client,
		metrics: metrics.New(),
		out:     os.Stdout,
	}

	archiveCfg := archive.Config{
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Secure:    cfg.Archive.Secure,
		Bucket:    cfg.Archive.Bucket,
		Prefix:    cfg.Archive.Prefix,
	}
	if archiveCfg.Enabled() {
		h.archive, err = archive.NewMinIOArchive(archiveCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive client: %w", err)
		}
	}

	return h, nil
}

// Actions lists the actions Run accepts
func Actions() []string {
	return []string{ActionInit, ActionUpdate, ActionStatus}
}

// Run executes one action
func (h *Harvester) Run(ctx context.Context, action string) error {
	switch action {
	case ActionInit:
		return h.initCVE(ctx)
	case ActionUpdate:
		h.logger.Info("CVE update is not implemented yet")
		return nil
	case ActionStatus:
		return h.printStatus(ctx)
	default:
		h.logger.Error("Invalid data source",
			zap.String("action", action),
			zap.Strings("choices", Actions()),
		)
		return nil
	}
}

func (h *Harvester) initCVE(ctx context.Context) error {
	h.logger.Info("Starting data extraction of CVE data from National Vulnerability Database",
		zap.String("database", h.cfg.Database),
		zap.Int("page_size", h.cfg.Source.PageSize),
		zap.Bool("api_key", h.cfg.Source.APIKey != ""),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if h.cfg.MetricsAddr != "" {
		go func() {
			if err := h.metrics.StartServer(ctx, h.cfg.MetricsAddr); err != nil {
				h.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	opts := []ingest.Option{
		ingest.WithMetrics(h.metrics),
		ingest.WithPolicy(newRetryPolicy(h.cfg)),
	}
	if h.archive != nil {
		if err := h.archive.EnsureBucket(ctx); err != nil {
			return err
		}
		opts = append(opts, ingest.WithArchive(h.archive))
	}

	return database.With(ctx, h.cfg.Database, func(ctx context.Context, db *sql.DB) error {
		records := record.NewSQLiteStore(db)

		in, err := ingest.New(ingest.Config{
			Source:    SourceCVE,
			PageSize:  h.cfg.Source.PageSize,
			PageDelay: h.cfg.PageDelay(),
		}, h.fetcher, checkpoint.NewSQLiteStore(db), records, h.logger, opts...)
		if err != nil {
			return err
		}

		var display *progress.Display
		if h.cfg.Ingest.ShowProgress && progress.IsTerminalSupported() {
			display = progress.NewDisplay(h.metrics.GetProgressTracker(), 5*time.Second, h.out)
			display.Start()
		}

		res, err := in.Run(ctx)

		if display != nil {
			display.Stop()
		}
		if err != nil {
			return err
		}

		stored, countErr := records.Count(ctx)
		if countErr != nil {
			h.logger.Warn("Failed to count stored records", zap.Error(countErr))
		}
		h.logger.Info("Harvest finished",
			zap.String("table", "cves"),
			zap.String("meta_table", "cve_meta"),
			zap.Int64("total_records", res.Offset),
			zap.Int64("records_added", res.RecordsAdded),
			zap.Int64("stored_records", stored),
			zap.Bool("init_finished", res.Complete),
		)
		return nil
	})
}

// newRetryPolicy builds the fetch retry policy from the ingest settings
func newRetryPolicy(cfg *config.Config) *retry.Policy {
	var strategy retry.Strategy
	switch cfg.Ingest.Backoff {
	case config.BackoffExponential:
		strategy = retry.NewExponential(cfg.RetryDelay(), cfg.MaxRetryDelay())
	default:
		strategy = retry.NewConstant(cfg.RetryDelay())
	}

	return &retry.Policy{
		MaxRetries: cfg.Ingest.MaxRetries,
		Strategy:   strategy,
	}
}

func (h *Harvester) printStatus(ctx context.Context) error {
	return database.With(ctx, h.cfg.Database, func(ctx context.Context, db *sql.DB) error {
		status, err := ingest.CheckStatus(ctx, checkpoint.NewSQLiteStore(db), SourceCVE)
		if err != nil {
			return err
		}
		fmt.Fprintf(h.out, "%s: %s\n", SourceCVE, status)
		return nil
	})
}
