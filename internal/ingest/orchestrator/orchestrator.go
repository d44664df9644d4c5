package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"landprice/internal/geo"
	"landprice/internal/ingest/loader"
	"landprice/internal/ingest/models"
	"landprice/internal/ingest/normalize"
	"landprice/internal/mlit"
	"landprice/internal/platform/metrics"
	"landprice/pkg/platform/sentinel"
)

// probeArea is the prefecture used to discover the latest published quarter;
// Tokyo publishes first and never has an empty quarter.
const probeArea = "13"

// Fetcher is the slice of the API client the orchestrator needs.
type Fetcher interface {
	Transactions(ctx context.Context, p mlit.TransactionParams, visit func([]mlit.RawTransaction) error) error
	FetchTransactionsPage(ctx context.Context, p mlit.TransactionParams, page int) ([]mlit.RawTransaction, bool, error)
}

// Orchestrator drives the partition space for a run: fan-out across workers,
// strict fetch-normalize-load sequencing within each partition, and
// aggregation of per-partition outcomes into the final report.
type Orchestrator struct {
	client   Fetcher
	loader   *loader.Loader
	workers  int
	language string
	metrics  *metrics.Metrics
	log      *log.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Config bundles the orchestrator's collaborators.
type Config struct {
	Client   Fetcher
	Loader   *loader.Loader
	Workers  int
	Language string
	Metrics  *metrics.Metrics
	Logger   *log.Logger
}

// New creates an Orchestrator, defaulting unset config fields.
func New(cfg Config) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Orchestrator{
		client:   cfg.Client,
		loader:   cfg.Loader,
		workers:  cfg.Workers,
		language: cfg.Language,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		tracer:   otel.Tracer("landprice/orchestrator"),
		now:      time.Now,
	}
}

// FullPlan enumerates the complete historical partition space: every quarter
// of every year since the upstream's earliest, for every prefecture or for a
// single one when a code is given.
func (o *Orchestrator) FullPlan(prefectureCode string) ([]models.Partition, error) {
	prefs := geo.All()
	if prefectureCode != "" {
		p, ok := geo.Lookup(prefectureCode)
		if !ok {
			return nil, fmt.Errorf("prefecture code %q: %w", prefectureCode, sentinel.ErrInvalidInput)
		}
		prefs = []geo.Prefecture{p}
	}

	currentYear := o.now().Year()
	var plan []models.Partition
	for _, p := range prefs {
		for year := mlit.EarliestYear; year <= currentYear; year++ {
			for quarter := 1; quarter <= 4; quarter++ {
				plan = append(plan, models.Partition{PrefectureCode: p.Code, Year: year, Quarter: quarter})
			}
		}
	}
	return plan, nil
}

// TargetedPlan restricts the partition space to one year, optionally one
// quarter and one prefecture.
func (o *Orchestrator) TargetedPlan(year, quarter int, prefectureCode string) ([]models.Partition, error) {
	if year < mlit.EarliestYear {
		return nil, fmt.Errorf("year %d precedes earliest supported year %d: %w",
			year, mlit.EarliestYear, sentinel.ErrInvalidInput)
	}
	prefs := geo.All()
	if prefectureCode != "" {
		p, ok := geo.Lookup(prefectureCode)
		if !ok {
			return nil, fmt.Errorf("prefecture code %q: %w", prefectureCode, sentinel.ErrInvalidInput)
		}
		prefs = []geo.Prefecture{p}
	}
	quarters := []int{1, 2, 3, 4}
	if quarter != 0 {
		if quarter < 1 || quarter > 4 {
			return nil, fmt.Errorf("quarter %d: %w", quarter, sentinel.ErrInvalidInput)
		}
		quarters = []int{quarter}
	}

	var plan []models.Partition
	for _, p := range prefs {
		for _, q := range quarters {
			plan = append(plan, models.Partition{PrefectureCode: p.Code, Year: year, Quarter: q})
		}
	}
	return plan, nil
}

// IncrementalPlan probes for the latest published quarter and returns that
// quarter for all prefectures.
func (o *Orchestrator) IncrementalPlan(ctx context.Context) ([]models.Partition, error) {
	year, quarter, err := o.latestAvailable(ctx)
	if err != nil {
		return nil, err
	}
	var plan []models.Partition
	for _, p := range geo.All() {
		plan = append(plan, models.Partition{PrefectureCode: p.Code, Year: year, Quarter: quarter})
	}
	return plan, nil
}

// latestAvailable walks back from the previous calendar quarter until the
// upstream answers with data, up to four quarters.
func (o *Orchestrator) latestAvailable(ctx context.Context) (int, int, error) {
	now := o.now()
	year := now.Year()
	quarter := (int(now.Month()) - 1) / 3
	if quarter == 0 {
		quarter = 4
		year--
	}

	for range 4 {
		_, _, err := o.client.FetchTransactionsPage(ctx, mlit.TransactionParams{
			Year: year, Quarter: quarter, Area: probeArea, Language: o.language,
		}, 1)
		if err == nil {
			return year, quarter, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return 0, 0, fmt.Errorf("probe latest quarter: %w", err)
		}
		quarter--
		if quarter == 0 {
			quarter = 4
			year--
		}
	}
	return 0, 0, fmt.Errorf("no published quarter found in the last year: %w", sentinel.ErrNotFound)
}

// Run processes every partition in the plan with up to the configured number
// of workers. Partition failures are recorded and the run continues; an
// authentication failure cancels everything in flight and aborts.
func (o *Orchestrator) Run(ctx context.Context, mode string, plan []models.Partition) (*models.RunReport, error) {
	report := &models.RunReport{
		RunID:     uuid.NewString(),
		Mode:      mode,
		StartedAt: o.now(),
	}
	o.log.Printf("run %s (%s): %d partitions, %d workers", report.RunID, mode, len(plan), o.workers)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for _, part := range plan {
		g.Go(func() error {
			if o.metrics != nil {
				o.metrics.InFlightWorkers.Inc()
				defer o.metrics.InFlightWorkers.Dec()
			}

			result, err := o.runPartition(gctx, part)

			mu.Lock()
			report.Attempted++
			report.RecordsFetched += result.Fetched
			report.RecordsInserted += result.Inserted
			report.RecordsUpdated += result.Updated
			report.RecordsSkipped += result.Skipped
			if result.Status == models.StatusDone {
				report.Succeeded++
			} else {
				report.Failed++
				report.FailedPartitions = append(report.FailedPartitions, result)
			}
			mu.Unlock()

			// Only auth failures and cancellation propagate: they make every
			// remaining partition pointless.
			if err != nil && (mlit.IsAuth(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	report.FinishedAt = o.now()
	o.log.Printf("run %s finished: %d/%d partitions succeeded, %d failed, %d inserted, %d updated, %d skipped",
		report.RunID, report.Succeeded, report.Attempted, report.Failed,
		report.RecordsInserted, report.RecordsUpdated, report.RecordsSkipped)
	if err != nil {
		return report, err
	}
	return report, nil
}

// runPartition walks one partition through the fetch → normalize → load
// sequence, page by page so only a page of records is in memory at once.
func (o *Orchestrator) runPartition(ctx context.Context, part models.Partition) (models.PartitionResult, error) {
	ctx, span := o.tracer.Start(ctx, "ingest.partition", trace.WithAttributes(
		attribute.String("partition.prefecture", part.PrefectureCode),
		attribute.Int("partition.year", part.Year),
		attribute.Int("partition.quarter", part.Quarter),
	))
	defer span.End()

	start := o.now()
	result := models.PartitionResult{Partition: part, Status: models.StatusFetching}

	nctx := normalize.Context{
		PrefectureCode: part.PrefectureCode,
		Year:           part.Year,
		Quarter:        part.Quarter,
	}
	params := mlit.TransactionParams{
		Year:     part.Year,
		Quarter:  part.Quarter,
		Area:     part.PrefectureCode,
		Language: o.language,
	}

	err := o.client.Transactions(ctx, params, func(page []mlit.RawTransaction) error {
		result.Fetched += len(page)
		if o.metrics != nil {
			o.metrics.RecordsFetched.Add(float64(len(page)))
		}

		result.Status = models.StatusNormalizing
		normalized := make([]*models.Transaction, 0, len(page))
		for _, raw := range page {
			t, skip := normalize.Record(raw, nctx)
			if skip != normalize.SkipNone {
				result.Skipped++
				if o.metrics != nil {
					o.metrics.RecordsSkipped.Inc()
				}
				continue
			}
			normalized = append(normalized, t)
		}

		result.Status = models.StatusLoading
		loaded, err := o.loader.Load(ctx, normalized)
		result.Inserted += loaded.Inserted
		result.Updated += loaded.Updated
		result.Skipped += len(loaded.Failed)
		if o.metrics != nil {
			o.metrics.RecordsInserted.Add(float64(loaded.Inserted))
			o.metrics.RecordsUpdated.Add(float64(loaded.Updated))
		}
		return err
	})

	// A period the upstream has not published is an empty partition, not a
	// failure.
	if err != nil && errors.Is(err, sentinel.ErrNotFound) {
		err = nil
	}

	if err != nil {
		result.Status = models.StatusFailed
		result.Err = err
		o.observePartition("failed", start)
		span.RecordError(err)
		o.log.Printf("partition %s failed: %v", part, err)
		return result, err
	}

	result.Status = models.StatusDone
	o.observePartition("succeeded", start)
	o.log.Printf("partition %s: %d fetched, %d inserted, %d updated, %d skipped",
		part, result.Fetched, result.Inserted, result.Updated, result.Skipped)
	return result, nil
}

func (o *Orchestrator) observePartition(outcome string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.PartitionsDone.WithLabelValues(outcome).Inc()
	o.metrics.PartitionDuration.Observe(o.now().Sub(start).Seconds())
}
