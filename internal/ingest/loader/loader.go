package loader

import (
	"context"
	"fmt"
	"log"

	"landprice/internal/ingest/models"
	"landprice/internal/ingest/refdata"
	"landprice/internal/ingest/store"
	"landprice/internal/platform/metrics"
)

// DefaultBatchSize bounds both transaction size and peak memory per load.
const DefaultBatchSize = 1000

// BatchError means a batch could not be committed even after bisection. The
// orchestrator escalates it to a partition-level failure.
type BatchError struct {
	Size int
	Err  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("loader: batch of %d failed: %v", e.Size, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// FailedRecord pairs a dropped record with the reason it could not load.
type FailedRecord struct {
	Record *models.Transaction
	Reason error
}

// Result aggregates one Load call.
type Result struct {
	Inserted int
	Updated  int
	Failed   []FailedRecord
}

// Loader upserts normalized transactions in bounded batches, each inside a
// single store transaction.
type Loader struct {
	store     store.TransactionStore
	resolver  *refdata.Resolver
	batchSize int
	metrics   *metrics.Metrics
	log       *log.Logger
}

// New creates a Loader. batchSize values below 1 fall back to the default.
func New(txStore store.TransactionStore, resolver *refdata.Resolver, batchSize int, m *metrics.Metrics, logger *log.Logger) *Loader {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{
		store:     txStore,
		resolver:  resolver,
		batchSize: batchSize,
		metrics:   m,
		log:       logger,
	}
}

// Load writes records in batches of at most the configured size. Records
// whose dimensions cannot be resolved are dropped and reported, never
// aborting the batch; a batch that fails to commit is bisected once before
// the whole call errors with a BatchError.
func (l *Loader) Load(ctx context.Context, records []*models.Transaction) (Result, error) {
	var result Result
	records = dedupeByHash(records)

	for start := 0; start < len(records); start += l.batchSize {
		end := start + l.batchSize
		if end > len(records) {
			end = len(records)
		}

		batch := make([]*models.Transaction, 0, end-start)
		for _, t := range records[start:end] {
			if err := l.resolver.EnsureTransaction(ctx, t); err != nil {
				result.Failed = append(result.Failed, FailedRecord{Record: t, Reason: err})
				continue
			}
			batch = append(batch, t)
		}
		if len(batch) == 0 {
			continue
		}

		loaded, err := l.upsertWithBisect(ctx, batch)
		result.Inserted += loaded.Inserted
		result.Updated += loaded.Updated
		if err != nil {
			return result, &BatchError{Size: len(batch), Err: err}
		}
	}
	return result, nil
}

// dedupeByHash collapses records sharing a source hash onto the last
// occurrence, keeping first-seen order. The upstream repeats rows across
// pages, and same-key rows differing only in price hash identically; a
// multi-row ON CONFLICT DO UPDATE statement cannot touch the same key twice,
// so duplicates must never share a batch.
func dedupeByHash(records []*models.Transaction) []*models.Transaction {
	seen := make(map[string]int, len(records))
	out := records[:0:0]
	for _, t := range records {
		if i, ok := seen[t.SourceHash]; ok {
			out[i] = t
			continue
		}
		seen[t.SourceHash] = len(out)
		out = append(out, t)
	}
	return out
}

// upsertWithBisect tries the batch whole, then once more in two halves. A
// half that still fails is final: the same rows failed twice, so the error
// escalates rather than looping toward single-row inserts forever.
func (l *Loader) upsertWithBisect(ctx context.Context, batch []*models.Transaction) (models.LoadResult, error) {
	loaded, err := l.store.UpsertBatch(ctx, batch)
	if err == nil {
		return loaded, nil
	}
	if len(batch) == 1 {
		return models.LoadResult{}, err
	}

	if l.metrics != nil {
		l.metrics.BatchBisections.Inc()
	}
	l.log.Printf("loader: batch of %d failed (%v), retrying in halves", len(batch), err)

	var total models.LoadResult
	mid := len(batch) / 2
	for _, half := range [][]*models.Transaction{batch[:mid], batch[mid:]} {
		loaded, err := l.store.UpsertBatch(ctx, half)
		if err != nil {
			return total, err
		}
		total.Inserted += loaded.Inserted
		total.Updated += loaded.Updated
	}
	return total, nil
}
