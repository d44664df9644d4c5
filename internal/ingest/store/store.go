package store

import (
	"context"

	"landprice/internal/geo"
	"landprice/internal/ingest/models"
)

// TransactionStore persists normalized transactions keyed by source_hash.
type TransactionStore interface {
	// UpsertBatch writes one bounded batch inside a single transaction.
	// Rows conflicting on source_hash update their mutable fields; everything
	// commits or nothing does.
	UpsertBatch(ctx context.Context, batch []*models.Transaction) (models.LoadResult, error)
}

// ReferenceStore guarantees dimension rows exist before the facts that
// reference them. Every method is an atomic insert-if-absent; concurrent
// callers racing on the same code must both succeed.
type ReferenceStore interface {
	EnsurePrefecture(ctx context.Context, p geo.Prefecture) error
	EnsureMunicipality(ctx context.Context, code, prefectureCode, name string) error
	EnsureStation(ctx context.Context, code, name string) error
	EnsurePropertyType(ctx context.Context, id int, label string) error
}

// FXStore persists quarterly JPY conversion rates.
type FXStore interface {
	FindRate(ctx context.Context, currency string, year, quarter int) (*models.FXRate, error)
	UpsertRate(ctx context.Context, rate models.FXRate) error
}
