package refdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"landprice/internal/geo"
	"landprice/internal/ingest/models"
	"landprice/internal/ingest/store"
	"landprice/pkg/platform/sentinel"
)

// Resolver guarantees dimension rows exist before transactions referencing
// them are loaded. Codes verified once in a run are cached so 20 years of
// quarters for one prefecture cost one store round-trip per code, not one
// per batch. The cache is shared across partition workers and safe for
// concurrent use; the store side is upsert-on-conflict, so two workers
// racing on a new code both succeed.
type Resolver struct {
	store store.ReferenceStore

	mu   sync.RWMutex
	seen map[cacheKey]struct{}
}

type cacheKey struct {
	kind models.ReferenceKind
	code string
}

// New creates a Resolver over the given reference store.
func New(refStore store.ReferenceStore) *Resolver {
	return &Resolver{
		store: refStore,
		seen:  make(map[cacheKey]struct{}),
	}
}

// EnsureTransaction resolves every dimension a normalized transaction
// references. Called before the record's batch is loaded.
func (r *Resolver) EnsureTransaction(ctx context.Context, t *models.Transaction) error {
	if err := r.EnsurePrefecture(ctx, t.PrefectureCode); err != nil {
		return err
	}
	if t.MunicipalityCode != "" {
		if err := r.EnsureMunicipality(ctx, t.MunicipalityCode, t.PrefectureCode, t.MunicipalityName); err != nil {
			return err
		}
	}
	if t.StationCode != "" {
		if err := r.EnsureStation(ctx, t.StationCode, ""); err != nil {
			return err
		}
	}
	if t.PropertyTypeID != nil {
		if err := r.EnsurePropertyType(ctx, *t.PropertyTypeID, t.PropertyTypeRaw); err != nil {
			return err
		}
	}
	return nil
}

// EnsurePrefecture makes sure the prefecture dimension row exists.
func (r *Resolver) EnsurePrefecture(ctx context.Context, code string) error {
	p, ok := geo.Lookup(code)
	if !ok {
		return fmt.Errorf("refdata: prefecture code %q: %w", code, sentinel.ErrInvalidInput)
	}
	return r.ensure(ctx, cacheKey{models.RefPrefecture, code}, func() error {
		return r.store.EnsurePrefecture(ctx, p)
	})
}

// EnsureMunicipality makes sure the municipality dimension row exists.
// An empty code means the record references no municipality and is a no-op;
// any other non-5-digit code is structurally invalid.
func (r *Resolver) EnsureMunicipality(ctx context.Context, code, prefectureCode, name string) error {
	if code == "" {
		return nil
	}
	if len(code) != 5 {
		return fmt.Errorf("refdata: municipality code %q: %w", code, sentinel.ErrInvalidInput)
	}
	return r.ensure(ctx, cacheKey{models.RefMunicipality, code}, func() error {
		return r.store.EnsureMunicipality(ctx, code, prefectureCode, name)
	})
}

// EnsureStation makes sure the station dimension row exists.
func (r *Resolver) EnsureStation(ctx context.Context, code, name string) error {
	if code == "" {
		return nil
	}
	return r.ensure(ctx, cacheKey{models.RefStation, code}, func() error {
		return r.store.EnsureStation(ctx, code, name)
	})
}

// EnsurePropertyType makes sure the property-type dimension row exists.
func (r *Resolver) EnsurePropertyType(ctx context.Context, id int, label string) error {
	return r.ensure(ctx, cacheKey{models.RefPropertyType, fmt.Sprintf("%d", id)}, func() error {
		return r.store.EnsurePropertyType(ctx, id, label)
	})
}

// ensure runs the store call once per unseen key, with one short retry for
// transient store failures. Store calls happen outside the lock: two workers
// may both insert the same new code, which the upsert semantics absorb.
func (r *Resolver) ensure(ctx context.Context, key cacheKey, insert func() error) error {
	r.mu.RLock()
	_, cached := r.seen[key]
	r.mu.RUnlock()
	if cached {
		return nil
	}

	err := insert()
	if err != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		err = insert()
	}
	if err != nil {
		return fmt.Errorf("refdata: ensure %s %s: %w", key.kind, key.code, err)
	}

	r.mu.Lock()
	r.seen[key] = struct{}{}
	r.mu.Unlock()
	return nil
}

// CacheSize returns the number of codes verified this run.
func (r *Resolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.seen)
}
