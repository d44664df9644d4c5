package refdata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landprice/internal/geo"
	"landprice/internal/ingest/models"
	"landprice/internal/ingest/store"
	"landprice/pkg/platform/sentinel"
)

// countingStore wraps MemoryStore to observe and optionally fail calls.
type countingStore struct {
	*store.MemoryStore
	municipalityCalls atomic.Int32
	failures          atomic.Int32 // fail this many calls before succeeding
}

func (c *countingStore) EnsureMunicipality(ctx context.Context, code, prefectureCode, name string) error {
	c.municipalityCalls.Add(1)
	if c.failures.Load() > 0 {
		c.failures.Add(-1)
		return assert.AnError
	}
	return c.MemoryStore.EnsureMunicipality(ctx, code, prefectureCode, name)
}

func TestResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("caches resolved codes for the run", func(t *testing.T) {
		cs := &countingStore{MemoryStore: store.NewMemory()}
		r := New(cs)

		for range 5 {
			require.NoError(t, r.EnsureMunicipality(ctx, "13103", "13", "Minato Ward"))
		}
		assert.EqualValues(t, 1, cs.municipalityCalls.Load())
		assert.True(t, cs.HasMunicipality("13103"))
	})

	t.Run("retries a transient store failure once", func(t *testing.T) {
		cs := &countingStore{MemoryStore: store.NewMemory()}
		cs.failures.Store(1)
		r := New(cs)

		require.NoError(t, r.EnsureMunicipality(ctx, "27100", "27", "Osaka City"))
		assert.EqualValues(t, 2, cs.municipalityCalls.Load())
	})

	t.Run("surfaces persistent store failure", func(t *testing.T) {
		cs := &countingStore{MemoryStore: store.NewMemory()}
		cs.failures.Store(10)
		r := New(cs)

		err := r.EnsureMunicipality(ctx, "27100", "27", "Osaka City")
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("rejects structurally invalid codes", func(t *testing.T) {
		r := New(store.NewMemory())
		assert.ErrorIs(t, r.EnsurePrefecture(ctx, "99"), sentinel.ErrInvalidInput)
		assert.ErrorIs(t, r.EnsureMunicipality(ctx, "131", "13", "x"), sentinel.ErrInvalidInput)
	})

	t.Run("empty municipality code is a no-op", func(t *testing.T) {
		cs := &countingStore{MemoryStore: store.NewMemory()}
		r := New(cs)
		require.NoError(t, r.EnsureMunicipality(ctx, "", "13", ""))
		assert.Zero(t, cs.municipalityCalls.Load())
	})

	t.Run("concurrent workers resolving one new code all succeed", func(t *testing.T) {
		cs := &countingStore{MemoryStore: store.NewMemory()}
		r := New(cs)

		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, r.EnsureMunicipality(ctx, "13104", "13", "Shinjuku Ward"))
			}()
		}
		wg.Wait()
		assert.True(t, cs.HasMunicipality("13104"))
		assert.Equal(t, 1, r.CacheSize())
	})

	t.Run("resolves every dimension of a transaction", func(t *testing.T) {
		ms := store.NewMemory()
		r := New(ms)
		typeID := 1
		err := r.EnsureTransaction(ctx, &models.Transaction{
			PrefectureCode:   "13",
			MunicipalityCode: "13103",
			MunicipalityName: "Minato Ward",
			StationCode:      "003785",
			PropertyTypeID:   &typeID,
			PropertyTypeRaw:  "Pre-owned Condominiums, etc.",
		})
		require.NoError(t, err)
		assert.True(t, ms.HasPrefecture("13"))
		assert.True(t, ms.HasMunicipality("13103"))
		assert.Equal(t, 4, r.CacheSize())
	})
}

func TestResolverPrefectureLookup(t *testing.T) {
	// guard against the geo table drifting out of sync with codes 01-47
	for _, p := range geo.All() {
		r := New(store.NewMemory())
		assert.NoError(t, r.EnsurePrefecture(context.Background(), p.Code))
	}
	assert.Len(t, geo.All(), 47)
}
