package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landprice/internal/ingest/models"
	"landprice/internal/ingest/refdata"
	"landprice/internal/ingest/store"
)

// flakyStore fails UpsertBatch for batches above a size threshold, or for
// the first n calls, to exercise the bisection path.
type flakyStore struct {
	*store.MemoryStore
	failAbove int // fail any batch larger than this; 0 disables
	failCalls int // fail this many calls unconditionally
	calls     int
}

func (f *flakyStore) UpsertBatch(ctx context.Context, batch []*models.Transaction) (models.LoadResult, error) {
	f.calls++
	if f.failCalls > 0 {
		f.failCalls--
		return models.LoadResult{}, errors.New("constraint violation")
	}
	if f.failAbove > 0 && len(batch) > f.failAbove {
		return models.LoadResult{}, errors.New("batch too large for backend")
	}
	return f.MemoryStore.UpsertBatch(ctx, batch)
}

// strictStore rejects a batch that touches the same source hash twice, the
// way a multi-row ON CONFLICT DO UPDATE statement does.
type strictStore struct {
	*store.MemoryStore
}

func (s *strictStore) UpsertBatch(ctx context.Context, batch []*models.Transaction) (models.LoadResult, error) {
	seen := make(map[string]struct{}, len(batch))
	for _, t := range batch {
		if _, ok := seen[t.SourceHash]; ok {
			return models.LoadResult{}, errors.New("conflict key affected twice in one statement")
		}
		seen[t.SourceHash] = struct{}{}
	}
	return s.MemoryStore.UpsertBatch(ctx, batch)
}

func records(n int) []*models.Transaction {
	out := make([]*models.Transaction, n)
	for i := range out {
		price := int64(10_000_000 + i)
		out[i] = &models.Transaction{
			SourceHash:      string(rune('a'+i%26)) + "-" + string(rune('0'+i/26)),
			PrefectureCode:  "13",
			TradePrice:      &price,
			TransactionYear: 2023,
		}
	}
	return out
}

func newLoader(s store.TransactionStore, ref *store.MemoryStore, batchSize int) *Loader {
	return New(s, refdata.New(ref), batchSize, nil, nil)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("splits input into bounded batches", func(t *testing.T) {
		fs := &flakyStore{MemoryStore: store.NewMemory()}
		l := newLoader(fs, store.NewMemory(), 10)

		res, err := l.Load(ctx, records(25))
		require.NoError(t, err)
		assert.Equal(t, 25, res.Inserted)
		assert.Equal(t, 3, fs.calls)
	})

	t.Run("reingest updates without duplicating", func(t *testing.T) {
		ms := store.NewMemory()
		l := newLoader(ms, store.NewMemory(), 10)

		recs := records(5)
		_, err := l.Load(ctx, recs)
		require.NoError(t, err)

		res, err := l.Load(ctx, recs)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Inserted)
		assert.Equal(t, 5, res.Updated)
		assert.Equal(t, 5, ms.Len())
	})

	t.Run("bisection recovers a failing batch", func(t *testing.T) {
		// Whole batch of 8 fails; halves of 4 succeed.
		fs := &flakyStore{MemoryStore: store.NewMemory(), failAbove: 4}
		l := newLoader(fs, store.NewMemory(), 8)

		res, err := l.Load(ctx, records(8))
		require.NoError(t, err)
		assert.Equal(t, 8, res.Inserted)
		assert.Equal(t, 3, fs.calls)
	})

	t.Run("escalates when a half fails too", func(t *testing.T) {
		fs := &flakyStore{MemoryStore: store.NewMemory(), failCalls: 3}
		l := newLoader(fs, store.NewMemory(), 8)

		_, err := l.Load(ctx, records(8))
		var be *BatchError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, 8, be.Size)
	})

	t.Run("single-record batch failure escalates without bisection", func(t *testing.T) {
		fs := &flakyStore{MemoryStore: store.NewMemory(), failCalls: 1}
		l := newLoader(fs, store.NewMemory(), 8)

		_, err := l.Load(ctx, records(1))
		var be *BatchError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, 1, fs.calls)
	})

	t.Run("colliding hashes in one batch collapse to the last record", func(t *testing.T) {
		// Same-key rows differing only in price hash identically; both in
		// one statement would abort the whole batch at the backend.
		ss := &strictStore{MemoryStore: store.NewMemory()}
		l := newLoader(ss, store.NewMemory(), 10)

		recs := records(2)
		dup := *recs[0]
		revised := int64(91_000_000)
		dup.TradePrice = &revised
		recs = append(recs, &dup)

		res, err := l.Load(ctx, recs)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Inserted)
		assert.Zero(t, res.Updated)
		assert.Equal(t, 2, ss.Len())

		stored, ok := ss.Find(recs[0].SourceHash)
		require.True(t, ok)
		assert.EqualValues(t, 91_000_000, *stored.TradePrice)
	})

	t.Run("unresolvable records are dropped, not fatal", func(t *testing.T) {
		ms := store.NewMemory()
		l := newLoader(ms, store.NewMemory(), 10)

		recs := records(3)
		recs[1].PrefectureCode = "xx" // no such prefecture
		res, err := l.Load(ctx, recs)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Inserted)
		require.Len(t, res.Failed, 1)
		assert.Same(t, recs[1], res.Failed[0].Record)
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		fs := &flakyStore{MemoryStore: store.NewMemory()}
		l := newLoader(fs, store.NewMemory(), 10)
		res, err := l.Load(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, res.Inserted)
		assert.Zero(t, fs.calls)
	})
}
