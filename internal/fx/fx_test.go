package fx

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landprice/internal/ingest/models"
	"landprice/internal/ingest/store"
	"landprice/internal/platform/ratelimit"
)

// fxServer is an httptest stand-in for Frankfurter, keyed by date string.
type fxServer struct {
	mu       sync.Mutex
	notFound map[string]bool
	failures map[string]int // remaining 500s per date
	requests []string
}

func newFXServer() (*fxServer, *httptest.Server) {
	f := &fxServer{
		notFound: make(map[string]bool),
		failures: make(map[string]int),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		day := strings.TrimPrefix(r.URL.Path, "/")
		currency := r.URL.Query().Get("to")

		f.mu.Lock()
		f.requests = append(f.requests, day+"/"+currency)
		if f.failures[day] > 0 {
			f.failures[day]--
			f.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		notFound := f.notFound[day]
		f.mu.Unlock()

		if notFound {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `{"amount":1.0,"base":"JPY","date":%q,"rates":{%q:0.00671234}}`, day, currency)
	}))
	return f, srv
}

func testRefresher(t *testing.T, baseURL string, s store.FXStore, now time.Time) *Refresher {
	t.Helper()
	r := New(Config{BaseURL: baseURL, Store: s, Limiter: ratelimit.New(1000, time.Second)})
	r.retryDelay = time.Millisecond
	r.now = func() time.Time { return now }
	return r
}

func (f *fxServer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	// Mid Q2: quarters Q1 and Q2 of 2005 are in range.
	june2005 := time.Date(2005, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("fetches missing rates on mid-quarter dates", func(t *testing.T) {
		f, srv := newFXServer()
		defer srv.Close()
		ms := store.NewMemory()
		r := testRefresher(t, srv.URL, ms, june2005)

		written, err := r.Refresh(ctx)
		require.NoError(t, err)
		// 2 quarters x 3 currencies
		assert.Equal(t, 6, written)
		assert.Equal(t, 6, f.count())
		assert.Contains(t, f.requests, "2005-02-15/USD")
		assert.Contains(t, f.requests, "2005-05-15/GBP")

		rate, err := ms.FindRate(ctx, "EUR", 2005, 1)
		require.NoError(t, err)
		assert.InDelta(t, 0.00671234, rate.Rate, 1e-9)
		assert.Equal(t, time.Date(2005, 2, 15, 0, 0, 0, 0, time.UTC), rate.RateDate)
	})

	t.Run("leaves existing rates alone", func(t *testing.T) {
		f, srv := newFXServer()
		defer srv.Close()
		ms := store.NewMemory()
		for _, c := range Currencies {
			require.NoError(t, ms.UpsertRate(ctx, models.FXRate{
				Currency: c, Year: 2005, Quarter: 1, Rate: 0.009,
			}))
		}
		r := testRefresher(t, srv.URL, ms, june2005)

		written, err := r.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, written)
		assert.Equal(t, 3, f.count())

		// Pre-existing rate untouched.
		rate, err := ms.FindRate(ctx, "USD", 2005, 1)
		require.NoError(t, err)
		assert.InDelta(t, 0.009, rate.Rate, 1e-9)
	})

	t.Run("market holiday falls back one day", func(t *testing.T) {
		f, srv := newFXServer()
		defer srv.Close()
		f.notFound["2005-02-15"] = true
		ms := store.NewMemory()
		r := testRefresher(t, srv.URL, ms, june2005)

		_, err := r.Refresh(ctx)
		require.NoError(t, err)
		assert.Contains(t, f.requests, "2005-02-14/USD")

		rate, err := ms.FindRate(ctx, "USD", 2005, 1)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2005, 2, 14, 0, 0, 0, 0, time.UTC), rate.RateDate)
	})

	t.Run("retries transient failures", func(t *testing.T) {
		f, srv := newFXServer()
		defer srv.Close()
		f.failures["2005-02-15"] = 2
		ms := store.NewMemory()
		r := testRefresher(t, srv.URL, ms, june2005)

		written, err := r.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6, written)
		// 2 failed attempts on top of the 6 successes.
		assert.Equal(t, 8, f.count())
	})

	t.Run("an unavailable rate is skipped, not fatal", func(t *testing.T) {
		f, srv := newFXServer()
		defer srv.Close()
		f.notFound["2005-02-15"] = true
		f.notFound["2005-02-14"] = true
		ms := store.NewMemory()
		r := testRefresher(t, srv.URL, ms, june2005)

		written, err := r.Refresh(ctx)
		require.NoError(t, err)
		// Q1 yields nothing, Q2 still loads.
		assert.Equal(t, 3, written)
		assert.Equal(t, 3, ms.FXLen())

		_, err = ms.FindRate(ctx, "USD", 2005, 1)
		assert.Error(t, err)
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Len(t, f.requests, 9) // 3 currencies x (15th + 14th) + 3 Q2 hits
	})
}

func TestMidQuarterDate(t *testing.T) {
	assert.Equal(t, time.Date(2023, 2, 15, 0, 0, 0, 0, time.UTC), midQuarterDate(2023, 1))
	assert.Equal(t, time.Date(2023, 5, 15, 0, 0, 0, 0, time.UTC), midQuarterDate(2023, 2))
	assert.Equal(t, time.Date(2023, 8, 15, 0, 0, 0, 0, time.UTC), midQuarterDate(2023, 3))
	assert.Equal(t, time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC), midQuarterDate(2023, 4))
}
