package mlit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landprice/internal/platform/ratelimit"
	"landprice/pkg/platform/sentinel"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		MaxRetries: 4,
		Limiter:    ratelimit.New(1000, time.Second),
	})
	// Shrink backoff so retry tests stay fast.
	c.retryDelay = time.Millisecond
	return c, srv
}

func writePage(w http.ResponseWriter, records []RawTransaction, hasMore bool) {
	_ = json.NewEncoder(w).Encode(transactionPage{Data: records, HasMore: hasMore})
}

func TestFetchTransactionsPage(t *testing.T) {
	params := TransactionParams{Year: 2023, Quarter: 2, Area: "13"}

	t.Run("sends auth header and query parameters", func(t *testing.T) {
		var gotKey, gotQuery string
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotKey = r.Header.Get("Ocp-Apim-Subscription-Key")
			gotQuery = r.URL.RawQuery
			writePage(w, nil, false)
		}))

		_, _, err := c.FetchTransactionsPage(context.Background(), params, 1)
		require.NoError(t, err)
		assert.Equal(t, "test-key", gotKey)
		assert.Contains(t, gotQuery, "year=2023")
		assert.Contains(t, gotQuery, "quarter=2")
		assert.Contains(t, gotQuery, "area=13")
		assert.Contains(t, gotQuery, "priceClassification=01")
		assert.Contains(t, gotQuery, "language=en")
	})

	t.Run("rejects year before earliest supported", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writePage(w, nil, false)
		}))
		_, _, err := c.FetchTransactionsPage(context.Background(), TransactionParams{Year: 2001, Area: "13"}, 1)
		assert.ErrorIs(t, err, sentinel.ErrInvalidInput)
	})

	t.Run("rejects malformed prefecture code", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writePage(w, nil, false)
		}))
		for _, code := range []string{"", "1", "130", "99", "xx"} {
			_, _, err := c.FetchTransactionsPage(context.Background(), TransactionParams{Year: 2023, Area: code}, 1)
			assert.ErrorIs(t, err, sentinel.ErrInvalidInput, "code %q", code)
		}
	})

	t.Run("unpublished period surfaces as ErrNotFound", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		_, _, err := c.FetchTransactionsPage(context.Background(), params, 1)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("auth rejection is fatal and not retried", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		_, _, err := c.FetchTransactionsPage(context.Background(), params, 1)
		assert.True(t, IsAuth(err))
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("recovers after transient failures", func(t *testing.T) {
		var calls atomic.Int32
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) <= 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			writePage(w, []RawTransaction{{TradePrice: "50000000"}}, false)
		}))

		records, hasMore, err := c.FetchTransactionsPage(context.Background(), params, 1)
		require.NoError(t, err)
		assert.False(t, hasMore)
		require.Len(t, records, 1)
		assert.Equal(t, "50000000", records[0].TradePrice)
		assert.EqualValues(t, 4, calls.Load())
	})

	t.Run("exhausted retries yield TransientError", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		_, _, err := c.FetchTransactionsPage(context.Background(), params, 1)
		assert.True(t, IsTransient(err))
	})
}

func TestTransactions(t *testing.T) {
	params := TransactionParams{Year: 2023, Quarter: 1, Area: "13"}

	t.Run("pages until continuation indicator clears", func(t *testing.T) {
		pages := [][]RawTransaction{
			{{DistrictName: "a"}, {DistrictName: "b"}},
			{{DistrictName: "c"}},
			{{DistrictName: "d"}},
		}
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			page := 1
			if p := r.URL.Query().Get("page"); p != "" {
				page, _ = strconv.Atoi(p)
			}
			writePage(w, pages[page-1], page < len(pages))
		}))

		var got []string
		err := c.Transactions(context.Background(), params, func(recs []RawTransaction) error {
			for _, r := range recs {
				got = append(got, r.DistrictName)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	})

	t.Run("empty upstream is success with zero records", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writePage(w, nil, false)
		}))
		visits := 0
		err := c.Transactions(context.Background(), params, func([]RawTransaction) error {
			visits++
			return nil
		})
		require.NoError(t, err)
		assert.Zero(t, visits)
	})

	t.Run("visitor error stops iteration", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writePage(w, []RawTransaction{{DistrictName: "x"}}, true)
		}))
		err := c.Transactions(context.Background(), params, func([]RawTransaction) error {
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestReferenceEndpoints(t *testing.T) {
	t.Run("municipality list decodes", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Contains(t, r.URL.Path, "XIT002")
			_ = json.NewEncoder(w).Encode(municipalityPage{Data: []Municipality{
				{Code: "13103", Name: "Minato Ward"},
			}})
		}))
		munis, err := c.Municipalities(context.Background(), "13", "en")
		require.NoError(t, err)
		require.Len(t, munis, 1)
		assert.Equal(t, "13103", munis[0].Code)
	})

	t.Run("station list decodes", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Contains(t, r.URL.Path, "XIT005")
			_ = json.NewEncoder(w).Encode(stationPage{Data: []Station{
				{Code: "003785", Name: "Shinagawa"},
			}})
		}))
		stations, err := c.Stations(context.Background(), "13", "en")
		require.NoError(t, err)
		require.Len(t, stations, 1)
		assert.Equal(t, "Shinagawa", stations[0].Name)
	})
}
