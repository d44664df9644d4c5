// Package fx keeps the quarterly JPY conversion rates current. Rates come
// from the Frankfurter API, which needs no key, so a refresh can run without
// upstream credentials.
package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"landprice/internal/ingest/models"
	"landprice/internal/ingest/store"
	"landprice/internal/platform/ratelimit"
	"landprice/pkg/platform/sentinel"
)

// DefaultBaseURL is the public Frankfurter endpoint.
const DefaultBaseURL = "https://api.frankfurter.app"

// EarliestYear matches the earliest transaction period in the warehouse.
const EarliestYear = 2005

// Currencies are the conversion targets stored per quarter.
var Currencies = []string{"USD", "EUR", "GBP"}

// Refresher fills in missing (currency, year, quarter) rates. Existing rows
// are left alone, so a refresh after every ingest stays cheap.
type Refresher struct {
	baseURL    string
	httpc      *http.Client
	store      store.FXStore
	limiter    *ratelimit.Limiter
	maxRetries int
	retryDelay time.Duration
	log        *log.Logger
	now        func() time.Time
}

// Config bundles the refresher's collaborators.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      store.FXStore
	Limiter    *ratelimit.Limiter
	MaxRetries int
	Logger     *log.Logger
}

// New creates a Refresher, defaulting unset config fields.
func New(cfg Config) *Refresher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(5, time.Second)
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Refresher{
		baseURL:    cfg.BaseURL,
		httpc:      cfg.HTTPClient,
		store:      cfg.Store,
		limiter:    cfg.Limiter,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
		log:        cfg.Logger,
		now:        time.Now,
	}
}

// Refresh walks every quarter from the earliest year through the current one
// and fetches rates the store does not have yet. It returns the number of
// rates written. A currency whose rate cannot be fetched is logged and
// skipped; only store failures abort the refresh.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	now := r.now()
	currentYear := now.Year()
	currentQuarter := (int(now.Month())-1)/3 + 1

	var written int
	for year := EarliestYear; year <= currentYear; year++ {
		for quarter := 1; quarter <= 4; quarter++ {
			if year == currentYear && quarter > currentQuarter {
				break
			}
			n, err := r.refreshQuarter(ctx, year, quarter)
			written += n
			if err != nil {
				return written, err
			}
		}
	}
	r.log.Printf("fx: refresh complete, %d rates written", written)
	return written, nil
}

func (r *Refresher) refreshQuarter(ctx context.Context, year, quarter int) (int, error) {
	rateDate := midQuarterDate(year, quarter)

	var written int
	for _, currency := range Currencies {
		_, err := r.store.FindRate(ctx, currency, year, quarter)
		if err == nil {
			continue
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return written, fmt.Errorf("fx: look up %s %dQ%d: %w", currency, year, quarter, err)
		}

		rate, actualDate, err := r.fetchRate(ctx, rateDate, currency)
		if err != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			r.log.Printf("fx: %s for %s unavailable: %v", currency, rateDate.Format("2006-01-02"), err)
			continue
		}

		record := models.FXRate{
			Currency: currency,
			Year:     year,
			Quarter:  quarter,
			Rate:     rate,
			RateDate: actualDate,
		}
		if err := r.store.UpsertRate(ctx, record); err != nil {
			return written, fmt.Errorf("fx: store %s %dQ%d: %w", currency, year, quarter, err)
		}
		written++
		r.log.Printf("fx: %dQ%d %s = %.8f", year, quarter, currency, rate)
	}
	return written, nil
}

// midQuarterDate is the representative pricing date for a quarter: the 15th
// of its middle month.
func midQuarterDate(year, quarter int) time.Time {
	month := time.Month((quarter-1)*3 + 2)
	return time.Date(year, month, 15, 0, 0, 0, 0, time.UTC)
}

type ratePayload struct {
	Base  string             `json:"base"`
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

// fetchRate asks for the JPY rate on a date, retrying transient failures. A
// 404 means the market was closed that day, so it falls back one day, once.
func (r *Refresher) fetchRate(ctx context.Context, day time.Time, currency string) (float64, time.Time, error) {
	rate, err := r.fetchOnDate(ctx, day, currency)
	if err == nil {
		return rate, day, nil
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		prev := day.AddDate(0, 0, -1)
		rate, err = r.fetchOnDate(ctx, prev, currency)
		if err == nil {
			return rate, prev, nil
		}
	}
	return 0, time.Time{}, err
}

func (r *Refresher) fetchOnDate(ctx context.Context, day time.Time, currency string) (float64, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.retryDelay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		rate, err := r.doOnce(ctx, day, currency)
		if err == nil {
			return rate, nil
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("fx: %d attempts failed: %w", r.maxRetries, lastErr)
}

func (r *Refresher) doOnce(ctx context.Context, day time.Time, currency string) (float64, error) {
	u := fmt.Sprintf("%s/%s?%s", r.baseURL, day.Format("2006-01-02"), url.Values{
		"from": {"JPY"},
		"to":   {currency},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("no rate published for %s: %w", day.Format("2006-01-02"), sentinel.ErrNotFound)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("fx: unexpected status %d", resp.StatusCode)
	}

	var payload ratePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("fx: decode response: %w", err)
	}
	rate, ok := payload.Rates[currency]
	if !ok {
		return 0, fmt.Errorf("fx: response for %s missing %s rate", day.Format("2006-01-02"), currency)
	}
	return rate, nil
}
