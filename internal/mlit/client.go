package mlit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"landprice/internal/platform/metrics"
	"landprice/internal/platform/ratelimit"
	"landprice/pkg/platform/sentinel"
)

const (
	// DefaultBaseURL is the public Real Estate Information Library gateway.
	DefaultBaseURL = "https://www.reinfolib.mlit.go.jp/ex-api/external"

	// EarliestYear is the first year the upstream publishes transactions for.
	EarliestYear = 2005

	endpointTransactions   = "XIT001"
	endpointMunicipalities = "XIT002"
	endpointStations       = "XIT005"

	authHeader     = "Ocp-Apim-Subscription-Key"
	retryBaseDelay = 500 * time.Millisecond
)

// Client issues authenticated, rate-limited requests against the upstream
// API. It is stateless across calls apart from the shared limiter, so one
// instance serves every partition worker.
type Client struct {
	baseURL    string
	apiKey     string
	httpc      *http.Client
	limiter    *ratelimit.Limiter
	maxRetries int
	retryDelay time.Duration
	metrics    *metrics.Metrics
	log        *log.Logger
}

// ClientConfig bundles the client's collaborators. Limiter is required: the
// whole point is that workers share one request budget.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Limiter    *ratelimit.Limiter
	Metrics    *metrics.Metrics
	Logger     *log.Logger
}

// NewClient builds a Client, filling unset config fields with defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 4
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(2, time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpc:      &http.Client{Timeout: cfg.Timeout},
		limiter:    cfg.Limiter,
		maxRetries: cfg.MaxRetries,
		retryDelay: retryBaseDelay,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
	}
}

type transactionPage struct {
	Data    []RawTransaction `json:"data"`
	HasMore bool             `json:"hasMore"`
}

type municipalityPage struct {
	Data []Municipality `json:"data"`
}

type stationPage struct {
	Data []Station `json:"data"`
}

// FetchTransactionsPage fetches one page of transaction records. A period the
// upstream has not published yet surfaces as sentinel.ErrNotFound, which
// callers treat as an empty, successful partition.
func (c *Client) FetchTransactionsPage(ctx context.Context, p TransactionParams, page int) ([]RawTransaction, bool, error) {
	if err := validateParams(p); err != nil {
		return nil, false, err
	}

	q := url.Values{}
	q.Set("year", strconv.Itoa(p.Year))
	q.Set("area", p.Area)
	if p.Quarter > 0 {
		q.Set("quarter", strconv.Itoa(p.Quarter))
	}
	if p.City != "" {
		q.Set("city", p.City)
	}
	if p.Station != "" {
		q.Set("station", p.Station)
	}
	pc := p.PriceClassification
	if pc == "" {
		pc = "01"
	}
	q.Set("priceClassification", pc)
	lang := p.Language
	if lang == "" {
		lang = "en"
	}
	q.Set("language", lang)
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}

	var env transactionPage
	if err := c.get(ctx, endpointTransactions, q, &env); err != nil {
		return nil, false, err
	}
	return env.Data, env.HasMore, nil
}

// Transactions streams every page for the given params through visit, one
// page at a time so a partition never has to sit in memory whole. Iteration
// always restarts from page 1, which keeps partition retries free of residual
// state from a failed attempt.
func (c *Client) Transactions(ctx context.Context, p TransactionParams, visit func([]RawTransaction) error) error {
	for page := 1; ; page++ {
		records, hasMore, err := c.FetchTransactionsPage(ctx, p, page)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			if err := visit(records); err != nil {
				return err
			}
		}
		if !hasMore {
			return nil
		}
	}
}

// Municipalities fetches the municipality list for one prefecture.
func (c *Client) Municipalities(ctx context.Context, area, language string) ([]Municipality, error) {
	if !validPrefectureCode(area) {
		return nil, fmt.Errorf("mlit: prefecture code %q: %w", area, sentinel.ErrInvalidInput)
	}
	q := url.Values{}
	q.Set("area", area)
	if language == "" {
		language = "en"
	}
	q.Set("language", language)

	var env municipalityPage
	if err := c.get(ctx, endpointMunicipalities, q, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Stations fetches the station list for one prefecture.
func (c *Client) Stations(ctx context.Context, area, language string) ([]Station, error) {
	if !validPrefectureCode(area) {
		return nil, fmt.Errorf("mlit: prefecture code %q: %w", area, sentinel.ErrInvalidInput)
	}
	q := url.Values{}
	q.Set("area", area)
	if language == "" {
		language = "en"
	}
	q.Set("language", language)

	var env stationPage
	if err := c.get(ctx, endpointStations, q, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// get performs one logical request with rate limiting and bounded
// exponential-backoff retries on transient failures.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		retryable, err := c.doOnce(ctx, endpoint, q, out)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err

		if attempt < c.maxRetries {
			if c.metrics != nil {
				c.metrics.APIRetries.Inc()
			}
			c.log.Printf("mlit: %s attempt %d/%d failed: %v (retrying in %v)",
				endpoint, attempt, c.maxRetries, err, delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return &TransientError{Attempts: c.maxRetries, Last: lastErr}
}

func (c *Client) doOnce(ctx context.Context, endpoint string, q url.Values, out any) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/"+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("mlit: build request: %w", err)
	}
	req.Header.Set(authHeader, c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.observe("error")
		return true, fmt.Errorf("mlit: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		c.observe("2xx")
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return true, fmt.Errorf("mlit: decode %s response: %w", endpoint, err)
		}
		return false, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.observe("4xx")
		return false, &AuthError{Status: resp.StatusCode}

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		// The upstream answers 400 for invalid periods and 404 for periods
		// not yet published. Both mean "no data here", not failure.
		c.observe("4xx")
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("mlit: %s period not published: %w", endpoint, sentinel.ErrNotFound)

	case resp.StatusCode == http.StatusTooManyRequests:
		c.observe("429")
		return true, fmt.Errorf("mlit: %s rate limited (429)", endpoint)

	case resp.StatusCode >= 500:
		c.observe("5xx")
		return true, fmt.Errorf("mlit: %s upstream error (status %d)", endpoint, resp.StatusCode)

	default:
		c.observe("4xx")
		return false, fmt.Errorf("mlit: %s unexpected status %d", endpoint, resp.StatusCode)
	}
}

func (c *Client) observe(status string) {
	if c.metrics != nil {
		c.metrics.APIRequests.WithLabelValues(status).Inc()
	}
}

func validateParams(p TransactionParams) error {
	if p.Year < EarliestYear {
		return fmt.Errorf("mlit: year %d precedes earliest supported year %d: %w",
			p.Year, EarliestYear, sentinel.ErrInvalidInput)
	}
	if p.Quarter < 0 || p.Quarter > 4 {
		return fmt.Errorf("mlit: quarter %d out of range: %w", p.Quarter, sentinel.ErrInvalidInput)
	}
	if !validPrefectureCode(p.Area) {
		return fmt.Errorf("mlit: prefecture code %q: %w", p.Area, sentinel.ErrInvalidInput)
	}
	return nil
}

func validPrefectureCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	n, err := strconv.Atoi(code)
	return err == nil && n >= 1 && n <= 47
}
