package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"crimelake/internal/domain"
	"crimelake/internal/util"
)

// Compile-time interface check.
var _ PageSource = (*Fetcher)(nil)

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("API returned status %d for %s", e.StatusCode, e.URL)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// FetcherOptions configures a Fetcher. The zero value is usable.
type FetcherOptions struct {
	// Timeout bounds each request; zero leaves requests unbounded.
	Timeout time.Duration
	// AppToken is sent as X-App-Token when set.
	AppToken string
	// RateLimitPerMin throttles requests; zero disables throttling.
	RateLimitPerMin int
	// Client overrides the HTTP client (tests).
	Client *http.Client
	Logger *slog.Logger
}

// Fetcher performs the GET requests for a day's query.
type Fetcher struct {
	client   *http.Client
	appToken string
	limiter  *util.RateLimiter
	log      *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		client:   client,
		appToken: opts.AppToken,
		limiter:  util.NewRateLimiter(opts.RateLimitPerMin),
		log:      log,
	}
}

// Fetch issues a single request for the first page of req and returns the
// decoded JSON array. It does not follow up on truncated responses; use
// Pages for that.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) ([]domain.Record, error) {
	return f.fetchPage(ctx, req, 0)
}

// Pages returns the pages of req lazily. A page holding exactly req.Limit
// rows is followed by a request at the next offset; a shorter page ends the
// sequence. Each range over the returned sequence starts again at offset 0.
// The first error is yielded once and ends the sequence.
func (f *Fetcher) Pages(ctx context.Context, req FetchRequest) iter.Seq2[domain.Page, error] {
	return func(yield func(domain.Page, error) bool) {
		offset := 0
		for {
			records, err := f.fetchPage(ctx, req, offset)
			if err != nil {
				yield(domain.Page{Offset: offset}, err)
				return
			}
			if !yield(domain.Page{Offset: offset, Records: records}, nil) {
				return
			}
			if len(records) < req.Limit || len(records) == 0 {
				return
			}
			offset += len(records)
			f.log.Debug("page full, requesting next", "offset", offset, "limit", req.Limit)
		}
	}
}

func (f *Fetcher) fetchPage(ctx context.Context, req FetchRequest, offset int) ([]domain.Record, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := req.URL(offset)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if f.appToken != "" {
		httpReq.Header.Set("X-App-Token", f.appToken)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			URL:        u,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var records []domain.Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return records, nil
}
