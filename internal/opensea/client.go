package opensea

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/estensen/nft-sales-pipeline/internal/metrics"
	"github.com/estensen/nft-sales-pipeline/internal/models"
)

const (
	DefaultBaseURL  = "https://api.opensea.io/api/v1/events"
	DefaultPageSize = 300

	eventTypeSuccessful = "successful"
	apiKeyHeader        = "X-API-KEY"
)

// RetryPolicy controls how a single page request is retried.
type RetryPolicy struct {
	// RateLimitCooldown is the fixed wait after HTTP 429 or 401.
	RateLimitCooldown time.Duration
	// ErrorPause is the first wait after any other failure; later waits grow
	// exponentially with jitter up to MaxErrorPause.
	ErrorPause    time.Duration
	MaxErrorPause time.Duration
	// MaxAttempts bounds the failed attempts per page, not counting 429 and
	// 401 answers, which are retried until the context ends. Zero retries
	// forever.
	MaxAttempts uint
}

// DefaultRetryPolicy returns the production retry settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RateLimitCooldown: 30 * time.Second,
		ErrorPause:        5 * time.Second,
		MaxErrorPause:     2 * time.Minute,
		MaxAttempts:       20,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.ErrorPause
	b.MaxInterval = p.MaxErrorPause
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	return b
}

// Config holds the client settings.
type Config struct {
	BaseURL           string
	PageSize          int
	RequestsPerSecond float64
	Retry             RetryPolicy
}

// EventFetcher produces the raw sale events of a project within [start, end).
type EventFetcher interface {
	Events(ctx context.Context, project models.Project, start, end time.Time) iter.Seq2[models.AssetEvent, error]
}

// Client pages through the upstream events endpoint.
type Client struct {
	baseURL  string
	pageSize int
	retry    RetryPolicy
	keys     KeySource
	limiter  *rate.Limiter
	log      *slog.Logger
	doFunc   func(req *http.Request) (*http.Response, error)
}

// Option customizes a Client.
type Option func(*Client)

// WithKeySource sets the API key strategy.
func WithKeySource(keys KeySource) Option {
	return func(c *Client) { c.keys = keys }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.doFunc = hc.Do }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new events client.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		baseURL:  cfg.BaseURL,
		pageSize: cfg.PageSize,
		retry:    cfg.Retry,
		keys:     StaticKey(""),
		log:      slog.Default(),
		doFunc:   (&http.Client{Timeout: time.Minute}).Do,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	c.limiter = rate.NewLimiter(limit, 1)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the events of project in [start, end) in upstream order.
// Pages are requested lazily as the sequence is consumed; the sequence ends
// at the first empty page. A terminal error is yielded once and ends it.
func (c *Client) Events(ctx context.Context, project models.Project, start, end time.Time) iter.Seq2[models.AssetEvent, error] {
	return func(yield func(models.AssetEvent, error) bool) {
		for page := 0; ; page++ {
			events, err := c.fetchPage(ctx, project, start, end, page)
			if err != nil {
				yield(models.AssetEvent{}, err)
				return
			}
			if len(events) == 0 {
				return
			}
			for _, event := range events {
				if !yield(event, nil) {
					return
				}
			}
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, project models.Project, start, end time.Time, page int) ([]models.AssetEvent, error) {
	offset := c.pageSize * page
	query := c.pageQuery(project, start, end, offset)

	var (
		failures  uint
		exhausted bool
	)
	operation := func() ([]models.AssetEvent, error) {
		events, err := c.requestPage(ctx, project, start, end, offset, query)
		if err == nil || isRateLimited(err) || isPermanent(err) {
			return events, err
		}
		failures++
		if c.retry.MaxAttempts > 0 && failures >= c.retry.MaxAttempts {
			exhausted = true
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(c.retry.backOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			reason := "error"
			if isRateLimited(err) {
				reason = "rate_limited"
			}
			metrics.UpstreamRetriesTotal.WithLabelValues(reason).Inc()
			c.log.WarnContext(ctx, "retrying events page",
				slog.String("project", project.ID),
				slog.Int("offset", offset),
				slog.String("reason", reason),
				slog.Duration("wait", wait),
				slog.Any("error", err))
		}),
	}

	events, err := backoff.Retry(ctx, operation, opts...)
	if err != nil {
		if exhausted && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: project %s offset %d after %d attempts: %w", ErrRetriesExhausted, project.ID, offset, failures, err)
		}
		if errors.Is(err, ErrOffsetExhausted) {
			c.log.ErrorContext(ctx, "upstream rejected page offset, aborting run",
				slog.String("project", project.ID),
				slog.Int("offset", offset),
				slog.Int64("occurred_after", start.Unix()),
				slog.Int64("occurred_before", end.Unix()))
			return nil, err
		}
		return nil, err
	}
	return events, nil
}

func isRateLimited(err error) bool {
	var retryAfter *backoff.RetryAfterError
	return errors.As(err, &retryAfter)
}

func isPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

func (c *Client) requestPage(ctx context.Context, project models.Project, start, end time.Time, offset int, query url.Values) ([]models.AssetEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("error building events request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if key := c.keys.Next(); key != "" {
		req.Header.Set(apiKeyHeader, key)
	}

	resp, err := c.doFunc(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		metrics.UpstreamRequestsTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("error fetching events: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusUnauthorized:
		metrics.UpstreamRequestsTotal.WithLabelValues("rate_limited").Inc()
		return nil, fmt.Errorf("status code %d: %w", resp.StatusCode, &backoff.RetryAfterError{Duration: c.retry.RateLimitCooldown})
	case resp.StatusCode == http.StatusBadRequest:
		metrics.UpstreamRequestsTotal.WithLabelValues("offset_exhausted").Inc()
		return nil, backoff.Permanent(&OffsetExhaustedError{
			ProjectID: project.ID,
			Start:     start,
			End:       end,
			Offset:    offset,
		})
	case resp.StatusCode != http.StatusOK:
		metrics.UpstreamRequestsTotal.WithLabelValues("error").Inc()
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var page models.AssetEventsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("invalid_body").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues("ok").Inc()
	return page.AssetEvents, nil
}

// pageQuery builds the query string for one page. Art Blocks projects share a
// contract and are filtered by collection slug instead of address.
func (c *Client) pageQuery(project models.Project, start, end time.Time, offset int) url.Values {
	q := url.Values{}
	if project.IsArtBlocks {
		q.Set("collection_slug", project.Collection)
	} else {
		q.Set("asset_contract_address", project.Address)
	}
	q.Set("event_type", eventTypeSuccessful)
	q.Set("only_opensea", "true")
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("occurred_after", strconv.FormatInt(start.Unix(), 10))
	q.Set("occurred_before", strconv.FormatInt(end.Unix(), 10))
	return q
}
