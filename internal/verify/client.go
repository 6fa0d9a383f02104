package verify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/policy/ratelimit"
)

// DefaultEndpointTemplate is the item detail endpoint; {id} is replaced by
// the listing's external id.
const DefaultEndpointTemplate = "https://api.ebay.com/buy/browse/v1/item/v1%7C{id}%7C0"

// TransportError wraps a failed detail request. StatusCode is zero for
// network-level failures.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("detail request failed: %v", e.Err)
	}
	return fmt.Sprintf("detail request returned %d: %v", e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *TransportError) Retryable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// IsRetryable is the retry predicate used for detail requests.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// ClientConfig configures the detail client.
type ClientConfig struct {
	EndpointTemplate string
	Token            string
	Headers          map[string]string
	Timeout          time.Duration
	MaxAttempts      int
	Backoff          time.Duration
	MaxBackoff       time.Duration
	RateLimit        ratelimit.Config
}

// Client fetches item details over HTTP.
type Client struct {
	http     *resty.Client
	template string
	limiter  *ratelimit.Limiter
	retry    crawler.RetryPolicy
}

// NewClient builds a Client. Retries are handled by the shared retry policy,
// so resty's own retry is left disabled.
func NewClient(cfg ClientConfig) *Client {
	if cfg.EndpointTemplate == "" {
		cfg.EndpointTemplate = DefaultEndpointTemplate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 8 * time.Second
	}

	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeaders(cfg.Headers)
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}

	return &Client{
		http:     rc,
		template: cfg.EndpointTemplate,
		limiter:  ratelimit.New(cfg.RateLimit),
		retry: crawler.NewRetryPolicy(
			cfg.MaxAttempts,
			crawler.ExponentialBackoff(cfg.Backoff, cfg.MaxBackoff),
			IsRetryable,
		),
	}
}

// FetchDetail returns the parsed availability for one item.
func (c *Client) FetchDetail(ctx context.Context, itemID string) (Availability, error) {
	if strings.TrimSpace(itemID) == "" {
		return Availability{}, errors.New("empty item id")
	}
	out, _, err := crawler.Retry(ctx, c.retry, func(ctx context.Context, _ int) (Availability, error) {
		if err := c.limiter.Wait(ctx, c.template); err != nil {
			return Availability{}, err
		}
		body, err := c.get(ctx, itemID)
		if err != nil {
			return Availability{}, err
		}
		return ParseDetail(body)
	})
	return out, err
}

func (c *Client) get(ctx context.Context, itemID string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", itemID).
		Get(c.template)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}
	if resp.IsError() {
		return nil, &TransportError{
			StatusCode: resp.StatusCode(),
			Err:        errors.New(snippet(resp.String())),
		}
	}
	return resp.Body(), nil
}

func snippet(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return "empty body"
	}
	const maxLen = 200
	if len(body) > maxLen {
		return body[:maxLen]
	}
	return body
}
