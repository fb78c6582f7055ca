// Package catalog reads the external customer catalog.
//
// The catalog is a REST API with cursor pagination signalled through the
// Link response header (rel="next"). The client enforces the provider's
// rate limit with a fixed inter-page delay, retries 429s and 5xx responses
// with exponential backoff, and surfaces other 4xx responses as terminal.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Paging contract of the provider.
const (
	DefaultPageSize  = 250
	DefaultPageDelay = 200 * time.Millisecond
	requestTimeout   = 30 * time.Second
	maxRetries       = 5
)

// TerminalError marks a non-retryable (4xx) API response.
type TerminalError struct {
	StatusCode int
	Body       string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("catalog request rejected: status %d: %s", e.StatusCode, e.Body)
}

// IsTerminal reports whether err is a non-retryable catalog error.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}

// Customer is one external catalog record.
type Customer struct {
	ExternalID  string    `json:"id"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	OrdersCount int       `json:"orders_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Order is one external purchase record.
type Order struct {
	ExternalID string    `json:"id"`
	TotalCents int64     `json:"total_cents"`
	LineItems  int       `json:"line_items_count"`
	PlacedAt   time.Time `json:"placed_at"`
}

// Client reads the catalog API.
type Client struct {
	Log *zap.Logger
	// BaseURL is the API root, e.g. https://catalog.example.com/api/v1.
	BaseURL string
	// Token is the bearer access token.
	Token string
	// HTTP is the transport; defaults to a client with a request timeout.
	HTTP *http.Client
	// PageSize per request (default 250).
	PageSize int
	// PageDelay between page fetches (default 200ms).
	PageDelay time.Duration
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: requestTimeout}
}

func (c *Client) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return DefaultPageSize
}

func (c *Client) pageDelay() time.Duration {
	if c.PageDelay > 0 {
		return c.PageDelay
	}
	return DefaultPageDelay
}

// CustomerPageFunc consumes one page of customers. Returning false stops
// the scan early (intelligent-mode early exit).
type CustomerPageFunc func(page []Customer) (continueScan bool, err error)

// Customers walks every catalog page, honouring the inter-page delay.
func (c *Client) Customers(ctx context.Context, fn CustomerPageFunc) error {
	pageURL := fmt.Sprintf("%s/customers.json?limit=%d", c.BaseURL, c.pageSize())
	for pageURL != "" {
		var page struct {
			Customers []Customer `json:"customers"`
		}
		next, err := c.getPage(ctx, pageURL, &page)
		if err != nil {
			return err
		}
		keepGoing, err := fn(page.Customers)
		if err != nil {
			return err
		}
		if !keepGoing || next == "" {
			return nil
		}
		pageURL = next
		timer := time.NewTimer(c.pageDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// CustomerOrders walks a customer's order pages.
func (c *Client) CustomerOrders(ctx context.Context, externalID string, fn func(page []Order) error) error {
	pageURL := fmt.Sprintf("%s/customers/%s/orders.json?limit=%d",
		c.BaseURL, url.PathEscape(externalID), c.pageSize())
	for pageURL != "" {
		var page struct {
			Orders []Order `json:"orders"`
		}
		next, err := c.getPage(ctx, pageURL, &page)
		if err != nil {
			return err
		}
		if err := fn(page.Orders); err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		pageURL = next
		timer := time.NewTimer(c.pageDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// getPage fetches one page with retry, decodes it into dest, and returns
// the rel="next" cursor URL, if any.
func (c *Client) getPage(ctx context.Context, pageURL string, dest interface{}) (string, error) {
	var next string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Accept", "application/json")
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode catalog page: %w", err))
			}
			next = nextLink(resp.Header.Get("Link"))
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			if wait := retryAfter(resp); wait > 0 {
				c.Log.Warn("Catalog rate limited", zap.Duration("retry_after", wait))
				sleepCtx(ctx, wait)
			}
			return fmt.Errorf("catalog rate limited")
		case resp.StatusCode >= 500:
			return fmt.Errorf("catalog server error: status %d", resp.StatusCode)
		default:
			var body [256]byte
			n, _ := resp.Body.Read(body[:])
			return backoff.Permanent(&TerminalError{
				StatusCode: resp.StatusCode,
				Body:       string(body[:n]),
			})
		}
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	return next, nil
}

var linkNextRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextLink extracts the rel="next" URL from a Link header.
func nextLink(header string) string {
	m := linkNextRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
