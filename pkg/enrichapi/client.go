// Package enrichapi provides a client for the buyer enrichment provider,
// which returns refreshed acquisition criteria for a buyer.
package enrichapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/resilience"
)

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// Client defines the enrichment provider operations.
type Client interface {
	// EnrichBuyer asks the provider to refresh a buyer's criteria.
	EnrichBuyer(ctx context.Context, req EnrichRequest) (*EnrichResponse, error)
}

// EnrichRequest identifies the buyer to enrich.
type EnrichRequest struct {
	BuyerID string `json:"buyer_id"`
	Name    string `json:"name,omitempty"`
}

// EnrichResponse is the provider's refreshed view of a buyer.
type EnrichResponse struct {
	BuyerID  string              `json:"buyer_id"`
	Name     string              `json:"name,omitempty"`
	Criteria model.BuyerCriteria `json:"criteria"`
	Sources  []string            `json:"sources,omitempty"`
}

// Option configures the enrichment client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// NewClient creates a new enrichment API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey: apiKey,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) EnrichBuyer(ctx context.Context, er EnrichRequest) (*EnrichResponse, error) {
	if er.BuyerID == "" {
		return nil, resilience.NewPermanentError(eris.New("enrichapi: buyer id is required"))
	}

	payload, err := json.Marshal(er)
	if err != nil {
		return nil, eris.Wrap(err, "enrichapi: marshal request")
	}

	reqURL := fmt.Sprintf("%s/v1/enrich/buyers/%s", c.baseURL, url.PathEscape(er.BuyerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "enrichapi: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.NewTransientError(eris.Wrapf(err, "enrichapi: enrich buyer %s", er.BuyerID), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "enrichapi: read response body"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, body, er.BuyerID)
	}

	var out EnrichResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, resilience.NewPermanentError(eris.Wrapf(err, "enrichapi: unmarshal response for %s", er.BuyerID))
	}
	if out.BuyerID == "" {
		out.BuyerID = er.BuyerID
	}
	if out.BuyerID != er.BuyerID {
		return nil, resilience.NewPermanentError(
			eris.Errorf("enrichapi: response for buyer %s, requested %s", out.BuyerID, er.BuyerID))
	}
	return &out, nil
}

// statusError classifies a non-200 response. 429 carries the provider's
// Retry-After; other retryable statuses are transient; the rest are
// permanent for this buyer.
func (c *httpClient) statusError(resp *http.Response, body []byte, buyerID string) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	err := eris.Errorf("enrichapi: buyer %s: status %d: %s", buyerID, resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return resilience.NewRateLimitError(err, c.retryAfter(resp.Header.Get("Retry-After")))
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(err, resp.StatusCode)
	default:
		return resilience.NewPermanentError(err)
	}
}

// retryAfter parses a Retry-After header given as seconds or an HTTP date.
func (c *httpClient) retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(c.now()); d > 0 {
			return d
		}
	}
	return 0
}
