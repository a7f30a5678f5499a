// Package agent provides the client for the external validation agent
// service, which performs the actual fact-checking for one provider.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/meridianhealth/provider-validation/internal/resilience"
)

const (
	defaultBaseURL = "http://localhost:8000"
	defaultTimeout = 60 * time.Second
)

// ValidationRequest identifies one provider to validate within a job.
type ValidationRequest struct {
	JobID      string `json:"job_id"`
	ProviderID string `json:"provider_id"`
	NPI        string `json:"npi"`
	Name       string `json:"name"`
	Specialty  string `json:"specialty"`
	State      string `json:"state"`
}

// SourceField names a data source and the field it supplied, as reported by
// the agent for confidence weighting.
type SourceField struct {
	Source string `json:"source"`
	Field  string `json:"field,omitempty"`
}

// ValidationResult is the agent's response. Findings are owned by the agent
// and treated as an opaque payload; Sources, when present, drive confidence
// weighting.
type ValidationResult struct {
	JobID      string         `json:"job_id"`
	ProviderID string         `json:"provider_id"`
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Sources    []SourceField  `json:"sources,omitempty"`
	Findings   map[string]any `json:"findings,omitempty"`
}

// Client triggers a validation run on the agent service.
type Client interface {
	Validate(ctx context.Context, req ValidationRequest) (*ValidationResult, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default agent service URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithTimeout bounds each validation call. External agent latency is
// unbounded otherwise.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps calls per second against the agent service.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *httpClient) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an agent service client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Validate(ctx context.Context, req ValidationRequest) (*ValidationResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "agent: rate limit wait")
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "agent: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agents/validate", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "agent: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "agent: validate provider %s", req.ProviderID)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "agent: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("agent: validate provider %s: status %d: %s", req.ProviderID, resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var result ValidationResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "agent: decode response")
	}
	return &result, nil
}
