// Package client talks to the approval service's HTTP API on behalf of
// kessaictl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Treynis/ejbca/common/retry"
	"github.com/Treynis/ejbca/internal/kessai/admin"
	"github.com/Treynis/ejbca/internal/kessai/api"
	"github.com/Treynis/ejbca/internal/kessai/approvals"
)

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Reason, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%d)", e.Reason, e.StatusCode)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   retry.Config
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets the policy for idempotent requests.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// New returns a Client for the service at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Minute},
		retry:   retry.Config{MaxAttempts: 3, InitialDelay: 300 * time.Millisecond, MaxDelay: 3 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.ShouldRetry = retryable
	return c, nil
}

// retryable accepts transport failures and gateway errors. Answers from the
// service itself are final.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// ListOptions narrows ListCases.
type ListOptions struct {
	Status    string
	CAID      int
	ProfileID string
	Limit     int
}

// ListCases returns the cases the caller may see.
func (c *Client) ListCases(ctx context.Context, opts ListOptions) ([]api.CaseView, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.CAID != 0 {
		q.Set("ca", strconv.Itoa(opts.CAID))
	}
	if opts.ProfileID != "" {
		q.Set("profile", opts.ProfileID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/v1/cases"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []api.CaseView
	return out, c.get(ctx, path, &out)
}

// GetCase returns one case.
func (c *Client) GetCase(ctx context.Context, id string) (*api.CaseView, error) {
	var out api.CaseView
	if err := c.get(ctx, "/v1/cases/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve casts an approving vote.
func (c *Client) Approve(ctx context.Context, id string, v api.VoteRequest) (*api.VoteResponse, error) {
	var out api.VoteResponse
	if err := c.send(ctx, http.MethodPost, "/v1/cases/"+url.PathEscape(id)+"/approve", v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reject casts a rejecting vote. The service requires a comment.
func (c *Client) Reject(ctx context.Context, id string, v api.VoteRequest) (*api.VoteResponse, error) {
	var out api.VoteResponse
	if err := c.send(ctx, http.MethodPost, "/v1/cases/"+url.PathEscape(id)+"/reject", v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit opens a new case.
func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (*api.CaseView, error) {
	var out api.CaseView
	if err := c.send(ctx, http.MethodPost, "/v1/cases", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Edit replaces the action of a pending case and returns the new version.
func (c *Client) Edit(ctx context.Context, id string, action approvals.GatedAction) (*api.CaseView, error) {
	var out api.CaseView
	if err := c.send(ctx, http.MethodPatch, "/v1/cases/"+url.PathEscape(id), action, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WhoAmI returns the identity the service derived from the token.
func (c *Client) WhoAmI(ctx context.Context) (admin.Identity, error) {
	var out admin.Identity
	return out, c.get(ctx, "/v1/whoami", &out)
}

// Settings returns the stored runtime settings.
func (c *Client) Settings(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	return out, c.get(ctx, "/v1/settings", &out)
}

// SetSetting stores one runtime setting.
func (c *Client) SetSetting(ctx context.Context, key, value string) error {
	return c.send(ctx, http.MethodPut, "/v1/settings/"+url.PathEscape(key), map[string]string{"value": value}, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, c.retry, func() error {
		return c.do(ctx, http.MethodGet, path, nil, out)
	})
}

// send is not retried; a vote that reached the service must not be cast
// twice.
func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, method, path, raw, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Reason, apiErr.Message = payload.Error, payload.Message
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
