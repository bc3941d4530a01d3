// Package statusclient reads remediation status from a running remedyd.
package statusclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	remedyhttp "github.com/fyrsmithlabs/remedyd/internal/http"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
)

// Response types shared with the server.
type (
	Status = remedyhttp.RemediationStatus
	List   = remedyhttp.RemediationList
)

var (
	// ErrNotFound means no remediation matches the signature.
	ErrNotFound = errors.New("remediation not found")

	// ErrAmbiguous means a signature prefix matches several remediations.
	ErrAmbiguous = errors.New("signature prefix is ambiguous")
)

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remedyd returned %d: %s", e.StatusCode, e.Message)
}

// Filter narrows a list call.
type Filter struct {
	State      string
	Repository string
}

// Client calls the remedyd status API.
type Client struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client, which has a 10s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRetry sets the policy for retrying unavailable servers.
func WithRetry(p retry.Policy) Option {
	return func(cl *Client) { cl.policy = p }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{
			MaxRetries:     2,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Status returns one remediation by full signature or unique prefix.
func (c *Client) Status(ctx context.Context, signature string) (Status, error) {
	var out Status
	err := c.get(ctx, "/api/v1/remediations/"+url.PathEscape(strings.TrimSpace(signature)), nil, &out)
	return out, err
}

// List returns the remediations known to the ledger, newest first.
func (c *Client) List(ctx context.Context, f Filter) (List, error) {
	q := url.Values{}
	if f.State != "" {
		q.Set("state", f.State)
	}
	if f.Repository != "" {
		q.Set("repository", f.Repository)
	}
	var out List
	err := c.get(ctx, "/api/v1/remediations", q, &out)
	return out, err
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	var out remedyhttp.HealthResponse
	if err := c.get(ctx, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("server unhealthy: %s", out.Status)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return retry.Run(ctx, c.policy, "GET "+path, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return pipeline.Transient("status request", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return pipeline.Transient("read status response", err)
		}
		if resp.StatusCode != http.StatusOK {
			return responseError(resp.StatusCode, body)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	})
}

func responseError(code int, body []byte) error {
	var msg struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &msg)
	if msg.Message == "" {
		msg.Message = http.StatusText(code)
	}
	apiErr := &APIError{StatusCode: code, Message: msg.Message}
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %w", ErrAmbiguous, apiErr)
	case code >= 500:
		return pipeline.Transient("status request", apiErr)
	}
	return apiErr
}
