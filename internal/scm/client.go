// Package scm talks to the GitHub REST API on behalf of the pipeline:
// failure logs, commit contents and the retry discipline every call obeys.
package scm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
)

// ErrInvalidRepository is returned for names not of the form owner/name.
var ErrInvalidRepository = errors.New("invalid repository name")

// Options configures a Client.
type Options struct {
	// Retry is the policy for every API call. Its classifier is replaced
	// with the GitHub one.
	Retry retry.Policy

	// MaxLogBytes caps a downloaded job log; the tail is kept.
	// Default: 8 MiB
	MaxLogBytes int

	// DownloadTimeout bounds a log download. Default: 30s
	DownloadTimeout time.Duration
}

// Client wraps go-github with retries.
type Client struct {
	gh          *github.Client
	download    *http.Client
	policy      retry.Policy
	maxLogBytes int
	logger      *logging.Logger
}

// New wraps gh.
func New(gh *github.Client, opts Options, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.MaxLogBytes == 0 {
		opts.MaxLogBytes = 8 << 20
	}
	if opts.DownloadTimeout == 0 {
		opts.DownloadTimeout = 30 * time.Second
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	opts.Retry.Logger = logger
	return &Client{
		gh:          gh,
		download:    &http.Client{Timeout: opts.DownloadTimeout},
		policy:      Policy(opts.Retry),
		maxLogBytes: opts.MaxLogBytes,
		logger:      logger.Named("scm"),
	}
}

// GitHub returns the underlying REST client.
func (c *Client) GitHub() *github.Client { return c.gh }

// RetryPolicy returns the policy the client applies to API calls.
func (c *Client) RetryPolicy() retry.Policy { return c.policy }

// SplitRepository splits owner/name.
func SplitRepository(full string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(full, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepository, full)
	}
	return owner, name, nil
}
