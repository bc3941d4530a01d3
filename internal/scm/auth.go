package scm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/remedyd/internal/config"
)

// ErrNoCredentials is returned when no token can be produced.
var ErrNoCredentials = errors.New("no GitHub credentials")

// Credentials supplies the token used for one repository. The same token
// authenticates REST calls and git over HTTPS.
type Credentials interface {
	Token(ctx context.Context, repository string) (string, error)
}

// StaticToken authenticates every repository with one token.
type StaticToken config.Secret

// Token returns the configured token.
func (t StaticToken) Token(context.Context, string) (string, error) {
	s := config.Secret(t)
	if !s.IsSet() {
		return "", ErrNoCredentials
	}
	return s.Value(), nil
}

// NewGitHubClient creates an authenticated REST client. A non-empty baseURL
// targets GitHub Enterprise.
func NewGitHubClient(ctx context.Context, creds Credentials, baseURL, uploadURL string) (*github.Client, error) {
	var hc *http.Client
	switch c := creds.(type) {
	case nil:
		return nil, ErrNoCredentials
	case StaticToken:
		if !config.Secret(c).IsSet() {
			return nil, fmt.Errorf("GitHub token not set")
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Secret(c).Value()})
		hc = oauth2.NewClient(ctx, ts)
	default:
		hc = &http.Client{Transport: &credentialsTransport{creds: creds, base: http.DefaultTransport}}
	}

	gh := github.NewClient(hc)
	if baseURL == "" {
		return gh, nil
	}
	if uploadURL == "" {
		uploadURL = baseURL
	}
	return gh.WithEnterpriseURLs(baseURL, uploadURL)
}

// credentialsTransport picks the token for each request from the
// repository in its path.
type credentialsTransport struct {
	creds Credentials
	base  http.RoundTripper
}

func (t *credentialsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.creds.Token(req.Context(), repositoryFromPath(req.URL.Path))
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	r := req.Clone(req.Context())
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(r)
	return t.base.RoundTrip(r)
}

// repositoryFromPath returns owner/name of a /repos/{owner}/{name} path,
// or "" for paths outside a repository.
func repositoryFromPath(path string) string {
	_, rest, ok := strings.Cut(path, "/repos/")
	if !ok {
		return ""
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0] + "/" + parts[1]
}
