package validator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/scm"
)

// Credentials supplies the clone token of a repository.
type Credentials interface {
	Token(ctx context.Context, repository string) (string, error)
}

// GitCloner clones over HTTPS with go-git.
type GitCloner struct {
	// BaseURL prefixes "<owner>/<name>.git". Default: https://github.com
	BaseURL string
	// Credentials authenticates the clone. Nil clones anonymously.
	Credentials Credentials
}

// NewGitCloner creates a GitCloner.
func NewGitCloner(baseURL string, creds Credentials) *GitCloner {
	return &GitCloner{BaseURL: baseURL, Credentials: creds}
}

// URL returns the clone URL of repository.
func (c *GitCloner) URL(repository string) string {
	base := c.BaseURL
	if base == "" {
		base = "https://github.com"
	}
	return strings.TrimRight(base, "/") + "/" + repository + ".git"
}

// Clone clones repository into dir and checks out sha. Network failures
// are transient; a missing repository, rejected credentials or an unknown
// commit are not.
func (c *GitCloner) Clone(ctx context.Context, dir, repository, sha string) error {
	ctx, span := tracer().Start(ctx, "validator.clone")
	defer span.End()

	opts := &git.CloneOptions{
		URL:        c.URL(repository),
		NoCheckout: true,
		Tags:       git.NoTags,
	}
	if c.Credentials != nil {
		token, err := c.Credentials.Token(ctx, repository)
		if err != nil {
			span.RecordError(err)
			wrapped := fmt.Errorf("token for %s: %w", repository, err)
			if scm.IsRetryable(err) {
				return pipeline.Transient("validator.credentials", wrapped)
			}
			return wrapped
		}
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		span.RecordError(err)
		return classifyCloneError(repository, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(sha), Force: true}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("checking out %s: %w", sha, err)
	}
	return nil
}

func classifyCloneError(repository string, err error) error {
	wrapped := fmt.Errorf("cloning %s: %w", repository, err)
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return wrapped
	default:
		return pipeline.Transient("validator.clone", wrapped)
	}
}
