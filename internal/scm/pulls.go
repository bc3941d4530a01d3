package scm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// PullRequest is the part of a pull request the pipeline cares about.
type PullRequest struct {
	Number int
	URL    string
	Branch string
	State  string
}

func fromGitHub(pr *github.PullRequest) PullRequest {
	return PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Branch: pr.GetHead().GetRef(),
		State:  pr.GetState(),
	}
}

// TreeFile is one entry of a commit built through the Git Data API.
// A nil Content with Deleted set removes the path.
type TreeFile struct {
	Path       string
	Content    []byte
	Executable bool
	Deleted    bool
}

// Author signs commits created by the pipeline.
type Author struct {
	Name  string
	Email string
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Draft  bool
	Labels []string
}

// FindPullRequest returns the pull request whose head is branch in any
// state. found is false when none exists.
func (c *Client) FindPullRequest(ctx context.Context, repository, branch string) (pr PullRequest, found bool, err error) {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return PullRequest{}, false, err
	}
	opts := &github.PullRequestListOptions{
		State:       "all",
		Head:        owner + ":" + branch,
		ListOptions: github.ListOptions{PerPage: 10},
	}
	prs, err := Do(ctx, c.policy, "list pull requests", func(ctx context.Context) ([]*github.PullRequest, *github.Response, error) {
		return c.gh.PullRequests.List(ctx, owner, name, opts)
	})
	if err != nil {
		return PullRequest{}, false, err
	}
	for _, p := range prs {
		if p.GetHead().GetRef() == branch {
			return fromGitHub(p), true, nil
		}
	}
	return PullRequest{}, false, nil
}

// CreateBranch points a new branch at sha. existed reports an HTTP 422,
// which GitHub returns when the reference already exists.
func (c *Client) CreateBranch(ctx context.Context, repository, branch, sha string) (existed bool, err error) {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return false, err
	}
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}
	_, err = Do(ctx, c.policy, "create ref", func(ctx context.Context) (*github.Reference, *github.Response, error) {
		return c.gh.Git.CreateRef(ctx, owner, name, ref)
	})
	if StatusCode(err) == http.StatusUnprocessableEntity {
		c.logger.Debug(ctx, "branch already exists", zap.String("branch", branch))
		return true, nil
	}
	return false, err
}

// CommitFiles creates a commit on top of parent holding files and moves
// branch to it. The branch is force-updated so a retried publish
// converges on the same content.
func (c *Client) CommitFiles(ctx context.Context, repository, branch, parent, message string, files []TreeFile, author Author) (string, error) {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", errors.New("commit has no files")
	}

	base, err := Do(ctx, c.policy, "get commit", func(ctx context.Context) (*github.Commit, *github.Response, error) {
		return c.gh.Git.GetCommit(ctx, owner, name, parent)
	})
	if err != nil {
		return "", err
	}

	entries := make([]*github.TreeEntry, 0, len(files))
	for _, f := range files {
		mode := "100644"
		if f.Executable {
			mode = "100755"
		}
		e := &github.TreeEntry{
			Path: github.String(f.Path),
			Mode: github.String(mode),
			Type: github.String("blob"),
		}
		if !f.Deleted {
			e.Content = github.String(string(f.Content))
		}
		entries = append(entries, e)
	}
	tree, err := Do(ctx, c.policy, "create tree", func(ctx context.Context) (*github.Tree, *github.Response, error) {
		return c.gh.Git.CreateTree(ctx, owner, name, base.GetTree().GetSHA(), entries)
	})
	if err != nil {
		return "", err
	}

	now := github.Timestamp{Time: time.Now().UTC()}
	commit := &github.Commit{
		Message: github.String(message),
		Tree:    &github.Tree{SHA: tree.SHA},
		Parents: []*github.Commit{{SHA: github.String(parent)}},
		Author:  &github.CommitAuthor{Name: github.String(author.Name), Email: github.String(author.Email), Date: &now},
	}
	created, err := Do(ctx, c.policy, "create commit", func(ctx context.Context) (*github.Commit, *github.Response, error) {
		return c.gh.Git.CreateCommit(ctx, owner, name, commit, nil)
	})
	if err != nil {
		return "", err
	}

	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: created.SHA},
	}
	if _, err := Do(ctx, c.policy, "update ref", func(ctx context.Context) (*github.Reference, *github.Response, error) {
		return c.gh.Git.UpdateRef(ctx, owner, name, ref, true)
	}); err != nil {
		return "", err
	}
	return created.GetSHA(), nil
}

// CreatePullRequest opens a pull request. A 422 for an existing pull
// request on the same head is resolved to that pull request with
// existed=true.
func (c *Client) CreatePullRequest(ctx context.Context, repository string, np NewPullRequest) (pr PullRequest, existed bool, err error) {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return PullRequest{}, false, err
	}
	req := &github.NewPullRequest{
		Title:               github.String(np.Title),
		Head:                github.String(np.Head),
		Base:                github.String(np.Base),
		Body:                github.String(np.Body),
		Draft:               github.Bool(np.Draft),
		MaintainerCanModify: github.Bool(true),
	}
	created, err := Do(ctx, c.policy, "create pull request", func(ctx context.Context) (*github.PullRequest, *github.Response, error) {
		return c.gh.PullRequests.Create(ctx, owner, name, req)
	})
	if StatusCode(err) == http.StatusUnprocessableEntity && alreadyExists(err) {
		existing, found, findErr := c.FindPullRequest(ctx, repository, np.Head)
		if findErr != nil {
			return PullRequest{}, false, findErr
		}
		if found {
			return existing, true, nil
		}
	}
	if err != nil {
		return PullRequest{}, false, err
	}

	out := fromGitHub(created)
	if len(np.Labels) > 0 {
		if _, err := Do(ctx, c.policy, "add labels", func(ctx context.Context) ([]*github.Label, *github.Response, error) {
			return c.gh.Issues.AddLabelsToIssue(ctx, owner, name, out.Number, np.Labels)
		}); err != nil {
			c.logger.Warn(ctx, "labelling pull request", zap.Int("pr", out.Number), zap.Error(err))
		}
	}
	return out, false, nil
}

func alreadyExists(err error) bool {
	var ge *github.ErrorResponse
	if !errors.As(err, &ge) {
		return false
	}
	if strings.Contains(strings.ToLower(ge.Message), "already exists") {
		return true
	}
	for _, e := range ge.Errors {
		if strings.Contains(strings.ToLower(e.Message), "already exists") {
			return true
		}
	}
	return false
}

// UpsertComment posts body on an issue or pull request. A previous comment
// containing marker is edited instead.
func (c *Client) UpsertComment(ctx context.Context, repository string, number int, marker, body string) (string, error) {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return "", err
	}
	if !strings.Contains(body, marker) {
		body = marker + "\n" + body
	}

	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var existing *github.IssueComment
	for existing == nil {
		comments, resp, err := DoResponse(ctx, c.policy, "list comments", func(ctx context.Context) ([]*github.IssueComment, *github.Response, error) {
			return c.gh.Issues.ListComments(ctx, owner, name, number, opts)
		})
		if err != nil {
			return "", err
		}
		for _, cm := range comments {
			if strings.Contains(cm.GetBody(), marker) {
				existing = cm
				break
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	comment := &github.IssueComment{Body: github.String(body)}
	if existing != nil {
		updated, err := Do(ctx, c.policy, "edit comment", func(ctx context.Context) (*github.IssueComment, *github.Response, error) {
			return c.gh.Issues.EditComment(ctx, owner, name, existing.GetID(), comment)
		})
		if err != nil {
			return "", fmt.Errorf("updating comment: %w", err)
		}
		return updated.GetHTMLURL(), nil
	}
	created, err := Do(ctx, c.policy, "create comment", func(ctx context.Context) (*github.IssueComment, *github.Response, error) {
		return c.gh.Issues.CreateComment(ctx, owner, name, number, comment)
	})
	if err != nil {
		return "", fmt.Errorf("creating comment: %w", err)
	}
	return created.GetHTMLURL(), nil
}

// DefaultBranch returns the repository's default branch.
func (c *Client) DefaultBranch(ctx context.Context, repository string) (string, error) {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return "", err
	}
	repo, err := Do(ctx, c.policy, "get repository", func(ctx context.Context) (*github.Repository, *github.Response, error) {
		return c.gh.Repositories.Get(ctx, owner, name)
	})
	if err != nil {
		return "", err
	}
	if repo.GetDefaultBranch() == "" {
		return "", fmt.Errorf("%s has no default branch", repository)
	}
	return repo.GetDefaultBranch(), nil
}
