package scm

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// TouchedFiles lists the files changed by a commit. Contents are not
// fetched.
func (c *Client) TouchedFiles(ctx context.Context, repository, sha string) ([]pipeline.TouchedFile, error) {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return nil, err
	}

	var out []pipeline.TouchedFile
	opts := &github.ListOptions{PerPage: 100}
	for {
		commit, resp, err := DoResponse(ctx, c.policy, "get commit", func(ctx context.Context) (*github.RepositoryCommit, *github.Response, error) {
			return c.gh.Repositories.GetCommit(ctx, owner, name, sha, opts)
		})
		if err != nil {
			return nil, fmt.Errorf("getting commit %s: %w", sha, err)
		}
		for _, f := range commit.Files {
			out = append(out, pipeline.TouchedFile{Path: f.GetFilename(), Status: f.GetStatus()})
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// FileContents returns a file at ref. A missing file returns
// (nil, false, nil).
func (c *Client) FileContents(ctx context.Context, repository, path, ref string) ([]byte, bool, error) {
	owner, name, err := SplitRepository(repository)
	if err != nil {
		return nil, false, err
	}
	fc, err := Do(ctx, c.policy, "get contents", func(ctx context.Context) (*github.RepositoryContent, *github.Response, error) {
		fc, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, name, path, &github.RepositoryContentGetOptions{Ref: ref})
		return fc, resp, err
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting %s at %s: %w", path, ref, err)
	}
	if fc == nil {
		return nil, false, fmt.Errorf("%s is a directory", path)
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, false, fmt.Errorf("decoding %s: %w", path, err)
	}
	return []byte(content), true, nil
}
