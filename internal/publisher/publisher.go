// Package publisher opens the pull request for a validated candidate.
//
// Publishing is idempotent per failure: the branch name is derived from
// the commit and the signature, and every step tolerates finding its
// result already in place.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/patch"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/scm"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/publisher"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// GitHub is the subset of scm.Client the publisher drives.
type GitHub interface {
	FindPullRequest(ctx context.Context, repository, branch string) (scm.PullRequest, bool, error)
	CreateBranch(ctx context.Context, repository, branch, sha string) (bool, error)
	FileContents(ctx context.Context, repository, path, ref string) ([]byte, bool, error)
	CommitFiles(ctx context.Context, repository, branch, parent, message string, files []scm.TreeFile, author scm.Author) (string, error)
	CreatePullRequest(ctx context.Context, repository string, np scm.NewPullRequest) (scm.PullRequest, bool, error)
	UpsertComment(ctx context.Context, repository string, number int, marker, body string) (string, error)
	DefaultBranch(ctx context.Context, repository string) (string, error)
}

// Options configures a Publisher.
type Options struct {
	// BranchPrefix starts every fix branch. Default: fix/ci-
	BranchPrefix string
	Labels       []string
	Draft        bool

	// CommentOnRepeat comments on an open fix when its failure recurs.
	CommentOnRepeat bool

	Author scm.Author
}

func (o *Options) applyDefaults() {
	if o.BranchPrefix == "" {
		o.BranchPrefix = "fix/ci-"
	}
	if o.Author.Name == "" {
		o.Author.Name = "remedyd"
	}
	if o.Author.Email == "" {
		o.Author.Email = "remedyd@users.noreply.github.com"
	}
}

// Publisher publishes candidates as pull requests.
type Publisher struct {
	gh     GitHub
	opts   Options
	logger *logging.Logger
}

// New creates a Publisher.
func New(gh GitHub, opts Options, logger *logging.Logger) (*Publisher, error) {
	if gh == nil {
		return nil, errors.New("github client is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	opts.applyDefaults()
	return &Publisher{gh: gh, opts: opts, logger: logger.Named("publisher")}, nil
}

// BranchName is the idempotency key of a publish: prefix, the first seven
// characters of the commit and the first twelve of the signature.
func BranchName(prefix, sha string, sig fingerprint.Signature) string {
	short := sha
	if len(short) > 7 {
		short = short[:7]
	}
	return prefix + short + "-" + sig.Short(12)
}

// Branch returns the fix branch for a request.
func (p *Publisher) Branch(req *pipeline.RemediationRequest) string {
	return BranchName(p.opts.BranchPrefix, req.CommitSHA(), req.Signature)
}

// Publish opens the pull request for cand. When a pull request for the
// branch exists in any state it is returned with Existing set and
// nothing is written.
func (p *Publisher) Publish(ctx context.Context, cand pipeline.PatchCandidate, req *pipeline.RemediationRequest) (pipeline.PullRequestHandle, error) {
	repo := req.Repository()
	branch := p.Branch(req)

	ctx, span := tracer().Start(ctx, "publisher.publish")
	defer span.End()
	span.SetAttributes(attribute.String("repository", repo), attribute.String("branch", branch))

	if pr, found, err := p.gh.FindPullRequest(ctx, repo, branch); err != nil {
		span.RecordError(err)
		return pipeline.PullRequestHandle{}, fmt.Errorf("looking up pull request: %w", err)
	} else if found {
		p.logger.Info(ctx, "pull request already exists",
			zap.String("branch", branch),
			zap.Int("pr", pr.Number),
			zap.String("state", pr.State),
		)
		return handle(pr, branch, true), nil
	}

	files, err := p.files(ctx, repo, req.CommitSHA(), cand.Diff)
	if err != nil {
		span.RecordError(err)
		return pipeline.PullRequestHandle{}, err
	}

	existed, err := p.gh.CreateBranch(ctx, repo, branch, req.CommitSHA())
	if err != nil {
		span.RecordError(err)
		return pipeline.PullRequestHandle{}, fmt.Errorf("creating branch %s: %w", branch, err)
	}
	if existed {
		p.logger.Info(ctx, "reusing existing fix branch", zap.String("branch", branch))
	}

	sha, err := p.gh.CommitFiles(ctx, repo, branch, req.CommitSHA(), commitMessage(req), files, p.opts.Author)
	if err != nil {
		span.RecordError(err)
		return pipeline.PullRequestHandle{}, fmt.Errorf("committing fix: %w", err)
	}

	base := req.Event.HeadBranch
	if base == "" {
		if base, err = p.gh.DefaultBranch(ctx, repo); err != nil {
			span.RecordError(err)
			return pipeline.PullRequestHandle{}, fmt.Errorf("resolving base branch: %w", err)
		}
	}

	body, err := RenderBody(req, cand, files)
	if err != nil {
		return pipeline.PullRequestHandle{}, err
	}
	pr, conflict, err := p.gh.CreatePullRequest(ctx, repo, scm.NewPullRequest{
		Title:  Title(req),
		Body:   body,
		Head:   branch,
		Base:   base,
		Draft:  p.opts.Draft,
		Labels: p.opts.Labels,
	})
	if err != nil {
		span.RecordError(err)
		return pipeline.PullRequestHandle{}, fmt.Errorf("creating pull request: %w", err)
	}
	if conflict {
		p.logger.Info(ctx, "pull request created concurrently, using it",
			zap.String("branch", branch),
			zap.Int("pr", pr.Number),
			zap.NamedError("conflict", pipeline.ErrPublishConflict),
		)
	} else {
		p.logger.Info(ctx, "pull request opened",
			zap.String("branch", branch),
			zap.Int("pr", pr.Number),
			zap.String("commit", sha),
		)
	}
	span.SetAttributes(attribute.Int("pr", pr.Number), attribute.Bool("existing", conflict))
	return handle(pr, branch, conflict), nil
}

// CommentOnRepeat notes a recurrence of the failure on the pull request
// that already carries its fix. It does nothing unless enabled.
func (p *Publisher) CommentOnRepeat(ctx context.Context, prNumber int, req *pipeline.RemediationRequest) error {
	if !p.opts.CommentOnRepeat || prNumber == 0 {
		return nil
	}
	ctx, span := tracer().Start(ctx, "publisher.comment_on_repeat")
	defer span.End()

	body, err := RenderRepeatComment(req)
	if err != nil {
		return err
	}
	url, err := p.gh.UpsertComment(ctx, req.Repository(), prNumber, repeatMarker(req.Signature), body)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("commenting on #%d: %w", prNumber, err)
	}
	p.logger.Info(ctx, "noted repeat failure on pull request", zap.Int("pr", prNumber), zap.String("comment", url))
	return nil
}

// files applies the diff to the originals at sha and returns the tree
// entries of the fix commit.
func (p *Publisher) files(ctx context.Context, repo, sha, diff string) ([]scm.TreeFile, error) {
	changes, err := patch.Parse(diff)
	if err != nil {
		return nil, fmt.Errorf("parsing candidate diff: %w", err)
	}
	results, err := patch.Apply(changes, func(path string) ([]byte, bool, error) {
		return p.gh.FileContents(ctx, repo, path, sha)
	})
	if err != nil {
		return nil, fmt.Errorf("applying candidate diff: %w", err)
	}

	files := make([]scm.TreeFile, 0, len(results))
	for _, r := range results {
		if r.OldPath != "" {
			files = append(files, scm.TreeFile{Path: r.OldPath, Deleted: true})
		}
		files = append(files, scm.TreeFile{
			Path:       r.Path,
			Content:    r.Content,
			Executable: r.Mode&0o111 != 0,
			Deleted:    r.Deleted,
		})
	}
	return files, nil
}

// Title is the pull request title for a request.
func Title(req *pipeline.RemediationRequest) string {
	ev := req.Event
	what := ev.Workflow
	if ev.JobName != "" {
		if what != "" {
			what += " / "
		}
		what += ev.JobName
	}
	if what == "" {
		what = "CI"
	}
	return fmt.Sprintf("fix(ci): repair %s failing on %s", what, shortSHA(ev.CommitSHA))
}

func commitMessage(req *pipeline.RemediationRequest) string {
	var b strings.Builder
	b.WriteString(Title(req))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Failure-Signature: %s\n", req.Signature)
	if req.Event.RunURL != "" {
		fmt.Fprintf(&b, "Failed-Run: %s\n", req.Event.RunURL)
	}
	return b.String()
}

func handle(pr scm.PullRequest, branch string, existing bool) pipeline.PullRequestHandle {
	if pr.Branch != "" {
		branch = pr.Branch
	}
	return pipeline.PullRequestHandle{Number: pr.Number, URL: pr.URL, Branch: branch, Existing: existing}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
