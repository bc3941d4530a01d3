// Package validator decides whether a candidate patch fixes a failure.
//
// Each validation clones the repository at the failing commit into its own
// temporary directory, applies the candidate and reruns the narrowest
// command that reproduces the failed step. The directory is removed
// afterwards whatever the outcome.
package validator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/patch"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/validator"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// Feedback messages.
const (
	msgDoesNotApply = "patch does not apply"
	msgProtected    = "patch modifies a protected path"
	msgStillFails   = "still fails the original check"
)

// CheckRule maps a job name glob to the command that reproduces it.
type CheckRule struct {
	Job     string
	Command string
}

// Options configures a Validator.
type Options struct {
	// WorkDir is the parent of the per-validation temp dirs.
	WorkDir string

	// Shell runs check commands as "<shell> -eo pipefail -c <command>".
	// Default: bash
	Shell string

	Checks         []CheckRule
	DefaultCommand string

	// ProtectedPaths are doublestar globs a candidate may not touch.
	// Default: .github/workflows/**
	ProtectedPaths []string

	// CheckTimeout bounds one check run. Default: 10 minutes
	CheckTimeout time.Duration

	// OutputTail is how much check output is kept for feedback. Default: 4000
	OutputTail int

	// Env is appended to the check environment.
	Env []string
}

func (o *Options) applyDefaults() {
	if o.WorkDir == "" {
		o.WorkDir = os.TempDir()
	}
	if o.Shell == "" {
		o.Shell = "bash"
	}
	if o.ProtectedPaths == nil {
		o.ProtectedPaths = []string{".github/workflows/**"}
	}
	if o.CheckTimeout == 0 {
		o.CheckTimeout = 10 * time.Minute
	}
	if o.OutputTail == 0 {
		o.OutputTail = 4000
	}
}

// Target is the commit a candidate is validated against.
type Target struct {
	Repository   string
	CommitSHA    string
	Workflow     string
	WorkflowPath string
	JobName      string
	FailedStep   string
}

// TargetFor derives the validation target of a request.
func TargetFor(req *pipeline.RemediationRequest) Target {
	ev := req.Event
	return Target{
		Repository:   ev.Repository,
		CommitSHA:    ev.CommitSHA,
		Workflow:     ev.Workflow,
		WorkflowPath: ev.WorkflowPath,
		JobName:      ev.JobName,
		FailedStep:   ev.FailedStep,
	}
}

// FileChange is the new state of one file after a candidate is applied.
type FileChange struct {
	Path    string
	Content []byte
	Mode    fs.FileMode
	Deleted bool
}

// Verdict is the result of validating one candidate. A rejected verdict
// carries Feedback without the attempt number, which the caller owns.
type Verdict struct {
	Accepted bool
	Feedback pipeline.Feedback
	Check    string
	Files    []FileChange
	Duration time.Duration
}

// Cloner materializes a repository at a commit.
type Cloner interface {
	Clone(ctx context.Context, dir, repository, sha string) error
}

// Validator validates candidates in isolated checkouts.
type Validator struct {
	cloner   Cloner
	opts     Options
	logger   *logging.Logger
	duration metric.Float64Histogram
}

// New creates a Validator.
func New(cloner Cloner, opts Options, logger *logging.Logger) (*Validator, error) {
	if cloner == nil {
		return nil, errors.New("cloner is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	opts.applyDefaults()
	for _, p := range opts.ProtectedPaths {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid protected path pattern %q", p)
		}
	}
	for _, r := range opts.Checks {
		if !doublestar.ValidatePattern(r.Job) {
			return nil, fmt.Errorf("invalid check job pattern %q", r.Job)
		}
	}

	duration, err := otel.Meter(instrumentationName).Float64Histogram(
		"remedyd.validator.duration_seconds",
		metric.WithDescription("Time to validate one candidate"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating validator histogram: %w", err)
	}

	return &Validator{
		cloner:   cloner,
		opts:     opts,
		logger:   logger.Named("validator"),
		duration: duration,
	}, nil
}

// Validate applies the candidate to a fresh checkout of the target and
// reruns the failed check. It returns pipeline.ErrNoCheck when no command
// reproduces the failure and a pipeline.TransientError when the clone or
// the check could not complete.
func (v *Validator) Validate(ctx context.Context, target Target, cand pipeline.PatchCandidate) (verdict Verdict, err error) {
	ctx, span := tracer().Start(ctx, "validator.validate")
	defer span.End()
	span.SetAttributes(
		attribute.String("candidate", cand.ID),
		attribute.String("repository", target.Repository),
	)

	start := time.Now()
	defer func() {
		verdict.Duration = time.Since(start)
		outcome := "accepted"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
		case !verdict.Accepted:
			outcome = string(verdict.Feedback.Kind)
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		v.duration.Record(ctx, verdict.Duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}()

	changes, err := patch.Parse(cand.Diff)
	if err != nil {
		return v.reject(ctx, cand, pipeline.FeedbackApply, fmt.Sprintf("%s: %v", msgDoesNotApply, err), ""), nil
	}
	if bad := v.protected(changes); bad != "" {
		return v.reject(ctx, cand, pipeline.FeedbackProtected, fmt.Sprintf("%s: %s", msgProtected, bad), ""), nil
	}

	if err := os.MkdirAll(v.opts.WorkDir, 0o755); err != nil {
		return Verdict{}, fmt.Errorf("creating work dir: %w", err)
	}
	dir, err := os.MkdirTemp(v.opts.WorkDir, "validate-*")
	if err != nil {
		return Verdict{}, fmt.Errorf("creating checkout dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			v.logger.Warn(ctx, "removing checkout", zap.String("dir", dir), zap.Error(rmErr))
		}
	}()

	if err := v.cloner.Clone(ctx, dir, target.Repository, target.CommitSHA); err != nil {
		return Verdict{}, err
	}

	files, err := applyChanges(dir, changes)
	if err != nil {
		return v.reject(ctx, cand, pipeline.FeedbackApply, fmt.Sprintf("%s: %v", msgDoesNotApply, err), ""), nil
	}

	check, err := v.resolveCheck(dir, target)
	if err != nil {
		return Verdict{}, err
	}

	res, err := v.run(ctx, dir, check)
	if err != nil {
		return Verdict{}, err
	}
	if res.exitCode != 0 {
		out := res.tail(v.opts.OutputTail)
		rejected := v.reject(ctx, cand, pipeline.FeedbackCheck, msgStillFails, out)
		rejected.Check = check
		return rejected, nil
	}

	v.logger.Info(ctx, "candidate accepted",
		zap.String("candidate", cand.ID),
		zap.String("check", check),
		zap.Int("files", len(files)),
	)
	return Verdict{Accepted: true, Check: check, Files: files}, nil
}

func (v *Validator) reject(ctx context.Context, cand pipeline.PatchCandidate, kind pipeline.FeedbackKind, msg, output string) Verdict {
	v.logger.Info(ctx, "candidate rejected",
		zap.String("candidate", cand.ID),
		zap.String("kind", string(kind)),
		zap.String("reason", msg),
	)
	return Verdict{
		Feedback: pipeline.Feedback{
			CandidateID: cand.ID,
			Kind:        kind,
			Message:     msg,
			Output:      output,
		},
	}
}

// protected returns the first path of changes matching a protected glob.
func (v *Validator) protected(changes []patch.Change) string {
	for _, c := range changes {
		for _, p := range c.Paths() {
			for _, glob := range v.opts.ProtectedPaths {
				if ok, _ := doublestar.Match(glob, p); ok {
					return p
				}
			}
		}
	}
	return ""
}

// applyChanges applies changes to the checkout in dir and returns the
// resulting file states.
func applyChanges(dir string, changes []patch.Change) ([]FileChange, error) {
	results, err := patch.Apply(changes, func(p string) ([]byte, bool, error) {
		full, err := within(dir, p)
		if err != nil {
			return nil, false, err
		}
		data, err := os.ReadFile(full)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	})
	if err != nil {
		return nil, err
	}

	files := make([]FileChange, 0, len(results))
	for _, r := range results {
		full, err := within(dir, r.Path)
		if err != nil {
			return nil, err
		}
		if r.Deleted {
			if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			files = append(files, FileChange{Path: r.Path, Deleted: true})
			continue
		}
		if r.OldPath != "" {
			old, err := within(dir, r.OldPath)
			if err != nil {
				return nil, err
			}
			if err := os.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			files = append(files, FileChange{Path: r.OldPath, Deleted: true})
		}
		perm := r.Mode.Perm()
		if perm == 0 {
			perm = 0o644
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(full, r.Content, perm); err != nil {
			return nil, err
		}
		files = append(files, FileChange{Path: r.Path, Content: r.Content, Mode: perm})
	}
	return files, nil
}

// within resolves a repository-relative path inside dir.
func within(dir, p string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(p)) {
		return "", fmt.Errorf("path %q escapes the repository", p)
	}
	return filepath.Join(dir, filepath.FromSlash(p)), nil
}
