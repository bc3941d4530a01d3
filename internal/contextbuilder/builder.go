// Package contextbuilder gathers everything the reasoning loop needs for a
// failure: the log excerpt, the files the commit touched and past fixes.
//
// Building happens in two phases. Diagnose fetches the log and derives the
// signature, which is all the dedupe gate needs. Complete runs only for the
// winner of the gate and does the remaining, more expensive lookups.
package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/fixmemory"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/redact"
	"github.com/fyrsmithlabs/remedyd/internal/scm"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/contextbuilder"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// LogSource fetches the log of a failed job.
type LogSource interface {
	FetchLog(ctx context.Context, ev pipeline.FailureEvent) (scm.JobLog, error)
}

// CommitSource reads the triggering commit.
type CommitSource interface {
	TouchedFiles(ctx context.Context, repository, sha string) ([]pipeline.TouchedFile, error)
	FileContents(ctx context.Context, repository, path, ref string) ([]byte, bool, error)
}

// Options holds the builder tunables.
type Options struct {
	TopK              int
	LogFetchTimeout   time.Duration
	Excerpt           ExcerptOptions
	SourceBudgetChars int
	MaxFileBytes      int
}

func (o *Options) applyDefaults() {
	if o.TopK == 0 {
		o.TopK = 3
	}
	if o.LogFetchTimeout == 0 {
		o.LogFetchTimeout = 30 * time.Second
	}
	if o.Excerpt.Before == 0 {
		o.Excerpt.Before = 40
	}
	if o.Excerpt.After == 0 {
		o.Excerpt.After = 20
	}
	if o.Excerpt.MaxChars == 0 {
		o.Excerpt.MaxChars = 8000
	}
	if o.SourceBudgetChars == 0 {
		o.SourceBudgetChars = 30000
	}
	if o.MaxFileBytes == 0 {
		o.MaxFileBytes = 50000
	}
}

// Diagnosis is the outcome of the first build phase.
type Diagnosis struct {
	// Event is the input event with the failed job resolved.
	Event     pipeline.FailureEvent
	Signature fingerprint.Signature
	Analysis  fingerprint.Result
	Log       string
}

// Builder implements both build phases.
type Builder struct {
	logs     LogSource
	commits  CommitSource
	memory   fixmemory.Memory
	redactor *redact.Redactor
	opts     Options
	logger   *logging.Logger
}

// New creates a Builder. A nil redactor disables redaction.
func New(logs LogSource, commits CommitSource, memory fixmemory.Memory, redactor *redact.Redactor, opts Options, logger *logging.Logger) (*Builder, error) {
	if logs == nil || commits == nil || memory == nil {
		return nil, errors.New("log source, commit source and fix memory are required")
	}
	if redactor == nil {
		redactor = redact.Nop()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	opts.applyDefaults()
	return &Builder{
		logs:     logs,
		commits:  commits,
		memory:   memory,
		redactor: redactor,
		opts:     opts,
		logger:   logger.Named("contextbuilder"),
	}, nil
}

// Build runs Diagnose followed by Complete.
func (b *Builder) Build(ctx context.Context, ev pipeline.FailureEvent) (*pipeline.RemediationRequest, error) {
	d, err := b.Diagnose(ctx, ev)
	if err != nil {
		return nil, err
	}
	return b.Complete(ctx, ev, d)
}

// Diagnose fetches the log and fingerprints it. When the log cannot be
// fetched it returns the identity-only signature together with an error
// wrapping pipeline.ErrContextUnavailable.
func (b *Builder) Diagnose(ctx context.Context, ev pipeline.FailureEvent) (Diagnosis, error) {
	ctx, span := tracer().Start(ctx, "contextbuilder.diagnose")
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, b.opts.LogFetchTimeout)
	log, err := b.logs.FetchLog(fetchCtx, ev)
	cancel()
	if err != nil {
		sig := fingerprint.Extract("", ev.Identity())
		span.RecordError(err)
		b.logger.Warn(ctx, "failure log unavailable", zap.Error(err), zap.String("event", ev.Key()))
		return Diagnosis{Event: ev, Signature: sig}, fmt.Errorf("%w: %v", pipeline.ErrContextUnavailable, err)
	}

	if ev.JobID == 0 {
		ev.JobID = log.JobID
	}
	if ev.JobName == "" {
		ev.JobName = log.JobName
	}
	if ev.FailedStep == "" {
		ev.FailedStep = log.FailedStep
	}

	res := fingerprint.Analyze(log.Text, ev.Identity())
	span.SetAttributes(
		attribute.String("signature", res.Signature.Short(12)),
		attribute.String("basis", string(res.Basis)),
		attribute.String("category", string(res.Category)),
	)
	return Diagnosis{Event: ev, Signature: res.Signature, Analysis: res, Log: log.Text}, nil
}

// Complete builds the request from a successful diagnosis. The touched
// files lookup and the fix memory query run concurrently; neither can fail
// the build.
func (b *Builder) Complete(ctx context.Context, ev pipeline.FailureEvent, d Diagnosis) (*pipeline.RemediationRequest, error) {
	ctx, span := tracer().Start(ctx, "contextbuilder.complete")
	defer span.End()

	if d.Event.Repository != "" {
		ev = d.Event
	}
	excerpt := b.scrub(ctx, "log excerpt", Excerpt(d.Log, b.opts.Excerpt))
	errorText := b.scrub(ctx, "error text", d.Analysis.Text())

	var (
		touched    []pipeline.TouchedFile
		candidates []pipeline.PatchCandidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		touched = b.touchedFiles(gctx, ev)
		return nil
	})
	g.Go(func() error {
		candidates = b.memory.Query(gctx, fixmemory.Query{
			Signature:  d.Signature,
			Text:       errorText,
			Repository: ev.Repository,
		}, b.opts.TopK)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("touched_files", len(touched)),
		attribute.Int("candidates", len(candidates)),
	)
	b.logger.Debug(ctx, "remediation context built",
		zap.Int("excerpt_chars", len(excerpt)),
		zap.Int("touched_files", len(touched)),
		zap.Int("candidates", len(candidates)),
	)

	return &pipeline.RemediationRequest{
		Signature:       d.Signature,
		Category:        d.Analysis.Category,
		Event:           ev,
		LogExcerpt:      excerpt,
		NormalizedError: errorText,
		TouchedFiles:    touched,
		Candidates:      candidates,
	}, nil
}

// touchedFiles lists the commit's files and fills contents within the
// character budget. Oversized files are listed without contents.
func (b *Builder) touchedFiles(ctx context.Context, ev pipeline.FailureEvent) []pipeline.TouchedFile {
	files, err := b.commits.TouchedFiles(ctx, ev.Repository, ev.CommitSHA)
	if err != nil {
		b.logger.Warn(ctx, "touched files unavailable", zap.Error(err))
		return []pipeline.TouchedFile{}
	}

	budget := b.opts.SourceBudgetChars
	for i := range files {
		f := &files[i]
		if budget <= 0 {
			break
		}
		if f.Status == "removed" {
			continue
		}
		data, ok, err := b.commits.FileContents(ctx, ev.Repository, f.Path, ev.CommitSHA)
		if err != nil {
			b.logger.Debug(ctx, "skipping file contents", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		if !ok || len(data) > b.opts.MaxFileBytes {
			continue
		}
		content := b.redactor.String(string(data))
		if len(content) > budget {
			content = content[:budget]
			f.Truncated = true
		}
		f.Contents = content
		budget -= len(content)
	}
	return files
}

func (b *Builder) scrub(ctx context.Context, what, text string) string {
	res := b.redactor.Redact(text)
	if res.Count() > 0 {
		b.logger.Info(ctx, "redacted secrets", zap.String("from", what), zap.Int("findings", res.Count()))
	}
	return res.Content
}
