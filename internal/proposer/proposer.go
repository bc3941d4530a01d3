// Package proposer asks a language model for a patch that fixes a CI failure.
//
// The model sees the log excerpt, the files the commit touched, fixes that
// worked for similar failures and the validator's feedback on earlier
// attempts. Its reply is parsed into a PatchCandidate.
package proposer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/patch"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/proposer"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// Proposer produces a candidate patch for a remediation request.
// It returns pipeline.ErrUnfixable when it has nothing to offer.
type Proposer interface {
	Propose(ctx context.Context, req *pipeline.RemediationRequest, feedback []pipeline.Feedback) (pipeline.PatchCandidate, error)
}

// FileSource reads a file at a commit. It is used to turn full-file
// replies into diffs when the request does not carry the original contents.
type FileSource interface {
	FileContents(ctx context.Context, repository, path, ref string) ([]byte, bool, error)
}

// Options configures an LLM proposer.
type Options struct {
	MaxTokens   int
	Temperature float64

	// Timeout bounds one propose call including retries. Default: 3 minutes
	Timeout time.Duration

	Retry retry.Policy
}

func (o *Options) applyDefaults() {
	if o.MaxTokens == 0 {
		o.MaxTokens = 8192
	}
	if o.Timeout == 0 {
		o.Timeout = 3 * time.Minute
	}
	if o.Retry.MaxRetries == 0 && o.Retry.InitialBackoff == 0 {
		o.Retry = retry.DefaultPolicy()
	}
}

// LLM is a Proposer backed by a langchaingo model.
type LLM struct {
	model    llms.Model
	files    FileSource
	opts     Options
	logger   *logging.Logger
	requests metric.Int64Counter
}

// New creates an LLM proposer. files may be nil, in which case full-file
// replies are diffed against the contents carried by the request.
func New(model llms.Model, files FileSource, opts Options, logger *logging.Logger) (*LLM, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	opts.applyDefaults()
	opts.Retry.Logger = logger

	requests, err := otel.Meter(instrumentationName).Int64Counter(
		"remedyd.proposer.requests_total",
		metric.WithDescription("Patch proposals by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating proposer counter: %w", err)
	}

	return &LLM{
		model:    model,
		files:    files,
		opts:     opts,
		logger:   logger.Named("proposer"),
		requests: requests,
	}, nil
}

// Propose asks the model for a patch and parses the reply.
func (p *LLM) Propose(ctx context.Context, req *pipeline.RemediationRequest, feedback []pipeline.Feedback) (pipeline.PatchCandidate, error) {
	ctx, span := tracer().Start(ctx, "proposer.propose")
	defer span.End()
	span.SetAttributes(
		attribute.String("signature", req.Signature.Short(12)),
		attribute.Int("feedback", len(feedback)),
	)

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextContent{Text: systemPrompt}}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextContent{Text: BuildPrompt(req, feedback)}}},
	}

	reply, err := retry.Do(ctx, p.opts.Retry, "proposer.generate", func(ctx context.Context) (string, error) {
		resp, err := p.model.GenerateContent(ctx, messages,
			llms.WithMaxTokens(p.opts.MaxTokens),
			llms.WithTemperature(p.opts.Temperature),
		)
		if err != nil {
			if isTransient(err) {
				return "", pipeline.Transient("proposer.generate", err)
			}
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("model returned no choices")
		}
		return resp.Choices[0].Content, nil
	})
	if err != nil {
		span.RecordError(err)
		p.record(ctx, "error")
		return pipeline.PatchCandidate{}, fmt.Errorf("generating patch: %w", err)
	}

	parsed, err := ParseReply(reply)
	if err != nil {
		p.record(ctx, "unfixable")
		p.logger.Info(ctx, "model declined to propose a fix", zap.Error(err))
		return pipeline.PatchCandidate{}, err
	}

	diff, err := p.render(ctx, req, parsed)
	if err != nil {
		p.record(ctx, "unfixable")
		return pipeline.PatchCandidate{}, err
	}

	cand := pipeline.PatchCandidate{
		ID:         "generated-" + uuid.NewString(),
		Diff:       diff,
		Rationale:  parsed.Rationale,
		Source:     pipeline.SourceGenerated,
		Confidence: parsed.Confidence,
	}
	p.record(ctx, "proposed")
	p.logger.Debug(ctx, "patch proposed",
		zap.String("candidate", cand.ID),
		zap.String("format", string(parsed.Format)),
		zap.Float64("confidence", cand.Confidence),
	)
	return cand, nil
}

// render turns a parsed reply into a unified diff.
func (p *LLM) render(ctx context.Context, req *pipeline.RemediationRequest, r Reply) (string, error) {
	if r.Diff != "" {
		return r.Diff, nil
	}
	var parts []string
	for _, f := range r.Files {
		old, existed, err := p.original(ctx, req, f.Path)
		if err != nil {
			return "", pipeline.Transient("proposer.original", err)
		}
		if existed && string(old) == f.Content {
			continue
		}
		parts = append(parts, patch.Replace(f.Path, old, existed, []byte(f.Content)))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: reply repeats the current file contents", pipeline.ErrUnfixable)
	}
	return strings.Join(parts, ""), nil
}

// original returns the pre-fix contents of path at the failing commit.
func (p *LLM) original(ctx context.Context, req *pipeline.RemediationRequest, path string) ([]byte, bool, error) {
	for _, tf := range req.TouchedFiles {
		if tf.Path == path && tf.Contents != "" && !tf.Truncated {
			return []byte(tf.Contents), true, nil
		}
	}
	if p.files == nil {
		return nil, false, nil
	}
	return p.files.FileContents(ctx, req.Repository(), path, req.CommitSHA())
}

func (p *LLM) record(ctx context.Context, outcome string) {
	p.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// isTransient reports whether a model error is worth retrying. Provider
// clients surface HTTP failures as plain errors, so the status is matched
// in the message.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"429", "500", "502", "503", "504", "529", "rate limit", "overloaded", "timeout", "connection reset", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
