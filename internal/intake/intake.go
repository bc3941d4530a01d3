// Package intake verifies and classifies inbound CI failure notifications.
package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// ErrInvalidEvent is a verified delivery whose content cannot be used.
var ErrInvalidEvent = errors.New("invalid failure event")

// Generic intake headers.
const (
	SignatureHeader = "X-Signature-256"
	RequestIDHeader = "X-Request-ID"
)

// Skip reasons reported for deliveries that do not enter the pipeline.
const (
	SkipEventType  = "event type not handled"
	SkipAction     = "action not completed"
	SkipConclusion = "conclusion not failure"
)

const conclusionFailure = "failure"

// Decision is the classification of one delivery.
type Decision struct {
	Accepted bool
	Event    pipeline.FailureEvent
	// Skipped explains why a verified delivery was discarded.
	Skipped string
}

func skip(reason string) Decision { return Decision{Skipped: reason} }

// FailureNotification is the body accepted by the generic endpoint.
type FailureNotification struct {
	Repository   string `json:"repository"`
	Workflow     string `json:"workflow"`
	WorkflowPath string `json:"workflow_path,omitempty"`
	RunID        int64  `json:"run_id"`
	RunAttempt   int    `json:"run_attempt,omitempty"`
	JobID        int64  `json:"job_id,omitempty"`
	JobName      string `json:"job_name"`
	FailedStep   string `json:"failed_step,omitempty"`
	HeadBranch   string `json:"head_branch,omitempty"`
	CommitSHA    string `json:"commit_sha"`
	Conclusion   string `json:"conclusion"`
	LogURL       string `json:"log_url,omitempty"`
	RunURL       string `json:"run_url,omitempty"`
	// Log is the job output for CI systems without a log API.
	Log string `json:"log,omitempty"`
}

// InstallationRecorder learns which GitHub App installation serves a
// repository.
type InstallationRecorder interface {
	Remember(repository string, installationID int64)
}

// Options configures an Adapter.
type Options struct {
	Secret        config.Secret
	AllowUnsigned bool
	Now           func() time.Time
	// Installations, when set, is told the installation of every accepted
	// GitHub delivery.
	Installations InstallationRecorder
}

// Adapter turns verified deliveries into failure events.
type Adapter struct {
	secret        []byte
	allowUnsigned bool
	now           func() time.Time
	installations InstallationRecorder
	logger        *logging.Logger
}

// New creates an Adapter. Without a secret every delivery is rejected unless
// AllowUnsigned is set.
func New(opts Options, logger *logging.Logger) (*Adapter, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if !opts.Secret.IsSet() && !opts.AllowUnsigned {
		return nil, errors.New("webhook secret is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &Adapter{
		allowUnsigned: opts.AllowUnsigned,
		now:           opts.Now,
		installations: opts.Installations,
		logger:        logger.Named("intake"),
	}
	if opts.Secret.IsSet() {
		a.secret = []byte(opts.Secret.Value())
	}
	return a, nil
}

// Handle verifies a GitHub webhook delivery and classifies it. Signature
// failures are pipeline.ErrAuthentication; unusable content is
// ErrInvalidEvent.
func (a *Adapter) Handle(r *http.Request) (Decision, error) {
	ctx := r.Context()
	if a.secret == nil && r.Header.Get(github.SHA256SignatureHeader) != "" {
		return Decision{}, fmt.Errorf("%w: signed delivery without a configured secret", pipeline.ErrAuthentication)
	}
	payload, err := github.ValidatePayload(r, a.secret)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return Decision{}, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidEvent, mbe.Limit)
		}
		a.logger.Warn(ctx, "invalid webhook signature", zap.Error(err))
		return Decision{}, fmt.Errorf("%w: %v", pipeline.ErrAuthentication, err)
	}

	eventType := github.WebHookType(r)
	if eventType != "workflow_job" && eventType != "workflow_run" {
		a.logger.Debug(ctx, "ignoring event type", zap.String("type", eventType))
		return skip(SkipEventType), nil
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var d Decision
	switch e := event.(type) {
	case *github.WorkflowJobEvent:
		d = a.fromJob(e)
	case *github.WorkflowRunEvent:
		d = a.fromRun(e)
	default:
		return skip(SkipEventType), nil
	}
	if !d.Accepted {
		a.logger.Debug(ctx, "ignoring delivery", zap.String("reason", d.Skipped))
		return d, nil
	}

	d.Event.DeliveryID = github.DeliveryID(r)
	if d.Event.DeliveryID == "" {
		d.Event.DeliveryID = uuid.NewString()
	}
	if err := Validate(d.Event); err != nil {
		a.logger.Warn(ctx, "invalid failure event", zap.Error(err))
		return Decision{}, err
	}
	if a.installations != nil && d.Event.InstallationID != 0 {
		a.installations.Remember(d.Event.Repository, d.Event.InstallationID)
	}
	a.logAccepted(r, d.Event)
	return d, nil
}

func (a *Adapter) fromJob(e *github.WorkflowJobEvent) Decision {
	if e.GetAction() != "completed" {
		return skip(SkipAction)
	}
	job := e.GetWorkflowJob()
	if job.GetConclusion() != conclusionFailure {
		return skip(SkipConclusion)
	}
	ev := pipeline.FailureEvent{
		Source:     pipeline.SourceGitHub,
		Repository: e.GetRepo().GetFullName(),
		Workflow:   job.GetWorkflowName(),
		RunID:      job.GetRunID(),
		RunAttempt: int(job.GetRunAttempt()),
		JobID:      job.GetID(),
		JobName:    job.GetName(),
		FailedStep: failedStep(job),
		HeadBranch: job.GetHeadBranch(),
		CommitSHA:  job.GetHeadSHA(),
		RunURL:     job.GetRunURL(),
		LogURL:     job.GetHTMLURL(),
		Conclusion: job.GetConclusion(),
		ReceivedAt: a.now().UTC(),

		InstallationID: e.GetInstallation().GetID(),
	}
	return Decision{Accepted: true, Event: ev}
}

func (a *Adapter) fromRun(e *github.WorkflowRunEvent) Decision {
	if e.GetAction() != "completed" {
		return skip(SkipAction)
	}
	run := e.GetWorkflowRun()
	if run.GetConclusion() != conclusionFailure {
		return skip(SkipConclusion)
	}
	ev := pipeline.FailureEvent{
		Source:       pipeline.SourceGitHub,
		Repository:   e.GetRepo().GetFullName(),
		Workflow:     run.GetName(),
		WorkflowPath: e.GetWorkflow().GetPath(),
		RunID:        run.GetID(),
		RunAttempt:   run.GetRunAttempt(),
		HeadBranch:   run.GetHeadBranch(),
		CommitSHA:    run.GetHeadSHA(),
		RunURL:       run.GetHTMLURL(),
		LogURL:       run.GetLogsURL(),
		Conclusion:   run.GetConclusion(),
		ReceivedAt:   a.now().UTC(),

		InstallationID: e.GetInstallation().GetID(),
	}
	return Decision{Accepted: true, Event: ev}
}

func failedStep(job *github.WorkflowJob) string {
	for _, s := range job.Steps {
		if s.GetConclusion() == conclusionFailure {
			return s.GetName()
		}
	}
	return ""
}

// HandleGeneric verifies and classifies a FailureNotification posted by a
// non-GitHub CI system. The body is signed like a GitHub webhook, but the
// signature travels in X-Signature-256.
func (a *Adapter) HandleGeneric(r *http.Request) (Decision, error) {
	ctx := r.Context()
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return Decision{}, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidEvent, mbe.Limit)
		}
		return Decision{}, fmt.Errorf("%w: reading body: %v", ErrInvalidEvent, err)
	}
	sig := r.Header.Get(SignatureHeader)
	switch {
	case a.secret != nil:
		if err := github.ValidateSignature(sig, payload, a.secret); err != nil {
			a.logger.Warn(ctx, "invalid notification signature", zap.Error(err))
			return Decision{}, fmt.Errorf("%w: %v", pipeline.ErrAuthentication, err)
		}
	case sig != "":
		return Decision{}, fmt.Errorf("%w: signed delivery without a configured secret", pipeline.ErrAuthentication)
	}

	var n FailureNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !strings.EqualFold(n.Conclusion, conclusionFailure) {
		return skip(SkipConclusion), nil
	}

	attempt := n.RunAttempt
	if attempt == 0 {
		attempt = 1
	}
	ev := pipeline.FailureEvent{
		DeliveryID:   r.Header.Get(RequestIDHeader),
		Source:       pipeline.SourceGeneric,
		Repository:   n.Repository,
		Workflow:     n.Workflow,
		WorkflowPath: n.WorkflowPath,
		RunID:        n.RunID,
		RunAttempt:   attempt,
		JobID:        n.JobID,
		JobName:      n.JobName,
		FailedStep:   n.FailedStep,
		HeadBranch:   n.HeadBranch,
		CommitSHA:    strings.ToLower(n.CommitSHA),
		LogURL:       n.LogURL,
		RunURL:       n.RunURL,
		Conclusion:   conclusionFailure,
		InlineLog:    n.Log,
		ReceivedAt:   a.now().UTC(),
	}
	if ev.DeliveryID == "" {
		ev.DeliveryID = uuid.NewString()
	}
	if err := Validate(ev); err != nil {
		a.logger.Warn(ctx, "invalid failure event", zap.Error(err))
		return Decision{}, err
	}
	if ev.InlineLog == "" && ev.RunID == 0 {
		return Decision{}, fmt.Errorf("%w: either log or run_id is required", ErrInvalidEvent)
	}
	a.logAccepted(r, ev)
	return Decision{Accepted: true, Event: ev}, nil
}

func (a *Adapter) logAccepted(r *http.Request, ev pipeline.FailureEvent) {
	a.logger.Info(logging.WithDelivery(r.Context(), ev.DeliveryID), "failure event accepted",
		zap.String("source", ev.Source),
		zap.String("repository", ev.Repository),
		zap.Int64("run_id", ev.RunID),
		zap.Int64("job_id", ev.JobID),
		zap.String("job", ev.JobName),
		zap.String("commit", ev.CommitSHA),
	)
}
