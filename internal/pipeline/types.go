// Package pipeline holds the types shared by every stage of the remediation
// pipeline, from intake through publishing.
package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
)

// Event sources.
const (
	SourceGitHub  = "github"
	SourceGeneric = "generic"
)

// FailureEvent is one CI failure notification as accepted by intake.
// It is immutable once constructed.
type FailureEvent struct {
	DeliveryID   string    `json:"delivery_id"`
	Source       string    `json:"source"`
	Repository   string    `json:"repository"` // owner/name
	Workflow     string    `json:"workflow"`
	WorkflowPath string    `json:"workflow_path,omitempty"`
	RunID        int64     `json:"run_id"`
	RunAttempt   int       `json:"run_attempt"`
	JobID        int64     `json:"job_id,omitempty"`
	JobName      string    `json:"job_name,omitempty"`
	FailedStep   string    `json:"failed_step,omitempty"`
	HeadBranch   string    `json:"head_branch,omitempty"`
	CommitSHA    string    `json:"commit_sha"`
	LogURL       string    `json:"log_url,omitempty"`
	RunURL       string    `json:"run_url,omitempty"`
	Conclusion   string    `json:"conclusion"`
	InlineLog    string    `json:"-"`
	ReceivedAt   time.Time `json:"received_at"`

	// InstallationID is the GitHub App installation the delivery came from.
	InstallationID int64 `json:"installation_id,omitempty"`
}

// Identity returns the job identity used for fingerprinting.
func (e FailureEvent) Identity() fingerprint.JobIdentity {
	return fingerprint.JobIdentity{
		Repository: e.Repository,
		Workflow:   e.Workflow,
		Job:        e.JobName,
		Raw:        fmt.Sprintf("%d/%d/%d/%s", e.RunID, e.RunAttempt, e.JobID, e.CommitSHA),
	}
}

// Owner returns the repository owner.
func (e FailureEvent) Owner() string {
	owner, _, _ := strings.Cut(e.Repository, "/")
	return owner
}

// Name returns the repository name without owner.
func (e FailureEvent) Name() string {
	_, name, _ := strings.Cut(e.Repository, "/")
	return name
}

// Key identifies the unit of work for scheduling and logs. Re-runs of the
// same job get a new key through RunAttempt.
func (e FailureEvent) Key() string {
	return fmt.Sprintf("%s-%d-%d-%d", strings.ReplaceAll(e.Repository, "/", "-"), e.RunID, e.JobID, e.RunAttempt)
}

// TouchedFile is a file changed by the triggering commit.
type TouchedFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Contents  string `json:"-"`
	Truncated bool   `json:"truncated,omitempty"`
}

// CandidateSource says where a PatchCandidate came from.
type CandidateSource string

const (
	SourceRetrieved CandidateSource = "retrieved"
	SourceGenerated CandidateSource = "generated"
)

// PatchCandidate is a proposed diff. Candidates are compared and selected
// but never changed; a rejected one is discarded.
type PatchCandidate struct {
	ID         string          `json:"id"`
	Diff       string          `json:"diff"`
	Rationale  string          `json:"rationale"`
	Source     CandidateSource `json:"source"`
	Confidence float64         `json:"confidence"`
}

// FeedbackKind distinguishes why a candidate was rejected.
type FeedbackKind string

const (
	FeedbackApply     FeedbackKind = "apply"
	FeedbackProtected FeedbackKind = "protected"
	FeedbackCheck     FeedbackKind = "check"
)

// Feedback is the validator's explanation of a rejected candidate.
type Feedback struct {
	Attempt     int          `json:"attempt"`
	CandidateID string       `json:"candidate_id"`
	Kind        FeedbackKind `json:"kind"`
	Message     string       `json:"message"`
	Output      string       `json:"output,omitempty"`
}

func (f Feedback) String() string {
	if f.Output == "" {
		return f.Message
	}
	return f.Message + "\n" + f.Output
}

// RemediationRequest is everything the reasoning loop needs for one
// failure. It is owned by a single orchestrator run, which only ever
// increments Attempts and appends Feedback.
type RemediationRequest struct {
	Signature       fingerprint.Signature `json:"signature"`
	Category        fingerprint.Category  `json:"category"`
	Event           FailureEvent          `json:"event"`
	LogExcerpt      string                `json:"-"`
	NormalizedError string                `json:"-"`
	TouchedFiles    []TouchedFile         `json:"touched_files"`
	Candidates      []PatchCandidate      `json:"candidates"`
	Attempts        int                   `json:"attempts"`
	Feedback        []Feedback            `json:"feedback"`
}

// Repository returns owner/name of the failing repository.
func (r *RemediationRequest) Repository() string { return r.Event.Repository }

// CommitSHA returns the triggering commit.
func (r *RemediationRequest) CommitSHA() string { return r.Event.CommitSHA }

// NextAttempt increments and returns the attempt counter.
func (r *RemediationRequest) NextAttempt() int {
	r.Attempts++
	return r.Attempts
}

// AddFeedback records a rejection for the next generation round.
func (r *RemediationRequest) AddFeedback(f Feedback) {
	r.Feedback = append(r.Feedback, f)
}

// Outcomes stored with a FixRecord.
const (
	OutcomePublished = "published"
	OutcomeExisting  = "existing_pr"
)

// FixRecord is a successful fix written to fix memory on DONE.
type FixRecord struct {
	ID         string                `json:"id"`
	Signature  fingerprint.Signature `json:"signature"`
	Category   fingerprint.Category  `json:"category"`
	Diff       string                `json:"diff"`
	Rationale  string                `json:"rationale"`
	Outcome    string                `json:"outcome"`
	ErrorText  string                `json:"error_text"`
	Repository string                `json:"repository"`
	CommitSHA  string                `json:"commit_sha"`
	PRURL      string                `json:"pr_url,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}

// PullRequestHandle identifies a published pull request.
type PullRequestHandle struct {
	Number   int    `json:"number"`
	URL      string `json:"url"`
	Branch   string `json:"branch"`
	Existing bool   `json:"existing"`
}
