package http

import (
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/ledger"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// IntakeResponse is returned for every verified delivery.
type IntakeResponse struct {
	Status string `json:"status"` // "accepted" or "skipped"
	Key    string `json:"key,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RemediationStatus is the operator view of one ledger entry.
type RemediationStatus struct {
	Signature  string    `json:"signature"`
	State      string    `json:"state"`
	Phase      string    `json:"phase,omitempty"`
	Repository string    `json:"repository"`
	CommitSHA  string    `json:"commit_sha"`
	Attempts   int       `json:"attempts"`
	PRNumber   int       `json:"pr_number,omitempty"`
	PRURL      string    `json:"pr_url,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Duplicates int       `json:"duplicates"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// RemediationList is the response body for GET /api/v1/remediations.
type RemediationList struct {
	Remediations []RemediationStatus `json:"remediations"`
	Count        int                 `json:"count"`
}

// StatusFromEntry converts a ledger entry for the API.
func StatusFromEntry(e ledger.Entry) RemediationStatus {
	return RemediationStatus{
		Signature:  string(e.Signature),
		State:      string(e.State),
		Phase:      e.Phase,
		Repository: e.Repository,
		CommitSHA:  e.CommitSHA,
		Attempts:   e.Attempts,
		PRNumber:   e.PRNumber,
		PRURL:      e.PRURL,
		Reason:     e.Reason,
		Duplicates: e.Duplicates,
		StartedAt:  e.StartedAt,
		UpdatedAt:  e.UpdatedAt,
		FinishedAt: e.FinishedAt,
	}
}
