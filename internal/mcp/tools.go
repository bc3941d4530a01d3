package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/remedyd/internal/statusclient"
)

// remediationView is the tool-facing shape of a ledger entry. Timestamps
// are RFC 3339 strings.
type remediationView struct {
	Signature  string `json:"signature" jsonschema:"Failure signature"`
	State      string `json:"state" jsonschema:"Ledger state"`
	Phase      string `json:"phase,omitempty" jsonschema:"Current step of an active remediation"`
	Repository string `json:"repository" jsonschema:"Repository (owner/name)"`
	CommitSHA  string `json:"commit_sha" jsonschema:"Commit the failure was seen on"`
	Attempts   int    `json:"attempts" jsonschema:"Candidates tried so far"`
	PRURL      string `json:"pr_url,omitempty" jsonschema:"Pull request carrying the fix"`
	Reason     string `json:"reason,omitempty" jsonschema:"Terminal reason for failed or aborted remediations"`
	Duplicates int    `json:"duplicates" jsonschema:"Duplicate deliveries absorbed"`
	UpdatedAt  string `json:"updated_at" jsonschema:"Last ledger update"`
}

func viewOf(st statusclient.Status) remediationView {
	return remediationView{
		Signature:  st.Signature,
		State:      st.State,
		Phase:      st.Phase,
		Repository: st.Repository,
		CommitSHA:  st.CommitSHA,
		Attempts:   st.Attempts,
		PRURL:      st.PRURL,
		Reason:     st.Reason,
		Duplicates: st.Duplicates,
		UpdatedAt:  st.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type remediationStatusInput struct {
	Signature string `json:"signature" jsonschema:"required,Failure signature or a unique prefix of at least 8 hex characters"`
}

type remediationStatusOutput struct {
	Remediation *remediationView `json:"remediation,omitempty" jsonschema:"Ledger entry for the signature"`
	Found       bool             `json:"found" jsonschema:"Whether the signature is known"`
}

type remediationListInput struct {
	State      string `json:"state,omitempty" jsonschema:"Filter by ledger state (RECEIVED ACTIVE COMPLETED FAILED ABORTED)"`
	Repository string `json:"repository,omitempty" jsonschema:"Filter by repository (owner/name)"`
	Limit      int    `json:"limit,omitempty" jsonschema:"Maximum results (default: 20)"`
}

type remediationListOutput struct {
	Remediations []remediationView `json:"remediations" jsonschema:"Remediations, most recently updated first"`
	Count        int               `json:"count" jsonschema:"Number of results returned"`
	Total        int               `json:"total" jsonschema:"Number of matching remediations before the limit"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remediation_status",
		Description: "Show the state, attempts and pull request of one CI failure remediation",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args remediationStatusInput) (*mcp.CallToolResult, remediationStatusOutput, error) {
		var toolErr error
		done := s.metrics.track(ctx, "remediation_status")
		defer func() { done(toolErr) }()

		sig := strings.TrimSpace(args.Signature)
		if sig == "" {
			toolErr = fmt.Errorf("%w: signature is empty", errInvalidArgument)
			return nil, remediationStatusOutput{}, toolErr
		}

		st, err := s.status.Status(ctx, sig)
		switch {
		case errors.Is(err, statusclient.ErrNotFound):
			s.metrics.lookup(ctx, "not_found")
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					&mcp.TextContent{Text: fmt.Sprintf("No remediation found for %s", sig)},
				},
			}, remediationStatusOutput{Found: false}, nil
		case errors.Is(err, statusclient.ErrAmbiguous):
			s.metrics.lookup(ctx, "ambiguous")
			toolErr = fmt.Errorf("%s matches more than one remediation: %w", sig, err)
			return nil, remediationStatusOutput{}, toolErr
		case err != nil:
			toolErr = fmt.Errorf("remediation status failed: %w", err)
			return nil, remediationStatusOutput{}, toolErr
		}
		s.metrics.lookup(ctx, "found")

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: summarize(st)},
			},
		}, remediationStatusOutput{Remediation: ptr(viewOf(st)), Found: true}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remediation_list",
		Description: "List CI failure remediations known to remedyd",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args remediationListInput) (*mcp.CallToolResult, remediationListOutput, error) {
		var toolErr error
		done := s.metrics.track(ctx, "remediation_list")
		defer func() { done(toolErr) }()

		limit := args.Limit
		if limit <= 0 {
			limit = 20
		}
		list, err := s.status.List(ctx, statusclient.Filter{State: args.State, Repository: args.Repository})
		if err != nil {
			toolErr = fmt.Errorf("remediation list failed: %w", err)
			return nil, remediationListOutput{}, toolErr
		}

		entries := list.Remediations
		out := remediationListOutput{Remediations: []remediationView{}, Total: len(entries)}
		if len(entries) > limit {
			entries = entries[:limit]
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Found %d remediations", out.Total)
		for _, st := range entries {
			out.Remediations = append(out.Remediations, viewOf(st))
			b.WriteString("\n- ")
			b.WriteString(summarize(st))
		}
		out.Count = len(out.Remediations)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: b.String()},
			},
		}, out, nil
	})
}

func summarize(st statusclient.Status) string {
	short := st.Signature
	if len(short) > 12 {
		short = short[:12]
	}
	s := fmt.Sprintf("%s %s %s attempts=%d", short, st.Repository, st.State, st.Attempts)
	if st.Phase != "" && st.State == "ACTIVE" {
		s += " phase=" + st.Phase
	}
	if st.Reason != "" {
		s += " reason=" + st.Reason
	}
	if st.PRURL != "" {
		s += " pr=" + st.PRURL
	}
	return s
}

func ptr[T any](v T) *T { return &v }
