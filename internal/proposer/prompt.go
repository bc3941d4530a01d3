package proposer

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/remedyd/internal/patch"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// Limits applied while rendering the prompt.
const (
	maxPastFixRationale = 1500
	maxPastFixDiff      = 4000
	maxFeedbackOutput   = 2000
)

const systemPrompt = `You are a senior engineer fixing a failing CI job.

You are given the failing log excerpt, the files changed by the commit that
broke the build, fixes that resolved similar failures before, and feedback on
any fix you already proposed for this failure.

Produce the smallest change that makes the failing check pass. Do not modify
CI workflow definitions. Do not disable or skip tests.

Reply in this format:

RATIONALE: <one paragraph explaining the root cause and the fix>
CONFIDENCE: <a number between 0 and 1>

followed by either a unified diff in a ` + "```diff" + ` fenced block, or one block
per changed file containing its complete new contents:

===FILE: path/to/file===
<complete file contents>
===END FILE===

If the failure cannot be fixed by changing the repository, for example an
outage of an external service or a missing secret, reply with the single word
UNFIXABLE followed by the reason.`

// BuildPrompt renders the user message for a request.
func BuildPrompt(req *pipeline.RemediationRequest, feedback []pipeline.Feedback) string {
	var b strings.Builder
	ev := req.Event

	b.WriteString("## Failure\n")
	fmt.Fprintf(&b, "Repository: %s\n", ev.Repository)
	if ev.Workflow != "" {
		fmt.Fprintf(&b, "Workflow: %s\n", ev.Workflow)
	}
	if ev.JobName != "" {
		fmt.Fprintf(&b, "Job: %s\n", ev.JobName)
	}
	if ev.FailedStep != "" {
		fmt.Fprintf(&b, "Failed step: %s\n", ev.FailedStep)
	}
	fmt.Fprintf(&b, "Commit: %s\n", short(ev.CommitSHA, 7))
	if req.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", req.Category)
	}
	if req.NormalizedError != "" {
		fmt.Fprintf(&b, "\n### Error\n%s\n", req.NormalizedError)
	}
	fmt.Fprintf(&b, "\n### Log excerpt\n```\n%s\n```\n", req.LogExcerpt)

	b.WriteString("\n## Files changed by the commit\n")
	if len(req.TouchedFiles) == 0 {
		b.WriteString("Unknown.\n")
	}
	for _, f := range req.TouchedFiles {
		fmt.Fprintf(&b, "\n--- %s (%s) ---\n", f.Path, f.Status)
		switch {
		case f.Contents == "":
			b.WriteString("(contents not available)\n")
		default:
			b.WriteString(f.Contents)
			if !strings.HasSuffix(f.Contents, "\n") {
				b.WriteByte('\n')
			}
			if f.Truncated {
				b.WriteString("(truncated)\n")
			}
		}
	}

	b.WriteString("\n## Similar past fixes\n")
	b.WriteString(pastFixes(req.Candidates))

	if len(feedback) > 0 {
		b.WriteString("\n## Rejected attempts\n")
		b.WriteString("Each of these proposals was rejected. Do not repeat them.\n")
		for _, f := range feedback {
			fmt.Fprintf(&b, "\n### Attempt %d (%s)\n%s\n", f.Attempt, f.Kind, f.Message)
			if f.Output != "" {
				fmt.Fprintf(&b, "```\n%s\n```\n", tail(f.Output, maxFeedbackOutput))
			}
		}
	}
	return b.String()
}

func pastFixes(candidates []pipeline.PatchCandidate) string {
	if len(candidates) == 0 {
		return "No similar past fixes found.\n"
	}
	parts := make([]string, 0, len(candidates))
	for i, c := range candidates {
		changed := "?"
		if paths, err := patch.Paths(c.Diff); err == nil && len(paths) > 0 {
			changed = strings.Join(paths, ", ")
		}
		parts = append(parts, fmt.Sprintf(
			"### Past Fix #%d (similarity: %.2f)\n**Analysis:** %s\n**Files changed:** %s\n```diff\n%s\n```\n",
			i+1, c.Confidence, short(c.Rationale, maxPastFixRationale), changed,
			strings.TrimRight(short(c.Diff, maxPastFixDiff), "\n"),
		))
	}
	return strings.Join(parts, "\n")
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
