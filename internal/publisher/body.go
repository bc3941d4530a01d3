package publisher

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/scm"
)

// maxRationale bounds the analysis section of a pull request body.
const maxRationale = 4000

//go:embed templates/*.md.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.md.tmpl"))

type bodyData struct {
	Job            string
	Workflow       string
	Branch         string
	ShortSHA       string
	RunID          int64
	RunURL         string
	Conclusion     string
	Files          []string
	Rationale      string
	Signature      string
	ShortSignature string
	Category       string
	Source         string
	Marker         string
}

func newBodyData(req *pipeline.RemediationRequest) bodyData {
	ev := req.Event
	job := ev.JobName
	if job == "" {
		job = ev.Workflow
	}
	conclusion := ev.Conclusion
	if conclusion == "" {
		conclusion = "failure"
	}
	category := string(req.Category)
	if category == "" {
		category = string(fingerprint.CategoryUnknown)
	}
	return bodyData{
		Job:            job,
		Workflow:       ev.Workflow,
		Branch:         ev.HeadBranch,
		ShortSHA:       shortSHA(ev.CommitSHA),
		RunID:          ev.RunID,
		RunURL:         ev.RunURL,
		Conclusion:     conclusion,
		Signature:      req.Signature.String(),
		ShortSignature: req.Signature.Short(12),
		Category:       category,
	}
}

// RenderBody renders the pull request description.
func RenderBody(req *pipeline.RemediationRequest, cand pipeline.PatchCandidate, files []scm.TreeFile) (string, error) {
	data := newBodyData(req)
	data.Source = string(cand.Source)
	data.Marker = signatureMarker(req.Signature)

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if !seen[f.Path] {
			seen[f.Path] = true
			data.Files = append(data.Files, f.Path)
		}
	}
	sort.Strings(data.Files)

	data.Rationale = strings.TrimSpace(cand.Rationale)
	if data.Rationale == "" {
		data.Rationale = "No analysis was provided."
	}
	if len(data.Rationale) > maxRationale {
		data.Rationale = data.Rationale[:maxRationale] + "…"
	}
	return render("pull_request.md.tmpl", data)
}

// RenderRepeatComment renders the note left when a fixed failure recurs.
func RenderRepeatComment(req *pipeline.RemediationRequest) (string, error) {
	data := newBodyData(req)
	data.Marker = repeatMarker(req.Signature)
	return render("repeat_comment.md.tmpl", data)
}

func render(name string, data bodyData) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return buf.String(), nil
}

func signatureMarker(sig fingerprint.Signature) string {
	return fmt.Sprintf("<!-- remedyd:signature:%s -->", sig)
}

func repeatMarker(sig fingerprint.Signature) string {
	return fmt.Sprintf("<!-- remedyd:repeat:%s -->", sig.Short(12))
}
