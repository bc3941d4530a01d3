package proposer

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// Format names the shape a reply's changes came in.
type Format string

const (
	FormatDiff  Format = "diff"
	FormatFiles Format = "files"
	FormatJSON  Format = "json"
)

// defaultConfidence is used when a reply carries no CONFIDENCE line.
const defaultConfidence = 0.5

var (
	unfixableVerdict = regexp.MustCompile(`(?m)^\s*UNFIXABLE\b:?\s*(.*)$`)
	diffFence        = regexp.MustCompile("(?s)```(?:diff|patch)[ \t]*\r?\n(.*?)```")
	fileBlock        = regexp.MustCompile(`(?s)===FILE:\s*(.+?)\s*===\r?\n(.*?)===END FILE===`)
	jsonFence        = regexp.MustCompile("(?s)```(?:json)?[ \t]*\r?\n(\\{.*?\\})\\s*```")
	rationaleLine    = regexp.MustCompile(`(?m)^\s*\**RATIONALE:?\**:?\s*(.+)$`)
	confidenceLine   = regexp.MustCompile(`(?m)^\s*\**CONFIDENCE:?\**:?\s*([0-9]*\.?[0-9]+)`)
)

// FileContent is a complete replacement for one file.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Reply is a parsed model reply. Exactly one of Diff and Files is set.
type Reply struct {
	Format     Format
	Diff       string
	Files      []FileContent
	Rationale  string
	Confidence float64
}

// ParseReply extracts the proposed change from a model reply. It tries a
// fenced diff first, then full-file blocks, then a JSON object with a
// files array. A reply with an UNFIXABLE verdict or without any change
// yields pipeline.ErrUnfixable.
func ParseReply(text string) (Reply, error) {
	if m := unfixableVerdict.FindStringSubmatch(text); m != nil {
		reason := strings.TrimSpace(m[1])
		if reason == "" {
			reason = "model returned UNFIXABLE"
		}
		return Reply{}, fmt.Errorf("%w: %s", pipeline.ErrUnfixable, reason)
	}

	r := Reply{Confidence: defaultConfidence}
	switch {
	case parseDiff(text, &r):
	case parseFileBlocks(text, &r):
	case parseJSON(text, &r):
	default:
		return Reply{}, fmt.Errorf("%w: reply contains no changes", pipeline.ErrUnfixable)
	}

	if r.Rationale == "" {
		if m := rationaleLine.FindStringSubmatch(text); m != nil {
			r.Rationale = strings.TrimSpace(m[1])
		}
	}
	if m := confidenceLine.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			r.Confidence = v
		}
	}
	r.Confidence = clamp(r.Confidence)
	return r, nil
}

func parseDiff(text string, r *Reply) bool {
	m := diffFence.FindStringSubmatch(text)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return false
	}
	diff := m[1]
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	r.Format = FormatDiff
	r.Diff = diff
	return true
}

func parseFileBlocks(text string, r *Reply) bool {
	var files []FileContent
	for _, m := range fileBlock.FindAllStringSubmatch(text, -1) {
		p, ok := cleanPath(m[1])
		if !ok || strings.TrimSpace(m[2]) == "" {
			continue
		}
		files = append(files, FileContent{Path: p, Content: withNewline(m[2])})
	}
	if len(files) == 0 {
		return false
	}
	r.Format = FormatFiles
	r.Files = files
	return true
}

func parseJSON(text string, r *Reply) bool {
	candidates := []string{strings.TrimSpace(text)}
	for _, m := range jsonFence.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		candidates = append(candidates, text[i:j+1])
	}

	for _, c := range candidates {
		var payload struct {
			Files      []FileContent `json:"files"`
			Rationale  string        `json:"rationale"`
			Confidence *float64      `json:"confidence"`
		}
		if err := json.Unmarshal([]byte(c), &payload); err != nil {
			continue
		}
		var files []FileContent
		for _, f := range payload.Files {
			p, ok := cleanPath(f.Path)
			if !ok || strings.TrimSpace(f.Content) == "" {
				continue
			}
			files = append(files, FileContent{Path: p, Content: withNewline(f.Content)})
		}
		if len(files) == 0 {
			continue
		}
		r.Format = FormatJSON
		r.Files = files
		r.Rationale = strings.TrimSpace(payload.Rationale)
		if payload.Confidence != nil {
			r.Confidence = *payload.Confidence
		}
		return true
	}
	return false
}

// cleanPath accepts repository-relative paths only.
func cleanPath(p string) (string, bool) {
	p = strings.Trim(strings.TrimSpace(p), "`")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
