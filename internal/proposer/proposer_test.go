package proposer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/patch"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
)

// scriptedModel replays replies and errors in order.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	calls    int
	messages [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	m.messages = append(m.messages, messages)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	reply := ""
	if i < len(m.replies) {
		reply = m.replies[i]
	} else if len(m.replies) > 0 {
		reply = m.replies[len(m.replies)-1]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *scriptedModel) prompt(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for _, msg := range m.messages[i] {
		for _, p := range msg.Parts {
			if t, ok := p.(llms.TextContent); ok {
				b.WriteString(t.Text)
			}
		}
	}
	return b.String()
}

type mapFiles map[string]string

func (f mapFiles) FileContents(ctx context.Context, repository, path, ref string) ([]byte, bool, error) {
	c, ok := f[path]
	if !ok {
		return nil, false, nil
	}
	return []byte(c), true, nil
}

const limitGo = "package config\n\nfunc Limit() int {\n\treturn 4\n}\n"

func testRequest() *pipeline.RemediationRequest {
	return &pipeline.RemediationRequest{
		Category: "test",
		Event: pipeline.FailureEvent{
			Repository: "acme/api",
			Workflow:   "ci",
			JobName:    "test",
			FailedStep: "Run go test ./...",
			CommitSHA:  strings.Repeat("c", 40),
		},
		LogExcerpt:      "--- FAIL: TestLimit\n    limit_test.go:9: expected 3, got 4",
		NormalizedError: "--- FAIL: TestLimit",
		TouchedFiles: []pipeline.TouchedFile{
			{Path: "config/config.go", Status: "modified", Contents: limitGo},
		},
	}
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func newProposer(t *testing.T, m llms.Model, files FileSource) *LLM {
	t.Helper()
	p, err := New(m, files, Options{Retry: fastRetry()}, nil)
	require.NoError(t, err)
	return p
}

func TestPropose_FileBlocksBecomeDiff(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"RATIONALE: restore the documented limit\nCONFIDENCE: 0.7\n" +
			"===FILE: config/config.go===\npackage config\n\nfunc Limit() int {\n\treturn 3\n}\n===END FILE===\n",
	}}
	p := newProposer(t, m, nil)

	cand, err := p.Propose(context.Background(), testRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.SourceGenerated, cand.Source)
	assert.True(t, strings.HasPrefix(cand.ID, "generated-"))
	assert.Equal(t, "restore the documented limit", cand.Rationale)
	assert.InDelta(t, 0.7, cand.Confidence, 1e-9)

	changes, err := patch.Parse(cand.Diff)
	require.NoError(t, err)
	results, err := patch.Apply(changes, func(path string) ([]byte, bool, error) {
		if path == "config/config.go" {
			return []byte(limitGo), true, nil
		}
		return nil, false, nil
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, string(results[0].Content), "return 3")
}

func TestPropose_NewFileAndFileSource(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"===FILE: config/config.go===\npackage config\n\nfunc Limit() int {\n\treturn 3\n}\n===END FILE===\n" +
			"===FILE: config/doc.go===\n// Package config holds limits.\npackage config\n===END FILE===\n",
	}}
	req := testRequest()
	req.TouchedFiles[0].Truncated = true
	p := newProposer(t, m, mapFiles{"config/config.go": limitGo})

	cand, err := p.Propose(context.Background(), req, nil)
	require.NoError(t, err)
	paths, err := patch.Paths(cand.Diff)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"config/config.go", "config/doc.go"}, paths)
	assert.Contains(t, cand.Diff, "--- /dev/null")
}

func TestPropose_UnchangedFilesAreUnfixable(t *testing.T) {
	m := &scriptedModel{replies: []string{"===FILE: config/config.go===\n" + limitGo + "===END FILE===\n"}}
	p := newProposer(t, m, nil)

	_, err := p.Propose(context.Background(), testRequest(), nil)
	assert.ErrorIs(t, err, pipeline.ErrUnfixable)
}

func TestPropose_Unfixable(t *testing.T) {
	m := &scriptedModel{replies: []string{"UNFIXABLE: the npm registry is down"}}
	p := newProposer(t, m, nil)

	_, err := p.Propose(context.Background(), testRequest(), nil)
	assert.ErrorIs(t, err, pipeline.ErrUnfixable)
	assert.Contains(t, err.Error(), "npm registry is down")
	assert.Equal(t, 1, m.calls)
}

func TestPropose_RetriesTransientErrors(t *testing.T) {
	m := &scriptedModel{
		errs:    []error{errors.New("API returned unexpected status code: 529: overloaded"), errors.New("status 503")},
		replies: []string{"", "", fencedReply},
	}
	p := newProposer(t, m, nil)

	cand, err := p.Propose(context.Background(), testRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, m.calls)
	assert.Contains(t, cand.Diff, "+\treturn 3")
}

func TestPropose_TransientExhausted(t *testing.T) {
	overloaded := errors.New("429 rate limit exceeded")
	m := &scriptedModel{errs: []error{overloaded, overloaded, overloaded, overloaded}}
	p := newProposer(t, m, nil)

	_, err := p.Propose(context.Background(), testRequest(), nil)
	require.Error(t, err)
	assert.True(t, pipeline.IsTransient(err))
	assert.Equal(t, 3, m.calls)
}

func TestPropose_PermanentErrorNotRetried(t *testing.T) {
	m := &scriptedModel{errs: []error{errors.New("invalid x-api-key")}}
	p := newProposer(t, m, nil)

	_, err := p.Propose(context.Background(), testRequest(), nil)
	require.Error(t, err)
	assert.False(t, pipeline.IsTransient(err))
	assert.Equal(t, 1, m.calls)
}

func TestPropose_PromptCarriesHistory(t *testing.T) {
	m := &scriptedModel{replies: []string{fencedReply}}
	p := newProposer(t, m, nil)

	req := testRequest()
	req.Candidates = []pipeline.PatchCandidate{{
		ID:         "memory-1",
		Diff:       "diff --git a/config/config.go b/config/config.go\n--- a/config/config.go\n+++ b/config/config.go\n@@ -1 +1 @@\n-a\n+b\n",
		Rationale:  "lowered the limit (published in https://github.com/acme/api/pull/7)",
		Source:     pipeline.SourceRetrieved,
		Confidence: 0.91,
	}}
	feedback := []pipeline.Feedback{{
		Attempt: 1, Kind: pipeline.FeedbackCheck,
		Message: "still fails the original check", Output: "--- FAIL: TestLimit",
	}}

	_, err := p.Propose(context.Background(), req, feedback)
	require.NoError(t, err)

	prompt := m.prompt(0)
	assert.Contains(t, prompt, "### Past Fix #1 (similarity: 0.91)")
	assert.Contains(t, prompt, "**Files changed:** config/config.go")
	assert.Contains(t, prompt, "### Attempt 1 (check)")
	assert.Contains(t, prompt, "still fails the original check")
	assert.Contains(t, prompt, "--- config/config.go (modified) ---")
	assert.Contains(t, prompt, "Failed step: Run go test ./...")
	assert.Contains(t, prompt, "UNFIXABLE", "system prompt describes the verdict")
}

func TestBuildPrompt_NoHistory(t *testing.T) {
	req := testRequest()
	req.TouchedFiles = nil
	prompt := BuildPrompt(req, nil)
	assert.Contains(t, prompt, "No similar past fixes found.")
	assert.NotContains(t, prompt, "Rejected attempts")
	assert.Contains(t, prompt, "Commit: ccccccc")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(context.DeadlineExceeded))
	assert.True(t, isTransient(errors.New("unexpected EOF")))
	assert.True(t, isTransient(errors.New("API returned unexpected status code: 502")))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(errors.New("invalid request: max_tokens too large")))
}

func TestNewModel(t *testing.T) {
	_, err := NewModel(config.ProposerConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"})
	assert.Error(t, err, "anthropic requires a key")

	m, err := NewModel(config.ProposerConfig{Provider: "openai", Model: "gpt-4o-mini", BaseURL: "http://localhost:11434/v1"})
	require.NoError(t, err)
	assert.NotNil(t, m)

	_, err = NewModel(config.ProposerConfig{Provider: "bard"})
	assert.Error(t, err)
}
