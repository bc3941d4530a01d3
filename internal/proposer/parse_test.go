package proposer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

const fencedReply = "RATIONALE: the limit constant was lowered without updating the test\n" +
	"CONFIDENCE: 0.8\n\n" +
	"```diff\n" +
	"--- a/config/config.go\n" +
	"+++ b/config/config.go\n" +
	"@@ -1,3 +1,3 @@\n" +
	" func Limit() int {\n" +
	"-\treturn 4\n" +
	"+\treturn 3\n" +
	" }\n" +
	"```\n"

func TestParseReply(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		format     Format
		files      []string
		rationale  string
		confidence float64
	}{
		{
			name:       "fenced diff",
			reply:      fencedReply,
			format:     FormatDiff,
			rationale:  "the limit constant was lowered without updating the test",
			confidence: 0.8,
		},
		{
			name: "file blocks",
			reply: "RATIONALE: missing import\n\n" +
				"===FILE: internal/a/a.go===\npackage a\n\nimport \"fmt\"\n===END FILE===\n" +
				"===FILE: internal/b/b.go ===\npackage b\n===END FILE===\n",
			format:     FormatFiles,
			files:      []string{"internal/a/a.go", "internal/b/b.go"},
			rationale:  "missing import",
			confidence: defaultConfidence,
		},
		{
			name:       "json fallback",
			reply:      "Here you go:\n```json\n{\"rationale\":\"pin the version\",\"confidence\":0.9,\"files\":[{\"path\":\"go.mod\",\"content\":\"module x\\n\"}]}\n```",
			format:     FormatJSON,
			files:      []string{"go.mod"},
			rationale:  "pin the version",
			confidence: 0.9,
		},
		{
			name:       "bare json",
			reply:      `{"files":[{"path":"Makefile","content":"all:\n\ttrue"}]}`,
			format:     FormatJSON,
			files:      []string{"Makefile"},
			confidence: defaultConfidence,
		},
		{
			name:       "markdown labels and clamped confidence",
			reply:      "**RATIONALE:** typo in test name\n**CONFIDENCE:** 7\n===FILE: x_test.go===\npackage x\n===END FILE===",
			format:     FormatFiles,
			files:      []string{"x_test.go"},
			rationale:  "typo in test name",
			confidence: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseReply(tt.reply)
			require.NoError(t, err)
			assert.Equal(t, tt.format, r.Format)
			assert.Equal(t, tt.rationale, r.Rationale)
			assert.InDelta(t, tt.confidence, r.Confidence, 1e-9)

			var paths []string
			for _, f := range r.Files {
				paths = append(paths, f.Path)
				assert.True(t, len(f.Content) > 0 && f.Content[len(f.Content)-1] == '\n')
			}
			assert.Equal(t, tt.files, paths)
			if tt.format == FormatDiff {
				assert.Contains(t, r.Diff, "+\treturn 3\n")
			}
		})
	}
}

func TestParseReply_Unfixable(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"verdict", "UNFIXABLE: the registry returned 503 for every request"},
		{"verdict after preamble", "I looked at the log.\nUNFIXABLE\n"},
		{"no changes", "RATIONALE: the runner ran out of disk space\nCONFIDENCE: 0.2\n"},
		{"empty diff fence", "```diff\n\n```"},
		{"escaping paths", "===FILE: ../../etc/passwd===\nroot\n===END FILE==="},
		{"json without files", `{"files":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReply(tt.reply)
			assert.ErrorIs(t, err, pipeline.ErrUnfixable)
		})
	}
}

func TestParseReply_DiffWinsOverFileBlocks(t *testing.T) {
	reply := fencedReply + "\n===FILE: other.go===\npackage other\n===END FILE===\n"
	r, err := ParseReply(reply)
	require.NoError(t, err)
	assert.Equal(t, FormatDiff, r.Format)
	assert.Empty(t, r.Files)
}

func TestCleanPath(t *testing.T) {
	for in, want := range map[string]string{
		"a/b.go":     "a/b.go",
		" `a/b.go` ": "a/b.go",
		"a/./b/../c": "a/c",
	} {
		got, ok := cleanPath(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"", "/etc/passwd", "..", "../x", "a/../../x"} {
		_, ok := cleanPath(bad)
		assert.False(t, ok, bad)
	}
}
