package contextbuilder

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExcerpt(t *testing.T) {
	tests := []struct {
		name        string
		log         string
		opts        ExcerptOptions
		contains    []string
		notContains []string
	}{
		{
			name:        "starts at failing step group",
			log:         sampleLog,
			opts:        ExcerptOptions{Before: 40, After: 20},
			contains:    []string{"##[group]Run go test ./...", "expected 3, got 4", "##[error]Process completed"},
			notContains: []string{"actions/checkout"},
		},
		{
			name:        "before window is bounded",
			log:         sampleLog,
			opts:        ExcerptOptions{Before: 1, After: 0},
			contains:    []string{"ok  \tacme/api/internal/a", "--- FAIL: TestParse"},
			notContains: []string{"##[group]Run go test", "parse_test.go"},
		},
		{
			name:        "no error marker keeps the tail",
			log:         "one\ntwo\nthree\nfour\n",
			opts:        ExcerptOptions{Before: 1, After: 1},
			contains:    []string{"three\nfour"},
			notContains: []string{"two"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Excerpt(tt.log, tt.opts)
			for _, s := range tt.contains {
				assert.Contains(t, got, s)
			}
			for _, s := range tt.notContains {
				assert.NotContains(t, got, s)
			}
		})
	}
}

func TestExcerpt_CharBudget(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&b, "line %03d\n", i)
	}
	b.WriteString("error: final failure\n")

	got := Excerpt(b.String(), ExcerptOptions{Before: 100, After: 5, MaxChars: 60})
	assert.LessOrEqual(t, len(got), 60)
	assert.True(t, strings.HasSuffix(got, "error: final failure"))
	assert.True(t, strings.HasPrefix(got, "line "), "cut at a line boundary: %q", got)
}

func TestExcerpt_Empty(t *testing.T) {
	assert.Empty(t, Excerpt("", ExcerptOptions{Before: 1, After: 1}))
}
