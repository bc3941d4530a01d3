package contextbuilder

import (
	"regexp"
	"strings"
)

var (
	runnerTimestamp = regexp.MustCompile(`^\x{FEFF}?\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?Z ?`)
	errorAnnotation = regexp.MustCompile(`##\[error\]`)
	errorLine       = regexp.MustCompile(`(?i)\berror\b|\bFAIL\b|panic:|Exception|Traceback|\bfatal\b|npm ERR!|AssertionError`)
)

// ExcerptOptions bounds an excerpt.
type ExcerptOptions struct {
	Before   int
	After    int
	MaxChars int
}

// Excerpt cuts the part of a job log around the first failure. The excerpt
// never reaches back past the ##[group] line that opened the failing step.
// Logs without any error marker yield their tail.
func Excerpt(rawLog string, opts ExcerptOptions) string {
	if rawLog == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(rawLog, "\n"), "\n")
	for i, l := range lines {
		lines[i] = runnerTimestamp.ReplaceAllString(strings.TrimRight(l, "\r"), "")
	}

	at := firstMatch(lines, errorLineFirst(lines))
	var start, end int
	if at < 0 {
		start = len(lines) - opts.Before - opts.After
		end = len(lines)
	} else {
		start = at - opts.Before
		if g := groupStart(lines, at); g > start {
			start = g
		}
		end = at + opts.After + 1
	}
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}

	text := strings.Join(lines[start:end], "\n")
	if opts.MaxChars > 0 && len(text) > opts.MaxChars {
		text = text[len(text)-opts.MaxChars:]
		if nl := strings.IndexByte(text, '\n'); nl >= 0 && nl < len(text)-1 {
			text = text[nl+1:]
		}
	}
	return text
}

// errorLineFirst returns the index of the first line that reads like an
// error, or -1.
func errorLineFirst(lines []string) int {
	for i, l := range lines {
		if strings.HasPrefix(l, "##[group]") || strings.HasPrefix(l, "##[endgroup]") {
			continue
		}
		if errorLine.MatchString(l) {
			return i
		}
	}
	return -1
}

// firstMatch picks the first ##[error] annotation, or an earlier error line
// from the same step.
func firstMatch(lines []string, firstError int) int {
	annotation := -1
	for i, l := range lines {
		if errorAnnotation.MatchString(l) {
			annotation = i
			break
		}
	}
	switch {
	case annotation < 0:
		return firstError
	case firstError >= 0 && firstError < annotation && groupStart(lines, firstError) == groupStart(lines, annotation):
		return firstError
	default:
		return annotation
	}
}

func groupStart(lines []string, at int) int {
	for i := at; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "##[group]") {
			return i
		}
	}
	return -1
}
