package fingerprint

import (
	"regexp"
	"strings"
)

// rule rewrites one class of volatile token. Rules run in order; later
// rules see the output of earlier ones.
type rule struct {
	name string
	re   *regexp.Regexp
	repl string
}

var rules = []rule{
	// GitHub Actions prefixes every line with an RFC 3339 timestamp.
	{"gh-prefix", regexp.MustCompile(`(?m)^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?Z ?`), ""},
	{"iso-timestamp", regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`), "<ts>"},
	{"rfc-date", regexp.MustCompile(`\b(?:Mon|Tue|Wed|Thu|Fri|Sat|Sun), \d{1,2} (?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec) \d{4}`), "<date>"},
	{"clock", regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}(?:\.\d+)?\b`), "<time>"},
	{"uuid", regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), "<uuid>"},
	{"address", regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`), "<addr>"},
	{"hex-id", regexp.MustCompile(`(?i)\b[0-9a-f]{12,}\b`), "<hex>"},
	{"temp-dir", regexp.MustCompile(`(?:/tmp|/var/folders/[\w]+/[\w]+/T)/[^\s/:'"]+`), "<tmp>"},
	{"go-build", regexp.MustCompile(`\bgo-build\d+\b`), "<tmp>"},
	{"windows-path", regexp.MustCompile(`\b[A-Za-z]:\\(?:[^\\\s:]+\\)+([^\\\s:]+)`), "$1"},
	{"abs-path", regexp.MustCompile(`(?m)(^|[\s('"=])(?:/[\w.@+-]+)+/([\w.@+-]+)`), "$1$2"},
	{"ip", regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`), "<ip>"},
	{"port", regexp.MustCompile(`(<ip>|localhost|\[::1?\]):\d{2,5}\b`), "$1:<port>"},
	{"position", regexp.MustCompile(`(\.[A-Za-z0-9]+):\d+(?::\d+)?`), "$1:<pos>"},
	{"line-ref", regexp.MustCompile(`(?i)\b(line|col(?:umn)?)\s+\d+`), "$1 <n>"},
	{"duration", regexp.MustCompile(`\b\d+(?:\.\d+)?\s?(?:ns|µs|us|ms|s|m|h|sec|secs|seconds|minutes)\b`), "<dur>"},
	{"run-number", regexp.MustCompile(`(?i)\b(run|build|job|attempt|pipeline)([ #:_-]+)\d+\b`), "$1$2<n>"},
	{"hash-number", regexp.MustCompile(`#\d+\b`), "#<n>"},
	{"spaces", regexp.MustCompile(`[ \t]+`), " "},
}

// Normalize strips volatile tokens from every line of rawLog. Two logs that
// differ only in timestamps, paths, identifiers or run numbers normalize to
// the same text.
func Normalize(rawLog string) string {
	s := strings.ReplaceAll(rawLog, "\r\n", "\n")
	s = ansi.ReplaceAllString(s, "")
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Join(lines, "\n")
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
