// Package redact removes credentials from CI log excerpts and source text
// before they leave the process for the proposer or the fix memory.
//
// Detection combines the gitleaks default rule set with a few patterns that
// are specific to CI logs (bearer headers, credentials embedded in clone
// URLs). Matches are replaced with [REDACTED:rule-id] markers so the
// surrounding text keeps its meaning for retrieval.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Match  string
}

// Result is redacted content plus what was removed.
type Result struct {
	Content  string
	Findings []Finding
	ByRule   map[string]int
}

// Count returns the number of findings.
func (r Result) Count() int { return len(r.Findings) }

// Options configures a Redactor.
type Options struct {
	Enabled bool
	// AllowlistPath is a gitleaks-style TOML allowlist. Missing files are ignored.
	AllowlistPath string
}

// Redactor scrubs text. It is safe for concurrent use.
type Redactor struct {
	enabled   bool
	mu        sync.Mutex
	detector  *detect.Detector
	allowlist *Allowlist
}

type logRule struct {
	id      string
	pattern *regexp.Regexp
	group   int
}

var logRules = []logRule{
	{"authorization-header", regexp.MustCompile(`(?i)authorization:\s*(?:bearer|token|basic)\s+([A-Za-z0-9._~+/=-]{8,})`), 1},
	{"url-credentials", regexp.MustCompile(`[a-z][a-z0-9+.-]*://([^/\s:@]+:[^/\s@]+)@`), 1},
	{"x-access-token", regexp.MustCompile(`x-access-token:([^@\s]+)`), 1},
	{"github-token", regexp.MustCompile(`\b(gh[pousr]_[A-Za-z0-9]{36,})\b`), 1},
	{"github-fine-grained-pat", regexp.MustCompile(`\b(github_pat_[A-Za-z0-9_]{22,})\b`), 1},
	{"private-key", regexp.MustCompile(`-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`), 0},
}

// New builds a Redactor. The gitleaks rule set is compiled once here.
func New(opts Options) (*Redactor, error) {
	r := &Redactor{enabled: opts.Enabled}
	if !opts.Enabled {
		return r, nil
	}

	allowlist, err := LoadAllowlist(opts.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	r.allowlist = allowlist

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	applyAllowlist(&detector.Config, allowlist)
	r.detector = detector
	return r, nil
}

// Nop returns a Redactor that passes content through.
func Nop() *Redactor { return &Redactor{} }

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool { return r != nil && r.enabled }

// String is Redact returning only the scrubbed text.
func (r *Redactor) String(content string) string {
	return r.Redact(content).Content
}

// Redact detects and replaces secrets in content.
func (r *Redactor) Redact(content string) Result {
	res := Result{Content: content, ByRule: map[string]int{}}
	if !r.Enabled() || content == "" {
		return res
	}

	seen := map[string]bool{}
	add := func(rule, match string) {
		match = strings.TrimSpace(match)
		if match == "" || seen[match] || r.allowlist.allows(match) {
			return
		}
		seen[match] = true
		res.Findings = append(res.Findings, Finding{RuleID: rule, Match: match})
		res.ByRule[rule]++
	}

	for _, rule := range logRules {
		for _, m := range rule.pattern.FindAllStringSubmatch(content, -1) {
			add(rule.id, m[rule.group])
		}
	}

	r.mu.Lock()
	leaks := r.detector.DetectString(content)
	r.mu.Unlock()
	for _, f := range leaks {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		add(f.RuleID, secret)
	}

	if len(res.Findings) == 0 {
		return res
	}

	// Longest first so a secret that contains another is replaced whole.
	ordered := make([]Finding, len(res.Findings))
	copy(ordered, res.Findings)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Match) > len(ordered[j].Match)
	})
	scrubbed := content
	for _, f := range ordered {
		scrubbed = strings.ReplaceAll(scrubbed, f.Match, "[REDACTED:"+f.RuleID+"]")
	}
	res.Content = scrubbed
	return res
}

// applyAllowlist merges allowlist patterns into the gitleaks config.
// Patterns were validated by LoadAllowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	if allowlist == nil || (len(allowlist.Paths) == 0 && len(allowlist.Regexes) == 0) {
		return
	}
	global := &gitleaksConfig.Allowlist{
		Description: "remedyd allowlist",
	}
	for _, re := range allowlist.paths {
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, re := range allowlist.regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
