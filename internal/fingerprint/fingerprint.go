// Package fingerprint derives a stable signature from a CI failure log.
//
// The signature is the hex SHA-256 of the job identity, the first few
// normalized error lines and the exception-like tokens found in the log.
// Rules err toward under-merging: two distinct root causes sharing a
// signature would replay a wrong cached fix, while a split signature only
// costs a duplicate remediation.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

const (
	maxErrorLines = 3
	maxTailLines  = 5
	maxTokens     = 8
)

// Signature is the hex SHA-256 identity of a failure.
type Signature string

func (s Signature) String() string { return string(s) }

// Short returns the first n characters, or the whole signature if shorter.
func (s Signature) Short(n int) string {
	if len(s) <= n {
		return string(s)
	}
	return string(s[:n])
}

var signaturePattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Valid reports whether s has the shape of a signature.
func Valid(s string) bool {
	return signaturePattern.MatchString(s)
}

// JobIdentity is the part of a failure that does not come from the log.
type JobIdentity struct {
	Repository string
	Workflow   string
	Job        string
	// Raw is the event tuple (run, attempt, commit). It only enters the
	// hash when the log carries nothing, so an identity signature matches
	// redeliveries of the same event and nothing else.
	Raw string
}

// Basis says which part of the log a signature was derived from.
type Basis string

const (
	BasisErrors   Basis = "errors"
	BasisTail     Basis = "tail"
	BasisIdentity Basis = "identity"
)

// Result is the full outcome of fingerprinting a log.
type Result struct {
	Signature  Signature
	Basis      Basis
	ErrorLines []string
	Tokens     []string
	Category   Category
}

// Text returns the normalized error text used for similarity search.
func (r Result) Text() string {
	parts := append([]string{}, r.ErrorLines...)
	if len(r.Tokens) > 0 {
		parts = append(parts, strings.Join(r.Tokens, " "))
	}
	return strings.Join(parts, "\n")
}

var (
	errorMarker = regexp.MustCompile(`(?i)\berror\b|\bFAIL\b|panic:|Exception|Traceback|\bfatal\b|##\[error\]|npm ERR!|AssertionError`)
	// ExceptionError, pkg.module.SomethingException, java.lang.NullPointerException
	exceptionToken = regexp.MustCompile(`\b(?:[A-Za-z_][A-Za-z0-9_]*\.)*[A-Z][A-Za-z0-9_]*(?:Error|Exception)\b`)
	// Runner bookkeeping that carries no diagnosis.
	noise = regexp.MustCompile(`^(?:##\[(?:group|endgroup|section|command)\]|Post job cleanup|Cleaning up orphan processes)`)
)

// Extract returns the signature of rawLog for job. It never fails: with no
// error lines it uses the log tail, and with an empty log only the identity
// including its raw event tuple.
func Extract(rawLog string, job JobIdentity) Signature {
	return Analyze(rawLog, job).Signature
}

// Analyze fingerprints rawLog and returns the intermediate results along
// with the signature.
func Analyze(rawLog string, job JobIdentity) Result {
	normalized := Normalize(rawLog)

	var (
		errLines []string
		tail     []string
	)
	for _, line := range strings.Split(normalized, "\n") {
		if line == "" || noise.MatchString(line) {
			continue
		}
		if len(errLines) < maxErrorLines && errorMarker.MatchString(line) {
			errLines = append(errLines, line)
		}
		tail = append(tail, line)
		if len(tail) > maxTailLines {
			tail = tail[1:]
		}
	}

	res := Result{
		Tokens:   exceptionTokens(normalized),
		Category: Classify(job.Job, normalized),
	}
	switch {
	case len(errLines) > 0:
		res.Basis = BasisErrors
		res.ErrorLines = errLines
	case len(tail) > 0:
		res.Basis = BasisTail
		res.ErrorLines = tail
	default:
		res.Basis = BasisIdentity
	}
	res.Signature = digest(job, res.Basis, res.ErrorLines, res.Tokens)
	return res
}

func exceptionTokens(text string) []string {
	seen := make(map[string]struct{})
	for _, tok := range exceptionToken.FindAllString(text, -1) {
		seen[tok] = struct{}{}
	}
	tokens := make([]string, 0, len(seen))
	for tok := range seen {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	if len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
	}
	return tokens
}

func digest(job JobIdentity, basis Basis, lines, tokens []string) Signature {
	h := sha256.New()
	for _, part := range []string{job.Repository, job.Workflow, job.Job} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	if basis == BasisIdentity {
		h.Write([]byte(job.Raw))
	} else {
		h.Write([]byte(basis))
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(lines, "\n")))
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(tokens, ",")))
	}
	return Signature(hex.EncodeToString(h.Sum(nil)))
}
