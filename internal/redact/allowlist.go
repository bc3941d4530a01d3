package redact

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates the allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Allowlist holds patterns that are never redacted. The file format is the
// [allowlist] table of a .gitleaks.toml.
type Allowlist struct {
	Paths   []string
	Regexes []string

	paths   []*regexp.Regexp
	regexes []*regexp.Regexp
}

// LoadAllowlist reads path. An empty path or a missing file yields an empty
// allowlist; an unparsable file or pattern is an error.
func LoadAllowlist(path string) (*Allowlist, error) {
	al := &Allowlist{}
	if path == "" {
		return al, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return al, nil
		}
		return nil, err
	}

	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, p := range doc.Allowlist.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid path pattern '%s' in %s: %v", ErrInvalidRegex, p, path, err)
		}
		al.paths = append(al.paths, re)
	}
	for _, p := range doc.Allowlist.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid content pattern '%s' in %s: %v", ErrInvalidRegex, p, path, err)
		}
		al.regexes = append(al.regexes, re)
	}
	al.Paths = doc.Allowlist.Paths
	al.Regexes = doc.Allowlist.Regexes
	return al, nil
}

// allows reports whether match is exempt from redaction.
func (a *Allowlist) allows(match string) bool {
	if a == nil {
		return false
	}
	for _, re := range a.regexes {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
