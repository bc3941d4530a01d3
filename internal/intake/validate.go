package intake

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

var (
	validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	validSHARegex  = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

const zeroSHA = "0000000000000000000000000000000000000000"

// Validate checks the fields every accepted event must carry.
func Validate(ev pipeline.FailureEvent) error {
	owner, name, ok := strings.Cut(ev.Repository, "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("%w: repository must be owner/name, got %q", ErrInvalidEvent, ev.Repository)
	}
	if !validNameRegex.MatchString(owner) {
		return fmt.Errorf("%w: invalid repository owner format", ErrInvalidEvent)
	}
	if !validNameRegex.MatchString(name) {
		return fmt.Errorf("%w: invalid repository name format", ErrInvalidEvent)
	}
	if !validSHARegex.MatchString(ev.CommitSHA) {
		return fmt.Errorf("%w: invalid SHA format", ErrInvalidEvent)
	}
	if ev.CommitSHA == zeroSHA {
		return fmt.Errorf("%w: commit SHA is all zeros", ErrInvalidEvent)
	}
	if ev.RunID < 0 || ev.JobID < 0 || ev.RunAttempt < 0 {
		return fmt.Errorf("%w: negative run identity", ErrInvalidEvent)
	}
	return nil
}
