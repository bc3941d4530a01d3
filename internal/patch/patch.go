// Package patch parses unified diffs and applies them to file contents.
package patch

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

var (
	// ErrEmpty means the diff contains no file changes.
	ErrEmpty = errors.New("patch: diff contains no changes")

	// ErrBinary means the diff carries binary hunks, which are not supported.
	ErrBinary = errors.New("patch: binary changes are not supported")
)

// ApplyError reports a file the diff could not be applied to.
type ApplyError struct {
	Path string
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Change is one file of a parsed diff.
type Change struct {
	*gitdiff.File
}

// Path is the path the change writes to, or the removed path for deletes.
func (c Change) Path() string {
	if c.IsDelete {
		return c.OldName
	}
	return c.NewName
}

// Paths returns every path the change reads or writes.
func (c Change) Paths() []string {
	if c.OldName != "" && c.OldName != c.NewName {
		if c.NewName == "" {
			return []string{c.OldName}
		}
		return []string{c.OldName, c.NewName}
	}
	return []string{c.Path()}
}

// Parse reads a unified diff.
func Parse(diff string) ([]Change, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(diff))
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrEmpty
	}
	out := make([]Change, 0, len(files))
	for _, f := range files {
		if f.IsBinary {
			return nil, fmt.Errorf("%w: %s", ErrBinary, f.NewName)
		}
		out = append(out, Change{File: f})
	}
	return out, nil
}

// Paths lists the distinct paths a diff touches, sorted.
func Paths(diff string) ([]string, error) {
	changes, err := Parse(diff)
	if err != nil {
		return nil, err
	}
	set := map[string]struct{}{}
	for _, c := range changes {
		for _, p := range c.Paths() {
			set[p] = struct{}{}
		}
	}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Reader returns the current contents of path. exists is false when the
// file is absent.
type Reader func(path string) (content []byte, exists bool, err error)

// Result is the new state of one file.
type Result struct {
	Path    string
	OldPath string
	Content []byte
	Mode    os.FileMode
	Deleted bool
}

// Apply applies every change, reading originals through read. Nothing is
// written; callers persist the results.
func Apply(changes []Change, read Reader) ([]Result, error) {
	results := make([]Result, 0, len(changes))
	for _, c := range changes {
		res, err := applyOne(c, read)
		if err != nil {
			return nil, err
		}
		results = append(results, res...)
	}
	return results, nil
}

func applyOne(c Change, read Reader) ([]Result, error) {
	src := c.OldName
	if c.IsNew {
		src = c.NewName
	}
	original, exists, err := read(src)
	if err != nil {
		return nil, &ApplyError{Path: src, Err: err}
	}

	switch {
	case c.IsNew && exists:
		return nil, &ApplyError{Path: src, Err: errors.New("file already exists")}
	case !c.IsNew && !exists:
		return nil, &ApplyError{Path: src, Err: errors.New("file does not exist")}
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, bytes.NewReader(original), c.File); err != nil {
		return nil, &ApplyError{Path: src, Err: err}
	}

	if c.IsDelete {
		return []Result{{Path: c.OldName, Deleted: true}}, nil
	}

	mode := c.NewMode
	if mode == 0 {
		mode = c.OldMode
	}
	if mode == 0 {
		mode = 0o100644
	}
	results := []Result{{Path: c.NewName, Content: out.Bytes(), Mode: mode}}
	if c.IsRename {
		results[0].OldPath = c.OldName
		results = append(results, Result{Path: c.OldName, Deleted: true})
	}
	return results, nil
}

// Replace renders a diff that replaces the whole of path. When the file did
// not exist before, the diff creates it.
func Replace(path string, old []byte, existed bool, updated []byte) string {
	var b strings.Builder
	oldLines := splitLines(old)
	newLines := splitLines(updated)

	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", path, path)
	if existed {
		fmt.Fprintf(&b, "--- a/%s\n", path)
	} else {
		b.WriteString("new file mode 100644\n--- /dev/null\n")
	}
	fmt.Fprintf(&b, "+++ b/%s\n", path)
	fmt.Fprintf(&b, "@@ -%s +%s @@\n", hunkRange(len(oldLines)), hunkRange(len(newLines)))
	writeLines(&b, '-', oldLines, old)
	writeLines(&b, '+', newLines, updated)
	return b.String()
}

func hunkRange(n int) string {
	if n == 0 {
		return "0,0"
	}
	return fmt.Sprintf("1,%d", n)
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	s := strings.TrimSuffix(string(data), "\n")
	return strings.Split(s, "\n")
}

func writeLines(b *strings.Builder, prefix byte, lines []string, raw []byte) {
	for _, line := range lines {
		b.WriteByte(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		b.WriteString("\\ No newline at end of file\n")
	}
}
