package validator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// workflowFile is the part of a GitHub Actions workflow the validator reads.
type workflowFile struct {
	Name string                 `yaml:"name"`
	Jobs map[string]workflowJob `yaml:"jobs"`
}

type workflowJob struct {
	Name     string         `yaml:"name"`
	Defaults jobDefaults    `yaml:"defaults"`
	Steps    []workflowStep `yaml:"steps"`
}

type jobDefaults struct {
	Run struct {
		WorkingDirectory string `yaml:"working-directory"`
	} `yaml:"run"`
}

type workflowStep struct {
	Name             string `yaml:"name"`
	Uses             string `yaml:"uses"`
	Run              string `yaml:"run"`
	WorkingDirectory string `yaml:"working-directory"`
}

// displayName is the name the runner shows for a step.
func (s workflowStep) displayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Run != "":
		first, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
		return "Run " + first
	case s.Uses != "":
		return "Run " + s.Uses
	}
	return ""
}

// resolveCheck picks the command that reproduces the failure: a configured
// rule whose job glob matches, then the failed step's run script, then the
// default command.
func (v *Validator) resolveCheck(dir string, t Target) (string, error) {
	for _, r := range v.opts.Checks {
		if ok, _ := doublestar.Match(r.Job, t.JobName); ok && strings.TrimSpace(r.Command) != "" {
			return r.Command, nil
		}
	}
	if cmd := stepScript(dir, t); cmd != "" {
		return cmd, nil
	}
	if strings.TrimSpace(v.opts.DefaultCommand) != "" {
		return v.opts.DefaultCommand, nil
	}
	return "", fmt.Errorf("%w: job %q step %q", pipeline.ErrNoCheck, t.JobName, t.FailedStep)
}

// stepScript returns the run script of the failed step, or "" when the
// workflow or step cannot be found or the script depends on expressions
// only the runner can evaluate.
func stepScript(dir string, t Target) string {
	if t.FailedStep == "" {
		return ""
	}
	for _, wf := range workflowCandidates(dir, t) {
		data, err := os.ReadFile(wf)
		if err != nil {
			continue
		}
		var doc workflowFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			continue
		}
		if t.WorkflowPath == "" && t.Workflow != "" && doc.Name != t.Workflow {
			continue
		}
		for key, job := range doc.Jobs {
			if !jobMatches(key, job, t.JobName) {
				continue
			}
			for _, s := range job.Steps {
				if s.Run == "" || s.displayName() != t.FailedStep {
					continue
				}
				if strings.Contains(s.Run, "${{") {
					return ""
				}
				wd := s.WorkingDirectory
				if wd == "" {
					wd = job.Defaults.Run.WorkingDirectory
				}
				script := strings.TrimSpace(s.Run)
				if wd != "" && !strings.Contains(wd, "${{") {
					script = fmt.Sprintf("cd %q\n%s", wd, script)
				}
				return script
			}
		}
	}
	return ""
}

// workflowCandidates lists the workflow files to search.
func workflowCandidates(dir string, t Target) []string {
	if t.WorkflowPath != "" {
		p := filepath.FromSlash(t.WorkflowPath)
		if !filepath.IsLocal(p) {
			return nil
		}
		return []string{filepath.Join(dir, p)}
	}
	matches, _ := doublestar.FilepathGlob(filepath.Join(dir, ".github", "workflows", "*.{yml,yaml}"))
	return matches
}

// jobMatches compares a workflow job with the runner's job name. Matrix
// jobs are reported as "<name> (<values>)".
func jobMatches(key string, job workflowJob, jobName string) bool {
	if jobName == "" {
		return true
	}
	base := jobName
	if i := strings.Index(jobName, " ("); i > 0 {
		base = jobName[:i]
	}
	for _, n := range []string{job.Name, key} {
		if n != "" && (n == jobName || n == base) {
			return true
		}
	}
	return false
}
