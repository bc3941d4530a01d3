package scm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// ErrNoFailedJob means a workflow run reported failure but none of its
// jobs did.
var ErrNoFailedJob = errors.New("no failed job in workflow run")

// JobLog is a downloaded job log with the job it belongs to.
type JobLog struct {
	Text       string
	JobID      int64
	JobName    string
	FailedStep string
	Truncated  bool
}

// FetchLog downloads the log of the failed job. Events without a job ID
// resolve to the first failed job of the run. An inline log is returned
// as is.
func (c *Client) FetchLog(ctx context.Context, ev pipeline.FailureEvent) (JobLog, error) {
	out := JobLog{JobID: ev.JobID, JobName: ev.JobName, FailedStep: ev.FailedStep}
	if ev.InlineLog != "" {
		out.Text = ev.InlineLog
		return out, nil
	}
	owner, name, err := SplitRepository(ev.Repository)
	if err != nil {
		return out, err
	}

	job, err := c.resolveJob(ctx, owner, name, ev)
	if err != nil {
		return out, err
	}
	if job != nil {
		out.JobID = job.GetID()
		if out.JobName == "" {
			out.JobName = job.GetName()
		}
		if out.FailedStep == "" {
			out.FailedStep = failedStep(job)
		}
	}

	logURL, err := Do(ctx, c.policy, "get job logs", func(ctx context.Context) (*url.URL, *github.Response, error) {
		return c.gh.Actions.GetWorkflowJobLogs(ctx, owner, name, out.JobID, 3)
	})
	if err != nil {
		return out, fmt.Errorf("locating log for job %d: %w", out.JobID, err)
	}

	body, err := Do(ctx, c.policy, "download job logs", func(ctx context.Context) (logBody, *github.Response, error) {
		return c.downloadLog(ctx, logURL.String())
	})
	if err != nil {
		return out, fmt.Errorf("downloading log for job %d: %w", out.JobID, err)
	}
	out.Text, out.Truncated = body.text, body.truncated
	if body.truncated {
		c.logger.Debug(ctx, "job log truncated to tail",
			zap.Int64("job_id", out.JobID), zap.Int("max_bytes", c.maxLogBytes))
	}
	return out, nil
}

// resolveJob returns the failed job, or nil if the event already names it
// fully.
func (c *Client) resolveJob(ctx context.Context, owner, name string, ev pipeline.FailureEvent) (*github.WorkflowJob, error) {
	if ev.JobID != 0 {
		if ev.JobName != "" && ev.FailedStep != "" {
			return nil, nil
		}
		job, err := Do(ctx, c.policy, "get job", func(ctx context.Context) (*github.WorkflowJob, *github.Response, error) {
			return c.gh.Actions.GetWorkflowJobByID(ctx, owner, name, ev.JobID)
		})
		if err != nil {
			return nil, fmt.Errorf("getting job %d: %w", ev.JobID, err)
		}
		return job, nil
	}

	opts := &github.ListWorkflowJobsOptions{Filter: "latest", ListOptions: github.ListOptions{PerPage: 100}}
	for {
		jobs, err := Do(ctx, c.policy, "list jobs", func(ctx context.Context) (*github.Jobs, *github.Response, error) {
			return c.gh.Actions.ListWorkflowJobs(ctx, owner, name, ev.RunID, opts)
		})
		if err != nil {
			return nil, fmt.Errorf("listing jobs of run %d: %w", ev.RunID, err)
		}
		for _, j := range jobs.Jobs {
			if j.GetConclusion() == "failure" {
				return j, nil
			}
		}
		if len(jobs.Jobs) < opts.PerPage {
			return nil, fmt.Errorf("%w: run %d", ErrNoFailedJob, ev.RunID)
		}
		if opts.Page == 0 {
			opts.Page = 1
		}
		opts.Page++
	}
}

func failedStep(job *github.WorkflowJob) string {
	for _, s := range job.Steps {
		if s.GetConclusion() == "failure" {
			return s.GetName()
		}
	}
	return ""
}

type logBody struct {
	text      string
	truncated bool
}

// downloadLog fetches the pre-signed log URL without API credentials.
func (c *Client) downloadLog(ctx context.Context, u string) (logBody, *github.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return logBody{}, nil, err
	}
	resp, err := c.download.Do(req)
	if err != nil {
		return logBody{}, nil, err
	}
	defer resp.Body.Close()

	ghResp := &github.Response{Response: resp}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return logBody{}, ghResp, fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, truncated, err := readTail(resp.Body, c.maxLogBytes)
	if err != nil {
		return logBody{}, ghResp, err
	}
	return logBody{text: string(data), truncated: truncated}, ghResp, nil
}

// readTail reads r to EOF keeping at most limit trailing bytes.
func readTail(r io.Reader, limit int) ([]byte, bool, error) {
	buf := make([]byte, 0, 64<<10)
	chunk := make([]byte, 32<<10)
	truncated := false
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if len(buf) > limit {
			buf = append(buf[:0], buf[len(buf)-limit:]...)
			truncated = true
		}
		if errors.Is(err, io.EOF) {
			return buf, truncated, nil
		}
		if err != nil {
			return nil, false, err
		}
	}
}
