package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

type runResult struct {
	exitCode int
	output   []byte
	duration time.Duration
}

// tail returns at most n bytes from the end of the combined output.
func (r runResult) tail(n int) string {
	out := bytes.TrimRight(r.output, "\n")
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
		if i := bytes.IndexByte(out, '\n'); i >= 0 && i < len(out)-1 {
			out = out[i+1:]
		}
	}
	return string(out)
}

// run executes check in dir. A non-zero exit is reported through the
// result; a timeout is a transient error.
func (v *Validator) run(ctx context.Context, dir, check string) (runResult, error) {
	ctx, span := tracer().Start(ctx, "validator.check")
	defer span.End()

	checkCtx, cancel := context.WithTimeout(ctx, v.opts.CheckTimeout)
	defer cancel()

	cmd := exec.CommandContext(checkCtx, v.opts.Shell, "-eo", "pipefail", "-c", check)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CI=true")
	cmd.Env = append(cmd.Env, v.opts.Env...)
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	res := runResult{output: out.Bytes(), duration: time.Since(start)}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
		return res, pipeline.Transient("validator.check", fmt.Errorf("check timed out after %s", v.opts.CheckTimeout))
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.exitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("running check: %w", runErr)
	}

	v.logger.Debug(ctx, "check finished",
		zap.String("check", check),
		zap.Int("exit_code", res.exitCode),
		zap.Duration("duration", res.duration),
	)
	return res, nil
}
