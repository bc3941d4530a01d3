package scm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
)

const testSHA = "0123456789abcdef0123456789abcdef01234567"

func newTestClient(t *testing.T, mux *http.ServeMux, opts Options) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gh := github.NewClient(nil)
	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = u

	if opts.Retry.MaxRetries == 0 {
		opts.Retry = retry.Policy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	}
	return New(gh, opts, nil), srv
}

func TestFetchLog_ResolvesFailedJob(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/repos/acme/api/actions/runs/42/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "latest", r.URL.Query().Get("filter"))
		fmt.Fprint(w, `{"total_count":2,"jobs":[
			{"id":1,"name":"lint","conclusion":"success"},
			{"id":7,"name":"test","conclusion":"failure","steps":[
				{"name":"Checkout","conclusion":"success","number":1},
				{"name":"Run tests","conclusion":"failure","number":2}]}]}`)
	})
	mux.HandleFunc("/repos/acme/api/actions/jobs/7/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srvURL+"/blob/7", http.StatusFound)
	})
	mux.HandleFunc("/blob/7", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, "##[group]Run tests\nFAIL TestX\n##[error]Process completed with exit code 1.\n")
	})
	c, srv := newTestClient(t, mux, Options{})
	srvURL = srv.URL

	log, err := c.FetchLog(context.Background(), pipeline.FailureEvent{Repository: "acme/api", RunID: 42})
	require.NoError(t, err)
	assert.Equal(t, int64(7), log.JobID)
	assert.Equal(t, "test", log.JobName)
	assert.Equal(t, "Run tests", log.FailedStep)
	assert.Contains(t, log.Text, "FAIL TestX")
	assert.False(t, log.Truncated)
}

func TestFetchLog_NoFailedJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/actions/runs/42/jobs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":1,"jobs":[{"id":1,"name":"lint","conclusion":"success"}]}`)
	})
	c, _ := newTestClient(t, mux, Options{})

	_, err := c.FetchLog(context.Background(), pipeline.FailureEvent{Repository: "acme/api", RunID: 42})
	assert.ErrorIs(t, err, ErrNoFailedJob)
}

func TestFetchLog_Inline(t *testing.T) {
	c, _ := newTestClient(t, http.NewServeMux(), Options{})
	log, err := c.FetchLog(context.Background(), pipeline.FailureEvent{Repository: "acme/api", InlineLog: "error: boom", JobName: "build"})
	require.NoError(t, err)
	assert.Equal(t, "error: boom", log.Text)
	assert.Equal(t, "build", log.JobName)
}

func TestFetchLog_ExpiredLogIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/actions/jobs/9/logs", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
		fmt.Fprint(w, `{"message":"Gone"}`)
	})
	c, _ := newTestClient(t, mux, Options{})

	_, err := c.FetchLog(context.Background(), pipeline.FailureEvent{
		Repository: "acme/api", JobID: 9, JobName: "test", FailedStep: "Run tests",
	})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTouchedFiles_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/commits/"+testSHA, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"sha":"`+testSHA+`","files":[
			{"filename":"go.mod","status":"modified"},
			{"filename":"internal/x.go","status":"added"}]}`)
	})
	c, _ := newTestClient(t, mux, Options{})

	files, err := c.TouchedFiles(context.Background(), "acme/api", testSHA)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, files, 2)
	assert.Equal(t, pipeline.TouchedFile{Path: "go.mod", Status: "modified"}, files[0])
}

func TestTouchedFiles_ForbiddenIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/commits/"+testSHA, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"Resource not accessible by integration"}`)
	})
	c, _ := newTestClient(t, mux, Options{})

	_, err := c.TouchedFiles(context.Background(), "acme/api", testSHA)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, StatusCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFileContents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/contents/go.mod", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testSHA, r.URL.Query().Get("ref"))
		enc := base64.StdEncoding.EncodeToString([]byte("module acme/api\n"))
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","path":"go.mod","content":%q}`, enc)
	})
	mux.HandleFunc("/repos/acme/api/contents/missing.go", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	c, _ := newTestClient(t, mux, Options{})
	ctx := context.Background()

	data, ok, err := c.FileContents(ctx, "acme/api", "go.mod", testSHA)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "module acme/api\n", string(data))

	data, ok, err = c.FileContents(ctx, "acme/api", "missing.go", testSHA)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"too many requests", &APIError{Status: 429}, true},
		{"bad gateway", &APIError{Status: 502}, true},
		{"service unavailable", &APIError{Status: 503}, true},
		{"forbidden", &APIError{Status: 403}, false},
		{"forbidden rate limited", &APIError{Status: 403, RateLimited: true}, true},
		{"bad request", &APIError{Status: 400}, false},
		{"unauthorized", &APIError{Status: 401}, false},
		{"not found", &APIError{Status: 404}, false},
		{"unprocessable", &APIError{Status: 422}, false},
		{"transport", &APIError{Err: errors.New("connection reset")}, true},
		{"no installation", &APIError{Op: "get commit", Err: &url.Error{Op: "Get", URL: "https://api.github.com/repos/acme/api", Err: fmt.Errorf("%w for acme", ErrNoInstallation)}}, false},
		{"wrapped", fmt.Errorf("outer: %w", &APIError{Status: 500}), true},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRateLimitDelay(t *testing.T) {
	d, ok := rateLimitDelay(&APIError{Status: 429, Wait: 3 * time.Second})
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	_, ok = rateLimitDelay(&APIError{Status: 502})
	assert.False(t, ok)
}

func TestSplitRepository(t *testing.T) {
	owner, name, err := SplitRepository("acme/api")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "api", name)

	for _, bad := range []string{"", "acme", "/api", "acme/", "a/b/c"} {
		_, _, err := SplitRepository(bad)
		assert.ErrorIs(t, err, ErrInvalidRepository, bad)
	}
}

func TestReadTail(t *testing.T) {
	data, truncated, err := readTail(strings.NewReader("0123456789"), 4)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, "6789", string(data))

	data, truncated, err = readTail(strings.NewReader("abc"), 4)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "abc", string(data))
}
