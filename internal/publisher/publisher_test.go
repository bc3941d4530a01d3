package publisher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
	"github.com/fyrsmithlabs/remedyd/internal/scm"
)

const (
	testSig = fingerprint.Signature("3f2a9c0d1e4b5a6978c0d1e2f3a4b5c6d7e8f90112233445566778899aabbccd")
	testSHA = "abc1234def5678abc1234def5678abc1234def56"
	branch  = "fix/ci-abc1234-3f2a9c0d1e4b"
	limitGo = "package config\n\nfunc Limit() int {\n\treturn 4\n}\n"
)

const limitDiff = "diff --git a/config/config.go b/config/config.go\n" +
	"--- a/config/config.go\n" +
	"+++ b/config/config.go\n" +
	"@@ -1,5 +1,5 @@\n" +
	" package config\n" +
	" \n" +
	" func Limit() int {\n" +
	"-\treturn 4\n" +
	"+\treturn 3\n" +
	" }\n"

func testRequest() *pipeline.RemediationRequest {
	return &pipeline.RemediationRequest{
		Signature: testSig,
		Category:  fingerprint.CategoryTest,
		Event: pipeline.FailureEvent{
			Repository: "acme/api",
			Workflow:   "ci",
			JobName:    "test",
			HeadBranch: "main",
			CommitSHA:  testSHA,
			RunID:      42,
			RunURL:     "https://github.com/acme/api/actions/runs/42",
			Conclusion: "failure",
		},
	}
}

func testCandidate() pipeline.PatchCandidate {
	return pipeline.PatchCandidate{
		ID:        "generated-1",
		Diff:      limitDiff,
		Rationale: "TestLimit expects 3 but Limit returned 4 after the refactor. Restored the documented limit.",
		Source:    pipeline.SourceGenerated,
	}
}

// fakeGitHub serves the endpoints a publish touches and records what it
// was sent.
type fakeGitHub struct {
	mu          sync.Mutex
	existingPR  string
	refStatus   int
	treeFails   int
	prConflict  bool
	listCalls   atomic.Int32
	refCalls    atomic.Int32
	treeCalls   atomic.Int32
	tree        []map[string]any
	pullRequest map[string]any
	labels      []string
	comments    []string
	edited      []string
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		n := f.listCalls.Add(1)
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		assert.Equal(t, "acme:"+branch, r.URL.Query().Get("head"))
		if f.existingPR != "" && (!f.prConflict || n > 1) {
			fmt.Fprintf(w, `[{"number":5,"state":%q,"html_url":"https://github.com/acme/api/pull/5","head":{"ref":%q}}]`, f.existingPR, branch)
			return
		}
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("POST /repos/acme/api/git/refs", func(w http.ResponseWriter, r *http.Request) {
		f.refCalls.Add(1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refs/heads/"+branch, body["ref"])
		assert.Equal(t, testSHA, body["sha"])
		if f.refStatus != 0 {
			w.WriteHeader(f.refStatus)
			fmt.Fprint(w, `{"message":"Reference already exists"}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"ref":"refs/heads/%s","object":{"sha":%q}}`, branch, testSHA)
	})
	mux.HandleFunc("GET /repos/acme/api/contents/config/config.go", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testSHA, r.URL.Query().Get("ref"))
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","path":"config/config.go","content":%q}`,
			base64.StdEncoding.EncodeToString([]byte(limitGo)))
	})
	mux.HandleFunc("GET /repos/acme/api/git/commits/"+testSHA, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"sha":%q,"tree":{"sha":"tree0"}}`, testSHA)
	})
	mux.HandleFunc("POST /repos/acme/api/git/trees", func(w http.ResponseWriter, r *http.Request) {
		if int(f.treeCalls.Add(1)) <= f.treeFails {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body struct {
			BaseTree string           `json:"base_tree"`
			Tree     []map[string]any `json:"tree"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tree0", body.BaseTree)
		f.mu.Lock()
		f.tree = body.Tree
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"sha":"tree1"}`)
	})
	mux.HandleFunc("POST /repos/acme/api/git/commits", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string   `json:"message"`
			Tree    string   `json:"tree"`
			Parents []string `json:"parents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tree1", body.Tree)
		assert.Equal(t, []string{testSHA}, body.Parents)
		assert.Contains(t, body.Message, "Failure-Signature: "+string(testSig))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"sha":"commit1"}`)
	})
	mux.HandleFunc("PATCH /repos/acme/api/git/refs/heads/fix/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SHA   string `json:"sha"`
			Force bool   `json:"force"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "commit1", body.SHA)
		assert.True(t, body.Force)
		fmt.Fprintf(w, `{"ref":"refs/heads/%s","object":{"sha":"commit1"}}`, branch)
	})
	mux.HandleFunc("POST /repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.pullRequest = body
		f.mu.Unlock()
		if f.prConflict {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprintf(w, `{"message":"Validation Failed","errors":[{"resource":"PullRequest","code":"custom","message":"A pull request already exists for acme:%s."}]}`, branch)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"number":7,"state":"open","html_url":"https://github.com/acme/api/pull/7","head":{"ref":%q}}`, branch)
	})
	mux.HandleFunc("POST /repos/acme/api/issues/7/labels", func(w http.ResponseWriter, r *http.Request) {
		var labels []string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&labels))
		f.mu.Lock()
		f.labels = labels
		f.mu.Unlock()
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("GET /repos/acme/api/issues/5/comments", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := []map[string]any{{"id": 1, "body": "Looks good"}}
		for i, c := range f.comments {
			out = append(out, map[string]any{"id": 100 + i, "body": c})
		}
		require.NoError(t, json.NewEncoder(w).Encode(out))
	})
	mux.HandleFunc("POST /repos/acme/api/issues/5/comments", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.comments = append(f.comments, body["body"])
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":100,"html_url":"https://github.com/acme/api/pull/5#issuecomment-100"}`)
	})
	mux.HandleFunc("PATCH /repos/acme/api/issues/comments/100", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.edited = append(f.edited, body["body"])
		f.mu.Unlock()
		fmt.Fprint(w, `{"id":100,"html_url":"https://github.com/acme/api/pull/5#issuecomment-100"}`)
	})
	return mux
}

func newPublisher(t *testing.T, f *fakeGitHub, opts Options) *Publisher {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	gh := github.NewClient(nil)
	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = u

	client := scm.New(gh, scm.Options{
		Retry: retry.Policy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}, nil)
	p, err := New(client, opts, nil)
	require.NoError(t, err)
	return p
}

func TestPublish_OpensPullRequest(t *testing.T) {
	f := &fakeGitHub{}
	p := newPublisher(t, f, Options{Labels: []string{"ci-fix"}})

	h, err := p.Publish(context.Background(), testCandidate(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, pipeline.PullRequestHandle{
		Number: 7,
		URL:    "https://github.com/acme/api/pull/7",
		Branch: branch,
	}, h)

	require.Len(t, f.tree, 1)
	assert.Equal(t, "config/config.go", f.tree[0]["path"])
	assert.Equal(t, "100644", f.tree[0]["mode"])
	assert.Contains(t, f.tree[0]["content"], "return 3")

	assert.Equal(t, branch, f.pullRequest["head"])
	assert.Equal(t, "main", f.pullRequest["base"])
	assert.Equal(t, "fix(ci): repair ci / test failing on abc1234", f.pullRequest["title"])
	assert.Contains(t, f.pullRequest["body"], "<!-- remedyd:signature:"+string(testSig)+" -->")
	assert.Equal(t, []string{"ci-fix"}, f.labels)
}

func TestPublish_ExistingPullRequest(t *testing.T) {
	f := &fakeGitHub{existingPR: "closed"}
	p := newPublisher(t, f, Options{})

	h, err := p.Publish(context.Background(), testCandidate(), testRequest())
	require.NoError(t, err)
	assert.True(t, h.Existing)
	assert.Equal(t, 5, h.Number)
	assert.Zero(t, f.refCalls.Load(), "no writes when the pull request exists")
}

func TestPublish_BranchAlreadyExists(t *testing.T) {
	f := &fakeGitHub{refStatus: http.StatusUnprocessableEntity}
	p := newPublisher(t, f, Options{})

	h, err := p.Publish(context.Background(), testCandidate(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 7, h.Number)
	assert.False(t, h.Existing)
	assert.Equal(t, int32(1), f.refCalls.Load())
}

func TestPublish_ConflictResolvesToExisting(t *testing.T) {
	f := &fakeGitHub{existingPR: "open", prConflict: true}
	p := newPublisher(t, f, Options{})

	h, err := p.Publish(context.Background(), testCandidate(), testRequest())
	require.NoError(t, err)
	assert.True(t, h.Existing)
	assert.Equal(t, 5, h.Number)
	assert.Equal(t, int32(2), f.listCalls.Load())
}

func TestPublish_RetriesServerErrors(t *testing.T) {
	f := &fakeGitHub{treeFails: 2}
	p := newPublisher(t, f, Options{})

	_, err := p.Publish(context.Background(), testCandidate(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.treeCalls.Load())
}

func TestPublish_DiffDoesNotApply(t *testing.T) {
	f := &fakeGitHub{}
	p := newPublisher(t, f, Options{})

	cand := testCandidate()
	cand.Diff = strings.Replace(limitDiff, "-\treturn 4", "-\treturn 9", 1)
	_, err := p.Publish(context.Background(), cand, testRequest())
	require.Error(t, err)
	assert.Zero(t, f.refCalls.Load())
}

func TestCommentOnRepeat(t *testing.T) {
	f := &fakeGitHub{}
	p := newPublisher(t, f, Options{CommentOnRepeat: true})
	req := testRequest()
	ctx := context.Background()

	require.NoError(t, p.CommentOnRepeat(ctx, 5, req))
	require.Len(t, f.comments, 1)
	assert.True(t, strings.HasPrefix(f.comments[0], "<!-- remedyd:repeat:3f2a9c0d1e4b -->"))

	req.Event.CommitSHA = "fedcba9" + testSHA[7:]
	require.NoError(t, p.CommentOnRepeat(ctx, 5, req))
	assert.Len(t, f.comments, 1, "marker comment is edited, not duplicated")
	require.Len(t, f.edited, 1)
	assert.Contains(t, f.edited[0], "`fedcba9`")
}

func TestCommentOnRepeat_Disabled(t *testing.T) {
	f := &fakeGitHub{}
	p := newPublisher(t, f, Options{})
	require.NoError(t, p.CommentOnRepeat(context.Background(), 5, testRequest()))
	assert.Empty(t, f.comments)
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, branch, BranchName("fix/ci-", testSHA, testSig))
	assert.Equal(t, "fix/ci-abc-3f2a9c0d1e4b", BranchName("fix/ci-", "abc", testSig))
}

func TestRenderBody(t *testing.T) {
	files := []scm.TreeFile{{Path: "config/config_test.go"}, {Path: "config/config.go"}}
	body, err := RenderBody(testRequest(), testCandidate(), files)
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "pull_request_body", []byte(body))
}

func TestRenderRepeatComment(t *testing.T) {
	body, err := RenderRepeatComment(testRequest())
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "repeat_comment", []byte(body))
}

func TestRenderBody_LongRationale(t *testing.T) {
	cand := testCandidate()
	cand.Rationale = strings.Repeat("x", maxRationale+100)
	body, err := RenderBody(testRequest(), cand, nil)
	require.NoError(t, err)
	assert.Contains(t, body, strings.Repeat("x", maxRationale)+"…")
	assert.NotContains(t, body, strings.Repeat("x", maxRationale+1))
}
