package fixmemory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
	"github.com/fyrsmithlabs/remedyd/internal/vectorstore"
)

type wordEmbedder struct{}

func (wordEmbedder) vector(text string) []float32 {
	v := make([]float32, 32)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[int(h.Sum32())%len(v)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(norm))
	}
	return v
}

func (e wordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e wordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

// flakyStore fails the first failures calls of every operation.
type flakyStore struct {
	vectorstore.Store
	failures int32
	upserts  atomic.Int32
	searches atomic.Int32
}

var errUnavailable = errors.New("store unavailable")

func (f *flakyStore) Upsert(ctx context.Context, docs []vectorstore.Document) error {
	if f.upserts.Add(1) <= f.failures {
		return errUnavailable
	}
	return f.Store.Upsert(ctx, docs)
}

func (f *flakyStore) Search(ctx context.Context, q string, k int, filter map[string]string) ([]vectorstore.SearchResult, error) {
	if f.searches.Add(1) <= f.failures {
		return nil, errUnavailable
	}
	return f.Store.Search(ctx, q, k, filter)
}

func sig(s string) fingerprint.Signature {
	sum := sha256.Sum256([]byte(s))
	return fingerprint.Signature(hex.EncodeToString(sum[:]))
}

func newStore(t *testing.T) vectorstore.Store {
	t.Helper()
	s, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Collection: "fixes_test"}, wordEmbedder{}, nil)
	require.NoError(t, err)
	return s
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func record(signature fingerprint.Signature, text, diff string) pipeline.FixRecord {
	return pipeline.FixRecord{
		Signature:  signature,
		Category:   fingerprint.CategoryDependency,
		Diff:       diff,
		Rationale:  "pin the module",
		Outcome:    pipeline.OutcomePublished,
		ErrorText:  text,
		Repository: "acme/api",
		CommitSHA:  strings.Repeat("a", 40),
		PRURL:      "https://github.com/acme/api/pull/7",
	}
}

func TestAdapter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := New(newStore(t), Options{Retry: fastRetry()}, nil)
	require.NoError(t, err)

	s1 := sig("left-pad")
	require.NoError(t, a.Store(ctx, record(s1, "npm ERR! cannot find module left-pad", "diff-1")))
	require.NoError(t, a.Store(ctx, record(sig("other"), "undefined: Foo", "diff-2")))

	got := a.Query(ctx, Query{Signature: s1, Text: "completely unrelated words"}, 3)
	require.NotEmpty(t, got)
	assert.Equal(t, "diff-1", got[0].Diff)
	assert.Equal(t, ExactMatchScore, got[0].Confidence)
	assert.Equal(t, pipeline.SourceRetrieved, got[0].Source)
	assert.Contains(t, got[0].Rationale, "pull/7")
	for _, c := range got[1:] {
		assert.Less(t, c.Confidence, ExactMatchScore)
	}
}

func TestAdapter_QuerySemantic(t *testing.T) {
	ctx := context.Background()
	a, err := New(newStore(t), Options{Retry: fastRetry()}, nil)
	require.NoError(t, err)

	require.NoError(t, a.Store(ctx, record(sig("a"), "cannot find module left-pad", "diff-a")))
	require.NoError(t, a.Store(ctx, record(sig("b"), "expected 3 got 4", "diff-b")))

	got := a.Query(ctx, Query{Signature: sig("new"), Text: "cannot find module right-pad"}, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "diff-a", got[0].Diff)
	assert.Less(t, got[0].Confidence, ExactMatchScore)
}

func TestAdapter_QuerySimilarScopedToRepository(t *testing.T) {
	ctx := context.Background()
	a, err := New(newStore(t), Options{Retry: fastRetry()}, nil)
	require.NoError(t, err)

	theirs := record(sig("web"), "cannot find module left-pad", "diff-web")
	theirs.Repository = "acme/web"
	require.NoError(t, a.Store(ctx, theirs))
	require.NoError(t, a.Store(ctx, record(sig("api"), "expected 3 got 4", "diff-api")))

	q := Query{Signature: sig("new"), Text: "cannot find module left-pad", Repository: "acme/api"}
	got := a.Query(ctx, q, 3)
	require.Len(t, got, 1)
	assert.Equal(t, "diff-api", got[0].Diff)

	q.Repository = ""
	got = a.Query(ctx, q, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "diff-web", got[0].Diff)
}

func TestAdapter_QueryNoDuplicates(t *testing.T) {
	ctx := context.Background()
	a, err := New(newStore(t), Options{Retry: fastRetry()}, nil)
	require.NoError(t, err)

	s := sig("dup")
	require.NoError(t, a.Store(ctx, record(s, "panic: nil map", "diff")))

	got := a.Query(ctx, Query{Signature: s, Text: "panic: nil map"}, 5)
	require.Len(t, got, 1)
	assert.Equal(t, ExactMatchScore, got[0].Confidence)
}

func TestAdapter_QueryDegradesToEmpty(t *testing.T) {
	log := logging.NewTestLogger()
	store := &flakyStore{Store: newStore(t), failures: 100}
	a, err := New(store, Options{Retry: fastRetry()}, log.Logger)
	require.NoError(t, err)

	got := a.Query(context.Background(), Query{Signature: sig("x"), Text: "boom"}, 3)
	assert.Empty(t, got)
	log.AssertLogged(t, zapcore.WarnLevel, "fix memory")
}

func TestAdapter_QueryZeroTopK(t *testing.T) {
	a, err := New(newStore(t), Options{}, nil)
	require.NoError(t, err)
	assert.Empty(t, a.Query(context.Background(), Query{Signature: sig("x")}, 0))
}

func TestAdapter_StoreRetries(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: newStore(t), failures: 2}
	a, err := New(store, Options{Retry: fastRetry()}, nil)
	require.NoError(t, err)

	require.NoError(t, a.Store(ctx, record(sig("r"), "flaky", "diff")))
	assert.Equal(t, int32(3), store.upserts.Load())
}

func TestAdapter_StoreExhausted(t *testing.T) {
	log := logging.NewTestLogger()
	store := &flakyStore{Store: newStore(t), failures: 100}
	a, err := New(store, Options{Retry: fastRetry()}, log.Logger)
	require.NoError(t, err)

	err = a.Store(context.Background(), record(sig("r"), "flaky", "diff"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, int32(3), store.upserts.Load())
	log.AssertLogged(t, zapcore.ErrorLevel, "storing fix record failed")
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, Options{}, nil)
	assert.Error(t, err)
}

func TestStoreRetryable(t *testing.T) {
	assert.True(t, storeRetryable(errUnavailable))
	assert.False(t, storeRetryable(context.Canceled))
	assert.False(t, storeRetryable(vectorstore.ErrEmptyDocuments))
	assert.False(t, storeRetryable(nil))
}
