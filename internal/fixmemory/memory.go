// Package fixmemory stores successful fixes and retrieves them as patch
// candidates for new failures.
//
// Records are embedded by their normalized error text. A query merges an
// exact signature match, scored 1.0, with the nearest semantic neighbours
// from the same repository.
// Query never fails: an unreachable store yields no candidates.
package fixmemory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
	"github.com/fyrsmithlabs/remedyd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/fixmemory"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// Metadata keys.
const (
	keySignature  = "signature"
	keyRepository = "repository"
	keyCommit     = "commit_sha"
	keyCategory   = "category"
	keyDiff       = "diff"
	keyRationale  = "rationale"
	keyOutcome    = "outcome"
	keyPRURL      = "pr_url"
	keyCreatedAt  = "created_at"
)

// ExactMatchScore is the similarity assigned to a record whose signature
// equals the query signature.
const ExactMatchScore = 1.0

// Query describes the failure to find past fixes for.
type Query struct {
	Signature fingerprint.Signature
	Text      string
	// Repository limits similarity hits to fixes made in that repository.
	// Empty searches every repository.
	Repository string
}

// Memory is the fix memory as seen by the pipeline.
type Memory interface {
	Query(ctx context.Context, q Query, topK int) []pipeline.PatchCandidate
	Store(ctx context.Context, rec pipeline.FixRecord) error
}

// Options configures an Adapter.
type Options struct {
	QueryTimeout time.Duration
	StoreTimeout time.Duration
	Retry        retry.Policy
}

func (o *Options) applyDefaults() {
	if o.QueryTimeout == 0 {
		o.QueryTimeout = 10 * time.Second
	}
	if o.StoreTimeout == 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.Retry.MaxRetries == 0 {
		o.Retry = retry.DefaultPolicy()
	}
	if o.Retry.Retryable == nil {
		o.Retry.Retryable = storeRetryable
	}
}

// Adapter implements Memory on a vector store.
type Adapter struct {
	store  vectorstore.Store
	opts   Options
	logger *logging.Logger

	queries metric.Int64Counter
	stores  metric.Int64Counter
}

var _ Memory = (*Adapter)(nil)

// New creates an Adapter.
func New(store vectorstore.Store, opts Options, logger *logging.Logger) (*Adapter, error) {
	if store == nil {
		return nil, errors.New("vector store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	opts.applyDefaults()
	opts.Retry.Logger = logger

	a := &Adapter{store: store, opts: opts, logger: logger.Named("fixmemory")}
	meter := otel.Meter(instrumentationName)
	var err error
	a.queries, err = meter.Int64Counter("remedyd.fixmemory.queries_total",
		metric.WithDescription("Fix memory queries by outcome"),
		metric.WithUnit("{query}"))
	if err != nil {
		a.logger.Warn(context.Background(), "failed to create query counter", zap.Error(err))
	}
	a.stores, err = meter.Int64Counter("remedyd.fixmemory.stores_total",
		metric.WithDescription("Fix records written by outcome"),
		metric.WithUnit("{record}"))
	if err != nil {
		a.logger.Warn(context.Background(), "failed to create store counter", zap.Error(err))
	}
	return a, nil
}

// Query returns up to topK candidates ordered by descending similarity.
func (a *Adapter) Query(ctx context.Context, q Query, topK int) []pipeline.PatchCandidate {
	ctx, span := tracer().Start(ctx, "fixmemory.query")
	defer span.End()
	span.SetAttributes(attribute.String("signature", q.Signature.Short(12)), attribute.Int("top_k", topK))

	if topK <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.QueryTimeout)
	defer cancel()

	text := q.Text
	if text == "" {
		text = q.Signature.String()
	}

	merged := make(map[string]vectorstore.SearchResult)
	outcome := "ok"

	exact, err := a.store.Search(ctx, text, topK, map[string]string{keySignature: q.Signature.String()})
	if err != nil {
		outcome = "degraded"
		a.logger.Warn(ctx, "fix memory exact lookup failed", zap.Error(err))
	}
	for _, r := range exact {
		r.Score = ExactMatchScore
		merged[r.ID] = r
	}

	var scope map[string]string
	if q.Repository != "" {
		scope = map[string]string{keyRepository: q.Repository}
	}
	similar, err := a.store.Search(ctx, text, topK, scope)
	if err != nil {
		outcome = "degraded"
		a.logger.Warn(ctx, "fix memory similarity search failed", zap.Error(err))
	}
	for _, r := range similar {
		if _, ok := merged[r.ID]; ok {
			continue
		}
		merged[r.ID] = r
	}

	results := make([]vectorstore.SearchResult, 0, len(merged))
	for _, r := range merged {
		if r.Metadata[keyDiff] == "" {
			continue
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}

	out := make([]pipeline.PatchCandidate, len(results))
	for i, r := range results {
		out[i] = toCandidate(r)
	}

	if a.queries != nil {
		a.queries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	span.SetAttributes(attribute.Int("result_count", len(out)), attribute.String("outcome", outcome))
	a.logger.Debug(ctx, "fix memory queried",
		zap.Int("candidates", len(out)),
		zap.Int("exact", len(exact)),
		zap.String("outcome", outcome),
	)
	return out
}

// Store writes rec, retrying failures within the retry budget.
func (a *Adapter) Store(ctx context.Context, rec pipeline.FixRecord) error {
	ctx, span := tracer().Start(ctx, "fixmemory.store")
	defer span.End()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	doc := toDocument(rec)

	err := retry.Run(ctx, a.opts.Retry, "fixmemory store", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.opts.StoreTimeout)
		defer cancel()
		return a.store.Upsert(ctx, []vectorstore.Document{doc})
	})

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		a.logger.Error(ctx, "storing fix record failed",
			zap.String("record_id", rec.ID),
			zap.Error(err),
		)
	} else {
		a.logger.Info(ctx, "stored fix record",
			zap.String("record_id", rec.ID),
			zap.String("category", string(rec.Category)),
			zap.String("outcome", rec.Outcome),
		)
	}
	if a.stores != nil {
		a.stores.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if err != nil {
		return fmt.Errorf("storing fix record %s: %w", rec.ID, err)
	}
	return nil
}

func storeRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, vectorstore.ErrInvalidConfig) && !errors.Is(err, vectorstore.ErrEmptyDocuments)
}

func toDocument(rec pipeline.FixRecord) vectorstore.Document {
	content := rec.ErrorText
	if content == "" {
		content = rec.Signature.String()
	}
	md := map[string]string{
		keySignature:  rec.Signature.String(),
		keyRepository: rec.Repository,
		keyCommit:     rec.CommitSHA,
		keyCategory:   string(rec.Category),
		keyDiff:       rec.Diff,
		keyRationale:  rec.Rationale,
		keyOutcome:    rec.Outcome,
		keyCreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.PRURL != "" {
		md[keyPRURL] = rec.PRURL
	}
	return vectorstore.Document{ID: rec.ID, Content: content, Metadata: md}
}

func toCandidate(r vectorstore.SearchResult) pipeline.PatchCandidate {
	rationale := r.Metadata[keyRationale]
	if url := r.Metadata[keyPRURL]; url != "" {
		rationale = fmt.Sprintf("%s (published in %s)", rationale, url)
	}
	return pipeline.PatchCandidate{
		ID:         "memory-" + r.ID,
		Diff:       r.Metadata[keyDiff],
		Rationale:  rationale,
		Source:     pipeline.SourceRetrieved,
		Confidence: float64(r.Score),
	}
}
