// Package vectorstore stores fix records as embedded documents and answers
// similarity queries over them.
//
// Implementations:
//   - ChromemStore: embedded chromem-go, persisted to disk (default)
//   - QdrantStore: external Qdrant over gRPC
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrEmptyQuery indicates a search with no query text.
	ErrEmptyQuery = errors.New("query cannot be empty")

	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("failed to connect to vector store")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName checks name against ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is a unit of storage. Content is the embedded text.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// SearchResult is one hit, highest Score first.
type SearchResult struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]string
}

// Store is the storage contract used by the fix memory.
type Store interface {
	// Upsert embeds and writes docs. A document with an existing ID replaces it.
	Upsert(ctx context.Context, docs []Document) error

	// Search returns up to k documents most similar to query. When filter is
	// non-empty only documents whose metadata matches every pair are
	// considered.
	Search(ctx context.Context, query string, k int, filter map[string]string) ([]SearchResult, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	Close() error
}
